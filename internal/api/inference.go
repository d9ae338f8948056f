package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/simflow/internal/model"
)

const maxBatchRequests = 100

// submitInferenceRequest is the JSON body for POST /v1/workflows/{id}/inference.
type submitInferenceRequest struct {
	RequestID string      `json:"request_id"`
	Points    [][]float64 `json:"input_points"`
}

type submitInferenceResponse struct {
	WorkflowID string `json:"workflow_id"`
	RequestID  string `json:"request_id"`
	Status     string `json:"status"`
}

// batchInferenceRequest is the JSON body for POST /v1/workflows/{id}/inference/batch.
type batchInferenceRequest struct {
	Requests []model.InferenceRequest `json:"requests"`
}

type batchInferenceResponse struct {
	WorkflowID string                  `json:"workflow_id"`
	Results    []model.InferenceResult `json:"results"`
	Failed     int                     `json:"failed"`
}

func (s *Server) handleSubmitInference(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req submitInferenceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	requestID, err := s.inference.Submit(r.Context(), id, req.RequestID, req.Points)
	if err != nil {
		s.writeServiceError(w, "submit inference", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitInferenceResponse{
		WorkflowID: id,
		RequestID:  requestID,
		Status:     "queued",
	})
}

func (s *Server) handleBatchInference(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req batchInferenceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Requests) == 0 {
		s.writeError(w, http.StatusBadRequest, "requests is required")
		return
	}
	if len(req.Requests) > maxBatchRequests {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d requests per batch", maxBatchRequests))
		return
	}

	results := s.inference.Process(r.Context(), id, req.Requests)
	failed := 0
	for _, res := range results {
		if !res.Succeeded() {
			failed++
		}
	}

	s.writeJSON(w, http.StatusOK, batchInferenceResponse{
		WorkflowID: id,
		Results:    results,
		Failed:     failed,
	})
}

func (s *Server) handleGetInferenceResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requestID := chi.URLParam(r, "requestID")

	res, err := s.inference.Result(r.Context(), id, requestID)
	if err != nil {
		s.writeServiceError(w, "get inference result", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
