package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/simflow/internal/cache"
	"github.com/seantiz/simflow/internal/inference"
	"github.com/seantiz/simflow/internal/pipeline"
	"github.com/seantiz/simflow/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error      string `json:"error"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps a domain error onto an HTTP status. Unexpected
// errors are logged and reported as 500 with a generic message.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
		s.writeError(w, status, "failed to "+op)
		return
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var verr *pipeline.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, inference.ErrInvalidPoints),
		errors.Is(err, store.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNotRestartable),
		errors.Is(err, pipeline.ErrInvalidTransition),
		errors.Is(err, pipeline.ErrStaleTransition),
		errors.Is(err, cache.ErrNotReady):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a size-limited JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
