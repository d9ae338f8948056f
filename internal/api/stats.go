package api

import (
	"net/http"

	"github.com/seantiz/simflow/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	Active   int            `json:"active"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.coord.Stats(r.Context())
	if err != nil {
		s.logger.Error("get workflow stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{ByStatus: make(map[string]int, len(counts))}
	for status, n := range counts {
		resp.ByStatus[string(status)] = n
		resp.Total += n
		if !status.Terminal() {
			resp.Active += n
		}
	}
	for _, status := range model.AllStatuses() {
		if _, ok := resp.ByStatus[string(status)]; !ok {
			resp.ByStatus[string(status)] = 0
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
