package api

import "net/http"

type healthResponse struct {
	Status        string `json:"status"`
	DefaultSolver string `json:"default_solver,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		DefaultSolver: s.solvers.DefaultName(),
	})
}
