package api

import "net/http"

func (s *Server) handleListSolvers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.solvers.List())
}
