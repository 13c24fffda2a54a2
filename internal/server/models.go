package server

import "net/http"

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listModels(s.cfg))
}
