package httpapi

import "net/http"

// handlePerfCalls summarises the most recent ended calls by end reason.
func (s *Server) handlePerfCalls(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotOutcomes())
}
