package web

import "net/http"

// handleHealthz reports liveness: the engine responds to a ping. The store
// is not checked. Unauthenticated — used by orchestration health probes.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
