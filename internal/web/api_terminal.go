package web

import (
	"net/http"
	"strconv"

	"github.com/livelabs/sandbox-core/internal/metrics"
	"github.com/livelabs/sandbox-core/internal/store"
)

// handleTerminal authenticates from the token query parameter (a browser
// WebSocket can't set an Authorization header), verifies ownership of the
// enrollment, then hands the upgraded connection to the terminal bridge.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	rc := queryTokenIdentity(s.deps.Auth, r)
	if rc == nil {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	eid, err := strconv.ParseUint(r.PathValue("eid"), 10, 64)
	if err != nil {
		http.Error(w, "invalid enrollment id", http.StatusBadRequest)
		return
	}
	enrollment, err := s.deps.Store.GetEnrollment(eid)
	if err == store.ErrNotFound {
		http.Error(w, "enrollment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ownsEnrollment(rc, enrollment) {
		http.Error(w, "not your enrollment", http.StatusForbidden)
		return
	}

	metrics.TerminalSessionsTotal.Inc()
	metrics.TerminalSessionsActive.Inc()
	defer metrics.TerminalSessionsActive.Dec()

	s.deps.Terminal.ServeWS(w, r, enrollment)
}
