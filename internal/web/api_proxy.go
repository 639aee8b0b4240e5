package web

import (
	"net/http"

	"github.com/livelabs/sandbox-core/internal/metrics"
	"github.com/livelabs/sandbox-core/internal/proxy"
)

// handleProxy authenticates from the token query parameter, then forwards
// the request to the allow-listed upstream URL.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	rc := queryTokenIdentity(s.deps.Auth, r)
	if rc == nil {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	err := s.deps.Proxy.Fetch(w, r, target)
	statusClass := "2xx"
	if err != nil {
		code := proxy.StatusCode(err)
		statusClass = statusClassFor(code)
		http.Error(w, err.Error(), code)
	}
	metrics.ProxyRequestsTotal.WithLabelValues(statusClass).Inc()
}

func statusClassFor(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
