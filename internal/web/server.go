// Package web exposes the sandbox orchestrator's control API: script
// execution, app-container lifecycle, the interactive terminal bridge, and
// the embedding proxy, plus the ambient health and metrics endpoints.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livelabs/sandbox-core/internal/appcontainer"
	"github.com/livelabs/sandbox-core/internal/auth"
	"github.com/livelabs/sandbox-core/internal/docker"
	"github.com/livelabs/sandbox-core/internal/events"
	"github.com/livelabs/sandbox-core/internal/initrun"
	"github.com/livelabs/sandbox-core/internal/notify"
	"github.com/livelabs/sandbox-core/internal/proxy"
	"github.com/livelabs/sandbox-core/internal/runner"
	"github.com/livelabs/sandbox-core/internal/store"
	"github.com/livelabs/sandbox-core/internal/tty"
)

// Dependencies wires every component the control API dispatches to. All
// fields are required except Notify, which is optional (nil disables
// event fan-out).
type Dependencies struct {
	Store         *store.Store
	Engine        docker.API
	Runner        *runner.Runner
	AppContainers *appcontainer.Manager
	Init          *initrun.Orchestrator
	Terminal      *tty.Bridge
	Proxy         *proxy.Proxy
	Events        *events.Bus
	Auth          *auth.Service
	Notify        *notify.Multi
	Log           *slog.Logger

	TLSCert string
	TLSKey  string
}

// Server is the sandbox orchestrator's HTTP control-plane listener.
type Server struct {
	deps      Dependencies
	mux       *http.ServeMux
	server    *http.Server
	startTime time.Time
}

// NewServer builds a Server with routes registered and ready to listen.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:      deps,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP (or HTTPS, if TLSCert/TLSKey are set)
// listener on addr. It blocks until the server is shut down.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the terminal WebSocket and proxy streams are long-lived
		IdleTimeout:  120 * time.Second,
	}
	if s.deps.TLSCert != "" && s.deps.TLSKey != "" {
		s.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		return s.server.ListenAndServeTLS(s.deps.TLSCert, s.deps.TLSKey)
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	authMw := auth.AuthMiddleware(s.deps.Auth)
	csrfMw := auth.CSRFMiddleware
	authed := func(h http.HandlerFunc) http.Handler {
		return authMw(csrfMw(h))
	}

	s.mux.Handle("POST /enrollments/{eid}/steps/{ord}/execute", authed(s.handleExecute))
	s.mux.Handle("GET /enrollments/{eid}/steps/{ord}/execute/history", authed(s.handleExecuteHistory))
	s.mux.Handle("GET /enrollments/{eid}/app", authed(s.handleAppStatus))
	s.mux.Handle("POST /enrollments/{eid}/app/init", authed(s.handleAppInit))
	s.mux.Handle("POST /enrollments/{eid}/app/start", authed(s.handleAppStart))
	s.mux.Handle("POST /enrollments/{eid}/app/restart", authed(s.handleAppRestart))
	s.mux.Handle("POST /enrollments/{eid}/app/stop", authed(s.handleAppStop))

	// T and P authenticate from a query-string token rather than the
	// header/cookie middleware above, so they're wired directly.
	s.mux.HandleFunc("GET /terminal/ws/{eid}", s.handleTerminal)
	s.mux.HandleFunc("GET /proxy/fetch", s.handleProxy)

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// authIdentity resolves the caller's RequestContext from the bearer/cookie
// middleware chain. Callers must only reach this after authed().
func authIdentity(r *http.Request) *auth.RequestContext {
	return auth.GetRequestContext(r.Context())
}

// queryTokenIdentity resolves a caller's identity from the token query
// parameter, for the two socket-style endpoints that can't set an
// Authorization header from a browser.
func queryTokenIdentity(svc *auth.Service, r *http.Request) *auth.RequestContext {
	if !svc.AuthEnabled() {
		return &auth.RequestContext{
			User:        &auth.User{ID: "system", Username: "admin"},
			Permissions: auth.AllPermissions(),
			AuthEnabled: false,
		}
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		return nil
	}
	rc := svc.ValidateBearerToken(r.Context(), token)
	if rc != nil {
		rc.AuthEnabled = true
	}
	return rc
}

// ownsEnrollment reports whether rc may act on e: either rc is the
// enrollment's own user, or rc carries the admin role.
func ownsEnrollment(rc *auth.RequestContext, e store.Enrollment) bool {
	if rc == nil || rc.User == nil {
		return false
	}
	return rc.User.ID == e.UserID || rc.User.RoleID == auth.RoleAdminID
}
