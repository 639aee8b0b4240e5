package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/livelabs/sandbox-core/internal/appcontainer"
	"github.com/livelabs/sandbox-core/internal/metrics"
	"github.com/livelabs/sandbox-core/internal/notify"
	"github.com/livelabs/sandbox-core/internal/store"
)

type appStatusResponse struct {
	Status          string        `json:"status"`
	HasApp          bool          `json:"has_app"`
	URL             string        `json:"url,omitempty"`
	Cookies         []store.Cookie `json:"cookies,omitempty"`
	Type            string        `json:"type,omitempty"`
	ContainerStatus string        `json:"container_status,omitempty"`
	InitFailed      bool          `json:"init_failed,omitempty"`
	InitError       string        `json:"init_error,omitempty"`
	Ports           map[int]int   `json:"ports,omitempty"`
	RestartCount    int           `json:"restart_count,omitempty"`
	CanStart        bool          `json:"can_start,omitempty"`
	CanRestart      bool          `json:"can_restart,omitempty"`
}

// resolveEnrollment loads the enrollment named by {eid} and checks
// ownership, writing an error response and returning ok=false on failure.
func (s *Server) resolveEnrollment(w http.ResponseWriter, r *http.Request) (store.Enrollment, bool) {
	rc := authIdentity(r)
	eid, err := strconv.ParseUint(r.PathValue("eid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid enrollment id")
		return store.Enrollment{}, false
	}
	enrollment, err := s.deps.Store.GetEnrollment(eid)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "enrollment not found")
		return store.Enrollment{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return store.Enrollment{}, false
	}
	if !ownsEnrollment(rc, enrollment) {
		writeError(w, http.StatusForbidden, "not your enrollment")
		return store.Enrollment{}, false
	}
	return enrollment, true
}

// handleAppStatus composes init-script state and app-container state into
// the single status view the learner UI polls.
func (s *Server) handleAppStatus(w http.ResponseWriter, r *http.Request) {
	enrollment, ok := s.resolveEnrollment(w, r)
	if !ok {
		return
	}
	track, err := s.deps.Store.GetTrack(enrollment.TrackID)
	if err != nil {
		writeError(w, http.StatusNotFound, "track not found")
		return
	}

	resp, err := s.composeAppStatus(r, enrollment, track)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) composeAppStatus(r *http.Request, enrollment store.Enrollment, track store.Track) (appStatusResponse, error) {
	hasInit := track.InitScript != ""
	hasAppContainer := track.AppContainerImage != ""
	hasURLTemplate := track.AppURLTemplate != ""

	if !hasInit && !hasAppContainer && !hasURLTemplate {
		return appStatusResponse{Status: "no_app", HasApp: false}, nil
	}

	if hasInit {
		switch enrollment.InitStatus {
		case store.InitPending:
			return appStatusResponse{Status: "needs_init", HasApp: true}, nil
		case store.InitRunning:
			return appStatusResponse{Status: "initializing", HasApp: true}, nil
		case store.InitFailed:
			if hasURLTemplate {
				return appStatusResponse{
					Status: "ready", HasApp: true, Type: "init",
					URL: track.AppURLTemplate, InitFailed: true, InitError: enrollment.InitError,
				}, nil
			}
			return appStatusResponse{Status: "init_failed", HasApp: true, InitError: enrollment.InitError}, nil
		}
	}

	if enrollment.AppURL != nil && *enrollment.AppURL != "" {
		return appStatusResponse{
			Status: "ready", HasApp: true, Type: "init",
			URL: *enrollment.AppURL, Cookies: enrollment.AppCookies,
		}, nil
	}

	if hasAppContainer {
		st, err := s.deps.AppContainers.Status(r.Context(), enrollment)
		if err != nil {
			return appStatusResponse{}, err
		}
		if st.URL != "" {
			return appStatusResponse{
				Status: "ready", HasApp: true, Type: "app_container",
				URL: st.URL, Cookies: st.AutoLoginCookies,
				ContainerStatus: st.ContainerStatus, Ports: st.Ports,
				RestartCount: st.RestartCount, CanRestart: st.CanRestart,
			}, nil
		}
		return appStatusResponse{
			Status: st.ContainerStatus, HasApp: true, Type: "app_container",
			ContainerStatus: st.ContainerStatus, CanStart: st.CanStart, CanRestart: st.CanRestart,
			RestartCount: st.RestartCount,
		}, nil
	}

	return appStatusResponse{Status: "no_app", HasApp: false}, nil
}

// handleAppInit dispatches the track's init script for the enrollment.
func (s *Server) handleAppInit(w http.ResponseWriter, r *http.Request) {
	enrollment, ok := s.resolveEnrollment(w, r)
	if !ok {
		return
	}
	track, err := s.deps.Store.GetTrack(enrollment.TrackID)
	if err != nil {
		writeError(w, http.StatusNotFound, "track not found")
		return
	}

	result, err := s.deps.Init.RunInit(r.Context(), enrollment.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if result.Status == store.InitSuccess || result.Status == store.InitFailed {
		metrics.InitRunsTotal.WithLabelValues(result.Status).Inc()
		evtType := notify.EventInitSucceeded
		if result.Status == store.InitFailed {
			evtType = notify.EventInitFailed
		}
		s.notify(r, notify.Event{
			Type: evtType, EnrollmentID: enrollment.ID, TrackSlug: track.Slug,
			Error: result.Error, Timestamp: time.Now().UTC(),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAppStart(w http.ResponseWriter, r *http.Request) {
	enrollment, ok := s.resolveEnrollment(w, r)
	if !ok {
		return
	}
	ac, err := s.deps.AppContainers.Start(r.Context(), enrollment)
	s.respondAppLifecycle(w, r, enrollment, ac, err)
}

func (s *Server) handleAppRestart(w http.ResponseWriter, r *http.Request) {
	enrollment, ok := s.resolveEnrollment(w, r)
	if !ok {
		return
	}
	ac, err := s.deps.AppContainers.Restart(r.Context(), enrollment)
	if err == nil {
		metrics.AppContainerRestarts.Inc()
	}
	s.respondAppLifecycle(w, r, enrollment, ac, err)
}

func (s *Server) handleAppStop(w http.ResponseWriter, r *http.Request) {
	enrollment, ok := s.resolveEnrollment(w, r)
	if !ok {
		return
	}
	if err := s.deps.AppContainers.Stop(r.Context(), enrollment); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// respondAppLifecycle writes the outcome of a Start/Restart call, recording
// metrics and firing a notification either way.
func (s *Server) respondAppLifecycle(w http.ResponseWriter, r *http.Request, enrollment store.Enrollment, ac store.AppContainer, err error) {
	if errors.Is(err, appcontainer.ErrNoAppContainer) {
		writeError(w, http.StatusBadRequest, "track has no app container")
		return
	}
	if err != nil {
		track, _ := s.deps.Store.GetTrack(enrollment.TrackID)
		metrics.AppContainerStarts.WithLabelValues(store.AppContainerFailed).Inc()
		s.notify(r, notify.Event{
			Type: notify.EventAppContainerFailed, EnrollmentID: enrollment.ID,
			TrackSlug: track.Slug, Error: err.Error(), Timestamp: time.Now().UTC(),
		})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	track, _ := s.deps.Store.GetTrack(enrollment.TrackID)
	metrics.AppContainerStarts.WithLabelValues(ac.Status).Inc()
	s.notify(r, notify.Event{
		Type: notify.EventAppContainerState, EnrollmentID: enrollment.ID,
		TrackSlug: track.Slug, Timestamp: time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, ac)
}
