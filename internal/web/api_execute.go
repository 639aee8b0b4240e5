package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/livelabs/sandbox-core/internal/metrics"
	"github.com/livelabs/sandbox-core/internal/notify"
	"github.com/livelabs/sandbox-core/internal/store"
)

type executeRequest struct {
	ScriptType string `json:"script_type"`
}

type executeResponse struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Advanced   bool   `json:"advanced,omitempty"`
}

// resolveEnrollmentAndStep loads the enrollment named by the {eid} path
// value, checks ownership, and resolves the step at {ord}. It writes an
// error response and returns ok=false on any failure.
func (s *Server) resolveEnrollmentAndStep(w http.ResponseWriter, r *http.Request) (store.Enrollment, store.Track, store.Step, bool) {
	rc := authIdentity(r)
	eid, err := strconv.ParseUint(r.PathValue("eid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid enrollment id")
		return store.Enrollment{}, store.Track{}, store.Step{}, false
	}
	enrollment, err := s.deps.Store.GetEnrollment(eid)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "enrollment not found")
		return store.Enrollment{}, store.Track{}, store.Step{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return store.Enrollment{}, store.Track{}, store.Step{}, false
	}
	if !ownsEnrollment(rc, enrollment) {
		writeError(w, http.StatusForbidden, "not your enrollment")
		return store.Enrollment{}, store.Track{}, store.Step{}, false
	}
	track, err := s.deps.Store.GetTrack(enrollment.TrackID)
	if err != nil {
		writeError(w, http.StatusNotFound, "track not found")
		return store.Enrollment{}, store.Track{}, store.Step{}, false
	}

	ord, err := strconv.Atoi(r.PathValue("ord"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid step order")
		return store.Enrollment{}, store.Track{}, store.Step{}, false
	}
	steps, err := s.deps.Store.ListStepsByTrack(track.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return store.Enrollment{}, store.Track{}, store.Step{}, false
	}
	var step store.Step
	found := false
	for _, st := range steps {
		if st.Order == ord {
			step = st
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "step not found")
		return store.Enrollment{}, store.Track{}, store.Step{}, false
	}
	return enrollment, track, step, true
}

// handleExecute dispatches a setup or validation script for a step and
// records an Execution row, advancing the enrollment on a successful
// validation run at its current step.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	enrollment, track, step, ok := s.resolveEnrollmentAndStep(w, r)
	if !ok {
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ScriptType != store.ScriptTypeSetup && req.ScriptType != store.ScriptTypeValidation {
		writeError(w, http.StatusBadRequest, "script_type must be \"setup\" or \"validation\"")
		return
	}
	if step.Order > enrollment.CurrentStep {
		writeError(w, http.StatusForbidden, "cannot execute a step ahead of the enrollment's current step")
		return
	}

	script := step.SetupScript
	if req.ScriptType == store.ScriptTypeValidation {
		script = step.ValidationScript
	}

	exec, err := s.deps.Store.CreateExecution(store.Execution{
		EnrollmentID: enrollment.ID,
		StepID:       step.ID,
		ScriptType:   req.ScriptType,
		Status:       store.ExecutionRunning,
		StartedAt:    time.Now().UTC(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, runErr := s.deps.Runner.Run(r.Context(), script, track.EnvSecrets, track.DockerImage, 0)

	exec.Stdout = result.Stdout
	exec.Stderr = result.Stderr
	exec.ExitCode = result.ExitCode
	exec.DurationMs = result.DurationMs
	if result.Success {
		exec.Status = store.ExecutionSuccess
	} else {
		exec.Status = store.ExecutionFailed
	}
	if err := s.deps.Store.UpdateExecution(exec); err != nil {
		s.deps.Log.Warn("update execution record", "execution_id", exec.ID, "error", err)
	}

	metrics.ExecutionsTotal.WithLabelValues(req.ScriptType, exec.Status).Inc()
	metrics.ExecutionDuration.Observe(float64(result.DurationMs) / 1000)

	evtType := notify.EventExecutionSucceeded
	if !result.Success {
		evtType = notify.EventExecutionFailed
	}
	s.notify(r, notify.Event{
		Type:         evtType,
		EnrollmentID: enrollment.ID,
		TrackSlug:    track.Slug,
		ScriptType:   req.ScriptType,
		Error:        result.Stderr,
		Timestamp:    time.Now().UTC(),
	})

	resp := executeResponse{
		Success:    result.Success,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitCode:   result.ExitCode,
		DurationMs: result.DurationMs,
	}

	if result.Success && req.ScriptType == store.ScriptTypeValidation && step.Order == enrollment.CurrentStep {
		steps, err := s.deps.Store.ListStepsByTrack(track.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		lastOrder := 0
		for _, st := range steps {
			if st.Order > lastOrder {
				lastOrder = st.Order
			}
		}
		if step.Order >= lastOrder {
			now := time.Now().UTC()
			enrollment.CompletedAt = &now
		} else {
			enrollment.CurrentStep++
		}
		resp.Advanced = true
		if err := s.deps.Store.PutEnrollment(enrollment); err != nil {
			s.deps.Log.Warn("advance enrollment", "enrollment_id", enrollment.ID, "error", err)
		}
	}

	if runErr != nil {
		s.deps.Log.Warn("script execution error", "enrollment_id", enrollment.ID, "script_type", req.ScriptType, "error", runErr)
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleExecuteHistory returns prior Execution rows for a step, most
// recent first.
func (s *Server) handleExecuteHistory(w http.ResponseWriter, r *http.Request) {
	enrollment, _, step, ok := s.resolveEnrollmentAndStep(w, r)
	if !ok {
		return
	}
	history, err := s.deps.Store.ListExecutionHistory(enrollment.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]store.Execution, 0, len(history))
	for _, e := range history {
		if e.StepID == step.ID {
			out = append(out, e)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// notify fans event out through the configured notifier, if any. A nil
// Notify dependency is a no-op — notifications are optional.
func (s *Server) notify(r *http.Request, event notify.Event) {
	if s.deps.Notify == nil {
		return
	}
	s.deps.Notify.Notify(r.Context(), event)
}
