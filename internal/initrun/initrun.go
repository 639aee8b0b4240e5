// Package initrun runs a track's one-shot initialization script for an
// enrollment and parses its JSON envelope, with exactly-once-per-enrollment
// semantics enforced by a compare-and-swap on the persisted init status.
package initrun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/livelabs/sandbox-core/internal/runner"
	"github.com/livelabs/sandbox-core/internal/store"
)

// Result is what RunInit reports back to the caller.
type Result struct {
	Status  string // "success", "running", "failed"
	URL     string
	Cookies []store.Cookie
	Error   string
}

// Orchestrator runs init scripts and persists their outcome on the
// enrollment row.
type Orchestrator struct {
	runner *runner.Runner
	store  *store.Store
	log    *slog.Logger

	group singleflight.Group
}

// New builds an Orchestrator.
func New(r *runner.Runner, st *store.Store, log *slog.Logger) *Orchestrator {
	return &Orchestrator{runner: r, store: st, log: log}
}

// RunInit executes enrollment's track init script, or returns its cached
// outcome. Concurrent calls for the same enrollment collapse into one
// in-flight run via an in-process single-flight group, itself backed by a
// compare-and-swap on the persisted init_status as the ultimate source of
// truth (the in-process group is a fast path, not the correctness
// mechanism — a second process, or a restart mid-run, still can't
// double-execute because the CAS lives in the store).
func (o *Orchestrator) RunInit(ctx context.Context, enrollmentID uint64) (Result, error) {
	v, err, _ := o.group.Do(fmt.Sprintf("%d", enrollmentID), func() (any, error) {
		return o.runInitOnce(ctx, enrollmentID)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (o *Orchestrator) runInitOnce(ctx context.Context, enrollmentID uint64) (Result, error) {
	enrollment, err := o.store.GetEnrollment(enrollmentID)
	if err != nil {
		return Result{}, fmt.Errorf("look up enrollment: %w", err)
	}
	track, err := o.store.GetTrack(enrollment.TrackID)
	if err != nil {
		return Result{}, fmt.Errorf("look up track: %w", err)
	}

	if strings.TrimSpace(track.InitScript) == "" {
		now := time.Now().UTC()
		enrollment.AppURL = strPtr(track.AppURLTemplate)
		enrollment.InitStatus = store.InitSuccess
		enrollment.InitCompletedAt = &now
		if err := o.store.PutEnrollment(enrollment); err != nil {
			return Result{}, err
		}
		return Result{Status: store.InitSuccess, URL: track.AppURLTemplate}, nil
	}

	switch enrollment.InitStatus {
	case store.InitSuccess:
		url := ""
		if enrollment.AppURL != nil {
			url = *enrollment.AppURL
		}
		return Result{Status: store.InitSuccess, URL: url, Cookies: enrollment.AppCookies}, nil
	case store.InitRunning:
		return Result{Status: store.InitRunning}, nil
	}

	updated, err := o.store.CASInitStatus(enrollmentID, enrollment.InitStatus, func(e *store.Enrollment) {
		e.InitStatus = store.InitRunning
		e.InitError = ""
	})
	if err == store.ErrConflict {
		// Someone else's concurrent transition beat us to it; reflect
		// whatever state they left the row in rather than racing again.
		return o.statusFromEnrollment(updated), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("transition init_status to running: %w", err)
	}

	result, runErr := o.runner.Run(ctx, track.InitScript, track.EnvSecrets, track.DockerImage, 0)
	if runErr != nil {
		return o.fail(enrollmentID, result.Stderr)
	}
	if !result.Success {
		initErr := result.Stderr
		if initErr == "" {
			initErr = fmt.Sprintf("exit %d", result.ExitCode)
		}
		return o.fail(enrollmentID, initErr)
	}

	envelope, parseErr := parseEnvelope(result.Stdout)
	if parseErr != nil {
		return o.fail(enrollmentID, parseErr.Error())
	}

	now := time.Now().UTC()
	final, err := o.store.CASInitStatus(enrollmentID, store.InitRunning, func(e *store.Enrollment) {
		e.InitStatus = store.InitSuccess
		e.AppURL = strPtr(envelope.URL)
		e.AppCookies = envelope.Cookies
		e.InitCompletedAt = &now
		e.InitError = ""
	})
	if err != nil && err != store.ErrConflict {
		return Result{}, fmt.Errorf("persist init success: %w", err)
	}
	return o.statusFromEnrollment(final), nil
}

func (o *Orchestrator) fail(enrollmentID uint64, message string) (Result, error) {
	updated, err := o.store.CASInitStatus(enrollmentID, store.InitRunning, func(e *store.Enrollment) {
		e.InitStatus = store.InitFailed
		e.InitError = message
	})
	if err != nil && err != store.ErrConflict {
		return Result{}, fmt.Errorf("persist init failure: %w", err)
	}
	return o.statusFromEnrollment(updated), nil
}

func (o *Orchestrator) statusFromEnrollment(e store.Enrollment) Result {
	r := Result{Status: e.InitStatus, Error: e.InitError, Cookies: e.AppCookies}
	if e.AppURL != nil {
		r.URL = *e.AppURL
	}
	return r
}

type envelope struct {
	URL     string         `json:"url"`
	Cookies []store.Cookie `json:"cookies"`
}

// parseEnvelope locates the last top-level `{` in stdout (allowing arbitrary
// preamble output before the JSON object, including nested objects such as
// cookies) and parses a {url, cookies?} envelope. A `{` only starts the
// envelope if everything from there to the end of stdout is itself one
// complete JSON value; a `{` belonging to a nested object always leaves
// trailing characters (e.g. `]}`) that fail to parse, so scanning braces
// from the right and keeping the first one that parses cleanly finds the
// outermost object even when it contains braces of its own.
func parseEnvelope(stdout string) (envelope, error) {
	trimmed := strings.TrimSpace(stdout)
	var lastErr error
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i] != '{' {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(trimmed[i:]), &env); err != nil {
			lastErr = err
			continue
		}
		if env.URL == "" {
			return envelope{}, fmt.Errorf("init script did not return a \"url\" in JSON output")
		}
		return env, nil
	}
	if lastErr == nil {
		return envelope{}, fmt.Errorf("init script produced no JSON object on stdout")
	}
	preview := trimmed
	if len(preview) > 500 {
		preview = preview[:500]
	}
	return envelope{}, fmt.Errorf("invalid JSON output: %w (output: %s)", lastErr, preview)
}

func strPtr(s string) *string { return &s }
