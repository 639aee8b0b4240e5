// Package reconcile runs a periodic sweep that brings every enrollment's
// app container back in line with what the engine actually reports, and
// prunes the image-presence cache down to images still referenced by a
// track.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/livelabs/sandbox-core/internal/appcontainer"
	"github.com/livelabs/sandbox-core/internal/engine"
	"github.com/livelabs/sandbox-core/internal/store"
)

// Sweeper drives the periodic reconciliation sweep over a cron schedule.
type Sweeper struct {
	store         *store.Store
	appContainers *appcontainer.Manager
	images        *engine.ImageManager
	log           *slog.Logger

	cron *cron.Cron
}

// New builds a Sweeper. Call Start to begin running sweeps on a schedule.
func New(st *store.Store, ac *appcontainer.Manager, images *engine.ImageManager, log *slog.Logger) *Sweeper {
	return &Sweeper{
		store:         st,
		appContainers: ac,
		images:        images,
		log:           log,
		cron:          cron.New(),
	}
}

// Start schedules a sweep on the given cron expression (standard five-field
// syntax) and begins running it in the background. Stop cancels it.
func (s *Sweeper) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			s.log.Warn("reconciliation sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts future sweeps and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep reconciles every enrollment that has a recorded app container
// against the engine's view of it, then prunes the image cache down to
// images still referenced by a track.
func (s *Sweeper) Sweep(ctx context.Context) error {
	containers, err := s.store.ListAllAppContainers()
	if err != nil {
		return err
	}
	for _, ac := range containers {
		enrollment, err := s.store.GetEnrollment(ac.EnrollmentID)
		if err == store.ErrNotFound {
			s.log.Warn("app container has no enrollment, leaving for manual cleanup", "enrollment_id", ac.EnrollmentID)
			continue
		}
		if err != nil {
			s.log.Warn("look up enrollment for reconciliation", "enrollment_id", ac.EnrollmentID, "error", err)
			continue
		}
		if _, err := s.appContainers.EnsureRunning(ctx, enrollment); err != nil {
			s.log.Warn("reconcile app container", "enrollment_id", ac.EnrollmentID, "error", err)
		}
	}

	keep, err := s.imagesInUse()
	if err != nil {
		return err
	}
	return s.images.Prune(ctx, keep)
}

// imagesInUse returns the set of docker images any track currently
// references, so Prune doesn't evict an image a live track still needs.
func (s *Sweeper) imagesInUse() ([]string, error) {
	tracks, err := s.store.ListTracks()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(tracks)*2)
	for _, t := range tracks {
		if t.DockerImage != "" {
			seen[t.DockerImage] = struct{}{}
		}
		if t.AppContainerImage != "" {
			seen[t.AppContainerImage] = struct{}{}
		}
	}
	keep := make([]string, 0, len(seen))
	for ref := range seen {
		keep = append(keep, ref)
	}
	return keep, nil
}
