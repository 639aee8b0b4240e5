// Package engine owns image pulls: making sure a container image is present
// locally before a container is created from it, without pulling the same
// reference twice concurrently.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/containerd/errdefs"
	"golang.org/x/sync/singleflight"

	"github.com/livelabs/sandbox-core/internal/docker"
	"github.com/livelabs/sandbox-core/internal/registry"
)

// Persistence is the subset of store.Store the image manager uses to
// remember, across restarts, which references it has already resolved
// locally. Satisfied by *store.Store; nil disables persistence entirely
// (every EnsureImage after a restart re-probes the engine once).
type Persistence interface {
	SaveImagePresent(ref string) error
	DeleteImagePresent(ref string) error
	ListPresentImages() ([]string, error)
}

// ImageManager ensures images are present locally, collapsing concurrent
// requests for the same reference into a single pull.
type ImageManager struct {
	api     docker.API
	log     *slog.Logger
	persist Persistence
	creds   []registry.RegistryCredential

	group singleflight.Group

	mu      sync.Mutex
	present map[string]bool // references known to be present locally
}

// NewImageManager builds an image manager over the given engine client.
// persist may be nil to disable cross-restart caching.
func NewImageManager(api docker.API, log *slog.Logger, persist Persistence) *ImageManager {
	m := &ImageManager{
		api:     api,
		log:     log,
		persist: persist,
		present: make(map[string]bool),
	}
	if persist != nil {
		if refs, err := persist.ListPresentImages(); err == nil {
			for _, ref := range refs {
				m.present[ref] = true
			}
		}
	}
	return m
}

// SetRegistryCredentials configures the private-registry credentials
// consulted on every pull. Matching is by registry host (see
// registry.RegistryHost); a reference with no matching host pulls
// anonymously.
func (m *ImageManager) SetRegistryCredentials(creds []registry.RegistryCredential) {
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()
}

// EnsureImage pulls ref if it is not already known to be present locally.
// Concurrent calls for the same ref share one pull.
func (m *ImageManager) EnsureImage(ctx context.Context, ref string) error {
	if m.isPresent(ref) {
		return nil
	}

	_, err, _ := m.group.Do(ref, func() (any, error) {
		present, _, inspectErr := m.api.ImageInspect(ctx, ref)
		if inspectErr == nil && present {
			m.markPresent(ref)
			return nil, nil
		}

		m.mu.Lock()
		creds := m.creds
		m.mu.Unlock()

		m.log.Debug("pulling image", "ref", ref)
		if pullErr := m.api.PullImage(ctx, ref, registryAuth(creds, ref)); pullErr != nil {
			if errdefs.IsNotFound(pullErr) {
				return nil, fmt.Errorf("Docker image not found: %s", ref)
			}
			return nil, fmt.Errorf("Docker API error: %w", pullErr)
		}
		m.markPresent(ref)
		return nil, nil
	})
	return err
}

func (m *ImageManager) isPresent(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present[ref]
}

func (m *ImageManager) markPresent(ref string) {
	m.mu.Lock()
	m.present[ref] = true
	m.mu.Unlock()
	if m.persist != nil {
		if err := m.persist.SaveImagePresent(ref); err != nil {
			m.log.Warn("persist image presence", "ref", ref, "error", err)
		}
	}
}

// Prune removes locally pulled images not in the keep set, and drops them
// from the presence cache so a later EnsureImage re-pulls if needed.
func (m *ImageManager) Prune(ctx context.Context, keep []string) error {
	keepSet := make(map[string]bool, len(keep))
	for _, ref := range keep {
		keepSet[ref] = true
	}

	if err := m.api.PruneImages(ctx, keepSet); err != nil {
		return fmt.Errorf("prune images: %w", err)
	}

	m.mu.Lock()
	var dropped []string
	for ref := range m.present {
		if !keepSet[ref] {
			delete(m.present, ref)
			dropped = append(dropped, ref)
		}
	}
	m.mu.Unlock()

	if m.persist != nil {
		for _, ref := range dropped {
			if err := m.persist.DeleteImagePresent(ref); err != nil {
				m.log.Warn("delete persisted image presence", "ref", ref, "error", err)
			}
		}
	}
	return nil
}
