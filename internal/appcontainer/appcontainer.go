// Package appcontainer manages the long-lived, per-enrollment container a
// track's app runs in: creation, dynamic port allocation, health probing,
// and reconciliation against the engine's view of reality.
package appcontainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/livelabs/sandbox-core/internal/docker"
	"github.com/livelabs/sandbox-core/internal/engine"
	"github.com/livelabs/sandbox-core/internal/labels"
	"github.com/livelabs/sandbox-core/internal/store"
)

// ErrNoAppContainer is returned by Start/EnsureRunning when the track has
// no app container configured at all.
var ErrNoAppContainer = errors.New("track has no app container")

const (
	maxRestarts = 3

	appMemoryBytes = 1 << 30 // 1 GiB
	appCPUPeriod   = 100000
	appCPUQuota    = 100000 // one full core

	healthPollInterval = 500 * time.Millisecond
	healthPollBudget    = 30 * time.Second
)

// Status reports an enrollment's app container state, composed for the
// control API. URL and AutoLoginCookies are populated only once the
// container is running.
type Status struct {
	HasApp          bool
	ContainerStatus string
	URL             string
	Ports           map[int]int
	CanStart        bool
	CanRestart      bool
	RestartCount    int
	StartedAt       time.Time
	AutoLoginCookies []store.Cookie
}

// Manager implements the four app-container lifecycle operations plus
// status resolution, over an engine client and the entity store.
type Manager struct {
	api    docker.API
	images *engine.ImageManager
	store  *store.Store
	log    *slog.Logger
}

// New builds a Manager.
func New(api docker.API, images *engine.ImageManager, st *store.Store, log *slog.Logger) *Manager {
	return &Manager{api: api, images: images, store: st, log: log}
}

func containerName(enrollmentID uint64) string {
	return fmt.Sprintf("livelabs-app-%d", enrollmentID)
}

// Start creates the app container for enrollment if none exists, or
// reconciles the existing one. Returns ErrNoAppContainer if the track has
// no app_container_image.
func (m *Manager) Start(ctx context.Context, enrollment store.Enrollment) (store.AppContainer, error) {
	track, err := m.store.GetTrack(enrollment.TrackID)
	if err != nil {
		return store.AppContainer{}, fmt.Errorf("look up track: %w", err)
	}
	if track.AppContainerImage == "" {
		return store.AppContainer{}, ErrNoAppContainer
	}

	if existing, err := m.store.GetAppContainer(enrollment.ID); err == nil {
		return m.reconcile(ctx, enrollment, track, existing)
	} else if err != store.ErrNotFound {
		return store.AppContainer{}, err
	}

	if err := m.images.EnsureImage(ctx, track.AppContainerImage); err != nil {
		return store.AppContainer{}, err
	}

	name := containerName(enrollment.ID)
	// Stale recovery after an orchestrator crash: force-remove any leftover
	// container under this name before creating a fresh one. Not-found is
	// the expected common case here and is ignored.
	if err := m.api.RemoveContainer(ctx, name, true); err != nil && !errdefs.IsNotFound(err) {
		m.log.Debug("remove stale app container", "name", name, "error", err)
	}

	exposedPorts, bindings, portMap, firstHostPort, hasFirst, err := buildPortConfig(track.AppContainerPorts)
	if err != nil {
		return store.AppContainer{}, fmt.Errorf("Input error: %w", err)
	}

	env := mergeEnv(track.EnvSecrets, track.AppContainerEnv, enrollment.Environment)

	cfg := &container.Config{
		Image:        track.AppContainerImage,
		Env:          flattenEnv(env),
		ExposedPorts: exposedPorts,
		Labels:       labels.AppContainer(enrollment.ID),
	}
	if len(track.AppContainerCmd) > 0 {
		cfg.Cmd = track.AppContainerCmd
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: maxRestarts,
		},
		Resources: container.Resources{
			Memory:    appMemoryBytes,
			CPUPeriod: appCPUPeriod,
			CPUQuota:  appCPUQuota,
		},
	}

	id, err := m.api.CreateContainer(ctx, name, cfg, hostCfg, &network.NetworkingConfig{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return store.AppContainer{}, fmt.Errorf("Docker image not found: %s", track.AppContainerImage)
		}
		if errdefs.IsConflict(err) {
			// Lost the create race to a concurrent Start call for the same
			// enrollment; fall through to reconciling against the winner's
			// container instead of surfacing the conflict.
			return m.EnsureRunning(ctx, enrollment)
		}
		return store.AppContainer{}, fmt.Errorf("Docker API error: %w", err)
	}

	ac := store.AppContainer{
		EnrollmentID: enrollment.ID,
		ContainerID:  id,
		Status:       store.AppContainerStarting,
		Ports:        portMap,
		StartedAt:    time.Now().UTC(),
	}
	if err := m.store.PutAppContainer(ac); err != nil {
		return store.AppContainer{}, err
	}

	if err := m.api.StartContainer(ctx, id); err != nil {
		ac.Status = store.AppContainerFailed
		_ = m.store.PutAppContainer(ac)
		return ac, fmt.Errorf("Docker API error: %w", err)
	}

	if hasFirst {
		m.waitForHealth(ctx, firstHostPort)
	}
	now := time.Now().UTC()
	ac.Status = store.AppContainerRunning
	ac.LastHealthCheck = &now
	if err := m.store.PutAppContainer(ac); err != nil {
		return store.AppContainer{}, err
	}
	return ac, nil
}

// EnsureRunning reconciles the existing app container against the engine's
// view, or starts one from scratch if none is recorded.
func (m *Manager) EnsureRunning(ctx context.Context, enrollment store.Enrollment) (store.AppContainer, error) {
	track, err := m.store.GetTrack(enrollment.TrackID)
	if err != nil {
		return store.AppContainer{}, fmt.Errorf("look up track: %w", err)
	}
	ac, err := m.store.GetAppContainer(enrollment.ID)
	if err == store.ErrNotFound {
		return m.Start(ctx, enrollment)
	}
	if err != nil {
		return store.AppContainer{}, err
	}
	return m.reconcile(ctx, enrollment, track, ac)
}

func (m *Manager) reconcile(ctx context.Context, enrollment store.Enrollment, track store.Track, ac store.AppContainer) (store.AppContainer, error) {
	insp, err := m.api.InspectContainer(ctx, ac.ContainerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			if delErr := m.store.DeleteAppContainer(ac.EnrollmentID); delErr != nil {
				return store.AppContainer{}, delErr
			}
			return m.Start(ctx, enrollment)
		}
		return ac, fmt.Errorf("Docker API error: %w", err)
	}

	switch insp.State.Status {
	case "running":
		now := time.Now().UTC()
		ac.Status = store.AppContainerRunning
		ac.LastHealthCheck = &now
	case "exited", "dead":
		if err := m.api.StartContainer(ctx, ac.ContainerID); err != nil {
			ac.Status = store.AppContainerFailed
			_ = m.store.PutAppContainer(ac)
			return ac, fmt.Errorf("Docker API error: %w", err)
		}
		ac.RestartCount++
		now := time.Now().UTC()
		ac.Status = store.AppContainerRunning
		ac.LastHealthCheck = &now
	default:
		// Report other engine states (created, paused, restarting) as-is:
		// the local record is left unchanged.
	}

	_ = track // reserved for future per-track reconciliation behaviour
	if err := m.store.PutAppContainer(ac); err != nil {
		return store.AppContainer{}, err
	}
	return ac, nil
}

// Restart restarts the app container, recreating it entirely once the
// restart-count cap is reached.
func (m *Manager) Restart(ctx context.Context, enrollment store.Enrollment) (store.AppContainer, error) {
	ac, err := m.store.GetAppContainer(enrollment.ID)
	if err == store.ErrNotFound {
		return m.Start(ctx, enrollment)
	}
	if err != nil {
		return store.AppContainer{}, err
	}

	if ac.RestartCount >= maxRestarts {
		if err := m.stopInternal(ctx, ac); err != nil {
			m.log.Warn("tear down app container before recreate", "enrollment_id", enrollment.ID, "error", err)
		}
		return m.Start(ctx, enrollment)
	}

	if err := m.api.RestartContainer(ctx, ac.ContainerID, 10); err != nil {
		if errdefs.IsNotFound(err) {
			if delErr := m.store.DeleteAppContainer(ac.EnrollmentID); delErr != nil {
				return store.AppContainer{}, delErr
			}
			return m.Start(ctx, enrollment)
		}
		ac.Status = store.AppContainerFailed
		_ = m.store.PutAppContainer(ac)
		return ac, fmt.Errorf("Docker API error: %w", err)
	}

	ac.RestartCount++
	now := time.Now().UTC()
	ac.Status = store.AppContainerRunning
	ac.LastHealthCheck = &now
	if err := m.store.PutAppContainer(ac); err != nil {
		return store.AppContainer{}, err
	}
	return ac, nil
}

// Stop stops and removes the app container, deleting its record. Idempotent.
func (m *Manager) Stop(ctx context.Context, enrollment store.Enrollment) error {
	ac, err := m.store.GetAppContainer(enrollment.ID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return m.stopInternal(ctx, ac)
}

func (m *Manager) stopInternal(ctx context.Context, ac store.AppContainer) error {
	if err := m.api.StopContainer(ctx, ac.ContainerID, 10); err != nil && !errdefs.IsNotFound(err) {
		m.log.Warn("stop app container", "container_id", ac.ContainerID, "error", err)
	}
	if err := m.api.RemoveContainer(ctx, ac.ContainerID, true); err != nil && !errdefs.IsNotFound(err) {
		m.log.Warn("remove app container", "container_id", ac.ContainerID, "error", err)
	}
	return m.store.DeleteAppContainer(ac.EnrollmentID)
}

// Status resolves the app container's status and learner-visible URL for
// an enrollment's track. It does not consider init-script state; callers
// that need a single learner-facing status compose this with the init
// orchestrator's result themselves.
func (m *Manager) Status(ctx context.Context, enrollment store.Enrollment) (Status, error) {
	track, err := m.store.GetTrack(enrollment.TrackID)
	if err != nil {
		return Status{}, fmt.Errorf("look up track: %w", err)
	}
	if track.AppContainerImage == "" {
		return Status{HasApp: false}, nil
	}

	ac, err := m.store.GetAppContainer(enrollment.ID)
	if err == store.ErrNotFound {
		return Status{HasApp: true, ContainerStatus: store.AppContainerStopped, CanStart: true}, nil
	}
	if err != nil {
		return Status{}, err
	}

	ac, err = m.reconcile(ctx, enrollment, track, ac)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		HasApp:          true,
		ContainerStatus: ac.Status,
		Ports:           ac.Ports,
		RestartCount:    ac.RestartCount,
		CanRestart:      ac.RestartCount < maxRestarts,
		StartedAt:       ac.StartedAt,
	}
	if ac.Status == store.AppContainerRunning {
		st.URL = buildURL(track, ac.Ports)
		if track.AutoLoginType == store.AutoLoginCookies {
			st.AutoLoginCookies = track.AutoLoginConfig.Cookies
		}
	}
	return st, nil
}

func (m *Manager) waitForHealth(ctx context.Context, port int) bool {
	deadline := time.Now().Add(healthPollBudget)
	addr := fmt.Sprintf("localhost:%d", port)
	for {
		conn, err := net.DialTimeout("tcp", addr, healthPollInterval)
		if err == nil {
			conn.Close()
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(healthPollInterval):
		}
	}
}

func buildPortConfig(defs []store.PortMapping) (nat.PortSet, nat.PortMap, map[int]int, int, bool, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	portMap := make(map[int]int, len(defs))
	firstHostPort := 0
	hasFirst := false

	for i, def := range defs {
		if def.Container == 0 {
			continue
		}
		hostPort := 0
		if def.Host != nil {
			hostPort = *def.Host
		} else {
			allocated, err := allocateFreePort()
			if err != nil {
				return nil, nil, nil, 0, false, fmt.Errorf("allocate host port: %w", err)
			}
			hostPort = allocated
		}

		portKey, err := nat.NewPort("tcp", strconv.Itoa(def.Container))
		if err != nil {
			return nil, nil, nil, 0, false, fmt.Errorf("invalid container port %d: %w", def.Container, err)
		}
		exposed[portKey] = struct{}{}
		bindings[portKey] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}
		portMap[def.Container] = hostPort

		if i == 0 {
			firstHostPort = hostPort
			hasFirst = true
		}
	}
	return exposed, bindings, portMap, firstHostPort, hasFirst, nil
}

// allocateFreePort binds to an ephemeral port, reads back the kernel's
// choice, and releases it immediately. The subsequent race against another
// process claiming the same port before the container binds it is
// accepted; it would surface as a health-check failure, not a crash.
func allocateFreePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func mergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func buildURL(track store.Track, ports map[int]int) string {
	firstHostPort, hasFirst := firstPortValue(track.AppContainerPorts, ports)

	template := track.AppURLTemplate
	if template == "" {
		if !hasFirst {
			return ""
		}
		return withAutoLoginParams(track, fmt.Sprintf("http://localhost:%d", firstHostPort))
	}

	if hasFirst {
		template = strings.ReplaceAll(template, "{port}", strconv.Itoa(firstHostPort))
	}
	for _, def := range track.AppContainerPorts {
		if hostPort, ok := ports[def.Container]; ok {
			template = strings.ReplaceAll(template, fmt.Sprintf("{port:%d}", def.Container), strconv.Itoa(hostPort))
		}
	}
	return withAutoLoginParams(track, template)
}

func withAutoLoginParams(track store.Track, url string) string {
	if track.AutoLoginType != store.AutoLoginURLParams || len(track.AutoLoginConfig.Params) == 0 {
		return url
	}
	keys := make([]string, 0, len(track.AutoLoginConfig.Params))
	for k := range track.AutoLoginConfig.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+track.AutoLoginConfig.Params[k])
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + strings.Join(parts, "&")
}

func firstPortValue(defs []store.PortMapping, ports map[int]int) (int, bool) {
	if len(defs) == 0 {
		return 0, false
	}
	hostPort, ok := ports[defs[0].Container]
	return hostPort, ok
}
