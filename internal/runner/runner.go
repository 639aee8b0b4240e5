// Package runner executes setup, validation and init scripts inside
// short-lived containers and reports back their outcome.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/livelabs/sandbox-core/internal/docker"
	"github.com/livelabs/sandbox-core/internal/engine"
	"github.com/livelabs/sandbox-core/internal/labels"
)

// HardDeadline is the absolute ceiling a single Run is allowed to take,
// regardless of the timeout the caller asks for.
const HardDeadline = 300 * time.Second

const (
	runnerMemoryBytes = 512 * 1024 * 1024
	runnerCPUPeriod   = 100000
	runnerCPUQuota    = 50000 // 50% of one core
)

// Result reports how a script execution went.
type Result struct {
	Success    bool
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMs int64
}

// Runner executes scripts inside ephemeral containers built from a track's
// docker image.
type Runner struct {
	api    docker.API
	images *engine.ImageManager
	log    *slog.Logger
}

// New builds a Runner over the given engine client and image manager.
func New(api docker.API, images *engine.ImageManager, log *slog.Logger) *Runner {
	return &Runner{api: api, images: images, log: log}
}

// Run executes script inside a fresh container built from image, with env
// injected as environment variables. An empty or whitespace-only script is
// treated as a synthesized no-op success rather than dispatched to the
// engine at all. timeout bounds how long the container is allowed to run
// before being killed; it is clamped to HardDeadline.
func (r *Runner) Run(ctx context.Context, script string, env map[string]string, image string, timeout time.Duration) (Result, error) {
	if strings.TrimSpace(script) == "" {
		return Result{Success: true, ExitCode: 0}, nil
	}
	if timeout <= 0 || timeout > HardDeadline {
		timeout = HardDeadline
	}

	start := time.Now()

	if err := r.images.EnsureImage(ctx, image); err != nil {
		return Result{Success: false, ExitCode: 1, Stderr: err.Error()}, err
	}

	cfg := &container.Config{
		Image:  image,
		Cmd:    []string{"bash", "-c", script},
		Env:    flattenEnv(env),
		Labels: labels.Script(),
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "bridge",
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:    runnerMemoryBytes,
			CPUPeriod: runnerCPUPeriod,
			CPUQuota:  runnerCPUQuota,
		},
	}

	id, err := r.api.CreateContainer(ctx, "", cfg, hostCfg, &network.NetworkingConfig{})
	if err != nil {
		wrapped := fmt.Errorf("Execution error: %w", err)
		return Result{Success: false, ExitCode: 1, Stderr: wrapped.Error()}, wrapped
	}
	defer func() {
		if rmErr := r.api.RemoveContainer(context.Background(), id, true); rmErr != nil {
			r.log.Warn("remove script container", "id", id, "error", rmErr)
		}
	}()

	if err := r.api.StartContainer(ctx, id); err != nil {
		wrapped := fmt.Errorf("Execution error: %w", err)
		return Result{Success: false, ExitCode: 1, Stderr: wrapped.Error()}, wrapped
	}

	exitCode, timedOut, err := r.api.WaitContainer(ctx, id, timeout)
	if err != nil {
		wrapped := fmt.Errorf("Execution error: %w", err)
		return Result{Success: false, ExitCode: 1, Stderr: wrapped.Error(), DurationMs: time.Since(start).Milliseconds()}, wrapped
	}

	if timedOut {
		if stopErr := r.api.StopContainer(context.Background(), id, 0); stopErr != nil {
			r.log.Warn("stop timed-out script container", "id", id, "error", stopErr)
		}
		return Result{
			Success:    false,
			ExitCode:   124,
			Stderr:     "script timed out",
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	stdout, stderr, logErr := r.api.ContainerLogsSplit(ctx, id)
	if logErr != nil {
		r.log.Warn("fetch script container logs", "id", id, "error", logErr)
	}

	return Result{
		Success:    exitCode == 0,
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   exitCode,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
