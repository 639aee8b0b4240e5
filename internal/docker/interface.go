package docker

import (
	"context"
	"io"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// API defines the subset of container-engine operations the rest of the
// system depends on. Implemented by Client for production, and by fakes
// in package tests. Exactly one Client is constructed at startup; nothing
// outside this package reaches for the engine client library directly.
type API interface {
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	RestartContainer(ctx context.Context, id string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)

	// ContainerLogsSplit returns the full stdout/stderr of a container's logs,
	// demultiplexed from the engine's combined log stream.
	ContainerLogsSplit(ctx context.Context, id string) (stdout, stderr string, err error)

	// WaitContainer blocks until the container exits or deadline elapses,
	// whichever comes first. It does not kill or remove the container itself.
	WaitContainer(ctx context.Context, id string, deadline time.Duration) (exitCode int, timedOut bool, err error)

	ExecCreate(ctx context.Context, id string, cmd []string, tty bool) (execID string, err error)
	// ExecAttach attaches to a previously created exec and returns a duplex
	// stream multiplexing stdin writes and output reads. Callers that set
	// tty=true on ExecCreate get a single raw byte stream; non-tty execs
	// must be demultiplexed by the caller with stdcopy.
	ExecAttach(ctx context.Context, execID string) (io.ReadWriteCloser, error)
	ExecResize(ctx context.Context, execID string, rows, cols uint) error
	ExecInspect(ctx context.Context, execID string) (exitCode int, running bool, err error)

	// PullImage pulls ref, authenticating with auth if non-empty. auth is
	// the base64-encoded JSON registry auth payload the engine API expects.
	PullImage(ctx context.Context, ref string, auth string) error
	ImageInspect(ctx context.Context, ref string) (present bool, id string, err error)
	PruneImages(ctx context.Context, keep map[string]bool) error

	Ping(ctx context.Context) error
	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
