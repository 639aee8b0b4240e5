package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// CreateContainer creates a new container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

// StopContainer stops a running container, giving it timeoutSeconds to exit
// before it is killed.
func (c *Client) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	_, err := c.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeoutSeconds})
	return err
}

// RestartContainer restarts a running container, giving it timeoutSeconds to
// exit before it is killed.
func (c *Client) RestartContainer(ctx context.Context, id string, timeoutSeconds int) error {
	_, err := c.api.ContainerRestart(ctx, id, client.ContainerRestartOptions{Timeout: &timeoutSeconds})
	return err
}

// RemoveContainer removes a container, optionally forcing removal of a
// running container.
func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	_, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	return err
}

// InspectContainer returns full container details by ID.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, err
	}
	return result.Container, nil
}

// ContainerLogsSplit returns a container's full stdout/stderr, demultiplexed
// from the engine's combined log stream.
func (c *Client) ContainerLogsSplit(ctx context.Context, id string) (string, string, error) {
	reader, err := c.api.ContainerLogs(ctx, id, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return "", "", fmt.Errorf("demux container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// WaitContainer blocks until the container exits or deadline elapses,
// whichever comes first. It does not kill or remove the container.
func (c *Client) WaitContainer(ctx context.Context, id string, deadline time.Duration) (int, bool, error) {
	waitCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	resultCh, errCh := c.api.ContainerWait(waitCtx, id, client.ContainerWaitOptions{Condition: container.WaitConditionNotRunning})
	select {
	case err := <-errCh:
		return -1, false, err
	case result := <-resultCh:
		if result.Error != nil && result.Error.Message != "" {
			return int(result.StatusCode), false, fmt.Errorf("container wait: %s", result.Error.Message)
		}
		return int(result.StatusCode), false, nil
	case <-waitCtx.Done():
		if deadline > 0 && ctx.Err() == nil {
			return -1, true, nil
		}
		return -1, false, waitCtx.Err()
	}
}
