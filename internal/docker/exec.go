package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/moby/moby/client"
)

// ExecCreate creates an exec session inside a running container and returns
// its ID. Stdin/stdout/stderr are always attached; tty selects whether the
// engine allocates a pseudo-terminal for the exec (a single raw stream) or
// runs it headless (a stream that must be demultiplexed with stdcopy).
func (c *Client) ExecCreate(ctx context.Context, id string, cmd []string, tty bool) (string, error) {
	resp, err := c.api.ExecCreate(ctx, id, client.ExecCreateOptions{
		Cmd:          cmd,
		Tty:          tty,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}
	return resp.ID, nil
}

// execConn adapts the engine's hijacked exec-attach connection to
// io.ReadWriteCloser so callers don't need to know about the engine client's
// attach response shape.
type execConn struct {
	resp client.HijackedResponse
}

func (e *execConn) Read(p []byte) (int, error)  { return e.resp.Reader.Read(p) }
func (e *execConn) Write(p []byte) (int, error) { return e.resp.Conn.Write(p) }
func (e *execConn) Close() error                { e.resp.Close(); return nil }

// ExecAttach attaches to a previously created exec, returning a duplex
// stream for the caller to read from and write to.
func (c *Client) ExecAttach(ctx context.Context, execID string) (io.ReadWriteCloser, error) {
	resp, err := c.api.ExecAttach(ctx, execID, client.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	return &execConn{resp: resp}, nil
}

// ExecResize resizes the pseudo-terminal of a tty exec session.
func (c *Client) ExecResize(ctx context.Context, execID string, rows, cols uint) error {
	_, err := c.api.ExecResize(ctx, execID, client.ExecResizeOptions{Height: rows, Width: cols})
	return err
}

// ExecInspect reports an exec's exit code and whether it is still running.
func (c *Client) ExecInspect(ctx context.Context, execID string) (int, bool, error) {
	resp, err := c.api.ExecInspect(ctx, execID, client.ExecInspectOptions{})
	if err != nil {
		return 0, false, fmt.Errorf("exec inspect: %w", err)
	}
	return resp.ExitCode, resp.Running, nil
}
