// Package tty bridges a websocket connection to an interactive shell
// running inside an ephemeral container, one container per session.
package tty

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/livelabs/sandbox-core/internal/docker"
	"github.com/livelabs/sandbox-core/internal/engine"
	"github.com/livelabs/sandbox-core/internal/labels"
	"github.com/livelabs/sandbox-core/internal/store"
)

const (
	// CloseInvalidAuth is sent when the caller isn't entitled to this session.
	CloseInvalidAuth = 4001
	// CloseNotFound is sent when the enrollment or track can't be resolved.
	CloseNotFound = 4004
	// CloseContainerError is sent when the shell container fails to start.
	CloseContainerError = 4500

	defaultShellImage = "livelabs-runner:latest"
	shellMemoryBytes  = 512 * 1024 * 1024
	shellCPUPeriod    = 100000
	shellCPUQuota     = 50000
	readChunkBytes    = 4096
	stopGrace         = 1 * time.Second
)

// Bridge upgrades HTTP requests to websockets and wires each connection to
// a fresh shell container.
type Bridge struct {
	api    docker.API
	images *engine.ImageManager
	store  *store.Store
	log    *slog.Logger

	upgrader websocket.Upgrader
}

// New builds a Bridge. allowedOrigins is the CheckOrigin allow-list for
// websocket upgrades; an empty list allows any origin, matching local/dev use.
func New(api docker.API, images *engine.ImageManager, st *store.Store, log *slog.Logger, allowedOrigins []string) *Bridge {
	return &Bridge{
		api:    api,
		images: images,
		store:  st,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range allowedOrigins {
					if o == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

type clientFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

type serverFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServeWS upgrades the connection and runs a terminal session for
// enrollment until the client disconnects or sends a close frame. Callers
// are responsible for authenticating the request and resolving enrollment
// before calling this; ServeWS itself only fails closed if the enrollment's
// track can't be found.
func (b *Bridge) ServeWS(w http.ResponseWriter, r *http.Request, enrollment store.Enrollment) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("terminal websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	track, err := b.store.GetTrack(enrollment.TrackID)
	if err != nil {
		closeWithError(conn, CloseNotFound, "track not found")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	image := track.DockerImage
	if image == "" {
		image = defaultShellImage
	}
	if err := b.images.EnsureImage(ctx, image); err != nil {
		closeWithError(conn, CloseContainerError, fmt.Sprintf("failed to start container: %v", err))
		return
	}

	id, err := b.api.CreateContainer(ctx, "", &container.Config{
		Image:     image,
		Cmd:       []string{"/bin/bash"},
		Tty:       true,
		OpenStdin: true,
		Env:       flattenEnv(track.EnvSecrets),
		Labels:    labels.Shell(enrollment.ID),
	}, &container.HostConfig{
		NetworkMode: "bridge",
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:    shellMemoryBytes,
			CPUPeriod: shellCPUPeriod,
			CPUQuota:  shellCPUQuota,
		},
	}, &network.NetworkingConfig{})
	if err != nil {
		closeWithError(conn, CloseContainerError, fmt.Sprintf("failed to start container: %v", err))
		return
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := b.api.StopContainer(stopCtx, id, int(stopGrace.Seconds())); err != nil {
			b.log.Debug("stop terminal container", "id", id, "error", err)
		}
		if err := b.api.RemoveContainer(stopCtx, id, true); err != nil {
			b.log.Warn("remove terminal container", "id", id, "error", err)
		}
	}()
	if err := b.api.StartContainer(ctx, id); err != nil {
		closeWithError(conn, CloseContainerError, fmt.Sprintf("failed to start container: %v", err))
		return
	}

	execID, err := b.api.ExecCreate(ctx, id, []string{"/bin/bash"}, true)
	if err != nil {
		closeWithError(conn, CloseContainerError, fmt.Sprintf("failed to start shell: %v", err))
		return
	}
	stream, err := b.api.ExecAttach(ctx, execID)
	if err != nil {
		closeWithError(conn, CloseContainerError, fmt.Sprintf("failed to start shell: %v", err))
		return
	}

	writeJSON(conn, serverFrame{Type: "ready", Message: "Terminal connected"})

	done := make(chan struct{})
	go b.pumpOutput(conn, stream, done)

	b.pumpInput(ctx, conn, stream, execID)
	cancel()
	// unblocks pumpOutput's stream.Read so it can observe session end
	stream.Close()
	<-done
}

func (b *Bridge) pumpOutput(conn *websocket.Conn, stream interface{ Read([]byte) (int, error) }, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, readChunkBytes)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			text := strings.ToValidUTF8(string(buf[:n]), "�")
			if writeErr := conn.WriteMessage(websocket.TextMessage, []byte(text)); writeErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) pumpInput(ctx context.Context, conn *websocket.Conn, stream interface{ Write([]byte) (int, error) }, execID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "input":
			if _, err := stream.Write([]byte(frame.Data)); err != nil {
				return
			}
		case "resize":
			if frame.Rows > 0 && frame.Cols > 0 {
				if err := b.api.ExecResize(ctx, execID, uint(frame.Rows), uint(frame.Cols)); err != nil {
					b.log.Debug("resize exec", "exec_id", execID, "error", err)
				}
			}
		case "close":
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, frame serverFrame) {
	_ = conn.WriteJSON(frame)
}

// closeWithError sends an error frame, then a websocket close frame
// carrying code, and closes the connection.
func closeWithError(conn *websocket.Conn, code int, message string) {
	writeJSON(conn, serverFrame{Type: "error", Message: message})
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, message), deadline)
	conn.Close()
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
