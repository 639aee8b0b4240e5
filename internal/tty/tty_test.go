package tty

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/livelabs/sandbox-core/internal/engine"
	"github.com/livelabs/sandbox-core/internal/store"
)

type pipeStream struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeStream) Close() error                { p.w.Close(); return p.r.Close() }

func newLoopbackStream() (*pipeStream, *io.PipeWriter, *io.PipeReader) {
	// serverOut is what the fake container "writes" back to the client.
	serverOutR, serverOutW := io.Pipe()
	// serverIn is what the client writes and the fake container "reads".
	serverInR, serverInW := io.Pipe()
	stream := &pipeStream{r: serverOutR, w: serverInW}
	return stream, serverOutW, serverInR
}

type fakeEngine struct {
	stream        *pipeStream
	resizeCalls   []string
	createErr     error
	removeCalled  bool
}

func (f *fakeEngine) CreateContainer(context.Context, string, *container.Config, *container.HostConfig, *network.NetworkingConfig) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "container-1", nil
}
func (f *fakeEngine) StartContainer(context.Context, string) error        { return nil }
func (f *fakeEngine) StopContainer(context.Context, string, int) error    { return nil }
func (f *fakeEngine) RestartContainer(context.Context, string, int) error { return nil }
func (f *fakeEngine) RemoveContainer(context.Context, string, bool) error {
	f.removeCalled = true
	return nil
}
func (f *fakeEngine) InspectContainer(context.Context, string) (container.InspectResponse, error) {
	return container.InspectResponse{}, nil
}
func (f *fakeEngine) ContainerLogsSplit(context.Context, string) (string, string, error) {
	return "", "", nil
}
func (f *fakeEngine) WaitContainer(context.Context, string, time.Duration) (int, bool, error) {
	return 0, false, nil
}
func (f *fakeEngine) ExecCreate(context.Context, string, []string, bool) (string, error) {
	return "exec-1", nil
}
func (f *fakeEngine) ExecAttach(context.Context, string) (io.ReadWriteCloser, error) {
	return f.stream, nil
}
func (f *fakeEngine) ExecResize(_ context.Context, execID string, rows, cols uint) error {
	f.resizeCalls = append(f.resizeCalls, execID)
	return nil
}
func (f *fakeEngine) ExecInspect(context.Context, string) (int, bool, error) { return 0, true, nil }
func (f *fakeEngine) PullImage(context.Context, string, string) error               { return nil }
func (f *fakeEngine) ImageInspect(context.Context, string) (bool, string, error) {
	return true, "sha256:fake", nil
}
func (f *fakeEngine) PruneImages(context.Context, map[string]bool) error { return nil }
func (f *fakeEngine) Ping(context.Context) error                        { return nil }
func (f *fakeEngine) Close() error                                      { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServeWSEchoesContainerOutputAndForwardsInput(t *testing.T) {
	stream, serverOutW, serverInR := newLoopbackStream()
	fe := &fakeEngine{stream: stream}
	images := engine.NewImageManager(fe, discardLogger(), nil)
	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	defer st.Close()
	if err := st.PutTrack(store.Track{ID: 1, DockerImage: "livelabs/sandbox:latest"}); err != nil {
		t.Fatalf("PutTrack: %v", err)
	}
	enrollment := store.Enrollment{ID: 1, TrackID: 1}

	b := New(fe, images, st, discardLogger(), nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.ServeWS(w, r, enrollment)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage (ready): %v", err)
	}
	var ready struct{ Type string }
	if err := json.Unmarshal(msg, &ready); err != nil || ready.Type != "ready" {
		t.Fatalf("first frame = %s, want ready", msg)
	}

	go func() {
		serverOutW.Write([]byte("hello from shell"))
	}()
	_, out, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage (output): %v", err)
	}
	if string(out) != "hello from shell" {
		t.Fatalf("output = %q, want %q", out, "hello from shell")
	}

	if err := conn.WriteJSON(map[string]any{"type": "input", "data": "ls\n"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	readBuf := make([]byte, 32)
	n, err := serverInR.Read(readBuf)
	if err != nil {
		t.Fatalf("read forwarded input: %v", err)
	}
	if string(readBuf[:n]) != "ls\n" {
		t.Fatalf("forwarded input = %q, want %q", readBuf[:n], "ls\n")
	}

	if err := conn.WriteJSON(map[string]any{"type": "resize", "rows": 40, "cols": 120}); err != nil {
		t.Fatalf("WriteJSON (resize): %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": "close"}); err != nil {
		t.Fatalf("WriteJSON (close): %v", err)
	}

	// give the server goroutine time to process close and tear down
	time.Sleep(50 * time.Millisecond)
	if !fe.removeCalled {
		t.Errorf("container was not removed on session close")
	}
}

func TestServeWSContainerCreateFailureClosesWithError(t *testing.T) {
	fe := &fakeEngine{createErr: &net.OpError{Op: "dial", Err: io.ErrClosedPipe}}
	images := engine.NewImageManager(fe, discardLogger(), nil)
	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	defer st.Close()
	if err := st.PutTrack(store.Track{ID: 1, DockerImage: "livelabs/sandbox:latest"}); err != nil {
		t.Fatalf("PutTrack: %v", err)
	}
	enrollment := store.Enrollment{ID: 1, TrackID: 1}

	b := New(fe, images, st, discardLogger(), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.ServeWS(w, r, enrollment)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame struct{ Type string }
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Type != "error" {
		t.Fatalf("frame = %s, want error", msg)
	}
}
