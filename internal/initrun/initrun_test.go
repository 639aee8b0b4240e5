package initrun

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/livelabs/sandbox-core/internal/engine"
	"github.com/livelabs/sandbox-core/internal/runner"
	"github.com/livelabs/sandbox-core/internal/store"
)

type fakeEngine struct {
	mu           sync.Mutex
	runs         int
	waitExitCode int
	stdout       string
	stderr       string
}

func (f *fakeEngine) CreateContainer(_ context.Context, _ string, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig) (string, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	return "container-1", nil
}
func (f *fakeEngine) StartContainer(context.Context, string) error        { return nil }
func (f *fakeEngine) StopContainer(context.Context, string, int) error    { return nil }
func (f *fakeEngine) RestartContainer(context.Context, string, int) error { return nil }
func (f *fakeEngine) RemoveContainer(context.Context, string, bool) error { return nil }
func (f *fakeEngine) InspectContainer(context.Context, string) (container.InspectResponse, error) {
	return container.InspectResponse{}, nil
}
func (f *fakeEngine) ContainerLogsSplit(context.Context, string) (string, string, error) {
	return f.stdout, f.stderr, nil
}
func (f *fakeEngine) WaitContainer(context.Context, string, time.Duration) (int, bool, error) {
	return f.waitExitCode, false, nil
}
func (f *fakeEngine) ExecCreate(context.Context, string, []string, bool) (string, error) {
	return "", nil
}
func (f *fakeEngine) ExecAttach(context.Context, string) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (f *fakeEngine) ExecResize(context.Context, string, uint, uint) error { return nil }
func (f *fakeEngine) ExecInspect(context.Context, string) (int, bool, error) {
	return 0, false, nil
}
func (f *fakeEngine) PullImage(context.Context, string, string) error { return nil }
func (f *fakeEngine) ImageInspect(context.Context, string) (bool, string, error) {
	return true, "sha256:fake", nil
}
func (f *fakeEngine) PruneImages(context.Context, map[string]bool) error { return nil }
func (f *fakeEngine) Ping(context.Context) error                        { return nil }
func (f *fakeEngine) Close() error                                      { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestOrchestrator(fe *fakeEngine, st *store.Store) *Orchestrator {
	images := engine.NewImageManager(fe, discardLogger(), nil)
	r := runner.New(fe, images, discardLogger())
	return New(r, st, discardLogger())
}

func seedTrackAndEnrollment(t *testing.T, st *store.Store, initScript, appURLTemplate string) store.Enrollment {
	t.Helper()
	track := store.Track{
		ID:             1,
		Slug:           "intro",
		DockerImage:    "livelabs/sandbox:latest",
		InitScript:     initScript,
		AppURLTemplate: appURLTemplate,
	}
	if err := st.PutTrack(track); err != nil {
		t.Fatalf("PutTrack: %v", err)
	}
	e, err := st.CreateEnrollment(store.Enrollment{
		UserID:      "u1",
		TrackID:     1,
		InitStatus:  store.InitPending,
		StartedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateEnrollment: %v", err)
	}
	return e
}

func TestRunInitNoScriptSucceedsImmediately(t *testing.T) {
	st := testStore(t)
	e := seedTrackAndEnrollment(t, st, "", "http://localhost:8080/app")
	fe := &fakeEngine{}
	o := newTestOrchestrator(fe, st)

	result, err := o.RunInit(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("RunInit: %v", err)
	}
	if result.Status != store.InitSuccess || result.URL != "http://localhost:8080/app" {
		t.Fatalf("RunInit result = %+v", result)
	}
	if fe.runs != 0 {
		t.Errorf("no container should have been run for an empty init script, runs=%d", fe.runs)
	}
}

func TestRunInitCachedSuccessReturnsWithoutRerunning(t *testing.T) {
	st := testStore(t)
	e := seedTrackAndEnrollment(t, st, "echo hi", "")
	url := "http://localhost:9000/app"
	e.InitStatus = store.InitSuccess
	e.AppURL = &url
	e.AppCookies = []store.Cookie{{Name: "session", Value: "abc"}}
	if err := st.PutEnrollment(e); err != nil {
		t.Fatalf("PutEnrollment: %v", err)
	}

	fe := &fakeEngine{}
	o := newTestOrchestrator(fe, st)

	result, err := o.RunInit(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("RunInit: %v", err)
	}
	if result.Status != store.InitSuccess || result.URL != url || len(result.Cookies) != 1 {
		t.Fatalf("RunInit result = %+v", result)
	}
	if fe.runs != 0 {
		t.Errorf("cached success must not re-run the init script, runs=%d", fe.runs)
	}
}

func TestRunInitAlreadyRunningReturnsWithoutRestarting(t *testing.T) {
	st := testStore(t)
	e := seedTrackAndEnrollment(t, st, "echo hi", "")
	e.InitStatus = store.InitRunning
	if err := st.PutEnrollment(e); err != nil {
		t.Fatalf("PutEnrollment: %v", err)
	}

	fe := &fakeEngine{}
	o := newTestOrchestrator(fe, st)

	result, err := o.RunInit(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("RunInit: %v", err)
	}
	if result.Status != store.InitRunning {
		t.Fatalf("RunInit result = %+v, want running", result)
	}
	if fe.runs != 0 {
		t.Errorf("an in-progress init must not be restarted, runs=%d", fe.runs)
	}
}

func TestRunInitParsesJSONEnvelopeWithPreamble(t *testing.T) {
	st := testStore(t)
	e := seedTrackAndEnrollment(t, st, "echo hi", "")
	fe := &fakeEngine{
		waitExitCode: 0,
		stdout:       "setting things up...\nalmost done\n{\"url\": \"http://localhost:1234/app\", \"cookies\": [{\"name\": \"sid\", \"value\": \"xyz\"}]}\n",
	}
	o := newTestOrchestrator(fe, st)

	result, err := o.RunInit(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("RunInit: %v", err)
	}
	if result.Status != store.InitSuccess || result.URL != "http://localhost:1234/app" {
		t.Fatalf("RunInit result = %+v", result)
	}
	if len(result.Cookies) != 1 || result.Cookies[0].Name != "sid" {
		t.Fatalf("cookies = %+v", result.Cookies)
	}

	got, err := st.GetEnrollment(e.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if got.InitStatus != store.InitSuccess || got.InitCompletedAt == nil {
		t.Fatalf("persisted enrollment = %+v", got)
	}
}

func TestRunInitMalformedJSONFails(t *testing.T) {
	st := testStore(t)
	e := seedTrackAndEnrollment(t, st, "echo hi", "")
	fe := &fakeEngine{waitExitCode: 0, stdout: "{not json"}
	o := newTestOrchestrator(fe, st)

	result, err := o.RunInit(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("RunInit: %v", err)
	}
	if result.Status != store.InitFailed || result.Error == "" {
		t.Fatalf("RunInit result = %+v, want failed with error", result)
	}

	got, err := st.GetEnrollment(e.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if got.InitStatus != store.InitFailed {
		t.Fatalf("persisted InitStatus = %q, want failed", got.InitStatus)
	}
}

func TestRunInitMissingURLFails(t *testing.T) {
	st := testStore(t)
	e := seedTrackAndEnrollment(t, st, "echo hi", "")
	fe := &fakeEngine{waitExitCode: 0, stdout: "{\"cookies\": []}"}
	o := newTestOrchestrator(fe, st)

	result, err := o.RunInit(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("RunInit: %v", err)
	}
	if result.Status != store.InitFailed {
		t.Fatalf("RunInit result = %+v, want failed", result)
	}
}

func TestRunInitNonZeroExitFails(t *testing.T) {
	st := testStore(t)
	e := seedTrackAndEnrollment(t, st, "exit 1", "")
	fe := &fakeEngine{waitExitCode: 1, stderr: "boom"}
	o := newTestOrchestrator(fe, st)

	result, err := o.RunInit(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("RunInit: %v", err)
	}
	if result.Status != store.InitFailed || result.Error != "boom" {
		t.Fatalf("RunInit result = %+v", result)
	}

	got, err := st.GetEnrollment(e.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if got.InitError != "boom" {
		t.Fatalf("persisted InitError = %q, want %q", got.InitError, "boom")
	}
}

func TestRunInitConcurrentCallersRunExactlyOnce(t *testing.T) {
	st := testStore(t)
	e := seedTrackAndEnrollment(t, st, "echo hi", "")
	fe := &fakeEngine{waitExitCode: 0, stdout: "{\"url\": \"http://localhost:1/app\"}"}
	o := newTestOrchestrator(fe, st)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := o.RunInit(context.Background(), e.ID); err != nil {
				t.Errorf("RunInit: %v", err)
			}
		}()
	}
	wg.Wait()

	if fe.runs != 1 {
		t.Fatalf("init script ran %d times, want exactly 1", fe.runs)
	}

	got, err := st.GetEnrollment(e.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if got.InitStatus != store.InitSuccess {
		t.Fatalf("InitStatus = %q, want success", got.InitStatus)
	}
}
