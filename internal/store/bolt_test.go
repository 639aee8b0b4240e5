package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTrackPutGetList(t *testing.T) {
	s := testStore(t)

	host := 8080
	track := Track{
		ID:                1,
		Slug:              "intro-to-containers",
		DockerImage:       "livelabs/sandbox:latest",
		EnvSecrets:        map[string]string{"API_KEY": "secret"},
		AppURLTemplate:    "http://localhost:{port}",
		AppContainerImage: "livelabs/app:latest",
		AppContainerPorts: []PortMapping{{Container: 8080, Host: &host}},
		AutoLoginType:     AutoLoginURLParams,
	}

	if err := s.PutTrack(track); err != nil {
		t.Fatalf("PutTrack: %v", err)
	}

	got, err := s.GetTrack(1)
	if err != nil {
		t.Fatalf("GetTrack: %v", err)
	}
	if got.Slug != track.Slug || got.DockerImage != track.DockerImage {
		t.Fatalf("GetTrack = %+v, want %+v", got, track)
	}
	if len(got.AppContainerPorts) != 1 || *got.AppContainerPorts[0].Host != 8080 {
		t.Fatalf("port mapping not round-tripped: %+v", got.AppContainerPorts)
	}

	if _, err := s.GetTrack(999); err != ErrNotFound {
		t.Fatalf("GetTrack(missing) = %v, want ErrNotFound", err)
	}

	tracks, err := s.ListTracks()
	if err != nil {
		t.Fatalf("ListTracks: %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("ListTracks returned %d tracks, want 1", len(tracks))
	}
}

func TestStepsOrderedByOrderField(t *testing.T) {
	s := testStore(t)

	steps := []Step{
		{ID: 3, TrackID: 1, Order: 2, Title: "Second"},
		{ID: 1, TrackID: 1, Order: 0, Title: "First"},
		{ID: 2, TrackID: 1, Order: 1, Title: "Middle"},
		{ID: 4, TrackID: 2, Order: 0, Title: "Other track"},
	}
	for _, st := range steps {
		if err := s.PutStep(st); err != nil {
			t.Fatalf("PutStep: %v", err)
		}
	}

	got, err := s.ListStepsByTrack(1)
	if err != nil {
		t.Fatalf("ListStepsByTrack: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListStepsByTrack returned %d steps, want 3", len(got))
	}
	for i, title := range []string{"First", "Middle", "Second"} {
		if got[i].Title != title {
			t.Errorf("step %d = %q, want %q", i, got[i].Title, title)
		}
	}
}

func TestCreateEnrollmentAssignsID(t *testing.T) {
	s := testStore(t)

	e1, err := s.CreateEnrollment(Enrollment{UserID: "u1", TrackID: 1, InitStatus: InitPending, StartedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateEnrollment: %v", err)
	}
	e2, err := s.CreateEnrollment(Enrollment{UserID: "u1", TrackID: 2, InitStatus: InitPending, StartedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateEnrollment: %v", err)
	}
	if e1.ID == 0 || e2.ID == 0 || e1.ID == e2.ID {
		t.Fatalf("expected distinct non-zero IDs, got %d and %d", e1.ID, e2.ID)
	}

	got, err := s.GetEnrollment(e1.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if got.UserID != "u1" || got.TrackID != 1 {
		t.Fatalf("GetEnrollment = %+v", got)
	}

	all, err := s.ListEnrollmentsByUser("u1")
	if err != nil {
		t.Fatalf("ListEnrollmentsByUser: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListEnrollmentsByUser returned %d, want 2", len(all))
	}
}

func TestCASInitStatusAppliesMutationOnMatch(t *testing.T) {
	s := testStore(t)
	e, err := s.CreateEnrollment(Enrollment{UserID: "u1", TrackID: 1, InitStatus: InitPending, StartedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateEnrollment: %v", err)
	}

	updated, err := s.CASInitStatus(e.ID, InitPending, func(en *Enrollment) {
		en.InitStatus = InitRunning
	})
	if err != nil {
		t.Fatalf("CASInitStatus: %v", err)
	}
	if updated.InitStatus != InitRunning {
		t.Fatalf("InitStatus = %q, want %q", updated.InitStatus, InitRunning)
	}

	got, err := s.GetEnrollment(e.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if got.InitStatus != InitRunning {
		t.Fatalf("persisted InitStatus = %q, want %q", got.InitStatus, InitRunning)
	}
}

func TestCASInitStatusRejectsStaleFrom(t *testing.T) {
	s := testStore(t)
	e, err := s.CreateEnrollment(Enrollment{UserID: "u1", TrackID: 1, InitStatus: InitRunning, StartedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateEnrollment: %v", err)
	}

	_, err = s.CASInitStatus(e.ID, InitPending, func(en *Enrollment) {
		en.InitStatus = InitRunning
	})
	if err != ErrConflict {
		t.Fatalf("CASInitStatus = %v, want ErrConflict", err)
	}

	got, err := s.GetEnrollment(e.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if got.InitStatus != InitRunning {
		t.Fatalf("InitStatus mutated despite conflict: %q", got.InitStatus)
	}
}

func TestCASInitStatusConcurrentCallersExactlyOneWins(t *testing.T) {
	s := testStore(t)
	e, err := s.CreateEnrollment(Enrollment{UserID: "u1", TrackID: 1, InitStatus: InitPending, StartedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateEnrollment: %v", err)
	}

	const n = 20
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.CASInitStatus(e.ID, InitPending, func(en *Enrollment) {
				en.InitStatus = InitRunning
			})
			results <- err
		}()
	}

	wins := 0
	for i := 0; i < n; i++ {
		if err := <-results; err == nil {
			wins++
		} else if err != ErrConflict {
			t.Fatalf("CASInitStatus: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winning CAS calls = %d, want exactly 1", wins)
	}

	got, err := s.GetEnrollment(e.ID)
	if err != nil {
		t.Fatalf("GetEnrollment: %v", err)
	}
	if got.InitStatus != InitRunning {
		t.Fatalf("InitStatus = %q, want %q", got.InitStatus, InitRunning)
	}
}

func TestAppContainerPutGetDelete(t *testing.T) {
	s := testStore(t)

	ac := AppContainer{
		EnrollmentID: 42,
		ContainerID:  "abc123",
		Status:       AppContainerRunning,
		Ports:        map[int]int{8080: 49152},
		StartedAt:    time.Now().UTC(),
	}
	if err := s.PutAppContainer(ac); err != nil {
		t.Fatalf("PutAppContainer: %v", err)
	}

	got, err := s.GetAppContainer(42)
	if err != nil {
		t.Fatalf("GetAppContainer: %v", err)
	}
	if got.ContainerID != "abc123" || got.Ports[8080] != 49152 {
		t.Fatalf("GetAppContainer = %+v", got)
	}

	if err := s.DeleteAppContainer(42); err != nil {
		t.Fatalf("DeleteAppContainer: %v", err)
	}
	if _, err := s.GetAppContainer(42); err != ErrNotFound {
		t.Fatalf("GetAppContainer after delete = %v, want ErrNotFound", err)
	}
}

func TestExecutionHistoryMostRecentFirst(t *testing.T) {
	s := testStore(t)

	for i := 0; i < 3; i++ {
		e, err := s.CreateExecution(Execution{
			EnrollmentID: 1,
			ScriptType:   ScriptTypeValidation,
			Status:       ExecutionRunning,
			StartedAt:    time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		e.Status = ExecutionSuccess
		e.ExitCode = 0
		if err := s.UpdateExecution(e); err != nil {
			t.Fatalf("UpdateExecution: %v", err)
		}
	}
	// an execution for a different enrollment must not show up in history
	if _, err := s.CreateExecution(Execution{EnrollmentID: 2, ScriptType: ScriptTypeSetup, Status: ExecutionRunning, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	history, err := s.ListExecutionHistory(1)
	if err != nil {
		t.Fatalf("ListExecutionHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("ListExecutionHistory returned %d rows, want 3", len(history))
	}
	for i := 0; i < len(history)-1; i++ {
		if history[i].ID < history[i+1].ID {
			t.Fatalf("history not in most-recent-first order: %+v", history)
		}
	}
}

func TestImagePresenceRoundTrip(t *testing.T) {
	s := testStore(t)

	if err := s.SaveImagePresent("livelabs/app:latest"); err != nil {
		t.Fatalf("SaveImagePresent: %v", err)
	}
	if err := s.SaveImagePresent("livelabs/sandbox:latest"); err != nil {
		t.Fatalf("SaveImagePresent: %v", err)
	}

	refs, err := s.ListPresentImages()
	if err != nil {
		t.Fatalf("ListPresentImages: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("ListPresentImages returned %d refs, want 2", len(refs))
	}

	if err := s.DeleteImagePresent("livelabs/app:latest"); err != nil {
		t.Fatalf("DeleteImagePresent: %v", err)
	}
	refs, err = s.ListPresentImages()
	if err != nil {
		t.Fatalf("ListPresentImages: %v", err)
	}
	if len(refs) != 1 || refs[0] != "livelabs/sandbox:latest" {
		t.Fatalf("ListPresentImages after delete = %v", refs)
	}
}
