package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEnrollments  = []byte("enrollments")
	bucketTracks       = []byte("tracks")
	bucketSteps        = []byte("steps")
	bucketAppContainer = []byte("app_containers")
	bucketExecutions   = []byte("executions")
	bucketImages       = []byte("images")
)

// Store wraps a BoltDB database holding the orchestrator's entity records.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEnrollments, bucketTracks, bucketSteps, bucketAppContainer, bucketExecutions, bucketImages} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// ErrNotFound is returned when a lookup by ID finds no record.
var ErrNotFound = fmt.Errorf("not found")

// ErrConflict is returned by compare-and-swap updates when the stored value
// no longer matches the expected prior state.
var ErrConflict = fmt.Errorf("conflict")

func idKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func idFromKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

// ============================================================
// Track (read-only at runtime; seeded out of band)
// ============================================================

// PortMapping pairs a container port with an optional fixed host port. A
// nil Host means allocate an ephemeral host port at container creation.
type PortMapping struct {
	Container int  `json:"container"`
	Host      *int `json:"host,omitempty"`
}

const (
	AutoLoginNone      = "none"
	AutoLoginURLParams = "url_params"
	AutoLoginCookies   = "cookies"
)

// AutoLoginConfig carries the per-type payload for a track's auto-login
// behaviour: query parameters to append to the app URL, or cookies for the
// UI to inject client-side, depending on Track.AutoLoginType.
type AutoLoginConfig struct {
	Params  map[string]string `json:"params,omitempty"`
	Cookies []Cookie          `json:"cookies,omitempty"`
}

// Track describes a learning track's sandbox image, init behaviour and
// the long-lived app container (if any) learners interact with.
type Track struct {
	ID                uint64            `json:"id"`
	Slug              string            `json:"slug"`
	DockerImage       string            `json:"docker_image"`
	EnvSecrets        map[string]string `json:"env_secrets,omitempty"`
	EnvTemplate       map[string]string `json:"env_template,omitempty"`
	InitScript        string            `json:"init_script,omitempty"`
	AppURLTemplate    string            `json:"app_url_template,omitempty"`
	AppContainerImage string            `json:"app_container_image,omitempty"`
	AppContainerPorts []PortMapping     `json:"app_container_ports,omitempty"`
	AppContainerCmd   []string          `json:"app_container_command,omitempty"`
	AppContainerEnv   map[string]string `json:"app_container_env,omitempty"`
	AutoLoginType     string            `json:"auto_login_type"`
	AutoLoginConfig   AutoLoginConfig   `json:"auto_login_config,omitempty"`
}

func (s *Store) PutTrack(t Track) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal track: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTracks).Put(idKey(t.ID), data)
	})
}

func (s *Store) GetTrack(id uint64) (Track, error) {
	var t Track
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTracks).Get(idKey(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &t)
	})
	return t, err
}

func (s *Store) ListTracks() ([]Track, error) {
	var tracks []Track
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTracks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Track
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tracks = append(tracks, t)
		}
		return nil
	})
	return tracks, err
}

// ============================================================
// Step (read-only at runtime; seeded out of band)
// ============================================================

type Step struct {
	ID               uint64 `json:"id"`
	TrackID          uint64 `json:"track_id"`
	Order            int    `json:"order"`
	Title            string `json:"title"`
	SetupScript      string `json:"setup_script,omitempty"`
	ValidationScript string `json:"validation_script,omitempty"`
}

func (s *Store) PutStep(st Step) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSteps).Put(idKey(st.ID), data)
	})
}

func (s *Store) GetStep(id uint64) (Step, error) {
	var st Step
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSteps).Get(idKey(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &st)
	})
	return st, err
}

// ListStepsByTrack returns every step for a track, ordered by Order.
func (s *Store) ListStepsByTrack(trackID uint64) ([]Step, error) {
	var steps []Step
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSteps).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var st Step
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			if st.TrackID == trackID {
				steps = append(steps, st)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSteps(steps)
	return steps, nil
}

func sortSteps(steps []Step) {
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j-1].Order > steps[j].Order; j-- {
			steps[j-1], steps[j] = steps[j], steps[j-1]
		}
	}
}

// ============================================================
// Enrollment
// ============================================================

const (
	InitPending  = "pending"
	InitRunning  = "running"
	InitSuccess  = "success"
	InitFailed   = "failed"
)

type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Enrollment struct {
	ID               uint64     `json:"id"`
	UserID           string     `json:"user_id"`
	TrackID          uint64     `json:"track_id"`
	CurrentStep      int        `json:"current_step"`
	Environment      map[string]string `json:"environment,omitempty"`
	AppURL           *string    `json:"app_url,omitempty"`
	AppCookies       []Cookie   `json:"app_cookies,omitempty"`
	InitStatus       string     `json:"init_status"`
	InitError        string     `json:"init_error,omitempty"`
	InitCompletedAt  *time.Time `json:"init_completed_at,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// CreateEnrollment assigns a new ID and persists the enrollment.
func (s *Store) CreateEnrollment(e Enrollment) (Enrollment, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = id
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal enrollment: %w", err)
		}
		return b.Put(idKey(e.ID), data)
	})
	return e, err
}

func (s *Store) GetEnrollment(id uint64) (Enrollment, error) {
	var e Enrollment
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEnrollments).Get(idKey(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	return e, err
}

// PutEnrollment overwrites an enrollment record wholesale. Callers that
// need atomicity against concurrent init-status transitions should use
// CASInitStatus instead.
func (s *Store) PutEnrollment(e Enrollment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal enrollment: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnrollments).Put(idKey(e.ID), data)
	})
}

func (s *Store) ListEnrollmentsByUser(userID string) ([]Enrollment, error) {
	var out []Enrollment
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEnrollments).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Enrollment
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.UserID == userID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// ListAllEnrollments returns every enrollment, in ID order.
func (s *Store) ListAllEnrollments() ([]Enrollment, error) {
	var out []Enrollment
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEnrollments).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Enrollment
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// CASInitStatus is the sole authoritative mutator for an enrollment's
// init-status transition. It reads the current record, verifies
// InitStatus still equals from, and if so applies mutate and writes the
// result back, all inside one BoltDB read-write transaction. Returns
// ErrConflict if another transition won the race, which callers treat as
// "someone else is already handling this" rather than an error to surface.
//
// This replaces loose check-then-set logic: since BoltDB serialises
// writers, the read and the write below can never interleave with another
// CASInitStatus call.
func (s *Store) CASInitStatus(id uint64, from string, mutate func(*Enrollment)) (Enrollment, error) {
	var result Enrollment
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollments)
		v := b.Get(idKey(id))
		if v == nil {
			return ErrNotFound
		}
		var e Enrollment
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		if e.InitStatus != from {
			result = e
			return ErrConflict
		}
		mutate(&e)
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal enrollment: %w", err)
		}
		if err := b.Put(idKey(e.ID), data); err != nil {
			return err
		}
		result = e
		return nil
	})
	if err != nil && err != ErrConflict {
		return Enrollment{}, err
	}
	return result, err
}

// ============================================================
// AppContainer (at most one per enrollment; keyed by enrollment ID)
// ============================================================

const (
	AppContainerStarting = "starting"
	AppContainerRunning  = "running"
	AppContainerStopped  = "stopped"
	AppContainerFailed   = "failed"
)

type AppContainer struct {
	EnrollmentID    uint64         `json:"enrollment_id"`
	ContainerID     string         `json:"container_id"`
	Status          string         `json:"status"`
	Ports           map[int]int    `json:"ports,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	LastHealthCheck *time.Time     `json:"last_health_check,omitempty"`
	RestartCount    int            `json:"restart_count"`
}

func (s *Store) PutAppContainer(ac AppContainer) error {
	data, err := json.Marshal(ac)
	if err != nil {
		return fmt.Errorf("marshal app container: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAppContainer).Put(idKey(ac.EnrollmentID), data)
	})
}

func (s *Store) GetAppContainer(enrollmentID uint64) (AppContainer, error) {
	var ac AppContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAppContainer).Get(idKey(enrollmentID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &ac)
	})
	return ac, err
}

func (s *Store) DeleteAppContainer(enrollmentID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAppContainer).Delete(idKey(enrollmentID))
	})
}

// ListAllAppContainers returns every app container record. Used by the
// reconciliation sweep.
func (s *Store) ListAllAppContainers() ([]AppContainer, error) {
	var out []AppContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAppContainer).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ac AppContainer
			if err := json.Unmarshal(v, &ac); err != nil {
				return err
			}
			out = append(out, ac)
		}
		return nil
	})
	return out, err
}

// ============================================================
// Execution (append-only; indexed by enrollment for history lookups)
// ============================================================

const (
	ScriptTypeSetup      = "setup"
	ScriptTypeValidation = "validation"
	ScriptTypeInit       = "init"

	ExecutionRunning = "running"
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
)

type Execution struct {
	ID          uint64    `json:"id"`
	EnrollmentID uint64   `json:"enrollment_id"`
	StepID      uint64    `json:"step_id,omitempty"`
	ScriptType  string    `json:"script_type"`
	Status      string    `json:"status"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	ExitCode    int       `json:"exit_code"`
	DurationMs  int64     `json:"duration_ms"`
	StartedAt   time.Time `json:"started_at"`
}

func executionIndexKey(enrollmentID, execID uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], enrollmentID)
	binary.BigEndian.PutUint64(k[8:], execID)
	return k
}

var executionIndexBucket = []byte("executions_by_enrollment")

// CreateExecution assigns a new ID, persists the row, and indexes it
// under its enrollment for history lookups. Call this before dispatching
// the underlying script so the row exists with Status=running before the
// engine call returns.
func (s *Store) CreateExecution(e Execution) (Execution, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		idx, err := tx.CreateBucketIfNotExists(executionIndexBucket)
		if err != nil {
			return err
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = id
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		if err := b.Put(idKey(e.ID), data); err != nil {
			return err
		}
		return idx.Put(executionIndexKey(e.EnrollmentID, e.ID), nil)
	})
	return e, err
}

// UpdateExecution overwrites an execution row in place. Callers must not
// call this once Status has left ExecutionRunning.
func (s *Store) UpdateExecution(e Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).Put(idKey(e.ID), data)
	})
}

// ListExecutionHistory returns every execution for an enrollment, most
// recent first.
func (s *Store) ListExecutionHistory(enrollmentID uint64) ([]Execution, error) {
	var out []Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(executionIndexBucket)
		if idx == nil {
			return nil
		}
		b := tx.Bucket(bucketExecutions)
		prefix := idKey(enrollmentID)
		c := idx.Cursor()
		var ids []uint64
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, idFromKey(k[8:]))
		}
		for i := len(ids) - 1; i >= 0; i-- {
			v := b.Get(idKey(ids[i]))
			if v == nil {
				continue
			}
			var e Execution
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ============================================================
// Image presence cache (persists the image manager's pull cache across
// restarts so a warm daemon doesn't get re-probed on every process boot)
// ============================================================

func (s *Store) SaveImagePresent(ref string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Put([]byte(ref), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

func (s *Store) DeleteImagePresent(ref string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Delete([]byte(ref))
	})
}

func (s *Store) ListPresentImages() ([]string, error) {
	var refs []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketImages).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			refs = append(refs, string(k))
		}
		return nil
	})
	return refs, err
}
