// Package scheduler implements the durable delayed-function queue: jobs
// persist in SQLite, fire at run_at, retry with exponential backoff, and
// survive restarts (in-flight rows are re-picked, so handlers must be
// idempotent or carry a dedupe key).
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fluxbase/fluxbase/internal/fault"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// ErrorRecord is the structured dispatch error stored on a job row.
type ErrorRecord struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Job is one scheduled function.
type Job struct {
	ID           string
	FunctionPath string
	Args         json.RawMessage
	RunAt        int64 // unix ms
	Status       Status
	CreatedAt    int64
	CompletedAt  *int64
	Error        *ErrorRecord
	Retries      int
	MaxRetries   int
}

// Dispatcher executes a scheduled function. Dispatch runs outside any
// queue lock, so dispatched functions may freely schedule further work.
type Dispatcher interface {
	Dispatch(ctx context.Context, path string, args json.RawMessage) error
}

// Config tunes the scheduler.
type Config struct {
	Dispatcher Dispatcher
	BaseDelay  time.Duration // retry backoff base (default 1s)
	MaxRetries int           // default per-job retry cap (default 3)
	Retention  time.Duration // terminal rows older than this are pruned (default 7d)
	PruneSpec  string        // cron spec for pruning (default "13 4 * * *")
	Now        func() time.Time
}

// Scheduler owns the scheduled_functions queue. Nothing else reads or
// writes those rows.
type Scheduler struct {
	db         *sql.DB
	dispatcher Dispatcher
	baseDelay  time.Duration
	maxRetries int
	retention  time.Duration
	pruneSpec  string
	now        func() time.Time

	mu sync.Mutex // serializes queue writes

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	cron   *cron.Cron
}

// New creates a scheduler over the store's database handle.
func New(db *sql.DB, cfg Config) *Scheduler {
	s := &Scheduler{
		db:         db,
		dispatcher: cfg.Dispatcher,
		baseDelay:  cfg.BaseDelay,
		maxRetries: cfg.MaxRetries,
		retention:  cfg.Retention,
		pruneSpec:  cfg.PruneSpec,
		now:        cfg.Now,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	if s.baseDelay <= 0 {
		s.baseDelay = time.Second
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 3
	}
	if s.retention <= 0 {
		s.retention = 7 * 24 * time.Hour
	}
	if s.pruneSpec == "" {
		s.pruneSpec = "13 4 * * *"
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Start re-picks rows left running by a previous process, launches the
// alarm loop, and arms the prune cron.
func (s *Scheduler) Start() error {
	if _, err := s.db.Exec(
		`UPDATE scheduled_functions SET status = ? WHERE status = ?`,
		StatusPending, StatusRunning,
	); err != nil {
		return fmt.Errorf("re-pick running jobs: %w", err)
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.pruneSpec, func() {
		if n, err := s.Prune(); err != nil {
			log.Printf("[scheduler] prune: %v", err)
		} else if n > 0 {
			log.Printf("[scheduler] pruned %d terminal jobs", n)
		}
	}); err != nil {
		return fmt.Errorf("invalid prune spec %q: %w", s.pruneSpec, err)
	}
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return nil
}

// Stop halts the alarm loop and waits for in-flight dispatches.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	if s.cron != nil {
		s.cron.Stop()
	}
	s.wg.Wait()
}

// RunAfter schedules path to run after delay. Negative delays clamp to
// zero (fire on the next alarm).
func (s *Scheduler) RunAfter(delay time.Duration, path string, args json.RawMessage) (string, error) {
	if delay < 0 {
		delay = 0
	}
	return s.insert(s.now().Add(delay), path, args)
}

// RunAt schedules path to run at ts; past timestamps fire immediately.
func (s *Scheduler) RunAt(ts time.Time, path string, args json.RawMessage) (string, error) {
	if ts.Before(s.now()) {
		ts = s.now()
	}
	return s.insert(ts, path, args)
}

func (s *Scheduler) insert(runAt time.Time, path string, args json.RawMessage) (string, error) {
	if path == "" {
		return "", fault.New(fault.InvalidValue, "function path must not be empty")
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	id := uuid.New().String()

	s.mu.Lock()
	_, err := s.db.Exec(
		`INSERT INTO scheduled_functions
		 (id, function_path, args, run_at, status, created_at, retries, max_retries)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		id, path, string(args), runAt.UnixMilli(), StatusPending, s.now().UnixMilli(), s.maxRetries,
	)
	s.mu.Unlock()
	if err != nil {
		return "", fault.Wrap(fault.StorageFailure, err, "schedule function")
	}
	s.poke()
	return id, nil
}

// Cancel atomically cancels a pending job. It reports whether the
// transition happened; a job already firing (or done) returns false.
func (s *Scheduler) Cancel(id string) (bool, error) {
	s.mu.Lock()
	res, err := s.db.Exec(
		`UPDATE scheduled_functions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		StatusCanceled, s.now().UnixMilli(), id, StatusPending,
	)
	s.mu.Unlock()
	if err != nil {
		return false, fault.Wrap(fault.StorageFailure, err, "cancel job")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Get returns the job or nil if unknown.
func (s *Scheduler) Get(id string) (*Job, error) {
	row := s.db.QueryRow(
		`SELECT id, function_path, args, run_at, status, created_at, completed_at, error, retries, max_retries
		 FROM scheduled_functions WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// List returns jobs, newest first, optionally filtered by status.
func (s *Scheduler) List(status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.Query(
			`SELECT id, function_path, args, run_at, status, created_at, completed_at, error, retries, max_retries
			 FROM scheduled_functions ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(
			`SELECT id, function_path, args, run_at, status, created_at, completed_at, error, retries, max_retries
			 FROM scheduled_functions WHERE status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "list jobs")
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Prune deletes terminal rows whose completion is older than retention.
func (s *Scheduler) Prune() (int64, error) {
	cutoff := s.now().Add(-s.retention).UnixMilli()
	s.mu.Lock()
	res, err := s.db.Exec(
		`DELETE FROM scheduled_functions
		 WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusCompleted, StatusFailed, StatusCanceled, cutoff,
	)
	s.mu.Unlock()
	if err != nil {
		return 0, fault.Wrap(fault.StorageFailure, err, "prune jobs")
	}
	return res.RowsAffected()
}

func scanJob(scan func(...any) error) (*Job, error) {
	var (
		j           Job
		args        string
		completedAt sql.NullInt64
		errJSON     sql.NullString
	)
	if err := scan(&j.ID, &j.FunctionPath, &args, &j.RunAt, &j.Status,
		&j.CreatedAt, &completedAt, &errJSON, &j.Retries, &j.MaxRetries); err != nil {
		return nil, err
	}
	j.Args = json.RawMessage(args)
	if completedAt.Valid {
		v := completedAt.Int64
		j.CompletedAt = &v
	}
	if errJSON.Valid && errJSON.String != "" {
		var rec ErrorRecord
		if err := json.Unmarshal([]byte(errJSON.String), &rec); err == nil {
			j.Error = &rec
		} else {
			// Legacy free-text error rows.
			j.Error = &ErrorRecord{Code: "INTERNAL", Message: errJSON.String}
		}
	}
	return &j, nil
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
