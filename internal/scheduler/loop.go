package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/fluxbase/fluxbase/internal/fault"
)

// dispatchTimeout bounds one function dispatch.
const dispatchTimeout = 30 * time.Second

// idleWait is the alarm wait when the queue is empty; inserts poke the
// loop awake sooner.
const idleWait = time.Minute

// loop is the alarm loop: sleep until min(run_at) of the pending set,
// claim due jobs, dispatch them, repeat.
func (s *Scheduler) loop() {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		wait := s.untilNext()
		timer.Reset(wait)
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
			if !timer.Stop() {
				<-timer.C
			}
			continue // re-arm against the new min(run_at)
		case <-timer.C:
		}
		s.fireDue()
	}
}

// untilNext computes the wait until the earliest pending job, clamped to
// [0, idleWait].
func (s *Scheduler) untilNext() time.Duration {
	var runAt int64
	err := s.db.QueryRow(
		`SELECT run_at FROM scheduled_functions WHERE status = ? ORDER BY run_at ASC LIMIT 1`,
		StatusPending,
	).Scan(&runAt)
	if err == sql.ErrNoRows {
		return idleWait
	}
	if err != nil {
		log.Printf("[scheduler] next wake query: %v", err)
		return time.Second
	}
	wait := time.Duration(runAt-s.now().UnixMilli()) * time.Millisecond
	if wait < 0 {
		return 0
	}
	if wait > idleWait {
		return idleWait
	}
	return wait
}

// fireDue claims every due pending job (marking it running in one commit,
// the same commit a restart uses to find in-flight rows) and dispatches
// each in its own goroutine.
func (s *Scheduler) fireDue() {
	due, err := s.claimDue()
	if err != nil {
		log.Printf("[scheduler] claim due: %v", err)
		return
	}
	for _, job := range due {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(job)
		}()
	}
}

func (s *Scheduler) claimDue() ([]*Job, error) {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(
		`SELECT id, function_path, args, run_at, status, created_at, completed_at, error, retries, max_retries
		 FROM scheduled_functions WHERE status = ? AND run_at <= ? ORDER BY run_at ASC`,
		StatusPending, nowMs)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	var due []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			rows.Close()
			tx.Rollback()
			return nil, err
		}
		due = append(due, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		tx.Rollback()
		return nil, err
	}
	for _, j := range due {
		if _, err := tx.Exec(
			`UPDATE scheduled_functions SET status = ? WHERE id = ?`, StatusRunning, j.ID,
		); err != nil {
			tx.Rollback()
			return nil, err
		}
		j.Status = StatusRunning
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}

// dispatch runs one claimed job and records its outcome: completed on
// success, pending with backed-off run_at while retries remain, failed
// otherwise. Delivery is at-least-once.
func (s *Scheduler) dispatch(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	err := s.dispatcher.Dispatch(ctx, job.FunctionPath, job.Args)
	if err == nil {
		s.markCompleted(job.ID)
		return
	}

	rec := errorRecord(err)
	if job.Retries < job.MaxRetries {
		delay := time.Duration(1<<uint(job.Retries)) * s.baseDelay
		s.markRetry(job.ID, s.now().Add(delay), rec)
		return
	}
	s.markFailed(job.ID, rec)
}

func (s *Scheduler) markCompleted(id string) {
	s.mu.Lock()
	_, err := s.db.Exec(
		`UPDATE scheduled_functions SET status = ?, completed_at = ?, error = NULL WHERE id = ?`,
		StatusCompleted, s.now().UnixMilli(), id)
	s.mu.Unlock()
	if err != nil {
		log.Printf("[scheduler] mark completed %s: %v", id, err)
	}
}

func (s *Scheduler) markRetry(id string, runAt time.Time, rec ErrorRecord) {
	data, _ := json.Marshal(rec)
	s.mu.Lock()
	_, err := s.db.Exec(
		`UPDATE scheduled_functions
		 SET status = ?, run_at = ?, retries = retries + 1, error = ?
		 WHERE id = ?`,
		StatusPending, runAt.UnixMilli(), string(data), id)
	s.mu.Unlock()
	if err != nil {
		log.Printf("[scheduler] mark retry %s: %v", id, err)
	}
	s.poke()
}

func (s *Scheduler) markFailed(id string, rec ErrorRecord) {
	data, _ := json.Marshal(rec)
	s.mu.Lock()
	_, err := s.db.Exec(
		`UPDATE scheduled_functions SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		StatusFailed, s.now().UnixMilli(), string(data), id)
	s.mu.Unlock()
	if err != nil {
		log.Printf("[scheduler] mark failed %s: %v", id, err)
	}
}

func errorRecord(err error) ErrorRecord {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return ErrorRecord{Code: string(fe.Kind), Message: fe.Message, Retryable: retryableKind(fe.Kind)}
	}
	return ErrorRecord{Code: string(fault.Internal), Message: err.Error(), Retryable: true}
}

func retryableKind(k fault.Kind) bool {
	switch k {
	case fault.Timeout, fault.StorageFailure, fault.RateLimited, fault.Internal:
		return true
	default:
		return false
	}
}
