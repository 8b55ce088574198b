package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fluxbase/fluxbase/internal/fault"
)

// Txn is an in-flight shard transaction. All write operations run on a Txn;
// the Store-level write methods wrap themselves in one. Commit events are
// buffered on the Txn and emitted only after commit.
type Txn struct {
	s       *Store
	tx      *sql.Tx
	commits []Commit

	pendingTables map[string]bool // tables created by this transaction
	droppedTables map[string]bool // tables dropped by this transaction
	postCommit    []func()        // in-memory state swaps, run after commit
}

// Transaction runs fn atomically under the shard write intent. Nested calls
// are flattened: an inner Transaction on the Txn reuses the outer one, and
// a failed inner callback aborts the whole transaction.
//
// Transient SQLite contention (busy/locked) retries the whole callback a
// bounded number of times; fn must therefore be free of external side
// effects. Exhausted retries surface StorageFailure via the wrapped error.
func (s *Store) Transaction(fn func(*Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var commits []Commit
	attempt := func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		t := &Txn{s: s, tx: tx}
		if err := fn(t); err != nil {
			tx.Rollback()
			if isTransientSQLite(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isTransientSQLite(err) {
				return fmt.Errorf("commit: %w", err)
			}
			return backoff.Permanent(fmt.Errorf("commit: %w", err))
		}
		if len(t.pendingTables) > 0 || len(t.droppedTables) > 0 {
			s.schemaMu.Lock()
			for name := range t.pendingTables {
				s.tables[name] = true
			}
			for name := range t.droppedTables {
				delete(s.tables, name)
			}
			s.schemaMu.Unlock()
		}
		for _, hook := range t.postCommit {
			hook()
		}
		commits = t.commits
		return nil
	}

	policy := backoff.WithMaxRetries(transientBackoff(), 4)
	if err := backoff.Retry(attempt, policy); err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return err
		}
		return fault.Wrap(fault.StorageFailure, err, "storage operation failed")
	}
	// Emitted under mu so publication order matches commit order.
	s.emit(commits)
	return nil
}

// Transaction on a Txn flattens into the enclosing transaction.
func (t *Txn) Transaction(fn func(*Txn) error) error {
	return fn(t)
}

func (t *Txn) record(table string, kind ChangeKind, ids ...string) {
	if len(ids) == 0 {
		return
	}
	t.commits = append(t.commits, Commit{Table: table, Kind: kind, IDs: ids})
}

func transientBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	return b
}

// isTransientSQLite classifies contention errors worth retrying. The
// modernc driver surfaces these as text; there is no typed sentinel.
func isTransientSQLite(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
