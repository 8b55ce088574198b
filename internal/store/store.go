// Package store implements the document store: validated transactional
// document storage over SQLite with schema versioning, indexed queries,
// JSON-extracting query translation, and system tables.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/schema"
)

// ChangeKind classifies a committed write.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Commit describes one committed write batch on one table.
type Commit struct {
	Table string
	Kind  ChangeKind
	IDs   []string
}

// CommitSink consumes commit events. Events are delivered in commit order,
// only after the enclosing transaction has committed, never on rollback.
type CommitSink interface {
	OnCommit(commits []Commit)
}

// Metadata keys in _metadata.
const (
	metaKeyTables     = "tables"
	metaKeySchemaJSON = "schema_json"
)

// Store is one logical shard: a single-writer document store over one
// SQLite database. Readers run concurrently; all writes serialize on mu.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	sinkMu sync.RWMutex
	sink   CommitSink

	schemaMu   sync.RWMutex
	schema     *schema.Schema // nil until a schema is applied (schemaless mode)
	version    int
	schemaHash string
	tables     map[string]bool // physical user tables

	lastCreationMs int64 // creation_time monotonicity guard, under mu
}

// Open opens (creating if needed) the store at path and bootstraps the
// system tables. Use ":memory:" for an in-process ephemeral store.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrateSystemTables(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, tables: make(map[string]bool)}
	if err := s.loadMetadata(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the shared handle for the scheduler's queue repo. Document
// rows stay private to this package.
func (s *Store) DB() *sql.DB { return s.db }

// SetCommitSink registers the consumer of commit events. Must be called
// before concurrent writes begin.
func (s *Store) SetCommitSink(sink CommitSink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *Store) emit(commits []Commit) {
	if len(commits) == 0 {
		return
	}
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink != nil {
		sink.OnCommit(commits)
	}
}

// SchemaVersion returns the currently applied schema version (0 if none).
func (s *Store) SchemaVersion() int {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	return s.version
}

// SchemaHash returns the content hash of the current schema ("" if none).
func (s *Store) SchemaHash() string {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	return s.schemaHash
}

// Schema returns a deep copy of the current schema, or nil in schemaless
// mode.
func (s *Store) Schema() *schema.Schema {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	if s.schema == nil {
		return nil
	}
	return s.schema.Clone()
}

// ListTables returns the known user tables, sorted.
func (s *Store) ListTables() []string {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	out := make([]string, 0, len(s.tables))
	for t := range s.tables {
		out = append(out, t)
	}
	sortStrings(out)
	return out
}

// HasTable reports whether a physical user table exists.
func (s *Store) HasTable(name string) bool {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	return s.tables[name]
}

func (s *Store) loadMetadata() error {
	var tablesJSON string
	err := s.db.QueryRow(`SELECT value FROM _metadata WHERE key = ?`, metaKeyTables).Scan(&tablesJSON)
	switch {
	case err == sql.ErrNoRows:
		// fresh database
	case err != nil:
		return fmt.Errorf("load table list: %w", err)
	default:
		var names []string
		if err := json.Unmarshal([]byte(tablesJSON), &names); err != nil {
			return fmt.Errorf("decode table list: %w", err)
		}
		for _, n := range names {
			s.tables[n] = true
		}
	}

	var schemaJSON string
	err = s.db.QueryRow(`SELECT value FROM _metadata WHERE key = ?`, metaKeySchemaJSON).Scan(&schemaJSON)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load schema: %w", err)
	}
	if err == nil && schemaJSON != "" {
		sch, perr := schema.ParseJSON([]byte(schemaJSON))
		if perr != nil {
			return fmt.Errorf("decode stored schema: %w", perr)
		}
		s.schema = sch
	}

	row := s.db.QueryRow(`SELECT version, schema_hash FROM _schema_versions ORDER BY version DESC LIMIT 1`)
	var version int
	var hash string
	if err := row.Scan(&version, &hash); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load schema version: %w", err)
	}
	s.version = version
	s.schemaHash = hash
	return nil
}

// quoteIdent wraps a pre-validated identifier in SQLite identifier quotes.
// Embedded quotes are doubled, though a validated identifier cannot carry
// any.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// nowMs returns the current wall clock in milliseconds.
func nowMs() int64 { return time.Now().UnixMilli() }

// nextCreationTime returns a creation_time that never moves backwards for
// this shard. Caller holds mu.
func (s *Store) nextCreationTime() int64 {
	ts := nowMs()
	if ts <= s.lastCreationMs {
		ts = s.lastCreationMs + 1
	}
	s.lastCreationMs = ts
	return ts
}

// userTableDDL is the fixed physical layout of a user table.
func userTableDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id            TEXT PRIMARY KEY,
	creation_time INTEGER NOT NULL,
	data          TEXT NOT NULL
)`, quoteIdent(table))
}

// ensureTable creates the physical table if missing and records it in
// _metadata. The in-memory table set is updated only after commit, via a
// post-commit hook, so a rollback leaves no phantom table.
func (t *Txn) ensureTable(table string) error {
	if t.s.HasTable(table) || t.pendingTables[table] {
		return nil
	}
	if _, err := t.tx.Exec(userTableDDL(table)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	if t.pendingTables == nil {
		t.pendingTables = make(map[string]bool)
	}
	t.pendingTables[table] = true
	return t.saveTableList()
}

// dropTable removes the physical table and its metadata entry.
func (t *Txn) dropTable(table string) error {
	if _, err := t.tx.Exec(`DROP TABLE IF EXISTS ` + quoteIdent(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	if _, err := t.tx.Exec(`DELETE FROM _documents WHERE "table" = ?`, table); err != nil {
		return fmt.Errorf("drop shadow rows for %s: %w", table, err)
	}
	if t.droppedTables == nil {
		t.droppedTables = make(map[string]bool)
	}
	t.droppedTables[table] = true
	delete(t.pendingTables, table)
	return t.saveTableList()
}

// saveTableList writes the effective table list (current ± pending changes
// of this transaction) to _metadata.
func (t *Txn) saveTableList() error {
	t.s.schemaMu.RLock()
	names := make([]string, 0, len(t.s.tables)+len(t.pendingTables))
	for n := range t.s.tables {
		if !t.droppedTables[n] {
			names = append(names, n)
		}
	}
	t.s.schemaMu.RUnlock()
	for n := range t.pendingTables {
		names = append(names, n)
	}
	sortStrings(names)
	data, _ := json.Marshal(names)
	if _, err := t.tx.Exec(
		`INSERT INTO _metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaKeyTables, string(data),
	); err != nil {
		return fmt.Errorf("record table list: %w", err)
	}
	return nil
}

// tableValidator returns the declared field validators for a table, or nil
// in schemaless mode. A declared schema that omits the table is a
// SchemaViolation for writers.
func (s *Store) tableValidators(table string) (map[string]schema.Validator, error) {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	if s.schema == nil {
		return nil, nil
	}
	tbl, ok := s.schema.Tables[table]
	if !ok {
		return nil, fault.New(fault.SchemaViolation, "table %q is not declared in the schema", table)
	}
	return tbl.Fields, nil
}

func sortStrings(s []string) { sort.Strings(s) }
