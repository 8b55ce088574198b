package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/schema"
	"github.com/fluxbase/fluxbase/internal/value"
)

// ApplySchema applies a declared schema: creates missing tables and
// indexes and bumps the schema version. Applying a schema whose content
// hash equals the current one is a no-op that returns the current version.
func (s *Store) ApplySchema(sch *schema.Schema) (version int, hash string, err error) {
	if err := sch.Validate(); err != nil {
		return 0, "", err
	}
	newHash := sch.Hash()

	s.schemaMu.RLock()
	curVersion, curHash := s.version, s.schemaHash
	s.schemaMu.RUnlock()
	if newHash == curHash {
		return curVersion, curHash, nil
	}

	applied := sch.Clone()
	err = s.Transaction(func(t *Txn) error {
		for name, tbl := range applied.Tables {
			if err := t.ensureTable(name); err != nil {
				return err
			}
			for _, idx := range tbl.Indexes {
				if err := t.createIndex(name, idx); err != nil {
					return err
				}
			}
		}
		newVersion := curVersion + 1
		if err := t.recordSchemaVersion(newVersion, newHash, applied); err != nil {
			return err
		}
		t.postCommit = append(t.postCommit, func() {
			s.schemaMu.Lock()
			s.schema = applied
			s.version = newVersion
			s.schemaHash = newHash
			s.schemaMu.Unlock()
		})
		version = newVersion
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	return version, newHash, nil
}

// Migration op names.
const (
	MigAddColumn   = "addColumn"
	MigDropColumn  = "dropColumn"
	MigCreateTable = "createTable"
	MigDropTable   = "dropTable"
	MigCreateIndex = "createIndex"
	MigDropIndex   = "dropIndex"
)

// MigrationOp is one step of a migration plan.
type MigrationOp struct {
	Op        string            `json:"op"`
	Table     string            `json:"table"`
	Field     string            `json:"field,omitempty"`
	Validator *schema.Validator `json:"validator,omitempty"`
	Fields    map[string]schema.Validator `json:"fields,omitempty"` // createTable
	Index     *schema.Index     `json:"index,omitempty"`
	IndexName string            `json:"indexName,omitempty"` // dropIndex
}

// Migration is an ordered plan moving the schema one version forward.
type Migration struct {
	FromVersion  int           `json:"fromVersion"`
	ToVersion    int           `json:"toVersion"`
	ExpectedHash string        `json:"expectedHash,omitempty"`
	Ops          []MigrationOp `json:"ops"`
}

// ApplyMigration executes a migration plan atomically. The plan must start
// at the current version and advance it by exactly one; a mid-plan failure
// rolls back every op.
func (s *Store) ApplyMigration(plan Migration) (int, error) {
	s.schemaMu.RLock()
	curVersion, curHash := s.version, s.schemaHash
	cur := s.schema
	s.schemaMu.RUnlock()

	if plan.FromVersion != curVersion {
		return 0, fault.New(fault.VersionConflict,
			"migration starts at version %d but current version is %d", plan.FromVersion, curVersion).
			WithData(map[string]any{"current": curVersion, "from": plan.FromVersion})
	}
	if plan.ToVersion != plan.FromVersion+1 {
		return 0, fault.New(fault.VersionConflict,
			"migration must advance the version by one (from %d to %d)", plan.FromVersion, plan.ToVersion)
	}
	if plan.ExpectedHash != "" && plan.ExpectedHash != curHash {
		return 0, fault.New(fault.SchemaHashMismatch, "schema hash does not match expected hash")
	}

	next := schema.New()
	if cur != nil {
		next = cur.Clone()
	}

	err := s.Transaction(func(t *Txn) error {
		for i, op := range plan.Ops {
			if err := t.applyMigrationOp(next, op); err != nil {
				return fmt.Errorf("migration op %d (%s): %w", i, op.Op, err)
			}
		}
		if err := next.Validate(); err != nil {
			return err
		}
		newHash := next.Hash()
		if err := t.recordSchemaVersion(plan.ToVersion, newHash, next); err != nil {
			return err
		}
		t.postCommit = append(t.postCommit, func() {
			s.schemaMu.Lock()
			s.schema = next
			s.version = plan.ToVersion
			s.schemaHash = newHash
			s.schemaMu.Unlock()
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return plan.ToVersion, nil
}

func (t *Txn) applyMigrationOp(next *schema.Schema, op MigrationOp) error {
	if err := value.ValidateTableName(op.Table); err != nil {
		return err
	}
	switch op.Op {
	case MigAddColumn:
		tbl, ok := next.Tables[op.Table]
		if !ok {
			return fault.New(fault.SchemaViolation, "table %q is not declared", op.Table)
		}
		if op.Validator == nil {
			return fault.New(fault.SchemaViolation, "addColumn requires a validator")
		}
		if _, exists := tbl.Fields[op.Field]; exists {
			return fault.New(fault.SchemaViolation, "field %q already exists", op.Field)
		}
		if !op.Validator.Optional && !op.Validator.Nullable {
			return fault.New(fault.SchemaViolation,
				"added field %q must be optional or nullable; existing documents lack it", op.Field)
		}
		if tbl.Fields == nil {
			tbl.Fields = make(map[string]schema.Validator)
		}
		tbl.Fields[op.Field] = *op.Validator
		return nil

	case MigDropColumn:
		tbl, ok := next.Tables[op.Table]
		if !ok {
			return fault.New(fault.SchemaViolation, "table %q is not declared", op.Table)
		}
		if _, exists := tbl.Fields[op.Field]; !exists {
			return fault.New(fault.SchemaViolation, "field %q does not exist", op.Field)
		}
		delete(tbl.Fields, op.Field)
		if err := value.ValidateIdentifier(op.Field); err != nil {
			return err
		}
		_, err := t.tx.Exec(fmt.Sprintf(
			`UPDATE %s SET data = json_remove(data, '$.%s')`, quoteIdent(op.Table), op.Field))
		if err != nil {
			return fmt.Errorf("strip column data: %w", err)
		}
		return nil

	case MigCreateTable:
		if _, exists := next.Tables[op.Table]; exists {
			return fault.New(fault.SchemaViolation, "table %q already exists", op.Table)
		}
		next.Tables[op.Table] = &schema.Table{Fields: op.Fields}
		return t.ensureTable(op.Table)

	case MigDropTable:
		delete(next.Tables, op.Table)
		return t.dropTable(op.Table)

	case MigCreateIndex:
		if op.Index == nil {
			return fault.New(fault.SchemaViolation, "createIndex requires an index definition")
		}
		if tbl, ok := next.Tables[op.Table]; ok {
			tbl.Indexes = append(tbl.Indexes, *op.Index)
		}
		return t.createIndex(op.Table, *op.Index)

	case MigDropIndex:
		if err := value.ValidateIdentifier(op.IndexName); err != nil {
			return err
		}
		if tbl, ok := next.Tables[op.Table]; ok {
			kept := tbl.Indexes[:0]
			for _, idx := range tbl.Indexes {
				if idx.Name != op.IndexName {
					kept = append(kept, idx)
				}
			}
			tbl.Indexes = kept
		}
		_, err := t.tx.Exec(`DROP INDEX IF EXISTS ` + quoteIdent(physicalIndexName(op.Table, op.IndexName)))
		if err != nil {
			return fmt.Errorf("drop index: %w", err)
		}
		return nil

	default:
		return fault.New(fault.SchemaViolation, "unknown migration op %q", op.Op)
	}
}

// createIndex creates a declared secondary index. System fields index the
// real column; user fields index the JSON extraction expression.
func (t *Txn) createIndex(table string, idx schema.Index) error {
	if err := value.ValidateIdentifier(idx.Name); err != nil {
		return err
	}
	cols := make([]string, 0, len(idx.Fields))
	for _, f := range idx.Fields {
		expr, _, err := columnExpr(f)
		if err != nil {
			return err
		}
		cols = append(cols, expr)
	}
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, quoteIdent(physicalIndexName(table, idx.Name)), quoteIdent(table), strings.Join(cols, ", "))
	if _, err := t.tx.Exec(stmt); err != nil {
		return fmt.Errorf("create index %s: %w", idx.Name, err)
	}
	return nil
}

// physicalIndexName namespaces declared index names per table; SQLite index
// names are database-global.
func physicalIndexName(table, index string) string {
	return table + "_" + index
}

// recordSchemaVersion writes the version row and the serialized schema.
func (t *Txn) recordSchemaVersion(version int, hash string, sch *schema.Schema) error {
	if _, err := t.tx.Exec(
		`INSERT INTO _schema_versions (version, applied_at, schema_hash) VALUES (?, ?, ?)`,
		version, nowMs(), hash,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	data, err := schemaJSON(sch)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(
		`INSERT INTO _metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaKeySchemaJSON, data,
	); err != nil {
		return fmt.Errorf("record schema body: %w", err)
	}
	return nil
}

func schemaJSON(sch *schema.Schema) (string, error) {
	data, err := json.Marshal(sch)
	if err != nil {
		return "", fmt.Errorf("encode schema: %w", err)
	}
	return string(data), nil
}
