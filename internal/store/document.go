package store

import (
	"database/sql"
	"fmt"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/schema"
	"github.com/fluxbase/fluxbase/internal/value"
)

// System field names accepted in queries and rejected in writes.
const (
	FieldID            = "_id"
	FieldCreationTime  = "_creationTime"
	fieldCreationTime2 = "creation_time" // accepted alias in filters/order
)

// Document is one stored document with its system metadata.
type Document struct {
	ID           string
	Table        string
	CreationTime int64
	Version      int64
	Fields       *value.Object
}

// AsValue renders the document as an object value including system fields,
// the form results take on the wire.
func (d *Document) AsValue() value.Value {
	out := value.NewObject()
	out.Set(FieldID, value.ID(d.ID))
	out.Set(FieldCreationTime, value.Float64(float64(d.CreationTime)))
	d.Fields.Range(func(k string, v value.Value) bool {
		out.Set(k, v)
		return true
	})
	return value.FromObject(out)
}

// Insert validates and stores a new document, assigning its ID and
// creation time. The ID is never client-supplied.
func (s *Store) Insert(table string, doc *value.Object) (string, error) {
	var id string
	err := s.Transaction(func(tx *Txn) error {
		var err error
		id, err = tx.Insert(table, doc)
		return err
	})
	return id, err
}

// Insert within a transaction.
func (t *Txn) Insert(table string, doc *value.Object) (string, error) {
	if err := value.ValidateTableName(table); err != nil {
		return "", err
	}
	if doc == nil {
		doc = value.NewObject()
	}
	if err := rejectSystemFields(doc, fault.InvalidValue); err != nil {
		return "", err
	}
	if err := t.validateDocument(table, doc); err != nil {
		return "", err
	}
	if err := t.ensureTable(table); err != nil {
		return "", err
	}

	id := value.NewDocumentID(table)
	creation := t.s.nextCreationTime()
	// Canonical encoding (sorted keys) so structural filter comparisons
	// against json_extract are key-order insensitive.
	data, err := value.EncodeCanonical(value.FromObject(doc))
	if err != nil {
		return "", err
	}

	if _, err := t.tx.Exec(
		fmt.Sprintf(`INSERT INTO %s (id, creation_time, data) VALUES (?, ?, ?)`, quoteIdent(table)),
		id, creation, string(data),
	); err != nil {
		return "", fmt.Errorf("insert into %s: %w", table, err)
	}
	if _, err := t.tx.Exec(
		`INSERT INTO _documents (id, "table", creation_time, version) VALUES (?, ?, ?, 1)`,
		id, table, creation,
	); err != nil {
		return "", fmt.Errorf("insert shadow row: %w", err)
	}
	t.record(table, ChangeInsert, id)
	return id, nil
}

// Get returns the document or nil if missing. A missing table is not an
// error; it reads as an empty table.
func (s *Store) Get(table, id string) (*Document, error) {
	if err := value.ValidateTableName(table); err != nil {
		return nil, err
	}
	if err := value.ValidateID(id); err != nil {
		return nil, err
	}
	if !s.HasTable(table) {
		return nil, nil
	}
	row := s.db.QueryRow(fmt.Sprintf(
		`SELECT t.creation_time, t.data, d.version
		 FROM %s t JOIN _documents d ON d.id = t.id
		 WHERE t.id = ?`, quoteIdent(table)), id)
	return scanDocument(row, table, id)
}

func scanDocument(row *sql.Row, table, id string) (*Document, error) {
	var creation, version int64
	var data string
	if err := row.Scan(&creation, &data, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fault.Wrap(fault.StorageFailure, err, "read document")
	}
	fields, err := value.DecodeObject([]byte(data))
	if err != nil {
		return nil, err
	}
	return &Document{ID: id, Table: table, CreationTime: creation, Version: version, Fields: fields}, nil
}

// Patch merges fields into an existing document. System fields are
// immutable and rejected.
func (s *Store) Patch(table, id string, fields *value.Object) error {
	return s.Transaction(func(tx *Txn) error { return tx.Patch(table, id, fields) })
}

// Patch within a transaction.
func (t *Txn) Patch(table, id string, fields *value.Object) error {
	if err := value.ValidateTableName(table); err != nil {
		return err
	}
	if err := value.ValidateID(id); err != nil {
		return err
	}
	if err := rejectSystemFields(fields, fault.ImmutableField); err != nil {
		return err
	}
	current, err := t.getForUpdate(table, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fault.New(fault.NotFound, "document %s/%s not found", table, id)
	}
	merged := current.Fields.Clone()
	merged.Merge(fields)
	if err := t.validateDocument(table, merged); err != nil {
		return err
	}
	return t.writeBack(table, id, merged)
}

// Replace swaps the document's non-system fields wholesale.
func (s *Store) Replace(table, id string, doc *value.Object) error {
	return s.Transaction(func(tx *Txn) error { return tx.Replace(table, id, doc) })
}

// Replace within a transaction.
func (t *Txn) Replace(table, id string, doc *value.Object) error {
	if err := value.ValidateTableName(table); err != nil {
		return err
	}
	if err := value.ValidateID(id); err != nil {
		return err
	}
	if doc == nil {
		doc = value.NewObject()
	}
	if err := rejectSystemFields(doc, fault.ImmutableField); err != nil {
		return err
	}
	current, err := t.getForUpdate(table, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fault.New(fault.NotFound, "document %s/%s not found", table, id)
	}
	if err := t.validateDocument(table, doc); err != nil {
		return err
	}
	return t.writeBack(table, id, doc)
}

// Delete removes a document. Missing documents and tables are silent
// no-ops; delete is idempotent.
func (s *Store) Delete(table, id string) error {
	return s.Transaction(func(tx *Txn) error { return tx.Delete(table, id) })
}

// Delete within a transaction.
func (t *Txn) Delete(table, id string) error {
	if err := value.ValidateTableName(table); err != nil {
		return err
	}
	if err := value.ValidateID(id); err != nil {
		return err
	}
	if !t.s.HasTable(table) {
		return nil
	}
	res, err := t.tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quoteIdent(table)), id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	if _, err := t.tx.Exec(`DELETE FROM _documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete shadow row: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.record(table, ChangeDelete, id)
	}
	return nil
}

// Count returns the number of documents in a table via the shadow index.
func (s *Store) Count(table string) (int64, error) {
	if err := value.ValidateTableName(table); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM _documents WHERE "table" = ?`, table).Scan(&n)
	if err != nil {
		return 0, fault.Wrap(fault.StorageFailure, err, "count documents")
	}
	return n, nil
}

// DocumentVersion returns the per-document version counter, 0 if missing.
func (s *Store) DocumentVersion(id string) (int64, error) {
	var v int64
	err := s.db.QueryRow(`SELECT version FROM _documents WHERE id = ?`, id).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fault.Wrap(fault.StorageFailure, err, "read document version")
	}
	return v, nil
}

func (t *Txn) getForUpdate(table, id string) (*Document, error) {
	if !t.s.HasTable(table) {
		return nil, nil
	}
	row := t.tx.QueryRow(fmt.Sprintf(
		`SELECT t.creation_time, t.data, d.version
		 FROM %s t JOIN _documents d ON d.id = t.id
		 WHERE t.id = ?`, quoteIdent(table)), id)
	return scanDocument(row, table, id)
}

func (t *Txn) writeBack(table, id string, fields *value.Object) error {
	data, err := value.EncodeCanonical(value.FromObject(fields))
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(
		fmt.Sprintf(`UPDATE %s SET data = ? WHERE id = ?`, quoteIdent(table)),
		string(data), id,
	); err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if _, err := t.tx.Exec(`UPDATE _documents SET version = version + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("bump document version: %w", err)
	}
	t.record(table, ChangeUpdate, id)
	return nil
}

// validateDocument runs storability, schema, and id-referent checks.
func (t *Txn) validateDocument(table string, doc *value.Object) error {
	docVal := value.FromObject(doc)
	if err := value.CheckStorable(docVal); err != nil {
		return err
	}
	validators, err := t.s.tableValidators(table)
	if err != nil {
		return err
	}
	if validators != nil {
		if err := schema.CheckFields(validators, doc); err != nil {
			return err
		}
		// Referential integrity for id(T) fields: the referent must exist
		// in T (null is allowed and handled by the Nullable check).
		for name, v := range validators {
			if v.Kind != schema.VID {
				continue
			}
			fv, ok := doc.Get(name)
			if !ok || fv.IsNull() {
				continue
			}
			exists, err := t.documentInTable(fv.AsString(), v.Table)
			if err != nil {
				return err
			}
			if !exists {
				return fault.New(fault.SchemaViolation,
					"field %q references a missing document in table %q", name, v.Table)
			}
		}
	}
	return nil
}

func (t *Txn) documentInTable(id, table string) (bool, error) {
	var one int
	err := t.tx.QueryRow(`SELECT 1 FROM _documents WHERE id = ? AND "table" = ?`, id, table).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fault.Wrap(fault.StorageFailure, err, "check reference")
	}
	return true, nil
}

func rejectSystemFields(obj *value.Object, kind fault.Kind) error {
	if obj == nil {
		return nil
	}
	for _, f := range []string{FieldID, FieldCreationTime, fieldCreationTime2, "_table"} {
		if obj.Has(f) {
			return fault.New(kind, "field %q is system-managed", f)
		}
	}
	return nil
}
