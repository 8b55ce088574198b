// Package schema defines table schemas as flat validator descriptors plus a
// single recursive evaluator. Validators carry no behavior of their own, so
// a schema serializes cleanly to JSON or YAML and hashes deterministically.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"
	"gopkg.in/yaml.v3"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/value"
)

// ValidatorKind names the constraint a validator applies.
type ValidatorKind string

const (
	VNull    ValidatorKind = "null"
	VBool    ValidatorKind = "boolean"
	VFloat64 ValidatorKind = "float64"
	VInt64   ValidatorKind = "int64"
	VString  ValidatorKind = "string"
	VBytes   ValidatorKind = "bytes"
	VID      ValidatorKind = "id"
	VArray   ValidatorKind = "array"
	VObject  ValidatorKind = "object"
	VUnion   ValidatorKind = "union"
	VLiteral ValidatorKind = "literal"
	VAny     ValidatorKind = "any"
)

// Validator is a flat constraint descriptor. Optional and Nullable replace
// the wrapper classes a nominal validator hierarchy would use.
type Validator struct {
	Kind     ValidatorKind        `json:"kind" yaml:"kind"`
	Optional bool                 `json:"optional,omitempty" yaml:"optional,omitempty"`
	Nullable bool                 `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Table    string               `json:"table,omitempty" yaml:"table,omitempty"`     // id: referenced table
	Element  *Validator           `json:"element,omitempty" yaml:"element,omitempty"` // array
	Fields   map[string]Validator `json:"fields,omitempty" yaml:"fields,omitempty"`   // object
	Members  []Validator          `json:"members,omitempty" yaml:"members,omitempty"` // union
	Literal  any                  `json:"literal,omitempty" yaml:"literal,omitempty"` // literal: string|float64|bool|nil
}

// Index declares a secondary index over a table.
type Index struct {
	Name   string   `json:"name" yaml:"name"`
	Fields []string `json:"fields" yaml:"fields"`
	Unique bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// Table is a named typed collection definition.
type Table struct {
	Fields  map[string]Validator `json:"fields" yaml:"fields"`
	Indexes []Index              `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// Schema is the full declared schema: table name → definition.
type Schema struct {
	Tables map[string]*Table `json:"tables" yaml:"tables"`
}

// New returns an empty schema.
func New() *Schema {
	return &Schema{Tables: make(map[string]*Table)}
}

// Validate checks every table and field name and every index declaration.
func (s *Schema) Validate() error {
	for name, tbl := range s.Tables {
		if err := value.ValidateTableName(name); err != nil {
			return err
		}
		if tbl == nil {
			return fault.New(fault.SchemaViolation, "table %q has no definition", name)
		}
		for field, v := range tbl.Fields {
			if err := value.ValidateIdentifier(field); err != nil {
				return err
			}
			if err := checkValidator(v); err != nil {
				return fmt.Errorf("table %q field %q: %w", name, field, err)
			}
		}
		seen := make(map[string]bool)
		for _, idx := range tbl.Indexes {
			if err := value.ValidateIdentifier(idx.Name); err != nil {
				return err
			}
			if seen[idx.Name] {
				return fault.New(fault.SchemaViolation, "duplicate index %q on table %q", idx.Name, name)
			}
			seen[idx.Name] = true
			if len(idx.Fields) == 0 {
				return fault.New(fault.SchemaViolation, "index %q on table %q has no fields", idx.Name, name)
			}
			for _, f := range idx.Fields {
				if err := value.ValidateIdentifier(f); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkValidator(v Validator) error {
	switch v.Kind {
	case VNull, VBool, VFloat64, VInt64, VString, VBytes, VAny:
		return nil
	case VID:
		if v.Table == "" {
			return fault.New(fault.SchemaViolation, "id validator requires a table")
		}
		return nil
	case VArray:
		if v.Element == nil {
			return fault.New(fault.SchemaViolation, "array validator requires an element")
		}
		return checkValidator(*v.Element)
	case VObject:
		for field, fv := range v.Fields {
			if err := value.ValidateIdentifier(field); err != nil {
				return err
			}
			if err := checkValidator(fv); err != nil {
				return err
			}
		}
		return nil
	case VUnion:
		if len(v.Members) == 0 {
			return fault.New(fault.SchemaViolation, "union validator requires members")
		}
		for _, m := range v.Members {
			if err := checkValidator(m); err != nil {
				return err
			}
		}
		return nil
	case VLiteral:
		switch v.Literal.(type) {
		case string, float64, int, int64, bool, nil:
			return nil
		default:
			return fault.New(fault.SchemaViolation, "literal validator value must be a scalar")
		}
	default:
		return fault.New(fault.SchemaViolation, "unknown validator kind %q", v.Kind)
	}
}

// Hash returns the schema content hash: xxh3-128 over a normalized JSON
// encoding (map keys sorted by encoding/json, index lists sorted by name).
// Structurally identical schemas always hash identically.
func (s *Schema) Hash() string {
	norm := &Schema{Tables: make(map[string]*Table, len(s.Tables))}
	for name, tbl := range s.Tables {
		cp := &Table{Fields: tbl.Fields, Indexes: append([]Index(nil), tbl.Indexes...)}
		sort.Slice(cp.Indexes, func(i, j int) bool { return cp.Indexes[i].Name < cp.Indexes[j].Name })
		norm.Tables[name] = cp
	}
	data, err := json.Marshal(norm)
	if err != nil {
		// Schema contains only JSON-safe types; this cannot happen for a
		// schema that passed Validate.
		return ""
	}
	h := xxh3.Hash128(data)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

// ParseYAML loads a schema from its YAML form (the boot schema file).
func ParseYAML(data []byte) (*Schema, error) {
	s := New()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fault.Wrap(fault.SchemaViolation, err, "malformed schema file")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseJSON loads a schema from its JSON form (the wire form).
func ParseJSON(data []byte) (*Schema, error) {
	s := New()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fault.Wrap(fault.SchemaViolation, err, "malformed schema")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	data, _ := json.Marshal(s)
	out := New()
	_ = json.Unmarshal(data, out)
	return out
}
