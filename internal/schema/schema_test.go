package schema

import (
	"testing"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/value"
)

func messagesSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := ParseYAML([]byte(`
tables:
  messages:
    fields:
      title:
        kind: string
      body:
        kind: string
        optional: true
      views:
        kind: int64
        optional: true
    indexes:
      - name: by_title
        fields: [title]
`))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	return s
}

func TestParseYAML(t *testing.T) {
	s := messagesSchema(t)
	tbl, ok := s.Tables["messages"]
	if !ok {
		t.Fatalf("messages table missing")
	}
	if tbl.Fields["title"].Kind != VString {
		t.Fatalf("title kind = %v", tbl.Fields["title"].Kind)
	}
	if !tbl.Fields["body"].Optional {
		t.Fatalf("body must be optional")
	}
	if len(tbl.Indexes) != 1 || tbl.Indexes[0].Name != "by_title" {
		t.Fatalf("indexes = %+v", tbl.Indexes)
	}
}

func TestValidateRejectsReservedTable(t *testing.T) {
	s := New()
	s.Tables["_documents"] = &Table{}
	if err := s.Validate(); !fault.IsKind(err, fault.ReservedTable) {
		t.Fatalf("reserved table must fail with RESERVED_TABLE, got %v", err)
	}
}

func TestValidateRejectsBadIndex(t *testing.T) {
	s := New()
	s.Tables["posts"] = &Table{
		Fields:  map[string]Validator{"title": {Kind: VString}},
		Indexes: []Index{{Name: "by_title", Fields: nil}},
	}
	if err := s.Validate(); !fault.IsKind(err, fault.SchemaViolation) {
		t.Fatalf("empty index fields must fail, got %v", err)
	}
	s.Tables["posts"].Indexes = []Index{
		{Name: "dup", Fields: []string{"title"}},
		{Name: "dup", Fields: []string{"title"}},
	}
	if err := s.Validate(); !fault.IsKind(err, fault.SchemaViolation) {
		t.Fatalf("duplicate index names must fail, got %v", err)
	}
}

func TestHashIgnoresIndexOrder(t *testing.T) {
	a := New()
	a.Tables["t"] = &Table{
		Fields: map[string]Validator{"x": {Kind: VFloat64}},
		Indexes: []Index{
			{Name: "by_x", Fields: []string{"x"}},
			{Name: "by_x_unique", Fields: []string{"x"}, Unique: true},
		},
	}
	b := New()
	b.Tables["t"] = &Table{
		Fields: map[string]Validator{"x": {Kind: VFloat64}},
		Indexes: []Index{
			{Name: "by_x_unique", Fields: []string{"x"}, Unique: true},
			{Name: "by_x", Fields: []string{"x"}},
		},
	}
	if a.Hash() != b.Hash() {
		t.Fatalf("index declaration order must not change the hash")
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := messagesSchema(t)
	b := a.Clone()
	b.Tables["messages"].Fields["title"] = Validator{Kind: VString, Optional: true}
	if a.Hash() == b.Hash() {
		t.Fatalf("changing a field must change the hash")
	}
}

func TestCheckValueKinds(t *testing.T) {
	cases := []struct {
		name string
		v    Validator
		val  value.Value
		ok   bool
	}{
		{"string ok", Validator{Kind: VString}, value.String("hi"), true},
		{"string rejects bool", Validator{Kind: VString}, value.Bool(true), false},
		{"id as string", Validator{Kind: VString}, value.ID("abc123"), true},
		{"int64", Validator{Kind: VInt64}, value.Int64(5), true},
		{"int64 rejects float", Validator{Kind: VInt64}, value.Float64(5), false},
		{"nullable", Validator{Kind: VString, Nullable: true}, value.Null(), true},
		{"non-nullable null", Validator{Kind: VString}, value.Null(), false},
		{"any", Validator{Kind: VAny}, value.Bytes([]byte{1}), true},
		{"literal", Validator{Kind: VLiteral, Literal: "todo"}, value.String("todo"), true},
		{"literal mismatch", Validator{Kind: VLiteral, Literal: "todo"}, value.String("done"), false},
		{"literal number vs int64", Validator{Kind: VLiteral, Literal: float64(3)}, value.Int64(3), true},
		{
			"union",
			Validator{Kind: VUnion, Members: []Validator{{Kind: VString}, {Kind: VFloat64}}},
			value.Float64(1),
			true,
		},
		{
			"union no match",
			Validator{Kind: VUnion, Members: []Validator{{Kind: VString}, {Kind: VFloat64}}},
			value.Bool(false),
			false,
		},
		{
			"array of int64",
			Validator{Kind: VArray, Element: &Validator{Kind: VInt64}},
			value.Array(value.Int64(1), value.Int64(2)),
			true,
		},
		{
			"array element mismatch",
			Validator{Kind: VArray, Element: &Validator{Kind: VInt64}},
			value.Array(value.Int64(1), value.String("x")),
			false,
		},
	}
	for _, c := range cases {
		err := CheckValue(c.v, c.val)
		if c.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Fatalf("%s: expected rejection", c.name)
		}
	}
}

func TestCheckFields(t *testing.T) {
	fields := map[string]Validator{
		"title": {Kind: VString},
		"views": {Kind: VInt64, Optional: true},
	}
	if err := CheckFields(fields, value.ObjectOf("title", value.String("a"))); err != nil {
		t.Fatalf("optional field may be absent: %v", err)
	}
	if err := CheckFields(fields, value.ObjectOf("views", value.Int64(1))); !fault.IsKind(err, fault.SchemaViolation) {
		t.Fatalf("missing required field must fail, got %v", err)
	}
	err := CheckFields(fields, value.ObjectOf("title", value.String("a"), "rogue", value.Bool(true)))
	if !fault.IsKind(err, fault.SchemaViolation) {
		t.Fatalf("undeclared field must fail, got %v", err)
	}
}
