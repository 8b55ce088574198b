package store

import (
	"fmt"
	"math"
	"strings"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/value"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
)

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpNeq: "!=",
	OpLt:  "<",
	OpLte: "<=",
	OpGt:  ">",
	OpGte: ">=",
}

// Filter is a simple field comparison.
type Filter struct {
	Field string
	Op    Op
	Value value.Value
}

// TreeOp is a logical connective.
type TreeOp string

const (
	TreeAnd TreeOp = "and"
	TreeOr  TreeOp = "or"
)

// Tree is a logical filter tree. A node is either a leaf (Filter set) or a
// connective over Children.
type Tree struct {
	Op       TreeOp
	Children []*Tree
	Filter   *Filter
}

// Leaf wraps a filter as a tree node.
func Leaf(f Filter) *Tree { return &Tree{Filter: &f} }

// And and Or build connective nodes.
func And(children ...*Tree) *Tree { return &Tree{Op: TreeAnd, Children: children} }
func Or(children ...*Tree) *Tree  { return &Tree{Op: TreeOr, Children: children} }

// Order selects the result ordering.
type Order struct {
	Field      string
	Descending bool
}

// Query describes one table read. Simple Filters AND with the optional
// Tree. Index is a hint only; the planner may ignore it and an unknown
// index never fails.
type Query struct {
	Table   string
	Filters []Filter
	Tree    *Tree
	Order   *Order
	Limit   *int
	Index   string
}

// Translated is the parameterized SQL produced for a Query.
type Translated struct {
	SQL       string
	Args      []any
	IndexHint string
}

// Translate compiles a Query to parameterized SQL. Every literal becomes a
// parameter; no user string is ever concatenated into the statement.
// Validation errors (non-finite filter values, bad identifiers) surface
// before any SQL is produced.
func Translate(q Query) (*Translated, error) {
	if err := value.ValidateTableName(q.Table); err != nil {
		return nil, err
	}

	var (
		conds []string
		args  []any
	)
	for _, f := range q.Filters {
		cond, condArgs, err := predicate(f)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
		args = append(args, condArgs...)
	}
	if q.Tree != nil {
		cond, condArgs, err := treePredicate(q.Tree)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
		args = append(args, condArgs...)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT id, creation_time, data FROM %s", quoteIdent(q.Table))
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	orderExpr := "creation_time"
	desc := false
	if q.Order != nil {
		expr, _, err := columnExpr(q.Order.Field)
		if err != nil {
			return nil, err
		}
		orderExpr = expr
		desc = q.Order.Descending
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	// id is the composite tiebreak so pagination stays deterministic under
	// concurrent inserts.
	fmt.Fprintf(&sb, " ORDER BY %s %s, id %s", orderExpr, dir, dir)

	if q.Limit != nil {
		if *q.Limit < 0 {
			return nil, fault.New(fault.InvalidFilter, "limit must not be negative")
		}
		fmt.Fprintf(&sb, " LIMIT %d", *q.Limit)
	}

	hint := ""
	if q.Index != "" {
		if err := value.ValidateIdentifier(q.Index); err != nil {
			return nil, err
		}
		hint = q.Index
	}
	return &Translated{SQL: sb.String(), Args: args, IndexHint: hint}, nil
}

// Query executes a translated query. A missing table reads as empty.
func (s *Store) Query(q Query) ([]*Document, error) {
	t, err := Translate(q)
	if err != nil {
		return nil, err
	}
	if !s.HasTable(q.Table) {
		return []*Document{}, nil
	}
	rows, err := s.db.Query(t.SQL, t.Args...)
	if err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "query %s", q.Table)
	}
	defer rows.Close()

	out := []*Document{}
	for rows.Next() {
		var id, data string
		var creation int64
		if err := rows.Scan(&id, &creation, &data); err != nil {
			return nil, fault.Wrap(fault.StorageFailure, err, "scan %s row", q.Table)
		}
		fields, err := value.DecodeObject([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, &Document{ID: id, Table: q.Table, CreationTime: creation, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "query %s", q.Table)
	}
	return out, nil
}

func treePredicate(t *Tree) (string, []any, error) {
	if t.Filter != nil {
		return predicate(*t.Filter)
	}
	var connective string
	switch t.Op {
	case TreeAnd:
		connective = " AND "
	case TreeOr:
		connective = " OR "
	default:
		return "", nil, fault.New(fault.InvalidFilter, "unknown logical connective %q", t.Op)
	}
	if len(t.Children) == 0 {
		return "", nil, fault.New(fault.InvalidFilter, "logical node has no children")
	}
	var (
		parts []string
		args  []any
	)
	for _, c := range t.Children {
		p, a, err := treePredicate(c)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, p)
		args = append(args, a...)
	}
	// Every tree node is parenthesized so nesting never changes precedence.
	return "(" + strings.Join(parts, connective) + ")", args, nil
}

func predicate(f Filter) (string, []any, error) {
	sqlOp, ok := sqlOps[f.Op]
	if !ok {
		return "", nil, fault.New(fault.InvalidFilter, "unknown filter operator %q", f.Op)
	}
	if err := checkFilterValue(f.Value); err != nil {
		return "", nil, err
	}
	expr, system, err := columnExpr(f.Field)
	if err != nil {
		return "", nil, err
	}

	// Null equality compiles to IS NULL / IS NOT NULL. Other operators with
	// null go through the parameter path and follow SQL three-valued logic.
	if f.Value.IsNull() {
		switch f.Op {
		case OpEq:
			return expr + " IS NULL", nil, nil
		case OpNeq:
			return expr + " IS NOT NULL", nil, nil
		}
	}

	if system {
		arg, err := systemParam(f.Field, f.Value)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("%s %s ?", expr, sqlOp), []any{arg}, nil
	}

	// User fields compare structurally: both sides are canonical JSON
	// (stored documents too) passed through json_extract, so booleans,
	// arrays, and objects compare regardless of key order.
	lit, err := value.EncodeCanonical(f.Value)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s %s json_extract(?, '$')", expr, sqlOp), []any{string(lit)}, nil
}

// columnExpr resolves a field reference. System fields map to real columns;
// user fields (optionally dotted paths) map to JSON extraction over the
// serialized document column.
func columnExpr(field string) (expr string, system bool, err error) {
	switch field {
	case FieldID, "id":
		return "id", true, nil
	case FieldCreationTime, fieldCreationTime2:
		return "creation_time", true, nil
	}
	segments := strings.Split(field, ".")
	for _, seg := range segments {
		if err := value.ValidateIdentifier(seg); err != nil {
			return "", false, err
		}
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", strings.Join(segments, ".")), false, nil
}

func systemParam(field string, v value.Value) (any, error) {
	switch v.Kind() {
	case value.KindString, value.KindID:
		return v.AsString(), nil
	case value.KindFloat64:
		return v.AsFloat64(), nil
	case value.KindInt64:
		return v.AsInt64(), nil
	case value.KindNull:
		return nil, nil
	default:
		return nil, fault.New(fault.InvalidFilter, "field %q cannot be compared to a %s", field, v.Kind())
	}
}

// checkFilterValue rejects values that must never reach SQL.
func checkFilterValue(v value.Value) error {
	return value.Walk(v, func(v value.Value) error {
		if v.Kind() == value.KindFloat64 {
			f := v.AsFloat64()
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return fault.New(fault.InvalidFilter, "non-finite filter values are not allowed")
			}
		}
		return nil
	})
}
