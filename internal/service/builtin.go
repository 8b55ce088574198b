package service

import (
	"strings"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/store"
	"github.com/fluxbase/fluxbase/internal/value"
)

// Built-in query paths: every table answers "<table>:list" and
// "<table>:get" without a registered function, so subscriptions work on a
// bare deployment.

const defaultListLimit = 100

func (b *Backend) builtinQuery(path string, args *value.Object) (value.Value, error) {
	table, op, ok := strings.Cut(path, ":")
	if !ok {
		return value.Null(), fault.New(fault.NotFound, "no function registered at %q", path)
	}
	if err := value.ValidateTableName(table); err != nil {
		return value.Null(), fault.New(fault.NotFound, "no function registered at %q", path)
	}
	switch op {
	case "list":
		return b.builtinList(table, args)
	case "get":
		return b.builtinGet(table, args)
	default:
		return value.Null(), fault.New(fault.NotFound, "no function registered at %q", path)
	}
}

// builtinList returns the table's documents in creation order. Optional
// args: limit (int), order ("asc"/"desc").
func (b *Backend) builtinList(table string, args *value.Object) (value.Value, error) {
	q := store.Query{Table: table}
	limit := defaultListLimit
	if args != nil {
		if v, ok := args.Get("limit"); ok {
			if v.Kind() != value.KindInt64 {
				return value.Null(), fault.New(fault.InvalidValue, "limit must be an integer")
			}
			limit = int(v.AsInt64())
		}
		if v, ok := args.Get("order"); ok {
			switch {
			case v.Kind() != value.KindString:
				return value.Null(), fault.New(fault.InvalidValue, "order must be a string")
			case v.AsString() == "desc":
				q.Order = &store.Order{Field: store.FieldCreationTime, Descending: true}
			case v.AsString() == "asc":
			default:
				return value.Null(), fault.New(fault.InvalidValue, "order must be %q or %q", "asc", "desc")
			}
		}
	}
	q.Limit = &limit

	docs, err := b.store.Query(q)
	if err != nil {
		return value.Null(), err
	}
	out := make([]value.Value, len(docs))
	for i, d := range docs {
		out[i] = d.AsValue()
	}
	return value.Array(out...), nil
}

// builtinGet returns one document by id, or null when absent.
func (b *Backend) builtinGet(table string, args *value.Object) (value.Value, error) {
	if args == nil {
		return value.Null(), fault.New(fault.InvalidValue, "get requires an id argument")
	}
	v, ok := args.Get("id")
	if !ok || (v.Kind() != value.KindID && v.Kind() != value.KindString) {
		return value.Null(), fault.New(fault.InvalidValue, "get requires an id argument")
	}
	doc, err := b.store.Get(table, v.AsString())
	if err != nil {
		return value.Null(), err
	}
	if doc == nil {
		return value.Null(), nil
	}
	return doc.AsValue(), nil
}
