package schema

import (
	"math"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/value"
)

// CheckValue evaluates one validator against one value. This is the single
// recursive evaluator all document validation routes through.
func CheckValue(v Validator, val value.Value) error {
	if val.IsNull() && (v.Nullable || v.Kind == VNull) {
		return nil
	}
	switch v.Kind {
	case VAny:
		return nil
	case VNull:
		return kindError(v, val)
	case VBool:
		if val.Kind() != value.KindBool {
			return kindError(v, val)
		}
	case VFloat64:
		if val.Kind() != value.KindFloat64 {
			return kindError(v, val)
		}
	case VInt64:
		if val.Kind() != value.KindInt64 {
			return kindError(v, val)
		}
	case VString:
		if val.Kind() != value.KindString && val.Kind() != value.KindID {
			return kindError(v, val)
		}
	case VBytes:
		if val.Kind() != value.KindBytes {
			return kindError(v, val)
		}
	case VID:
		// IDs travel as plain strings; referent existence is checked by the
		// store, which can resolve the table.
		if val.Kind() != value.KindString && val.Kind() != value.KindID {
			return kindError(v, val)
		}
		if err := value.ValidateID(val.AsString()); err != nil {
			return err
		}
	case VArray:
		if val.Kind() != value.KindArray {
			return kindError(v, val)
		}
		for _, e := range val.AsArray() {
			if err := CheckValue(*v.Element, e); err != nil {
				return err
			}
		}
	case VObject:
		if val.Kind() != value.KindObject {
			return kindError(v, val)
		}
		return CheckFields(v.Fields, val.AsObject())
	case VUnion:
		for _, m := range v.Members {
			if CheckValue(m, val) == nil {
				return nil
			}
		}
		return fault.New(fault.SchemaViolation, "value matches no union member")
	case VLiteral:
		if !literalMatches(v.Literal, val) {
			return fault.New(fault.SchemaViolation, "value does not match literal")
		}
	default:
		return fault.New(fault.SchemaViolation, "unknown validator kind %q", v.Kind)
	}
	return nil
}

// CheckFields validates an object's fields against declared validators:
// non-optional fields must be present, present fields must validate, and
// undeclared fields are rejected.
func CheckFields(fields map[string]Validator, obj *value.Object) error {
	for name, fv := range fields {
		val, ok := obj.Get(name)
		if !ok {
			if fv.Optional {
				continue
			}
			return fault.New(fault.SchemaViolation, "missing required field %q", name)
		}
		if err := CheckValue(fv, val); err != nil {
			return err
		}
	}
	var violation error
	obj.Range(func(name string, _ value.Value) bool {
		if _, declared := fields[name]; !declared {
			violation = fault.New(fault.SchemaViolation, "undeclared field %q", name)
			return false
		}
		return true
	})
	return violation
}

func literalMatches(lit any, val value.Value) bool {
	switch l := lit.(type) {
	case nil:
		return val.IsNull()
	case bool:
		return val.Kind() == value.KindBool && val.AsBool() == l
	case string:
		return (val.Kind() == value.KindString || val.Kind() == value.KindID) && val.AsString() == l
	case float64:
		return literalNumberMatches(l, val)
	case int:
		return literalNumberMatches(float64(l), val)
	case int64:
		return literalNumberMatches(float64(l), val)
	default:
		return false
	}
}

func literalNumberMatches(f float64, val value.Value) bool {
	switch val.Kind() {
	case value.KindFloat64:
		return val.AsFloat64() == f
	case value.KindInt64:
		// Literal numbers parse as float64 from both JSON and YAML; compare
		// exactly only within the float-exact integer range.
		return f == math.Trunc(f) && float64(val.AsInt64()) == f
	default:
		return false
	}
}

func kindError(v Validator, val value.Value) error {
	return fault.New(fault.SchemaViolation, "expected %s, got %s", v.Kind, val.Kind())
}
