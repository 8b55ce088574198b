// Package value implements the closed value model for stored documents:
// a tagged sum over the eight allowed kinds, an order-preserving object,
// a JSON codec with wrappers for the kinds JSON cannot carry natively,
// and document ID generation.
package value

import (
	"bytes"
	"fmt"
	"math"

	"github.com/fluxbase/fluxbase/internal/fault"
)

// Kind discriminates the value sum.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindFloat64
	KindInt64
	KindString
	KindBytes
	KindID
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindFloat64:
		return "float64"
	case KindInt64:
		return "int64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindID:
		return "id"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// Value is one document field value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	f    float64
	i    int64
	s    string // KindString and KindID payload
	bs   []byte
	arr  []Value
	obj  *Object
}

// Constructors.

func Null() Value            { return Value{kind: KindNull} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Float64(f float64) Value { return Value{kind: KindFloat64, f: f} }
func Int64(i int64) Value    { return Value{kind: KindInt64, i: i} }
func String(s string) Value  { return Value{kind: KindString, s: s} }
func ID(id string) Value     { return Value{kind: KindID, s: id} }
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }

// Bytes copies b so the stored value stays immutable.
func Bytes(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBytes, bs: cp}
}

// FromObject wraps an object. A nil object yields null.
func FromObject(o *Object) Value {
	if o == nil {
		return Null()
	}
	return Value{kind: KindObject, obj: o}
}

// Accessors. Callers check Kind first; mismatched accessors return zero values.

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) AsBool() bool    { return v.b }
func (v Value) AsFloat64() float64 { return v.f }
func (v Value) AsInt64() int64  { return v.i }
func (v Value) AsString() string { return v.s }
func (v Value) AsID() string    { return v.s }
func (v Value) AsArray() []Value { return v.arr }
func (v Value) AsObject() *Object { return v.obj }

// AsBytes returns a copy of the byte payload.
func (v Value) AsBytes() []byte {
	cp := make([]byte, len(v.bs))
	copy(cp, v.bs)
	return cp
}

// Equal is deep structural equality. String and ID values with the same
// payload compare equal: IDs travel as plain strings on the wire, so a
// decoded document cannot distinguish them.
func Equal(a, b Value) bool {
	ak, bk := a.kind, b.kind
	if ak == KindID {
		ak = KindString
	}
	if bk == KindID {
		bk = KindString
	}
	if ak != bk {
		return false
	}
	switch ak {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindFloat64:
		return a.f == b.f
	case KindInt64:
		return a.i == b.i
	case KindString:
		return a.s == b.s
	case KindBytes:
		return bytes.Equal(a.bs, b.bs)
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return a.obj.equal(b.obj)
	default:
		return false
	}
}

// Walk visits v and every nested value depth-first. Traversal stops at the
// first error.
func Walk(v Value, fn func(Value) error) error {
	if err := fn(v); err != nil {
		return err
	}
	switch v.kind {
	case KindArray:
		for _, e := range v.arr {
			if err := Walk(e, fn); err != nil {
				return err
			}
		}
	case KindObject:
		for _, k := range v.obj.keys {
			if err := Walk(v.obj.vals[k], fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckStorable rejects values that are forbidden at rest: non-finite
// floats anywhere in the tree. (undefined, functions and symbols cannot be
// represented in this model at all.)
func CheckStorable(v Value) error {
	return Walk(v, func(v Value) error {
		if v.kind == KindFloat64 && (math.IsNaN(v.f) || math.IsInf(v.f, 0)) {
			return fault.New(fault.InvalidValue, "non-finite float values cannot be stored")
		}
		return nil
	})
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch v.kind {
	case KindBytes:
		return Bytes(v.bs)
	case KindArray:
		arr := make([]Value, len(v.arr))
		for i := range v.arr {
			arr[i] = Clone(v.arr[i])
		}
		return Value{kind: KindArray, arr: arr}
	case KindObject:
		return FromObject(v.obj.Clone())
	default:
		return v
	}
}

func (v Value) String() string {
	data, err := Encode(v)
	if err != nil {
		return fmt.Sprintf("<invalid %s>", v.kind)
	}
	return string(data)
}
