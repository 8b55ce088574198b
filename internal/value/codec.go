package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/fluxbase/fluxbase/internal/fault"
)

// Tagged-wrapper type names for kinds JSON cannot carry natively.
const (
	wrapperTypeKey    = "__type"
	wrapperValueKey   = "value"
	wrapperBigint     = "bigint"
	wrapperArrayBuf   = "arraybuffer"
)

// Encode serializes v to JSON, preserving object field order.
// int64 becomes {"__type":"bigint","value":"<decimal>"}; bytes become
// {"__type":"arraybuffer","value":[...]}. Non-finite floats fail.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeCanonical serializes v with object keys sorted, for fingerprinting.
// Two structurally equal values always produce identical canonical bytes.
func EncodeCanonical(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v Value, canonical bool) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindFloat64:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return fault.New(fault.InvalidValue, "non-finite float cannot be serialized")
		}
		buf.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindInt64:
		fmt.Fprintf(buf, `{"%s":"%s","%s":"%s"}`,
			wrapperTypeKey, wrapperBigint, wrapperValueKey, strconv.FormatInt(v.i, 10))
	case KindString, KindID:
		data, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindBytes:
		fmt.Fprintf(buf, `{"%s":"%s","%s":[`, wrapperTypeKey, wrapperArrayBuf, wrapperValueKey)
		for i, b := range v.bs {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.Itoa(int(b)))
		}
		buf.WriteString("]}")
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e, canonical); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		keys := v.obj.Keys()
		if canonical {
			keys = v.obj.SortedKeys()
		}
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kdata, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kdata)
			buf.WriteByte(':')
			if err := encode(buf, v.obj.vals[k], canonical); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fault.New(fault.InvalidValue, "unknown value kind")
	}
	return nil
}

// Decode parses JSON into a Value, restoring tagged wrappers and preserving
// object field order. Plain JSON numbers decode as float64; only the bigint
// wrapper yields int64.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Null(), err
	}
	// Trailing content after the first value is malformed input.
	if _, err := dec.Token(); err != io.EOF {
		return Null(), fault.New(fault.InvalidValue, "trailing data after value")
	}
	return v, nil
}

// DecodeObject parses JSON that must be an object.
func DecodeObject(data []byte) (*Object, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if v.Kind() != KindObject {
		return nil, fault.New(fault.InvalidValue, "expected a JSON object, got %s", v.Kind())
	}
	return v.AsObject(), nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Null(), fault.Wrap(fault.InvalidValue, err, "malformed JSON value")
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), fault.New(fault.InvalidValue, "number out of range: %s", t.String())
		}
		return Float64(f), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			var arr []Value
			for dec.More() {
				e, err := decodeValue(dec)
				if err != nil {
					return Null(), err
				}
				arr = append(arr, e)
			}
			if _, err := dec.Token(); err != nil { // closing ]
				return Null(), fault.Wrap(fault.InvalidValue, err, "malformed array")
			}
			return Value{kind: KindArray, arr: arr}, nil
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Null(), fault.Wrap(fault.InvalidValue, err, "malformed object")
				}
				key, ok := keyTok.(string)
				if !ok {
					return Null(), fault.New(fault.InvalidValue, "object key is not a string")
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Null(), err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // closing }
				return Null(), fault.Wrap(fault.InvalidValue, err, "malformed object")
			}
			return unwrapTagged(obj)
		}
	}
	return Null(), fault.New(fault.InvalidValue, "unexpected JSON token")
}

// unwrapTagged restores int64 and bytes values from their wrappers. Objects
// that merely resemble a wrapper (wrong arity, wrong field types) decode as
// plain objects.
func unwrapTagged(obj *Object) (Value, error) {
	if obj.Len() != 2 {
		return FromObject(obj), nil
	}
	typeVal, ok := obj.Get(wrapperTypeKey)
	if !ok || typeVal.Kind() != KindString {
		return FromObject(obj), nil
	}
	payload, ok := obj.Get(wrapperValueKey)
	if !ok {
		return FromObject(obj), nil
	}
	switch typeVal.AsString() {
	case wrapperBigint:
		if payload.Kind() != KindString {
			return FromObject(obj), nil
		}
		raw := strings.TrimSpace(payload.AsString())
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Null(), fault.New(fault.InvalidValue, "bigint out of int64 range: %s", raw)
		}
		return Int64(i), nil
	case wrapperArrayBuf:
		if payload.Kind() != KindArray {
			return FromObject(obj), nil
		}
		bs := make([]byte, 0, len(payload.AsArray()))
		for _, e := range payload.AsArray() {
			if e.Kind() != KindFloat64 {
				return Null(), fault.New(fault.InvalidValue, "arraybuffer element is not a number")
			}
			f := e.AsFloat64()
			if f != math.Trunc(f) || f < 0 || f > 255 {
				return Null(), fault.New(fault.InvalidValue, "arraybuffer element out of byte range")
			}
			bs = append(bs, byte(f))
		}
		return Value{kind: KindBytes, bs: bs}, nil
	}
	return FromObject(obj), nil
}
