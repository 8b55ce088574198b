package value

import (
	"math"
	"strings"
	"testing"

	"github.com/fluxbase/fluxbase/internal/fault"
)

func TestEncodePreservesFieldOrder(t *testing.T) {
	obj := NewObject()
	obj.Set("zebra", Int64(1))
	obj.Set("apple", String("x"))
	data, err := Encode(FromObject(obj))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got := string(data)
	if strings.Index(got, "zebra") > strings.Index(got, "apple") {
		t.Fatalf("insertion order not preserved: %s", got)
	}
}

func TestEncodeCanonicalSortsKeys(t *testing.T) {
	a := NewObject()
	a.Set("b", Bool(true))
	a.Set("a", Null())
	b := NewObject()
	b.Set("a", Null())
	b.Set("b", Bool(true))

	da, err := EncodeCanonical(FromObject(a))
	if err != nil {
		t.Fatalf("EncodeCanonical: %v", err)
	}
	db, err := EncodeCanonical(FromObject(b))
	if err != nil {
		t.Fatalf("EncodeCanonical: %v", err)
	}
	if string(da) != string(db) {
		t.Fatalf("canonical encodings differ: %s vs %s", da, db)
	}
}

func TestRoundTripTaggedKinds(t *testing.T) {
	obj := NewObject()
	obj.Set("count", Int64(9007199254740993)) // above float53 precision
	obj.Set("blob", Bytes([]byte{0, 127, 255}))
	obj.Set("score", Float64(1.5))
	obj.Set("items", Array(String("a"), Null()))

	data, err := Encode(FromObject(obj))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !Equal(back, FromObject(obj)) {
		t.Fatalf("round trip changed value: %s", data)
	}
	count, _ := back.AsObject().Get("count")
	if count.Kind() != KindInt64 || count.AsInt64() != 9007199254740993 {
		t.Fatalf("bigint did not survive: %v", count)
	}
}

func TestDecodePlainNumberIsFloat(t *testing.T) {
	v, err := Decode([]byte(`42`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.Kind() != KindFloat64 || v.AsFloat64() != 42 {
		t.Fatalf("plain numbers must decode as float64, got %v", v.Kind())
	}
}

func TestDecodeBigintBoundaries(t *testing.T) {
	v, err := Decode([]byte(`{"__type":"bigint","value":"9223372036854775807"}`))
	if err != nil {
		t.Fatalf("max int64: %v", err)
	}
	if v.AsInt64() != 9223372036854775807 {
		t.Fatalf("got %d", v.AsInt64())
	}
	v, err = Decode([]byte(`{"__type":"bigint","value":"-9223372036854775808"}`))
	if err != nil {
		t.Fatalf("min int64: %v", err)
	}
	if v.AsInt64() != -9223372036854775808 {
		t.Fatalf("got %d", v.AsInt64())
	}

	_, err = Decode([]byte(`{"__type":"bigint","value":"9223372036854775808"}`))
	if !fault.IsKind(err, fault.InvalidValue) {
		t.Fatalf("out-of-range bigint must fail with INVALID_VALUE, got %v", err)
	}
}

func TestDecodeWrapperLookalikes(t *testing.T) {
	// Three fields: not a wrapper.
	v, err := Decode([]byte(`{"__type":"bigint","value":"1","extra":true}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.Kind() != KindObject {
		t.Fatalf("lookalike with extra field must stay an object, got %v", v.Kind())
	}
	// Wrong payload type: plain object.
	v, err = Decode([]byte(`{"__type":"bigint","value":7}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.Kind() != KindObject {
		t.Fatalf("numeric bigint payload must stay an object, got %v", v.Kind())
	}
}

func TestDecodeArrayBufferRejectsBadElements(t *testing.T) {
	_, err := Decode([]byte(`{"__type":"arraybuffer","value":[0,256]}`))
	if !fault.IsKind(err, fault.InvalidValue) {
		t.Fatalf("byte > 255 must fail, got %v", err)
	}
	_, err = Decode([]byte(`{"__type":"arraybuffer","value":[1.5]}`))
	if !fault.IsKind(err, fault.InvalidValue) {
		t.Fatalf("fractional byte must fail, got %v", err)
	}
}

func TestDecodeTrailingData(t *testing.T) {
	if _, err := Decode([]byte(`{"a":1} garbage`)); err == nil {
		t.Fatalf("trailing data must fail")
	}
}

func TestEncodeNonFiniteFloatFails(t *testing.T) {
	nan := Float64(math.NaN())
	if _, err := Encode(nan); !fault.IsKind(err, fault.InvalidValue) {
		t.Fatalf("NaN must not serialize, got %v", err)
	}
}
