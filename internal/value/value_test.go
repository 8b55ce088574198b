package value

import (
	"math"
	"testing"
)

func TestEqualUnifiesStringAndID(t *testing.T) {
	if !Equal(String("abc"), ID("abc")) {
		t.Fatalf("string and id with equal text must compare equal")
	}
	if Equal(String("abc"), String("abd")) {
		t.Fatalf("different text must not compare equal")
	}
}

func TestEqualDeep(t *testing.T) {
	a := ObjectOf("nums", Array(Float64(1), Int64(2)), "flag", Bool(true))
	b := ObjectOf("flag", Bool(true), "nums", Array(Float64(1), Int64(2)))
	if !Equal(FromObject(a), FromObject(b)) {
		t.Fatalf("object equality must ignore insertion order")
	}
	c := ObjectOf("flag", Bool(true), "nums", Array(Float64(1), Int64(3)))
	if Equal(FromObject(a), FromObject(c)) {
		t.Fatalf("different nested values must not compare equal")
	}
}

func TestEqualDistinguishesNumericKinds(t *testing.T) {
	if Equal(Float64(2), Int64(2)) {
		t.Fatalf("float64 and int64 are distinct kinds")
	}
}

func TestCheckStorableRejectsNonFinite(t *testing.T) {
	inner := ObjectOf("x", Float64(math.Inf(1)))
	if err := CheckStorable(FromObject(inner)); err == nil {
		t.Fatalf("+Inf nested in an object must be rejected")
	}
	if err := CheckStorable(Array(Float64(math.NaN()))); err == nil {
		t.Fatalf("NaN nested in an array must be rejected")
	}
	if err := CheckStorable(Float64(1.25)); err != nil {
		t.Fatalf("finite float must be storable: %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := ObjectOf("list", Array(String("a")))
	cl := Clone(FromObject(orig)).AsObject()
	cl.Set("list", Array(String("b")))
	got, _ := orig.Get("list")
	if got.AsArray()[0].AsString() != "a" {
		t.Fatalf("clone mutation leaked into the original")
	}
}

func TestObjectMergeOverwrites(t *testing.T) {
	base := ObjectOf("a", Float64(1), "b", Float64(2))
	base.Merge(ObjectOf("b", Float64(9), "c", Float64(3)))
	if b, _ := base.Get("b"); b.AsFloat64() != 9 {
		t.Fatalf("merge must overwrite, got %v", b)
	}
	if base.Len() != 3 {
		t.Fatalf("merged object has %d keys, want 3", base.Len())
	}
	// Overwritten keys keep their original position.
	if base.Keys()[1] != "b" {
		t.Fatalf("overwrite must not reorder keys: %v", base.Keys())
	}
}

func TestObjectDelete(t *testing.T) {
	o := ObjectOf("a", Null(), "b", Null())
	o.Delete("a")
	if o.Has("a") || o.Len() != 1 {
		t.Fatalf("delete failed: %v", o.Keys())
	}
	o.Delete("missing") // no-op
}
