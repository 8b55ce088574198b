package syncengine

import (
	"testing"

	"github.com/fluxbase/fluxbase/internal/value"
)

func fields(kv ...any) *value.Object {
	obj := value.NewObject()
	for i := 0; i+1 < len(kv); i += 2 {
		obj.Set(kv[i].(string), kv[i+1].(value.Value))
	}
	return obj
}

func TestDetectNonConflicts(t *testing.T) {
	// Both delete the same document.
	local := Change{DocumentID: "d1", Kind: ChangeDelete, Version: 1}
	server := Change{DocumentID: "d1", Kind: ChangeDelete, Version: 2}
	if c := Detect(local, server); c != nil {
		t.Fatalf("both-delete must not conflict: %+v", c)
	}

	// Inserts of distinct documents.
	a := Change{DocumentID: "d1", Kind: ChangeInsert, Fields: fields("x", value.Int64(1))}
	b := Change{DocumentID: "d2", Kind: ChangeInsert, Fields: fields("x", value.Int64(2))}
	if c := Detect(a, b); c != nil {
		t.Fatalf("distinct inserts must not conflict: %+v", c)
	}

	// Disjoint updates.
	l := Change{DocumentID: "d1", Kind: ChangeUpdate, Fields: fields("title", value.String("B")), Version: 1}
	s := Change{DocumentID: "d1", Kind: ChangeUpdate, Fields: fields("body", value.String("X")), Version: 2}
	if c := Detect(l, s); c != nil {
		t.Fatalf("disjoint updates must not conflict: %+v", c)
	}

	// Overlapping fields with equal values.
	l = Change{DocumentID: "d1", Kind: ChangeUpdate, Fields: fields("title", value.String("same")), Version: 1}
	s = Change{DocumentID: "d1", Kind: ChangeUpdate, Fields: fields("title", value.String("same")), Version: 2}
	if c := Detect(l, s); c != nil {
		t.Fatalf("equal-valued overlap must not conflict: %+v", c)
	}
}

func TestDetectDeleteConflicts(t *testing.T) {
	local := Change{DocumentID: "d1", Kind: ChangeDelete, Version: 1}
	server := Change{DocumentID: "d1", Kind: ChangeUpdate, Fields: fields("x", value.Int64(1)), Version: 2}
	c := Detect(local, server)
	if c == nil || c.Kind != ConflictDeleteUpdate {
		t.Fatalf("local delete vs server update: %+v", c)
	}

	c = Detect(server, local)
	if c == nil || c.Kind != ConflictUpdateDelete {
		t.Fatalf("local update vs server delete: %+v", c)
	}
}

func TestDetectFieldConflictDiffsSorted(t *testing.T) {
	local := Change{DocumentID: "d1", Kind: ChangeUpdate, Version: 1,
		Fields: fields("zeta", value.Int64(1), "alpha", value.Int64(2))}
	server := Change{DocumentID: "d1", Kind: ChangeUpdate, Version: 2,
		Fields: fields("alpha", value.Int64(20), "zeta", value.Int64(10))}
	c := Detect(local, server)
	if c == nil || c.Kind != ConflictFields {
		t.Fatalf("overlapping differing fields must conflict: %+v", c)
	}
	if len(c.Diffs) != 2 || c.Diffs[0].Field != "alpha" || c.Diffs[1].Field != "zeta" {
		t.Fatalf("diffs must be sorted by field name: %+v", c.Diffs)
	}
}

func TestDetectStaleness(t *testing.T) {
	local := Change{DocumentID: "d1", Kind: ChangeUpdate, Fields: fields("x", value.Int64(1)), Version: 1}
	server := Change{DocumentID: "d1", Kind: ChangeUpdate, Fields: fields("x", value.Int64(2)), Version: 2}
	c := Detect(local, server)
	if c == nil || c.Stale {
		t.Fatalf("gap of one is not stale: %+v", c)
	}

	server.Version = 4
	c = Detect(local, server)
	if c == nil || !c.Stale || c.VersionGap != 3 {
		t.Fatalf("gap above one must flag staleness: %+v", c)
	}
}
