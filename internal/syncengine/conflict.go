// Package syncengine detects conflicts between local-pending and
// server-committed changes to the same document and resolves them per
// policy: server-wins, client-wins, field-level merge, manual, or a custom
// resolver.
package syncengine

import (
	"sort"

	"github.com/fluxbase/fluxbase/internal/value"
)

// ChangeKind classifies a change.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one side of a potential conflict. Fields carries the changed
// fields; BaseFields the document state the change was made against.
// Version is the server-assigned per-document version.
type Change struct {
	ChangeID   string
	DocumentID string
	Table      string
	Kind       ChangeKind
	Fields     *value.Object
	BaseFields *value.Object
	Version    int64
	Timestamp  int64
}

// ConflictKind classifies a detected conflict.
type ConflictKind string

const (
	// ConflictDeleteUpdate: local deletes, server updates.
	ConflictDeleteUpdate ConflictKind = "delete-update"
	// ConflictUpdateDelete: local updates, server deletes.
	ConflictUpdateDelete ConflictKind = "update-delete"
	// ConflictFields: both update and at least one overlapping field differs.
	ConflictFields ConflictKind = "field-conflict"
)

// FieldDiff records one overlapping field whose values disagree.
type FieldDiff struct {
	Field  string
	Local  value.Value
	Server value.Value
}

// Conflict attaches both changes, the field-level diff, and staleness: a
// version gap above one means the client missed at least one intervening
// server update.
type Conflict struct {
	Kind       ConflictKind
	Local      Change
	Server     Change
	Diffs      []FieldDiff
	VersionGap int64
	Stale      bool
}

// Detect classifies the pair. It returns nil when there is no conflict:
// both deletes, two inserts of distinct documents, or two updates whose
// changed-field sets overlap only with equal values (resolved by AutoMerge).
func Detect(local, server Change) *Conflict {
	if local.Kind == ChangeDelete && server.Kind == ChangeDelete {
		return nil
	}
	if local.Kind == ChangeInsert && server.Kind == ChangeInsert &&
		local.DocumentID != server.DocumentID {
		return nil
	}

	gap := server.Version - local.Version
	base := Conflict{Local: local, Server: server, VersionGap: gap, Stale: gap > 1}

	switch {
	case local.Kind == ChangeDelete:
		base.Kind = ConflictDeleteUpdate
		return &base
	case server.Kind == ChangeDelete:
		base.Kind = ConflictUpdateDelete
		return &base
	}

	diffs := diffFields(local.Fields, server.Fields)
	if len(diffs) == 0 {
		return nil
	}
	base.Kind = ConflictFields
	base.Diffs = diffs
	return &base
}

// diffFields returns the overlapping changed fields whose values differ,
// sorted by field name for deterministic listener output.
func diffFields(local, server *value.Object) []FieldDiff {
	if local == nil || server == nil {
		return nil
	}
	var out []FieldDiff
	local.Range(func(k string, lv value.Value) bool {
		if sv, ok := server.Get(k); ok && !value.Equal(lv, sv) {
			out = append(out, FieldDiff{Field: k, Local: lv, Server: sv})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// unionFields merges both changed-field sets; on overlap the preferred
// side wins.
func unionFields(preferred, other *value.Object) *value.Object {
	out := value.NewObject()
	if other != nil {
		out.Merge(other)
	}
	if preferred != nil {
		out.Merge(preferred)
	}
	return out
}
