package service

import (
	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/store"
	"github.com/fluxbase/fluxbase/internal/syncengine"
	"github.com/fluxbase/fluxbase/internal/value"
)

// ChangeOutcome reports how an offline change landed. DocumentID is the
// surviving document; it differs from the submitted one when a deleted
// document had to be recreated to keep a winning update.
type ChangeOutcome struct {
	Resolution *syncengine.Resolution
	Conflict   *syncengine.Conflict
	DocumentID string
}

// SubmitChange applies one client-pending change against current server
// state, resolving conflicts through the configured resolver. The write
// (if any) commits like any mutation, so subscribers see it in commit
// order.
func (b *Backend) SubmitChange(local syncengine.Change) (*ChangeOutcome, error) {
	if local.Table == "" || local.DocumentID == "" {
		return nil, fault.New(fault.InvalidValue, "change requires table and document id")
	}

	current, err := b.store.Get(local.Table, local.DocumentID)
	if err != nil {
		return nil, err
	}

	// A fresh insert with no server counterpart is not a conflict.
	if current == nil && local.Kind == syncengine.ChangeInsert {
		id, err := b.store.Insert(local.Table, local.Fields.Clone())
		if err != nil {
			return nil, err
		}
		return &ChangeOutcome{
			Resolution: &syncengine.Resolution{Kind: syncengine.ChangeInsert, Fields: local.Fields.Clone(), Version: 1},
			DocumentID: id,
		}, nil
	}

	server, err := b.serverChange(local, current)
	if err != nil {
		return nil, err
	}
	res, conflict, err := b.resolver.Resolve(local, server)
	if err != nil {
		return nil, err
	}

	outcome := &ChangeOutcome{Resolution: res, Conflict: conflict, DocumentID: local.DocumentID}
	switch res.Kind {
	case syncengine.ChangeDelete:
		if err := b.store.Delete(local.Table, local.DocumentID); err != nil {
			return nil, err
		}
	case syncengine.ChangeInsert, syncengine.ChangeUpdate:
		if current == nil {
			// The server side deleted the document but the update won:
			// recreate it from the change's base plus the resolved fields.
			doc := value.NewObject()
			if local.BaseFields != nil {
				doc.Merge(local.BaseFields)
			}
			doc.Merge(res.Fields)
			id, err := b.store.Insert(local.Table, doc)
			if err != nil {
				return nil, err
			}
			outcome.DocumentID = id
		} else if err := b.store.Patch(local.Table, local.DocumentID, res.Fields.Clone()); err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

// serverChange reconstructs the server's side of the pair from current
// document state.
func (b *Backend) serverChange(local syncengine.Change, current *store.Document) (syncengine.Change, error) {
	if current == nil {
		// Deleted server-side since the client's base.
		return syncengine.Change{
			DocumentID: local.DocumentID,
			Table:      local.Table,
			Kind:       syncengine.ChangeDelete,
			Version:    local.Version + 1,
		}, nil
	}
	version, err := b.store.DocumentVersion(current.ID)
	if err != nil {
		return syncengine.Change{}, err
	}
	return syncengine.Change{
		DocumentID: current.ID,
		Table:      local.Table,
		Kind:       syncengine.ChangeUpdate,
		Fields:     changedSince(local.BaseFields, current.Fields),
		BaseFields: local.BaseFields,
		Version:    version,
	}, nil
}

// changedSince computes the server's changed-field set relative to the
// client's base. Without a base every current field counts as changed,
// which is the conservative choice.
func changedSince(base, current *value.Object) *value.Object {
	if base == nil {
		return current.Clone()
	}
	out := value.NewObject()
	current.Range(func(k string, cv value.Value) bool {
		if bv, ok := base.Get(k); !ok || !value.Equal(bv, cv) {
			out.Set(k, cv)
		}
		return true
	})
	// Fields removed server-side surface as explicit nulls.
	base.Range(func(k string, _ value.Value) bool {
		if !current.Has(k) {
			out.Set(k, value.Null())
		}
		return true
	})
	return out
}
