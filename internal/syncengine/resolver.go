package syncengine

import (
	"sync"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/value"
)

// Strategy names a resolution policy.
type Strategy string

const (
	ServerWins Strategy = "server-wins"
	ClientWins Strategy = "client-wins"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

// Resolution is the resolved form of a conflicting pair.
type Resolution struct {
	Kind    ChangeKind
	Fields  *value.Object // nil only for Kind == ChangeDelete
	Version int64
}

// ManualHandler resolves a conflict out-of-band. Returning an error aborts
// resolution; it is never swallowed.
type ManualHandler func(c *Conflict) (*Resolution, error)

// CustomResolver receives both changes and returns the resolved form.
type CustomResolver func(local, server Change) (*Resolution, error)

// VersionGenerator derives the resolved version from the server version
// when the local side wins. The default is server.Version + 1.
type VersionGenerator func(serverVersion int64) int64

// Listener observes every conflict before it is resolved.
type Listener func(c *Conflict)

// Resolver applies a default strategy with per-table, per-field overrides.
type Resolver struct {
	Default         Strategy
	FieldStrategies map[string]map[string]Strategy // table → field → strategy
	Manual          ManualHandler
	Custom          CustomResolver
	VersionGen      VersionGenerator

	mu        sync.RWMutex
	listeners []Listener
}

// NewResolver creates a resolver with the given default strategy.
func NewResolver(def Strategy) *Resolver {
	return &Resolver{Default: def, FieldStrategies: make(map[string]map[string]Strategy)}
}

// SetFieldStrategy installs a per-field override for merge resolution.
func (r *Resolver) SetFieldStrategy(table, field string, s Strategy) {
	if r.FieldStrategies == nil {
		r.FieldStrategies = make(map[string]map[string]Strategy)
	}
	m, ok := r.FieldStrategies[table]
	if !ok {
		m = make(map[string]Strategy)
		r.FieldStrategies[table] = m
	}
	m[field] = s
}

// AddListener registers a conflict observer.
func (r *Resolver) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Resolver) notify(c *Conflict) {
	r.mu.RLock()
	ls := make([]Listener, len(r.listeners))
	copy(ls, r.listeners)
	r.mu.RUnlock()
	for _, l := range ls {
		l(c)
	}
}

func (r *Resolver) versionGen() VersionGenerator {
	if r.VersionGen != nil {
		return r.VersionGen
	}
	return func(serverVersion int64) int64 { return serverVersion + 1 }
}

// Resolve detects and resolves. When the pair does not conflict it returns
// the automatic outcome (for disjoint updates: the union of both field
// sets, version bumped) and a nil conflict.
func (r *Resolver) Resolve(local, server Change) (*Resolution, *Conflict, error) {
	c := Detect(local, server)
	if c == nil {
		return autoResolve(local, server, r.versionGen()), nil, nil
	}
	r.notify(c)

	res, err := r.applyStrategy(r.Default, c)
	if err != nil {
		return nil, c, err
	}
	return res, c, nil
}

// ResolveWith resolves an already-detected conflict with an explicit
// strategy, bypassing the default.
func (r *Resolver) ResolveWith(s Strategy, c *Conflict) (*Resolution, error) {
	return r.applyStrategy(s, c)
}

func autoResolve(local, server Change, gen VersionGenerator) *Resolution {
	switch {
	case local.Kind == ChangeDelete && server.Kind == ChangeDelete:
		return &Resolution{Kind: ChangeDelete, Version: server.Version}
	case local.Kind == ChangeInsert && server.Kind == ChangeInsert:
		// Distinct documents; the local insert stands on its own.
		return &Resolution{Kind: ChangeInsert, Fields: local.Fields.Clone(), Version: gen(server.Version)}
	default:
		// Disjoint (or equal-valued) updates: union both field sets.
		return &Resolution{
			Kind:    ChangeUpdate,
			Fields:  unionFields(server.Fields, local.Fields),
			Version: gen(server.Version),
		}
	}
}

func (r *Resolver) applyStrategy(s Strategy, c *Conflict) (*Resolution, error) {
	if r.Custom != nil {
		res, err := r.Custom(c.Local, c.Server)
		if err != nil {
			return nil, err
		}
		return checkResolution(res)
	}

	switch s {
	case ServerWins:
		return serverWins(c), nil
	case ClientWins:
		return clientWins(c, r.versionGen()), nil
	case Merge:
		return r.merge(c)
	case Manual:
		if r.Manual == nil {
			return nil, fault.New(fault.ResolverRequired, "manual strategy requires a configured handler")
		}
		res, err := r.Manual(c)
		if err != nil {
			return nil, err
		}
		return checkResolution(res)
	default:
		return nil, fault.New(fault.InvalidResolution, "unknown strategy %q", s)
	}
}

func serverWins(c *Conflict) *Resolution {
	if c.Server.Kind == ChangeDelete {
		return &Resolution{Kind: ChangeDelete, Version: c.Server.Version}
	}
	return &Resolution{Kind: c.Server.Kind, Fields: c.Server.Fields.Clone(), Version: c.Server.Version}
}

func clientWins(c *Conflict, gen VersionGenerator) *Resolution {
	v := gen(c.Server.Version)
	if c.Local.Kind == ChangeDelete {
		return &Resolution{Kind: ChangeDelete, Version: v}
	}
	return &Resolution{Kind: c.Local.Kind, Fields: c.Local.Fields.Clone(), Version: v}
}

// merge resolves field-by-field. Identical values take either side;
// differing values consult the per-field strategy table, falling through
// to the resolver default (a merge default resolves the field server-side).
// Delete conflicts merge toward the surviving update.
func (r *Resolver) merge(c *Conflict) (*Resolution, error) {
	if c.Kind != ConflictFields {
		// One side deleted: keep the update so no data is lost.
		if c.Local.Kind == ChangeDelete {
			return &Resolution{Kind: ChangeUpdate, Fields: c.Server.Fields.Clone(), Version: c.Server.Version}, nil
		}
		return &Resolution{
			Kind:    ChangeUpdate,
			Fields:  c.Local.Fields.Clone(),
			Version: r.versionGen()(c.Server.Version),
		}, nil
	}

	merged := unionFields(c.Server.Fields, c.Local.Fields) // disjoint fields unioned
	for _, d := range c.Diffs {
		switch r.fieldStrategy(c.Local.Table, d.Field) {
		case ClientWins:
			merged.Set(d.Field, d.Local)
		case Manual:
			if r.Manual == nil {
				return nil, fault.New(fault.ResolverRequired,
					"field %q requires the manual handler", d.Field)
			}
			res, err := r.Manual(c)
			if err != nil {
				return nil, err
			}
			return checkResolution(res)
		default: // ServerWins, Merge, unset
			merged.Set(d.Field, d.Server)
		}
	}
	return &Resolution{
		Kind:    ChangeUpdate,
		Fields:  merged,
		Version: r.versionGen()(c.Server.Version),
	}, nil
}

func (r *Resolver) fieldStrategy(table, field string) Strategy {
	if m, ok := r.FieldStrategies[table]; ok {
		if s, ok := m[field]; ok {
			return s
		}
	}
	return r.Default
}

// checkResolution validates a handler- or resolver-produced resolution. A
// missing result, or missing fields on a non-delete, is a programming
// error in the handler.
func checkResolution(res *Resolution) (*Resolution, error) {
	if res == nil {
		return nil, fault.New(fault.InvalidResolution, "resolver returned no resolution")
	}
	if res.Kind != ChangeDelete && res.Fields == nil {
		return nil, fault.New(fault.InvalidResolution, "resolver returned no fields for a %s", res.Kind)
	}
	return res, nil
}
