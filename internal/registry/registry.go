// Package registry maps function paths to query, mutation, and action
// handlers. Registered read-sets feed the invalidation bus so declared
// queries invalidate precisely; undeclared paths fall back to the bus's
// conservative table matching.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/invalidation"
	"github.com/fluxbase/fluxbase/internal/store"
	"github.com/fluxbase/fluxbase/internal/value"
)

// Kind classifies a registered function.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
	KindAction   Kind = "action"
)

// Scheduler is the slice of the scheduler surface functions may use.
type Scheduler interface {
	RunAfter(delay time.Duration, path string, args json.RawMessage) (string, error)
	RunAt(ts time.Time, path string, args json.RawMessage) (string, error)
	Cancel(id string) (bool, error)
}

// Ctx carries the execution environment into a function. Txn is non-nil
// only inside mutations; queries and actions read through Store.
type Ctx struct {
	Context   context.Context
	Principal string
	Store     *store.Store
	Txn       *store.Txn
	Scheduler Scheduler
}

// Func is a registered function body.
type Func func(ctx *Ctx, args *value.Object) (value.Value, error)

// Registration is one path binding.
type Registration struct {
	Path    string
	Kind    Kind
	Fn      Func
	ReadSet []string // tables a query reads; queries only
}

// Registry is the function table.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]*Registration
	bus *invalidation.Bus
}

// New creates a registry that declares read-sets on the given bus.
func New(bus *invalidation.Bus) *Registry {
	return &Registry{fns: make(map[string]*Registration), bus: bus}
}

// RegisterQuery binds a query function. readSet lists the tables it reads;
// leave it empty to keep conservative invalidation for the path.
func (r *Registry) RegisterQuery(path string, fn Func, readSet ...string) {
	r.register(&Registration{Path: path, Kind: KindQuery, Fn: fn, ReadSet: readSet})
	if r.bus != nil && len(readSet) > 0 {
		r.bus.DeclareReadSet(path, readSet...)
	}
}

// RegisterMutation binds a mutation function.
func (r *Registry) RegisterMutation(path string, fn Func) {
	r.register(&Registration{Path: path, Kind: KindMutation, Fn: fn})
}

// RegisterAction binds an action function.
func (r *Registry) RegisterAction(path string, fn Func) {
	r.register(&Registration{Path: path, Kind: KindAction, Fn: fn})
}

func (r *Registry) register(reg *Registration) {
	r.mu.Lock()
	r.fns[reg.Path] = reg
	r.mu.Unlock()
}

// Lookup returns the registration for path, or nil.
func (r *Registry) Lookup(path string) *Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fns[path]
}

// Resolve looks up path and checks it is callable as kind. Unknown paths
// return NotFound so built-in table queries can be tried by the caller.
func (r *Registry) Resolve(path string, kind Kind) (*Registration, error) {
	reg := r.Lookup(path)
	if reg == nil {
		return nil, fault.New(fault.NotFound, "no function registered at %q", path)
	}
	if reg.Kind != kind {
		return nil, fault.New(fault.InvalidValue, "%q is a %s, not a %s", path, reg.Kind, kind)
	}
	return reg, nil
}
