// Package service wires the pieces into one backend: the store feeds
// committed writes to the hub, the hub re-runs queries through the
// registry, mutations execute inside store transactions, and the
// scheduler dispatches back into registered functions.
package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/hub"
	"github.com/fluxbase/fluxbase/internal/invalidation"
	"github.com/fluxbase/fluxbase/internal/registry"
	"github.com/fluxbase/fluxbase/internal/scheduler"
	"github.com/fluxbase/fluxbase/internal/schema"
	"github.com/fluxbase/fluxbase/internal/store"
	"github.com/fluxbase/fluxbase/internal/syncengine"
	"github.com/fluxbase/fluxbase/internal/value"
)

// Config assembles a backend.
type Config struct {
	Store *store.Store

	// Hub knobs; zero values take the hub defaults.
	GraceWindow       time.Duration
	HeartbeatInterval time.Duration
	SendQueueLimit    int
	PushWorkers       int

	// Scheduler knobs; zero values take the scheduler defaults.
	RetryBaseDelay time.Duration
	MaxRetries     int
	JobRetention   time.Duration
	PruneSpec      string

	// Resolver for client-pushed offline changes. Defaults to server-wins.
	Resolver *syncengine.Resolver
}

// Backend is the assembled system. It implements hub.QueryRunner and
// scheduler.Dispatcher so writes flow store → hub and scheduled jobs flow
// scheduler → registry without extra glue.
type Backend struct {
	store    *store.Store
	bus      *invalidation.Bus
	registry *registry.Registry
	hub      *hub.Hub
	sched    *scheduler.Scheduler
	resolver *syncengine.Resolver
}

// New wires a backend over an open store. Call Start to begin serving.
func New(cfg Config) (*Backend, error) {
	if cfg.Store == nil {
		return nil, fault.New(fault.InvalidValue, "service config requires a store")
	}
	bus := invalidation.New()
	b := &Backend{
		store:    cfg.Store,
		bus:      bus,
		registry: registry.New(bus),
		resolver: cfg.Resolver,
	}
	if b.resolver == nil {
		b.resolver = syncengine.NewResolver(syncengine.ServerWins)
	}

	h, err := hub.New(hub.Config{
		Runner:            b,
		Bus:               bus,
		GraceWindow:       cfg.GraceWindow,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendQueueLimit:    cfg.SendQueueLimit,
		Workers:           cfg.PushWorkers,
	})
	if err != nil {
		return nil, err
	}
	b.hub = h

	b.sched = scheduler.New(cfg.Store.DB(), scheduler.Config{
		Dispatcher: b,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxRetries: cfg.MaxRetries,
		Retention:  cfg.JobRetention,
		PruneSpec:  cfg.PruneSpec,
	})

	cfg.Store.SetCommitSink(h)
	return b, nil
}

// Registry exposes function registration.
func (b *Backend) Registry() *registry.Registry { return b.registry }

// Hub exposes the subscription hub (the API layer drives it per frame).
func (b *Backend) Hub() *hub.Hub { return b.hub }

// Scheduler exposes the durable function queue.
func (b *Backend) Scheduler() *scheduler.Scheduler { return b.sched }

// Store exposes the document store.
func (b *Backend) Store() *store.Store { return b.store }

// Start brings up the scheduler (re-picking jobs left running by a
// previous process) and the hub.
func (b *Backend) Start() error {
	if err := b.sched.Start(); err != nil {
		return err
	}
	b.hub.Start()
	log.Printf("[service] backend started (schema v%d)", b.store.SchemaVersion())
	return nil
}

// Stop shuts down in dependency order: hub drain first so clients get
// termination frames, then the scheduler, then the store.
func (b *Backend) Stop() error {
	b.hub.Stop()
	b.sched.Stop()
	return b.store.Close()
}

// ApplySchema applies a declarative schema at boot.
func (b *Backend) ApplySchema(sch *schema.Schema) error {
	version, hash, err := b.store.ApplySchema(sch)
	if err != nil {
		return err
	}
	log.Printf("[service] schema v%d active (hash %s)", version, hash)
	return nil
}

// ExecuteQuery runs a registered query, falling back to the built-in
// table paths for unregistered ones. Queries never open a transaction.
func (b *Backend) ExecuteQuery(ctx context.Context, principal, path string, args *value.Object) (value.Value, error) {
	reg, err := b.registry.Resolve(path, registry.KindQuery)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return b.builtinQuery(path, args)
		}
		return value.Null(), err
	}
	return reg.Fn(&registry.Ctx{
		Context:   ctx,
		Principal: principal,
		Store:     b.store,
		Scheduler: b.sched,
	}, args)
}

// RunQuery implements hub.QueryRunner.
func (b *Backend) RunQuery(ctx context.Context, principal, path string, args *value.Object) (value.Value, error) {
	return b.ExecuteQuery(ctx, principal, path, args)
}

// ExecuteMutation runs a registered mutation inside one store
// transaction: its writes commit atomically and reach subscribers in
// commit order, or roll back together on error.
func (b *Backend) ExecuteMutation(ctx context.Context, principal, path string, args *value.Object) (value.Value, error) {
	reg, err := b.registry.Resolve(path, registry.KindMutation)
	if err != nil {
		return value.Null(), err
	}
	var result value.Value
	err = b.store.Transaction(func(txn *store.Txn) error {
		var fnErr error
		result, fnErr = reg.Fn(&registry.Ctx{
			Context:   ctx,
			Principal: principal,
			Store:     b.store,
			Txn:       txn,
			Scheduler: b.sched,
		}, args)
		return fnErr
	})
	if err != nil {
		return value.Null(), err
	}
	return result, nil
}

// ExecuteAction runs a registered action: no transaction, free to call
// external systems and schedule further work.
func (b *Backend) ExecuteAction(ctx context.Context, principal, path string, args *value.Object) (value.Value, error) {
	reg, err := b.registry.Resolve(path, registry.KindAction)
	if err != nil {
		return value.Null(), err
	}
	return reg.Fn(&registry.Ctx{
		Context:   ctx,
		Principal: principal,
		Store:     b.store,
		Scheduler: b.sched,
	}, args)
}

// Dispatch implements scheduler.Dispatcher: scheduled jobs run whatever
// kind is registered at their path. It runs outside the queue lock, so a
// job may schedule follow-up work.
func (b *Backend) Dispatch(ctx context.Context, path string, rawArgs json.RawMessage) error {
	args, err := decodeArgs(rawArgs)
	if err != nil {
		return err
	}
	reg := b.registry.Lookup(path)
	if reg == nil {
		return fault.New(fault.NotFound, "no function registered at %q", path)
	}
	switch reg.Kind {
	case registry.KindMutation:
		_, err = b.ExecuteMutation(ctx, "", path, args)
	case registry.KindAction:
		_, err = b.ExecuteAction(ctx, "", path, args)
	default:
		_, err = b.ExecuteQuery(ctx, "", path, args)
	}
	return err
}

func decodeArgs(raw json.RawMessage) (*value.Object, error) {
	if len(raw) == 0 {
		return value.NewObject(), nil
	}
	return value.DecodeObject(raw)
}
