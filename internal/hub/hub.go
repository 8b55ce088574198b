// Package hub is the subscription registry: it tracks client sessions and
// their live queries, re-runs queries when committed writes can affect
// them, and pushes changed results over each session's transport.
//
// Re-runs are routed to a fixed worker pool by canonical subscription id,
// so pushes for one subscription are always in order while unrelated
// subscriptions proceed in parallel.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/invalidation"
	"github.com/fluxbase/fluxbase/internal/scanloop"
	"github.com/fluxbase/fluxbase/internal/store"
	"github.com/fluxbase/fluxbase/internal/value"
	"github.com/fluxbase/fluxbase/internal/wire"
)

// QueryRunner executes a query function for a subscription re-run.
type QueryRunner interface {
	RunQuery(ctx context.Context, principal, path string, args *value.Object) (value.Value, error)
}

// Config tunes the hub.
type Config struct {
	Runner            QueryRunner
	Bus               *invalidation.Bus
	GraceWindow       time.Duration // retention after disconnect (default 60s)
	HeartbeatInterval time.Duration // expected ping cadence; 3 misses downgrade (default 30s)
	SendQueueLimit    int           // frames buffered per session before coalescing (default 64)
	Workers           int           // re-run workers (default 4)
	ResultCacheSize   int           // retained last results (default 1024)
	QueryTimeout      time.Duration // per re-run (default 10s)
}

// subscription is one canonical live query: (client, path, args). A client
// subscribing twice with the same path and args gets a second alias on the
// same entry, not a second computation.
type subscription struct {
	id       string
	clientID string
	path     string
	args     *value.Object

	mu        sync.Mutex
	seq       uint64
	lastHash  uint64
	hasResult bool
}

// Hub owns sessions and subscriptions. It implements store.CommitSink so
// the store can feed it committed writes directly.
type Hub struct {
	runner QueryRunner
	bus    *invalidation.Bus

	graceWindow    time.Duration
	heartbeat      time.Duration
	sendQueueLimit int
	queryTimeout   time.Duration

	sessions *xsync.Map[string, *session]
	subs     *xsync.Map[string, *subscription]
	results  otter.Cache[string, json.RawMessage]

	workers []chan string // canonical sub ids to re-run
	stopCh  chan struct{}
	started atomic.Bool
	wg      sync.WaitGroup
}

// New creates a hub. Call Start before attaching clients.
func New(cfg Config) (*Hub, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("hub: config requires a query runner")
	}
	if cfg.Bus == nil {
		cfg.Bus = invalidation.New()
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SendQueueLimit <= 0 {
		cfg.SendQueueLimit = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ResultCacheSize <= 0 {
		cfg.ResultCacheSize = 1024
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}

	cache, err := otter.MustBuilder[string, json.RawMessage](cfg.ResultCacheSize).
		Cost(func(_ string, _ json.RawMessage) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("hub: build result cache: %w", err)
	}

	h := &Hub{
		runner:         cfg.Runner,
		bus:            cfg.Bus,
		graceWindow:    cfg.GraceWindow,
		heartbeat:      cfg.HeartbeatInterval,
		sendQueueLimit: cfg.SendQueueLimit,
		queryTimeout:   cfg.QueryTimeout,
		sessions:       xsync.NewMap[string, *session](),
		subs:           xsync.NewMap[string, *subscription](),
		results:        cache,
		workers:        make([]chan string, cfg.Workers),
		stopCh:         make(chan struct{}),
	}
	for i := range h.workers {
		h.workers[i] = make(chan string, 256)
	}
	return h, nil
}

// Start launches the re-run workers and the session sweeper.
func (h *Hub) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	for i := range h.workers {
		ch := h.workers[i]
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for {
				select {
				case <-h.stopCh:
					return
				case subID := <-ch:
					h.recompute(subID)
				}
			}
		}()
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		scanloop.Run(h.stopCh, 5*time.Second, 2*time.Second, h.sweep)
	}()
}

// Stop drains the registry: every live subscription gets a termination
// error frame (best effort, straight to the transport), transports close,
// and workers exit.
func (h *Hub) Stop() {
	if !h.started.CompareAndSwap(true, false) {
		return
	}
	h.sessions.Range(func(_ string, s *session) bool {
		s.mu.Lock()
		t := s.transport
		s.mu.Unlock()
		if t != nil {
			for alias := range s.cloneAliases() {
				t.Send(wire.ErrorFrame(alias, "SHUTDOWN", "server shutting down"))
			}
		}
		s.close()
		return true
	})
	close(h.stopCh)
	h.wg.Wait()
	h.results.Close()
}

// Connect attaches (or re-attaches) a client transport. A reconnect inside
// the grace window keeps the old session's subscriptions and replays their
// current results in registration order with fresh seq counters.
func (h *Hub) Connect(clientID string, t Transport) {
	s, loaded := h.sessions.LoadOrCompute(clientID, func() (*session, bool) {
		return newSession(clientID, h), false
	})
	if loaded && s.State() == StateClosed {
		// The grace window expired; start over.
		h.sessions.Delete(clientID)
		s, _ = h.sessions.LoadOrCompute(clientID, func() (*session, bool) {
			return newSession(clientID, h), false
		})
		loaded = false
	}
	replay := loaded && s.State() == StateReconnecting
	if replay {
		// Reset counters before the transport attaches so a worker
		// re-run racing the reconnect cannot deliver a stale seq.
		h.resetSeqs(s)
	}
	s.connect(t)
	if replay {
		h.replay(s)
	}
}

// Disconnect downgrades the session to Reconnecting and opens the grace
// window. Subscriptions are retained until it expires.
func (h *Hub) Disconnect(clientID string) {
	if s, ok := h.sessions.Load(clientID); ok {
		s.disconnect(h.graceWindow)
	}
}

// Authenticate records the session principal and acks.
func (h *Hub) Authenticate(clientID, principal string) error {
	s, ok := h.sessions.Load(clientID)
	if !ok {
		return fault.New(fault.NotFound, "no session for client %q", clientID)
	}
	s.setPrincipal(principal)
	s.enqueue(wire.ServerFrame{Type: wire.TypeAuthenticated})
	return nil
}

// Ping refreshes the heartbeat clock and answers with a pong.
func (h *Hub) Ping(clientID string) {
	if s, ok := h.sessions.Load(clientID); ok {
		s.touchPing()
		s.enqueue(wire.ServerFrame{Type: wire.TypePong})
	}
}

// Subscribe registers a live query under the client-chosen alias. The ack
// is queued before the initial result, so clients always see subscribed
// before the first update. Subscribing twice with identical path and args
// reuses the existing computation.
func (h *Hub) Subscribe(clientID, alias, path string, args *value.Object) error {
	s, ok := h.sessions.Load(clientID)
	if !ok || s.State() != StateConnected {
		return fault.New(fault.NotFound, "no connected session for client %q", clientID)
	}

	subID, err := canonicalSubID(clientID, path, args)
	if err != nil {
		return err
	}
	entry, existed := h.subs.LoadOrCompute(subID, func() (*subscription, bool) {
		return &subscription{id: subID, clientID: clientID, path: path, args: args}, false
	})
	s.addSub(alias, subID)
	s.enqueue(wire.ServerFrame{Type: wire.TypeSubscribed, SubscriptionID: alias})

	if existed {
		// Dedup: hand the new alias the cached result at the current seq.
		// The enqueue happens under entry.mu so a concurrent recompute
		// cannot slip a later seq in front of it.
		entry.mu.Lock()
		if entry.hasResult {
			if data, ok := h.results.Get(subID); ok {
				s.enqueue(wire.UpdateFrame(alias, data, entry.seq))
				entry.mu.Unlock()
				return nil
			}
			// Cached result evicted: force the re-run to push even when
			// the fingerprint comes back unchanged, or the new alias
			// would never see its initial result.
			entry.hasResult = false
		}
		entry.mu.Unlock()
	}
	h.schedule(subID)
	return nil
}

// Unsubscribe drops the alias; when it was the last alias for its entry
// the live query is removed entirely. Unknown aliases are a no-op, and an
// already-queued update may still arrive after the ack.
func (h *Hub) Unsubscribe(clientID, alias string) {
	s, ok := h.sessions.Load(clientID)
	if !ok {
		return
	}
	subID, stillBound, found := s.dropAlias(alias)
	if !found {
		return
	}
	if !stillBound {
		h.subs.Delete(subID)
		h.results.Delete(subID)
	}
}

// OnCommit implements store.CommitSink. It is called in commit order; each
// affected subscription is scheduled exactly once per batch.
func (h *Hub) OnCommit(commits []store.Commit) {
	scheduled := make(map[string]bool)
	for _, c := range commits {
		h.subs.Range(func(subID string, entry *subscription) bool {
			if !scheduled[subID] && h.bus.Affects(c.Table, entry.path) {
				scheduled[subID] = true
				h.schedule(subID)
			}
			return true
		})
	}
}

// SessionState reports the state of a client's session, or
// StateDisconnected when none exists.
func (h *Hub) SessionState(clientID string) SessionState {
	if s, ok := h.sessions.Load(clientID); ok {
		return s.State()
	}
	return StateDisconnected
}

// schedule routes a re-run to the worker owning subID. Same id, same
// worker: per-subscription pushes stay ordered.
func (h *Hub) schedule(subID string) {
	ch := h.workers[int(xxh3.HashString(subID)%uint64(len(h.workers)))]
	select {
	case ch <- subID:
	case <-h.stopCh:
	}
}

// recompute re-runs one subscription's query and pushes the result when
// its fingerprint changed. The initial snapshot carries seq 0; every
// change after that increments seq.
func (h *Hub) recompute(subID string) {
	entry, ok := h.subs.Load(subID)
	if !ok {
		return // unsubscribed while queued
	}
	s, ok := h.sessions.Load(entry.clientID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.queryTimeout)
	defer cancel()
	result, err := h.runner.RunQuery(ctx, s.Principal(), entry.path, entry.args)
	if err != nil {
		for _, alias := range s.aliasesFor(subID) {
			s.enqueue(wire.ErrorFrame(alias, string(fault.KindOf(err)), err.Error()))
		}
		return
	}
	data, err := value.EncodeCanonical(result)
	if err != nil {
		log.Printf("[hub] encode result for %s: %v", entry.path, err)
		return
	}

	hash := xxh3.Hash(data)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.hasResult && entry.lastHash == hash {
		return
	}
	if entry.hasResult {
		entry.seq++
	}
	entry.hasResult = true
	entry.lastHash = hash

	// Seq assignment and enqueue stay under entry.mu: an inline replay
	// and a worker re-run racing on the same entry must deliver frames
	// in seq order.
	h.results.Set(subID, data)
	for _, alias := range s.aliasesFor(subID) {
		s.enqueue(wire.UpdateFrame(alias, data, entry.seq))
	}
}

// resetSeqs zeroes a session's subscription counters ahead of a replay.
func (h *Hub) resetSeqs(s *session) {
	for _, subID := range s.subsInOrder() {
		if entry, ok := h.subs.Load(subID); ok {
			entry.mu.Lock()
			entry.seq = 0
			entry.hasResult = false
			entry.mu.Unlock()
		}
	}
}

// replay re-runs a reconnected session's subscriptions inline, in
// registration order. Counters were reset by resetSeqs, so each replayed
// result goes out as a fresh seq-0 snapshot.
func (h *Hub) replay(s *session) {
	for _, subID := range s.subsInOrder() {
		h.recompute(subID)
	}
}

// sweep downgrades connected sessions that missed three heartbeats and
// closes reconnecting sessions whose grace window expired.
func (h *Hub) sweep() {
	now := time.Now()
	h.sessions.Range(func(clientID string, s *session) bool {
		switch {
		case s.heartbeatStale(now, h.heartbeat):
			log.Printf("[hub] client %s missed heartbeats, entering grace window", clientID)
			s.disconnect(h.graceWindow)
		case s.graceExpired(now):
			log.Printf("[hub] client %s grace window expired, dropping session", clientID)
			h.dropSession(clientID, s)
		}
		return true
	})
}

func (h *Hub) dropSession(clientID string, s *session) {
	for _, subID := range s.subsInOrder() {
		h.subs.Delete(subID)
		h.results.Delete(subID)
	}
	s.close()
	h.sessions.Delete(clientID)
}

func (h *Hub) onSendError(s *session) {
	s.disconnect(h.graceWindow)
}

// canonicalSubID fingerprints (client, path, args) so identical subscribes
// land on the same entry.
func canonicalSubID(clientID, path string, args *value.Object) (string, error) {
	var argsJSON []byte
	if args != nil {
		var err error
		argsJSON, err = value.EncodeCanonical(value.FromObject(args))
		if err != nil {
			return "", err
		}
	}
	sum := xxh3.HashString(clientID + "\x00" + path + "\x00" + string(argsJSON))
	return fmt.Sprintf("%016x", sum), nil
}
