package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/invalidation"
	"github.com/fluxbase/fluxbase/internal/store"
	"github.com/fluxbase/fluxbase/internal/value"
	"github.com/fluxbase/fluxbase/internal/wire"
)

// fakeTransport records every frame sent to it.
type fakeTransport struct {
	mu     sync.Mutex
	frames []wire.ServerFrame
	closed bool
	fail   bool
}

func (t *fakeTransport) Send(f wire.ServerFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return errors.New("broken pipe")
	}
	t.frames = append(t.frames, f)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) snapshot() []wire.ServerFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.ServerFrame, len(t.frames))
	copy(out, t.frames)
	return out
}

// fakeRunner serves a settable result per query path.
type fakeRunner struct {
	mu            sync.Mutex
	results       map[string]value.Value
	errs          map[string]error
	lastPrincipal string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: make(map[string]value.Value), errs: make(map[string]error)}
}

func (r *fakeRunner) set(path string, v value.Value) {
	r.mu.Lock()
	r.results[path] = v
	r.mu.Unlock()
}

func (r *fakeRunner) RunQuery(_ context.Context, principal, path string, _ *value.Object) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastPrincipal = principal
	if err := r.errs[path]; err != nil {
		return value.Null(), err
	}
	if v, ok := r.results[path]; ok {
		return v, nil
	}
	return value.Array(), nil
}

func newTestHub(t *testing.T, runner QueryRunner) *Hub {
	t.Helper()
	h, err := New(Config{
		Runner:      runner,
		Bus:         invalidation.New(),
		GraceWindow: time.Minute,
		Workers:     2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.Start()
	t.Cleanup(h.Stop)
	return h
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func framesOfType(frames []wire.ServerFrame, typ string) []wire.ServerFrame {
	var out []wire.ServerFrame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestSubscribeAckPrecedesInitialSnapshot(t *testing.T) {
	runner := newFakeRunner()
	runner.set("messages:list", value.Array(value.String("hi")))
	h := newTestHub(t, runner)

	tr := &fakeTransport{}
	h.Connect("c1", tr)
	if err := h.Subscribe("c1", "sub-1", "messages:list", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitFor(t, func() bool {
		return len(framesOfType(tr.snapshot(), wire.TypeUpdate)) >= 1
	}, "initial snapshot")

	frames := tr.snapshot()
	var ackIdx, updateIdx = -1, -1
	for i, f := range frames {
		switch f.Type {
		case wire.TypeSubscribed:
			ackIdx = i
		case wire.TypeUpdate:
			if updateIdx == -1 {
				updateIdx = i
			}
		}
	}
	if ackIdx == -1 || updateIdx == -1 || ackIdx > updateIdx {
		t.Fatalf("subscribed must precede the first update: %+v", frames)
	}
	if frames[updateIdx].Seq != 0 {
		t.Fatalf("initial snapshot seq = %d, want 0", frames[updateIdx].Seq)
	}
	if frames[updateIdx].SubscriptionID != "sub-1" {
		t.Fatalf("update addressed to %q", frames[updateIdx].SubscriptionID)
	}
}

func TestCommitTriggersSequencedUpdate(t *testing.T) {
	runner := newFakeRunner()
	runner.set("messages:list", value.Array())
	h := newTestHub(t, runner)

	tr := &fakeTransport{}
	h.Connect("c1", tr)
	h.Subscribe("c1", "sub-1", "messages:list", nil)
	waitFor(t, func() bool {
		return len(framesOfType(tr.snapshot(), wire.TypeUpdate)) >= 1
	}, "initial snapshot")

	runner.set("messages:list", value.Array(value.String("new")))
	h.OnCommit([]store.Commit{{Table: "messages", Kind: store.ChangeInsert, IDs: []string{"d1"}}})

	waitFor(t, func() bool {
		return len(framesOfType(tr.snapshot(), wire.TypeUpdate)) >= 2
	}, "post-commit update")
	updates := framesOfType(tr.snapshot(), wire.TypeUpdate)
	if updates[1].Seq != 1 {
		t.Fatalf("first change after subscribe must carry seq 1, got %d", updates[1].Seq)
	}
}

func TestUnchangedResultIsSuppressed(t *testing.T) {
	runner := newFakeRunner()
	runner.set("messages:list", value.Array(value.String("same")))
	h := newTestHub(t, runner)

	tr := &fakeTransport{}
	h.Connect("c1", tr)
	h.Subscribe("c1", "sub-1", "messages:list", nil)
	waitFor(t, func() bool {
		return len(framesOfType(tr.snapshot(), wire.TypeUpdate)) >= 1
	}, "initial snapshot")

	// Same result: the write is irrelevant to the rendered output.
	h.OnCommit([]store.Commit{{Table: "messages", Kind: store.ChangeUpdate, IDs: []string{"d1"}}})
	time.Sleep(100 * time.Millisecond)
	if n := len(framesOfType(tr.snapshot(), wire.TypeUpdate)); n != 1 {
		t.Fatalf("unchanged fingerprint must not push, got %d updates", n)
	}
}

func TestDuplicateSubscribeReusesComputation(t *testing.T) {
	runner := newFakeRunner()
	runner.set("messages:list", value.Array(value.Int64(1)))
	h := newTestHub(t, runner)

	tr := &fakeTransport{}
	h.Connect("c1", tr)
	h.Subscribe("c1", "sub-a", "messages:list", nil)
	waitFor(t, func() bool {
		return len(framesOfType(tr.snapshot(), wire.TypeUpdate)) >= 1
	}, "initial snapshot")

	h.Subscribe("c1", "sub-b", "messages:list", nil)
	waitFor(t, func() bool {
		for _, f := range framesOfType(tr.snapshot(), wire.TypeUpdate) {
			if f.SubscriptionID == "sub-b" {
				return true
			}
		}
		return false
	}, "cached result for second alias")

	count := 0
	h.subs.Range(func(string, *subscription) bool { count++; return true })
	if count != 1 {
		t.Fatalf("identical subscribes must share one entry, got %d", count)
	}
}

func TestDedupSubscribePushesAfterCacheEviction(t *testing.T) {
	runner := newFakeRunner()
	runner.set("messages:list", value.Array(value.Int64(1)))
	h := newTestHub(t, runner)

	tr := &fakeTransport{}
	h.Connect("c1", tr)
	h.Subscribe("c1", "sub-a", "messages:list", nil)
	waitFor(t, func() bool {
		return len(framesOfType(tr.snapshot(), wire.TypeUpdate)) >= 1
	}, "initial snapshot")

	// Evict the retained result, as cache pressure would.
	subID, err := canonicalSubID("c1", "messages:list", nil)
	if err != nil {
		t.Fatalf("canonicalSubID: %v", err)
	}
	h.results.Delete(subID)

	h.Subscribe("c1", "sub-b", "messages:list", nil)
	waitFor(t, func() bool {
		for _, f := range framesOfType(tr.snapshot(), wire.TypeUpdate) {
			if f.SubscriptionID == "sub-b" {
				return true
			}
		}
		return false
	}, "re-run must push the evicted result to the new alias")
}

func TestUnsubscribeLastAliasRemovesEntry(t *testing.T) {
	runner := newFakeRunner()
	h := newTestHub(t, runner)

	tr := &fakeTransport{}
	h.Connect("c1", tr)
	h.Subscribe("c1", "sub-a", "messages:list", nil)
	h.Subscribe("c1", "sub-b", "messages:list", nil)

	h.Unsubscribe("c1", "sub-a")
	count := 0
	h.subs.Range(func(string, *subscription) bool { count++; return true })
	if count != 1 {
		t.Fatalf("entry must survive while an alias remains, got %d", count)
	}

	h.Unsubscribe("c1", "sub-b")
	count = 0
	h.subs.Range(func(string, *subscription) bool { count++; return true })
	if count != 0 {
		t.Fatalf("last alias removal must drop the entry, got %d", count)
	}

	h.Unsubscribe("c1", "never-registered") // no-op
}

func TestSubscribeRequiresConnectedSession(t *testing.T) {
	h := newTestHub(t, newFakeRunner())
	err := h.Subscribe("ghost", "sub-1", "messages:list", nil)
	if !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("subscribe without a session must fail with NOT_FOUND, got %v", err)
	}
}

func TestQueryErrorBecomesErrorFrame(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["broken:query"] = fault.New(fault.NotFound, "no function registered")
	h := newTestHub(t, runner)

	tr := &fakeTransport{}
	h.Connect("c1", tr)
	h.Subscribe("c1", "sub-1", "broken:query", nil)

	waitFor(t, func() bool {
		return len(framesOfType(tr.snapshot(), wire.TypeError)) >= 1
	}, "error frame")
	ef := framesOfType(tr.snapshot(), wire.TypeError)[0]
	if ef.SubscriptionID != "sub-1" || ef.Code != string(fault.NotFound) {
		t.Fatalf("error frame = %+v", ef)
	}
}

func TestReconnectReplaysInRegistrationOrder(t *testing.T) {
	runner := newFakeRunner()
	runner.set("a:list", value.Array(value.Int64(1)))
	runner.set("b:list", value.Array(value.Int64(2)))
	h := newTestHub(t, runner)

	tr := &fakeTransport{}
	h.Connect("c1", tr)
	h.Subscribe("c1", "sub-a", "a:list", nil)
	h.Subscribe("c1", "sub-b", "b:list", nil)
	waitFor(t, func() bool {
		return len(framesOfType(tr.snapshot(), wire.TypeUpdate)) >= 2
	}, "both initial snapshots")

	h.Disconnect("c1")
	if h.SessionState("c1") != StateReconnecting {
		t.Fatalf("disconnect must open the grace window")
	}

	tr2 := &fakeTransport{}
	h.Connect("c1", tr2)
	if h.SessionState("c1") != StateConnected {
		t.Fatalf("reconnect must restore the session")
	}

	waitFor(t, func() bool {
		return len(framesOfType(tr2.snapshot(), wire.TypeUpdate)) >= 2
	}, "replayed snapshots")
	updates := framesOfType(tr2.snapshot(), wire.TypeUpdate)
	if updates[0].SubscriptionID != "sub-a" || updates[1].SubscriptionID != "sub-b" {
		t.Fatalf("replay must follow registration order: %+v", updates)
	}
	if updates[0].Seq != 0 || updates[1].Seq != 0 {
		t.Fatalf("replay must reset seq counters: %+v", updates)
	}
}

func TestReplaySeqOrderUnderConcurrentCommits(t *testing.T) {
	runner := newFakeRunner()
	runner.set("messages:list", value.Array(value.Int64(0)))
	h := newTestHub(t, runner)

	tr := &fakeTransport{}
	h.Connect("c1", tr)
	h.Subscribe("c1", "sub-1", "messages:list", nil)
	waitFor(t, func() bool {
		return len(framesOfType(tr.snapshot(), wire.TypeUpdate)) >= 1
	}, "initial snapshot")

	h.Disconnect("c1")

	// Commits keep landing while the client reconnects, so worker
	// re-runs race the inline replay on the same entry.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			runner.set("messages:list", value.Array(value.Int64(i)))
			h.OnCommit([]store.Commit{{Table: "messages", Kind: store.ChangeUpdate, IDs: []string{"d1"}}})
			time.Sleep(time.Millisecond)
		}
	}()

	tr2 := &fakeTransport{}
	h.Connect("c1", tr2)
	waitFor(t, func() bool {
		return len(framesOfType(tr2.snapshot(), wire.TypeUpdate)) >= 2
	}, "updates after reconnect")
	close(stop)
	wg.Wait()

	updates := framesOfType(tr2.snapshot(), wire.TypeUpdate)
	if updates[0].Seq != 0 {
		t.Fatalf("first frame after reconnect must be the seq-0 snapshot, got %d", updates[0].Seq)
	}
	for i := 1; i < len(updates); i++ {
		if updates[i].Seq < updates[i-1].Seq {
			t.Fatalf("seq went backwards at index %d: %d after %d", i, updates[i].Seq, updates[i-1].Seq)
		}
	}
}

func TestGraceExpiryDropsSession(t *testing.T) {
	runner := newFakeRunner()
	h := newTestHub(t, runner)

	tr := &fakeTransport{}
	h.Connect("c1", tr)
	h.Subscribe("c1", "sub-1", "messages:list", nil)
	h.Disconnect("c1")

	s, _ := h.sessions.Load("c1")
	s.mu.Lock()
	s.graceDeadline = time.Now().Add(-time.Second)
	s.mu.Unlock()

	h.sweep()
	if h.SessionState("c1") != StateDisconnected {
		t.Fatalf("expired grace window must drop the session")
	}
	count := 0
	h.subs.Range(func(string, *subscription) bool { count++; return true })
	if count != 0 {
		t.Fatalf("dropped session must take its subscriptions with it")
	}
}

func TestSendErrorDowngradesSession(t *testing.T) {
	runner := newFakeRunner()
	h := newTestHub(t, runner)

	tr := &fakeTransport{fail: true}
	h.Connect("c1", tr)
	h.Ping("c1") // queues a pong the transport will refuse

	waitFor(t, func() bool {
		return h.SessionState("c1") == StateReconnecting
	}, "downgrade on send failure")
}

func TestAuthenticatePropagatesPrincipal(t *testing.T) {
	runner := newFakeRunner()
	runner.set("messages:list", value.Array())
	h := newTestHub(t, runner)

	tr := &fakeTransport{}
	h.Connect("c1", tr)
	if err := h.Authenticate("c1", "admin"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	waitFor(t, func() bool {
		return len(framesOfType(tr.snapshot(), wire.TypeAuthenticated)) == 1
	}, "authenticated ack")

	h.Subscribe("c1", "sub-1", "messages:list", nil)
	waitFor(t, func() bool {
		return len(framesOfType(tr.snapshot(), wire.TypeUpdate)) >= 1
	}, "initial snapshot")

	runner.mu.Lock()
	principal := runner.lastPrincipal
	runner.mu.Unlock()
	if principal != "admin" {
		t.Fatalf("runner saw principal %q, want admin", principal)
	}

	if err := h.Authenticate("ghost", "x"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("authenticating an unknown session must fail, got %v", err)
	}
}

func TestCanonicalSubIDNormalizesArgs(t *testing.T) {
	a := value.ObjectOf("limit", value.Int64(5), "order", value.String("desc"))
	b := value.ObjectOf("order", value.String("desc"), "limit", value.Int64(5))
	idA, err := canonicalSubID("c1", "messages:list", a)
	if err != nil {
		t.Fatalf("canonicalSubID: %v", err)
	}
	idB, err := canonicalSubID("c1", "messages:list", b)
	if err != nil {
		t.Fatalf("canonicalSubID: %v", err)
	}
	if idA != idB {
		t.Fatalf("key order must not change the canonical id: %s vs %s", idA, idB)
	}
	idC, _ := canonicalSubID("c2", "messages:list", a)
	if idA == idC {
		t.Fatalf("different clients must not share entries")
	}
}
