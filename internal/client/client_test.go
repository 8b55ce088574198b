package client

import (
	"encoding/json"
	"testing"

	"github.com/fluxbase/fluxbase/internal/wire"
)

func TestGapDetection(t *testing.T) {
	c := New(Config{URL: "ws://unused/sync"})
	var updates []Update
	c.Subscribe(&Subscription{
		ID:        "s1",
		QueryPath: "messages:list",
		OnUpdate:  func(u Update) { updates = append(updates, u) },
	})

	push := func(seq uint64) {
		c.handleFrame(wire.UpdateFrame("s1", json.RawMessage(`[]`), seq))
	}

	push(0) // initial snapshot
	push(1)
	push(2)
	push(4) // 3 was coalesced away
	push(5)

	if len(updates) != 5 {
		t.Fatalf("got %d updates", len(updates))
	}
	for i, want := range []bool{false, false, false, true, false} {
		if updates[i].GapDetected != want {
			t.Fatalf("update %d gap = %v, want %v", i, updates[i].GapDetected, want)
		}
	}
}

func TestGapDetectionResetsOnReplay(t *testing.T) {
	c := New(Config{URL: "ws://unused/sync"})
	var updates []Update
	sub := &Subscription{
		ID:       "s1",
		OnUpdate: func(u Update) { updates = append(updates, u) },
	}
	c.Subscribe(sub)

	c.handleFrame(wire.UpdateFrame("s1", json.RawMessage(`[]`), 7))

	// A reconnect marks the subscription unseen; the replayed snapshot
	// restarts at seq 0 and must not read as a gap.
	sub.seen = false
	c.handleFrame(wire.UpdateFrame("s1", json.RawMessage(`[]`), 0))
	c.handleFrame(wire.UpdateFrame("s1", json.RawMessage(`[]`), 1))

	if len(updates) != 3 {
		t.Fatalf("got %d updates", len(updates))
	}
	if updates[1].GapDetected || updates[2].GapDetected {
		t.Fatalf("replayed sequence must not flag gaps: %+v", updates)
	}
}

func TestErrorFramesReachHandler(t *testing.T) {
	var gotSub, gotCode string
	c := New(Config{
		URL:     "ws://unused/sync",
		OnError: func(sub, code, msg string) { gotSub, gotCode = sub, code },
	})
	c.handleFrame(wire.ErrorFrame("s1", "NOT_FOUND", "no such query"))
	if gotSub != "s1" || gotCode != "NOT_FOUND" {
		t.Fatalf("error handler saw %q %q", gotSub, gotCode)
	}
}

func TestSubscribeDeduplicatesIDs(t *testing.T) {
	c := New(Config{URL: "ws://unused/sync"})
	c.Subscribe(&Subscription{ID: "s1"})
	c.Subscribe(&Subscription{ID: "s1"})
	if len(c.subs) != 1 {
		t.Fatalf("duplicate id must not register twice: %d", len(c.subs))
	}

	c.Unsubscribe("s1")
	if len(c.subs) != 0 || len(c.subsByID) != 0 {
		t.Fatalf("unsubscribe must drop the registration")
	}
	c.Unsubscribe("never-there") // no-op
}

func TestUpdatesForUnknownSubscriptionAreDropped(t *testing.T) {
	c := New(Config{URL: "ws://unused/sync"})
	c.handleFrame(wire.UpdateFrame("ghost", json.RawMessage(`[]`), 0)) // must not panic
}
