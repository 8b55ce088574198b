package hub

import (
	"sync"

	"github.com/fluxbase/fluxbase/internal/wire"
)

// outQueue is the per-session outbound frame buffer. Below the limit it is
// plain FIFO. At the limit, a new update frame replaces any queued update
// for the same subscription instead of growing the queue; the replaced
// frame's seq is simply skipped, which clients observe as a gap. Non-update
// frames (acks, errors, pongs) are never coalesced.
type outQueue struct {
	mu     sync.Mutex
	items  []wire.ServerFrame
	limit  int
	notify chan struct{}
}

func newOutQueue(limit int) *outQueue {
	if limit <= 0 {
		limit = 64
	}
	return &outQueue{limit: limit, notify: make(chan struct{}, 1)}
}

func (q *outQueue) push(f wire.ServerFrame) {
	q.mu.Lock()
	if f.Type == wire.TypeUpdate && len(q.items) >= q.limit {
		if q.coalesceLocked(f) {
			q.mu.Unlock()
			q.signal()
			return
		}
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.signal()
}

// coalesceLocked replaces the newest queued update for the same
// subscription with f. Returns false when none is queued.
func (q *outQueue) coalesceLocked(f wire.ServerFrame) bool {
	for i := len(q.items) - 1; i >= 0; i-- {
		it := q.items[i]
		if it.Type == wire.TypeUpdate && it.SubscriptionID == f.SubscriptionID {
			q.items[i] = f
			return true
		}
	}
	return false
}

func (q *outQueue) pop() (wire.ServerFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return wire.ServerFrame{}, false
	}
	f := q.items[0]
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	return f, true
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outQueue) reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *outQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
