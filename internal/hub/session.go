package hub

import (
	"sync"
	"time"

	"github.com/fluxbase/fluxbase/internal/wire"
)

// SessionState is the client session lifecycle.
//
//	Disconnected ──(open)──▶ Connected ──(close)──▶ Reconnecting ──(expire)──▶ Closed
//	                                    ▲                 │
//	                                    └─────(open)──────┘
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Transport sends frames to one connected client. Send errors downgrade
// the session; Close tears the connection down.
type Transport interface {
	Send(frame wire.ServerFrame) error
	Close() error
}

// session holds everything the hub retains for one client: its transport,
// its subscriptions in registration order, heartbeat bookkeeping, and the
// outbound frame queue.
type session struct {
	clientID string
	hub      *Hub

	mu            sync.Mutex
	state         SessionState
	transport     Transport
	principal     string
	subIDs        []string          // canonical subscription ids, registration order
	aliases       map[string]string // client-chosen subscriptionId → canonical id
	lastPing      time.Time
	graceDeadline time.Time

	queue      *outQueue
	writerStop chan struct{}
	writerDone chan struct{}
}

func newSession(clientID string, h *Hub) *session {
	return &session{
		clientID: clientID,
		hub:      h,
		state:    StateDisconnected,
		aliases:  make(map[string]string),
		queue:    newOutQueue(h.sendQueueLimit),
	}
}

func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Principal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

func (s *session) setPrincipal(p string) {
	s.mu.Lock()
	s.principal = p
	s.mu.Unlock()
}

func (s *session) touchPing() {
	s.mu.Lock()
	s.lastPing = time.Now()
	s.mu.Unlock()
}

// addSub records an alias → canonical binding, keeping registration order
// for the canonical id.
func (s *session) addSub(alias, subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[alias] = subID
	for _, id := range s.subIDs {
		if id == subID {
			return
		}
	}
	s.subIDs = append(s.subIDs, subID)
}

// dropAlias removes the binding and reports the canonical id it pointed
// at, plus whether any other alias still points there.
func (s *session) dropAlias(alias string) (subID string, stillBound bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subID, ok = s.aliases[alias]
	if !ok {
		return "", false, false
	}
	delete(s.aliases, alias)
	for _, id := range s.aliases {
		if id == subID {
			return subID, true, true
		}
	}
	for i, id := range s.subIDs {
		if id == subID {
			s.subIDs = append(s.subIDs[:i], s.subIDs[i+1:]...)
			break
		}
	}
	return subID, false, true
}

// cloneAliases snapshots the alias table.
func (s *session) cloneAliases() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.aliases))
	for k, v := range s.aliases {
		out[k] = v
	}
	return out
}

// aliasesFor snapshots the aliases bound to a canonical id, in no
// particular order.
func (s *session) aliasesFor(subID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for alias, id := range s.aliases {
		if id == subID {
			out = append(out, alias)
		}
	}
	return out
}

// subsInOrder snapshots the subscription ids in registration order.
func (s *session) subsInOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.subIDs))
	copy(out, s.subIDs)
	return out
}

// connect attaches a transport and starts the writer. Any previous writer
// is stopped first.
func (s *session) connect(t Transport) {
	s.mu.Lock()
	s.stopWriterLocked()
	s.state = StateConnected
	s.transport = t
	s.lastPing = time.Now()
	s.graceDeadline = time.Time{}
	s.queue.reset()
	stop := make(chan struct{})
	done := make(chan struct{})
	s.writerStop = stop
	s.writerDone = done
	s.mu.Unlock()

	go s.writeLoop(t, stop, done)
}

// disconnect moves Connected → Reconnecting and opens the grace window.
// Frames stop flowing; subscription state is retained until the window
// expires.
func (s *session) disconnect(grace time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return
	}
	s.stopWriterLocked()
	s.state = StateReconnecting
	s.transport = nil
	s.graceDeadline = time.Now().Add(grace)
}

// close moves the session to Closed and drops its queue. The hub removes
// the session's subscriptions separately.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.stopWriterLocked()
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	s.state = StateClosed
	s.queue.reset()
}

// graceExpired reports whether a reconnecting session has overstayed its
// window.
func (s *session) graceExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReconnecting && now.After(s.graceDeadline)
}

// heartbeatStale reports whether a connected session has missed three
// heartbeat intervals.
func (s *session) heartbeatStale(now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected && now.Sub(s.lastPing) > 3*interval
}

// enqueue queues a frame for delivery if the session is connected.
// Reconnecting sessions emit nothing; their state catches up on replay.
func (s *session) enqueue(f wire.ServerFrame) {
	s.mu.Lock()
	connected := s.state == StateConnected
	s.mu.Unlock()
	if connected {
		s.queue.push(f)
	}
}

// stopWriterLocked signals the current writer to exit. Caller holds mu.
func (s *session) stopWriterLocked() {
	if s.writerStop != nil {
		close(s.writerStop)
		s.writerStop = nil
	}
}

// writeLoop drains the queue to the transport until stopped. A send
// failure downgrades the session to Reconnecting.
func (s *session) writeLoop(t Transport, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		f, ok := s.queue.pop()
		if !ok {
			select {
			case <-stop:
				return
			case <-s.queue.notify:
				continue
			}
		}
		select {
		case <-stop:
			return
		default:
		}
		if err := t.Send(f); err != nil {
			s.hub.onSendError(s)
			return
		}
	}
}
