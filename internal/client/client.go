// Package client is a reconnecting sync client: it owns the dial loop, so
// reconnection is a first-class behavior instead of an error path. On
// every (re)connect it authenticates, resubscribes in registration order,
// and keeps the heartbeat going; the server replays current results with
// fresh seq counters.
package client

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fluxbase/fluxbase/internal/wire"
)

// Update is one pushed result. GapDetected is set when seq jumped by more
// than one since the last update for this subscription — the server
// coalesced at least one intermediate result.
type Update struct {
	SubscriptionID string
	Data           json.RawMessage
	Seq            uint64
	GapDetected    bool
}

// Subscription is one live query the connection maintains.
type Subscription struct {
	ID        string
	QueryPath string
	Args      json.RawMessage
	OnUpdate  func(Update)

	lastSeq uint64
	seen    bool
}

// Config tunes a Conn.
type Config struct {
	URL      string // ws(s)://host/sync
	Token    string
	ClientID string // default: random; pin it to survive server grace windows

	HeartbeatInterval time.Duration // default 15s
	InitialBackoff    time.Duration // default 500ms
	MaxBackoff        time.Duration // reconnect delay cap, default 30s

	// OnError receives per-subscription and global error frames.
	OnError func(subscriptionID, code, message string)

	Dialer *websocket.Dialer
}

// Conn is the reconnecting connection actor.
type Conn struct {
	cfg Config

	mu       sync.Mutex
	subs     []*Subscription // registration order, replayed on reconnect
	subsByID map[string]*Subscription
	conn     *websocket.Conn
	writeMu  sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a connection actor. Call Start to begin dialing.
func New(cfg Config) *Conn {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Subprotocols:     wire.Subprotocols,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return &Conn{
		cfg:      cfg,
		subsByID: make(map[string]*Subscription),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a live query. When connected it subscribes
// immediately; either way the subscription survives reconnects.
func (c *Conn) Subscribe(sub *Subscription) {
	c.mu.Lock()
	if _, dup := c.subsByID[sub.ID]; dup {
		c.mu.Unlock()
		return
	}
	c.subs = append(c.subs, sub)
	c.subsByID[sub.ID] = sub
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		c.send(wire.ClientFrame{
			Type:           wire.TypeSubscribe,
			SubscriptionID: sub.ID,
			QueryPath:      sub.QueryPath,
			Args:           sub.Args,
		})
	}
}

// Unsubscribe drops a live query. Unknown ids are a no-op.
func (c *Conn) Unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subsByID[id]
	if ok {
		delete(c.subsByID, id)
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
	}
	connected := c.conn != nil
	c.mu.Unlock()
	if ok && connected {
		c.send(wire.ClientFrame{Type: wire.TypeUnsubscribe, SubscriptionID: id})
	}
}

// Start launches the dial loop.
func (c *Conn) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
}

// Stop closes the connection and halts reconnection.
func (c *Conn) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// run dials until stopped. Delays grow exponentially with full jitter
// (randomization factor 1: each delay is drawn from [0, 2×interval)),
// capped at MaxBackoff, and reset after a successful session.
func (c *Conn) run() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.RandomizationFactor = 1
	bo.Multiplier = 2
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		conn, _, err := c.cfg.Dialer.Dial(c.cfg.URL+"?clientId="+c.cfg.ClientID, nil)
		if err != nil {
			delay := bo.NextBackOff()
			log.Printf("[client] dial %s: %v (retry in %s)", c.cfg.URL, err, delay.Round(time.Millisecond))
			select {
			case <-c.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()
		c.session(conn)
	}
}

// session drives one connected period: authenticate, resubscribe,
// heartbeat, then read until the connection drops.
func (c *Conn) session(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	ordered := make([]*Subscription, len(c.subs))
	copy(ordered, c.subs)
	for _, sub := range ordered {
		sub.seen = false // server restarts seq on replay
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if c.cfg.Token != "" {
		c.send(wire.ClientFrame{Type: wire.TypeAuthenticate, Token: c.cfg.Token})
	}
	for _, sub := range ordered {
		c.send(wire.ClientFrame{
			Type:           wire.TypeSubscribe,
			SubscriptionID: sub.ID,
			QueryPath:      sub.QueryPath,
			Args:           sub.Args,
		})
	}

	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)
	go c.heartbeat(heartbeatStop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				log.Printf("[client] connection lost: %v", err)
			}
			return
		}
		var frame wire.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("[client] malformed server frame: %v", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Conn) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.send(wire.ClientFrame{Type: wire.TypePing})
		}
	}
}

func (c *Conn) handleFrame(f wire.ServerFrame) {
	switch f.Type {
	case wire.TypeUpdate:
		c.mu.Lock()
		sub, ok := c.subsByID[f.SubscriptionID]
		var gap bool
		if ok {
			gap = sub.seen && f.Seq > sub.lastSeq+1
			sub.lastSeq = f.Seq
			sub.seen = true
		}
		c.mu.Unlock()
		if ok && sub.OnUpdate != nil {
			sub.OnUpdate(Update{
				SubscriptionID: f.SubscriptionID,
				Data:           f.Data,
				Seq:            f.Seq,
				GapDetected:    gap,
			})
		}
	case wire.TypeError:
		if c.cfg.OnError != nil {
			c.cfg.OnError(f.SubscriptionID, f.Code, f.Message)
		} else {
			log.Printf("[client] server error (sub %q): %s %s", f.SubscriptionID, f.Code, f.Message)
		}
	case wire.TypeSubscribed, wire.TypeAuthenticated, wire.TypePong:
		// Acks; nothing to track.
	}
}

func (c *Conn) send(f wire.ClientFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[client] send %s frame: %v", f.Type, err)
	}
}
