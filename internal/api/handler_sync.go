package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fluxbase/fluxbase/internal/fault"
	"github.com/fluxbase/fluxbase/internal/hub"
	"github.com/fluxbase/fluxbase/internal/value"
	"github.com/fluxbase/fluxbase/internal/wire"
)

// wsTransport adapts a gorilla connection to hub.Transport. The hub's
// writer goroutine and the read loop's direct error replies share it, so
// writes are serialized.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(f wire.ServerFrame) error {
	data, err := wire.MarshalServerFrame(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error { return t.conn.Close() }

// HandleSync upgrades GET /sync to a WebSocket and pumps client frames
// into the hub. The client may pin its identity with ?clientId= so a
// reconnect inside the grace window finds its old session.
func HandleSync(h *hub.Hub, verifier TokenVerifier) http.Handler {
	upgrader := websocket.Upgrader{
		Subprotocols: wire.Subprotocols,
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := wire.ValidateUpgrade(r); err != nil {
			writeFault(w, err)
			return
		}
		clientID := r.URL.Query().Get("clientId")
		if clientID == "" {
			clientID = uuid.New().String()
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			return
		}
		t := &wsTransport{conn: conn}
		h.Connect(clientID, t)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				h.Disconnect(clientID)
				return
			}
			frame, err := wire.ParseClientFrame(data)
			if err != nil {
				t.Send(wire.ErrorFrame("", string(fault.KindOf(err)), err.Error()))
				continue
			}
			dispatchFrame(h, verifier, t, clientID, frame)
		}
	})
}

func dispatchFrame(h *hub.Hub, verifier TokenVerifier, t *wsTransport, clientID string, f *wire.ClientFrame) {
	switch f.Type {
	case wire.TypeAuthenticate:
		principal, err := verifier.Verify(f.Token)
		if err != nil {
			t.Send(wire.ErrorFrame("", string(fault.Unauthenticated), "invalid token"))
			return
		}
		if err := h.Authenticate(clientID, principal); err != nil {
			log.Printf("[api] authenticate client %s: %v", clientID, err)
		}
	case wire.TypeSubscribe:
		args := value.NewObject()
		if len(f.Args) > 0 {
			var err error
			args, err = value.DecodeObject(f.Args)
			if err != nil {
				t.Send(wire.ErrorFrame(f.SubscriptionID, string(fault.KindOf(err)), err.Error()))
				return
			}
		}
		if err := h.Subscribe(clientID, f.SubscriptionID, f.QueryPath, args); err != nil {
			t.Send(wire.ErrorFrame(f.SubscriptionID, string(fault.KindOf(err)), err.Error()))
		}
	case wire.TypeUnsubscribe:
		h.Unsubscribe(clientID, f.SubscriptionID)
	case wire.TypePing:
		h.Ping(clientID)
	}
}
