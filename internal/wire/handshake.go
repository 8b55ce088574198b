package wire

import (
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/fluxbase/fluxbase/internal/fault"
)

// RFC 6455 constants.
const (
	acceptGUID       = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	WebSocketVersion = "13"
)

// Offered sub-protocols, newest first.
var Subprotocols = []string{"convex-sync-v2", "convex-sync-v1"}

// ComputeAcceptKey derives the Sec-WebSocket-Accept value for a client
// nonce: SHA-1 over nonce + canonical GUID, base64-encoded.
func ComputeAcceptKey(nonce string) string {
	h := sha1.New()
	h.Write([]byte(nonce))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NegotiateSubprotocol picks the first offered protocol the client
// proposes, or "" when the client proposes none of ours (the upgrade still
// proceeds, without a sub-protocol header).
func NegotiateSubprotocol(clientProtocols []string) string {
	proposed := make(map[string]bool, len(clientProtocols))
	for _, p := range clientProtocols {
		proposed[strings.TrimSpace(p)] = true
	}
	for _, offered := range Subprotocols {
		if proposed[offered] {
			return offered
		}
	}
	return ""
}

// ValidateUpgrade checks an upgrade request before the transport library
// takes over: method, upgrade headers, a well-formed 16-byte nonce, and
// version 13 only. An unsupported version gets the dedicated upgrade
// error so clients can distinguish it from a generic bad request.
func ValidateUpgrade(r *http.Request) error {
	if r.Method != http.MethodGet {
		return fault.New(fault.ProtocolError, "websocket upgrade requires GET")
	}
	if !headerContainsToken(r.Header, "Connection", "upgrade") ||
		!strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return fault.New(fault.ProtocolError, "not a websocket upgrade request")
	}
	if v := r.Header.Get("Sec-WebSocket-Version"); v != WebSocketVersion {
		return fault.New(fault.ProtocolError, "unsupported websocket version %q", v).
			WithData(map[string]any{"supportedVersion": WebSocketVersion})
	}
	nonce := r.Header.Get("Sec-WebSocket-Key")
	if nonce == "" {
		return fault.New(fault.ProtocolError, "missing Sec-WebSocket-Key")
	}
	raw, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil || len(raw) != 16 {
		return fault.New(fault.ProtocolError, "Sec-WebSocket-Key must be 16 base64 bytes")
	}
	return nil
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for part := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
