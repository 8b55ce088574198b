package wire

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/fluxbase/fluxbase/internal/fault"
)

func TestComputeAcceptKey(t *testing.T) {
	// Vector from RFC 6455 section 1.3.
	got := ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("ComputeAcceptKey = %q, want %q", got, want)
	}
}

func TestNegotiateSubprotocol(t *testing.T) {
	if got := NegotiateSubprotocol([]string{"convex-sync-v1", "convex-sync-v2"}); got != "convex-sync-v2" {
		t.Fatalf("newest offered protocol must win, got %q", got)
	}
	if got := NegotiateSubprotocol([]string{" convex-sync-v1 "}); got != "convex-sync-v1" {
		t.Fatalf("proposals must be trimmed, got %q", got)
	}
	if got := NegotiateSubprotocol([]string{"graphql-ws"}); got != "" {
		t.Fatalf("unknown proposals negotiate no protocol, got %q", got)
	}
	if got := NegotiateSubprotocol(nil); got != "" {
		t.Fatalf("empty proposal list negotiates no protocol, got %q", got)
	}
}

func validUpgrade() map[string]string {
	return map[string]string{
		"Connection":            "keep-alive, Upgrade",
		"Upgrade":               "websocket",
		"Sec-WebSocket-Version": "13",
		"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
	}
}

func TestValidateUpgrade(t *testing.T) {
	build := func(method string, headers map[string]string) error {
		r := httptest.NewRequest(method, "/sync", nil)
		for k, v := range headers {
			r.Header.Set(k, v)
		}
		return ValidateUpgrade(r)
	}

	if err := build("GET", validUpgrade()); err != nil {
		t.Fatalf("valid upgrade must pass: %v", err)
	}

	if err := build("POST", validUpgrade()); !fault.IsKind(err, fault.ProtocolError) {
		t.Fatalf("non-GET must fail, got %v", err)
	}

	h := validUpgrade()
	h["Upgrade"] = "h2c"
	if err := build("GET", h); err == nil {
		t.Fatalf("wrong Upgrade header must fail")
	}

	h = validUpgrade()
	h["Sec-WebSocket-Version"] = "8"
	err := build("GET", h)
	if !fault.IsKind(err, fault.ProtocolError) {
		t.Fatalf("unsupported version must fail, got %v", err)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Data["supportedVersion"] != "13" {
		t.Fatalf("version error must advertise the supported version: %v", err)
	}

	h = validUpgrade()
	h["Sec-WebSocket-Key"] = "not-base64!!"
	if err := build("GET", h); err == nil {
		t.Fatalf("malformed nonce must fail")
	}

	h = validUpgrade()
	h["Sec-WebSocket-Key"] = "c2hvcnQ=" // decodes to 5 bytes
	if err := build("GET", h); err == nil {
		t.Fatalf("short nonce must fail")
	}

	h = validUpgrade()
	delete(h, "Sec-WebSocket-Key")
	if err := build("GET", h); err == nil {
		t.Fatalf("missing nonce must fail")
	}
}
