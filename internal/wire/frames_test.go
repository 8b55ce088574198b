package wire

import (
	"encoding/json"
	"testing"

	"github.com/fluxbase/fluxbase/internal/fault"
)

func TestParseClientFrame(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"ping", `{"type":"ping"}`, true},
		{"authenticate", `{"type":"authenticate","token":"abc"}`, true},
		{"authenticate no token", `{"type":"authenticate"}`, false},
		{"subscribe", `{"type":"subscribe","subscriptionId":"s1","queryPath":"messages:list"}`, true},
		{"subscribe no path", `{"type":"subscribe","subscriptionId":"s1"}`, false},
		{"subscribe no id", `{"type":"subscribe","queryPath":"messages:list"}`, false},
		{"unsubscribe", `{"type":"unsubscribe","subscriptionId":"s1"}`, true},
		{"unsubscribe no id", `{"type":"unsubscribe"}`, false},
		{"missing type", `{"token":"abc"}`, false},
		{"unknown type", `{"type":"teleport"}`, false},
		{"not json", `{{{`, false},
	}
	for _, c := range cases {
		f, err := ParseClientFrame([]byte(c.raw))
		if c.ok {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", c.name, err)
			}
			continue
		}
		if err == nil {
			t.Fatalf("%s: expected rejection, got %+v", c.name, f)
		}
		if !fault.IsKind(err, fault.ProtocolError) {
			t.Fatalf("%s: want PROTOCOL_ERROR, got %v", c.name, err)
		}
	}
}

func TestSubscribeFrameCarriesRawArgs(t *testing.T) {
	f, err := ParseClientFrame([]byte(
		`{"type":"subscribe","subscriptionId":"s1","queryPath":"messages:list","args":{"limit":5}}`))
	if err != nil {
		t.Fatalf("ParseClientFrame: %v", err)
	}
	var args map[string]any
	if err := json.Unmarshal(f.Args, &args); err != nil {
		t.Fatalf("args not preserved verbatim: %v", err)
	}
	if args["limit"] != float64(5) {
		t.Fatalf("args = %v", args)
	}
}

func TestUpdateFrameOmitsZeroSeq(t *testing.T) {
	data, err := MarshalServerFrame(UpdateFrame("s1", json.RawMessage(`[]`), 0))
	if err != nil {
		t.Fatalf("MarshalServerFrame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := m["seq"]; present {
		t.Fatalf("initial snapshot must not carry a seq field: %s", data)
	}

	data, _ = MarshalServerFrame(UpdateFrame("s1", json.RawMessage(`[]`), 3))
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["seq"] != float64(3) {
		t.Fatalf("seq = %v, want 3", m["seq"])
	}
}

func TestErrorFrameShape(t *testing.T) {
	f := ErrorFrame("s1", "QUERY_FAILED", "boom")
	if f.Type != TypeError || f.SubscriptionID != "s1" || f.Code != "QUERY_FAILED" || f.Message != "boom" {
		t.Fatalf("ErrorFrame = %+v", f)
	}
}
