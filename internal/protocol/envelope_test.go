package protocol_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"faculty/internal/protocol"
)

func TestEncodeEnvelope_StampsVersionAndNewline(t *testing.T) {
	b, err := protocol.EncodeEnvelope(protocol.Envelope{
		ID:   "m1",
		Call: &protocol.Call{Method: "math.add", Params: []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`)}},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasSuffix(b, []byte("\n")) {
		t.Fatalf("expected trailing newline, got %q", b)
	}
	if bytes.Count(b, []byte("\n")) != 1 {
		t.Fatalf("expected exactly one newline, got %q", b)
	}
	if !strings.Contains(string(b), `"jsonrpc":"3.0"`) {
		t.Fatalf("expected version tag, got %s", b)
	}
}

func TestEncodeEnvelope_CompactsRawMessages(t *testing.T) {
	b, err := protocol.EncodeEnvelope(protocol.Envelope{
		ID:     "r1",
		Return: &protocol.Return{Message: "m1", Type: protocol.ReturnData, Data: json.RawMessage("{\n  \"a\": 1\n}")},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Count(b, []byte("\n")) != 1 {
		t.Fatalf("raw data leaked a newline: %q", b)
	}
}

func TestDecodeEnvelope_AcceptsMissingVersion(t *testing.T) {
	env, err := protocol.DecodeEnvelope([]byte(`{"id":"a1","ack":{"ids":["x","y"]}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind() != protocol.KindAck {
		t.Fatalf("expected ack kind, got %q", env.Kind())
	}
	if len(env.Ack.IDs) != 2 {
		t.Fatalf("expected 2 ids, got %v", env.Ack.IDs)
	}
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing id":      `{"ack":{"ids":[]}}`,
		"no section":      `{"id":"x"}`,
		"two sections":    `{"id":"x","ack":{"ids":[]},"call":{"method":"a","params":[]}}`,
		"bad version":     `{"jsonrpc":"2.0","id":"x","ack":{"ids":[]}}`,
		"bad return type": `{"id":"x","return":{"message":"m","type":"other"}}`,
		"empty loop":      `{"id":"x","loop":{}}`,
		"not json":        `{"id":`,
	}
	for name, raw := range cases {
		if _, err := protocol.DecodeEnvelope([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestEnvelopeKind_Loop(t *testing.T) {
	env, err := protocol.DecodeEnvelope([]byte(`{"id":"q1","loop":{"request":{"message":"l1"}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind() != protocol.KindLoopRequest {
		t.Fatalf("expected loop.request, got %q", env.Kind())
	}
	env, err = protocol.DecodeEnvelope([]byte(`{"id":"o1","loop":{"output":{"message":"q1","data":[1],"done":true}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind() != protocol.KindLoopOutput || !env.Loop.Output.Done {
		t.Fatalf("unexpected output: %+v", env.Loop.Output)
	}
}
