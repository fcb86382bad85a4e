package rpc_test

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"faculty/internal/protocol"
	"faculty/internal/rpc"
	"faculty/internal/rpc/rpctest"
)

func fastTuning() rpc.Tuning { return rpctest.FastTuning() }

func link(t *testing.T, aOpts, bOpts rpc.Options) (*rpc.Endpoint, *rpc.Endpoint) {
	t.Helper()
	return rpctest.Pair(t, aOpts, bOpts)
}

// recorder is a sink that keeps every envelope an endpoint sends.
type recorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
	fail error
}

func (r *recorder) sink(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	env, err := protocol.DecodeEnvelope([]byte(strings.TrimSpace(text)))
	if err != nil {
		return err
	}
	r.envs = append(r.envs, *env)
	return nil
}

func (r *recorder) of(kind protocol.Kind) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range r.envs {
		if env.Kind() == kind {
			out = append(out, env)
		}
	}
	return out
}

// waitFor polls until at least n envelopes of kind were recorded.
func (r *recorder) waitFor(t *testing.T, kind protocol.Kind, n int) []protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.of(kind); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s envelopes, have %d", n, kind, len(r.of(kind)))
	return nil
}

func acked(envs []protocol.Envelope, id string) bool {
	for _, env := range envs {
		for _, got := range env.Ack.IDs {
			if got == id {
				return true
			}
		}
	}
	return false
}

func callLine(t *testing.T, id, method string, params ...any) string {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal param: %v", err)
		}
		raw = append(raw, b)
	}
	line, err := protocol.EncodeEnvelope(protocol.Envelope{
		ID:   id,
		Call: &protocol.Call{Method: method, Params: raw},
	})
	if err != nil {
		t.Fatalf("encode call: %v", err)
	}
	return string(line)
}

func loopRequestLine(t *testing.T, id, loopID string) string {
	t.Helper()
	line, err := protocol.EncodeEnvelope(protocol.Envelope{
		ID:   id,
		Loop: &protocol.Loop{Request: &protocol.LoopRequest{Message: loopID}},
	})
	if err != nil {
		t.Fatalf("encode loop request: %v", err)
	}
	return string(line)
}
