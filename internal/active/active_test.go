package active_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"faculty/internal/active"
	"faculty/internal/rpc"
	"faculty/internal/rpc/rpctest"
)

func TestMeta_MarshalsAsWrappedValue(t *testing.T) {
	m := active.WithMeta(map[string]int{"a": 1}, "users", "u1", time.Minute)
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"a":1}` {
		t.Fatalf("expected transparent encoding, got %s", b)
	}
	v, meta := m.WireValue()
	if v == nil || meta.Cache == nil || meta.Cache.MaxAgeMs != 60000 || meta.Cache.Tag != "users" {
		t.Fatalf("unexpected wire value %v %+v", v, meta)
	}
}

func TestObject_SnapshotDropsUnsafeProperties(t *testing.T) {
	o := active.New(map[string]any{
		"name":  "x",
		"fn":    func() {},
		"ch":    make(chan int),
		"small": make([]byte, 16),
		"large": make([]byte, active.MaxSnapshotBytes+1),
	}, time.Minute)
	defer o.Destroy()

	snap := o.Snapshot()
	if len(snap) != 2 || snap["name"] != "x" || snap["small"] == nil {
		t.Fatalf("unexpected snapshot %v", snap)
	}
	if len(o.Keys()) != 5 {
		t.Fatalf("expected every key to be listed, got %v", o.Keys())
	}
}

func TestObject_ExpiresWhenUnused(t *testing.T) {
	o := active.New(map[string]any{"n": 1}, 150*time.Millisecond)
	destroyed := make(chan struct{})
	o.OnDestroy(func() { close(destroyed) })

	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		if _, err := o.Get("n"); err != nil {
			t.Fatalf("object expired while in use: %v", err)
		}
	}
	select {
	case <-destroyed:
	case <-time.After(time.Second):
		t.Fatalf("object never expired")
	}
	if _, err := o.Get("n"); !errors.Is(err, active.ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func TestObject_OnDestroyAfterDestroyRunsNow(t *testing.T) {
	o := active.New(nil, 0)
	if o.TTL() != active.DefaultTTL {
		t.Fatalf("expected default ttl, got %s", o.TTL())
	}
	o.Destroy()
	ran := false
	o.OnDestroy(func() { ran = true })
	if !ran {
		t.Fatalf("expected listener to run immediately")
	}
}

func TestRegistry_RemoteAccess(t *testing.T) {
	reg := active.NewRegistry()
	defer reg.Close()

	server, client := rpctest.Pair(t, rpc.Options{Tuning: rpctest.FastTuning()}, rpc.Options{Tuning: rpctest.FastTuning()})
	reg.Attach(server)
	server.Register("session.open", func(ctx context.Context, req *rpc.Request) (any, error) {
		return reg.New(map[string]any{
			"user":  "ada",
			"greet": func(name string) string { return "hello " + name },
		}, time.Minute), nil
	})

	ctx := context.Background()
	res, err := client.Remote().Call(ctx, "session.open")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Meta == nil || res.Meta.Active == nil || res.Meta.Active.TTLMs != 60000 {
		t.Fatalf("expected active metadata, got %+v", res.Meta)
	}
	var snap map[string]any
	if err := res.Decode(&snap); err != nil || snap["user"] != "ada" || len(snap) != 1 {
		t.Fatalf("unexpected snapshot %v %v", snap, err)
	}
	id := res.Meta.Active.ID

	if _, err := client.Remote().Call(ctx, "active.set", id, "user", "grace"); err != nil {
		t.Fatalf("set: %v", err)
	}
	res, err = client.Remote().Call(ctx, "active.get", id, "user")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var user string
	if err := res.Decode(&user); err != nil || user != "grace" {
		t.Fatalf("expected updated user, got %q %v", user, err)
	}

	res, err = client.Remote().Call(ctx, "active.invoke", id, "greet", "bob")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var greeting string
	if err := res.Decode(&greeting); err != nil || greeting != "hello bob" {
		t.Fatalf("unexpected greeting %q %v", greeting, err)
	}

	if _, err := client.Remote().Call(ctx, "active.release", id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected registry to be empty, has %d", reg.Len())
	}
	if _, err := client.Remote().Call(ctx, "active.get", id, "user"); err == nil {
		t.Fatalf("expected released object to be unreachable")
	}
}
