package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"faculty/internal/events"
	"faculty/internal/rpc"
	"faculty/internal/rpc/rpctest"
)

type inbox struct {
	mu  sync.Mutex
	got []events.Event
}

func (b *inbox) handle(ctx context.Context, ev events.Event) {
	b.mu.Lock()
	b.got = append(b.got, ev)
	b.mu.Unlock()
}

func (b *inbox) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.got)
}

func (b *inbox) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events, got %d", n, b.count())
}

func opts() rpc.Options { return rpc.Options{Tuning: rpctest.FastTuning()} }

func connect(t *testing.T, srv *events.Server, data any) (*rpc.Endpoint, *events.Client, *inbox) {
	t.Helper()
	serverEP, clientEP := rpctest.Pair(t, opts(), opts())
	srv.Attach(serverEP)
	box := &inbox{}
	c := events.NewClient(clientEP, data, box.handle)
	if _, err := c.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return serverEP, c, box
}

func TestInform_OncePerEndpoint(t *testing.T) {
	srv := events.NewServer(nil, events.ServerOptions{})
	_, c, box := connect(t, srv, []string{"user:1", "room:7"})
	if got := c.IDs(); len(got) != 2 {
		t.Fatalf("expected 2 granted ids, got %v", got)
	}

	ev, _ := events.NewEvent("message", map[string]string{"text": "hi"})
	if err := srv.Inform(context.Background(), []string{"user:1", "room:7"}, ev); err != nil {
		t.Fatalf("inform: %v", err)
	}
	box.waitFor(t, 1)
	time.Sleep(30 * time.Millisecond)
	if box.count() != 1 {
		t.Fatalf("expected a single delivery, got %d", box.count())
	}
	var data map[string]string
	if err := json.Unmarshal(box.got[0].Data, &data); err != nil || data["text"] != "hi" {
		t.Fatalf("unexpected payload %s %v", box.got[0].Data, err)
	}
}

func TestInform_UnknownIDIsNoop(t *testing.T) {
	srv := events.NewServer(nil, events.ServerOptions{})
	_, _, box := connect(t, srv, []string{"a"})
	if err := srv.Inform(context.Background(), []string{"b"}, events.Event{Name: "x"}); err != nil {
		t.Fatalf("inform: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if box.count() != 0 {
		t.Fatalf("unexpected delivery")
	}
}

func TestServer_DropsSubscriptionsOnDestroy(t *testing.T) {
	srv := events.NewServer(nil, events.ServerOptions{})
	serverEP, _, _ := connect(t, srv, []string{"a"})
	if len(srv.Subscribers("a")) != 1 {
		t.Fatalf("expected one subscriber")
	}
	serverEP.Destroy()
	if len(srv.Subscribers("a")) != 0 || len(srv.IDs()) != 0 {
		t.Fatalf("expected subscriptions to be collected")
	}
}

func TestServer_AddIDsDropsDestroyedEndpoints(t *testing.T) {
	srv := events.NewServer(nil, events.ServerOptions{})
	liveEP, liveClient := rpctest.Pair(t, opts(), opts())
	goneEP, goneClient := rpctest.Pair(t, opts(), opts())
	box := &inbox{}
	events.NewClient(liveClient, nil, box.handle)
	events.NewClient(goneClient, nil, func(context.Context, events.Event) {})

	srv.AddIDs(liveEP, "room")
	srv.AddIDs(goneEP, "room")
	if n := len(srv.Subscribers("room")); n != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n)
	}

	goneEP.Destroy()
	<-goneEP.Done()
	if n := len(srv.Subscribers("room")); n != 1 {
		t.Fatalf("expected 1 subscriber after destroy, got %d", n)
	}
	if err := srv.Inform(context.Background(), []string{"room"}, events.Event{Name: "x"}); err != nil {
		t.Fatalf("inform: %v", err)
	}
	box.waitFor(t, 1)

	srv.AddIDs(goneEP, "room")
	if n := len(srv.Subscribers("room")); n != 1 {
		t.Fatalf("expected destroyed endpoint to be ignored, got %d subscribers", n)
	}
}

func TestClient_ReregistersOnReinit(t *testing.T) {
	srv := events.NewServer(nil, events.ServerOptions{})
	serverEP, clientEP := rpctest.Pair(t, opts(), opts())
	srv.Attach(serverEP)
	c := events.NewClient(clientEP, []string{"a"}, func(context.Context, events.Event) {})
	if _, err := c.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}

	srv.RemoveID("a")
	if len(srv.Subscribers("a")) != 0 {
		t.Fatalf("expected RemoveID to drop the subscriber")
	}
	clientEP.Reinit()

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Subscribers("a")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client did not re-register")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_CloseUnsubscribes(t *testing.T) {
	srv := events.NewServer(nil, events.ServerOptions{})
	_, c, _ := connect(t, srv, []string{"a"})
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(srv.Subscribers("a")) != 0 {
		t.Fatalf("expected no subscribers after close")
	}
	if _, err := c.Register(context.Background()); err == nil {
		t.Fatalf("expected register after close to fail")
	}
}

func TestServer_RegistrarRejects(t *testing.T) {
	deny := events.RegistrarFunc(func(ctx context.Context, data json.RawMessage) ([]string, error) {
		var token string
		if err := json.Unmarshal(data, &token); err != nil || token != "secret" {
			return nil, errors.New("bad token")
		}
		return []string{"private"}, nil
	})
	srv := events.NewServer(deny, events.ServerOptions{})
	serverEP, clientEP := rpctest.Pair(t, opts(), opts())
	srv.Attach(serverEP)

	bad := events.NewClient(clientEP, "guess", func(context.Context, events.Event) {})
	if _, err := bad.Register(context.Background()); err == nil {
		t.Fatalf("expected rejection")
	}
	good := events.NewClient(clientEP, "secret", func(context.Context, events.Event) {})
	ids, err := good.Register(context.Background())
	if err != nil || len(ids) != 1 || ids[0] != "private" {
		t.Fatalf("unexpected grant %v %v", ids, err)
	}
}

// localBroker relays messages between servers in one process.
type localBroker struct {
	mu   sync.Mutex
	subs []chan events.Message
}

func (b *localBroker) Publish(ctx context.Context, msg events.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		ch <- msg
	}
	return nil
}

func (b *localBroker) Consume(ctx context.Context, handle func(context.Context, events.Message)) error {
	ch := make(chan events.Message, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	for {
		select {
		case msg := <-ch:
			handle(ctx, msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func TestServer_RelaysThroughBroker(t *testing.T) {
	broker := &localBroker{}
	one := events.NewServer(nil, events.ServerOptions{Broker: broker, InstanceID: "one"})
	two := events.NewServer(nil, events.ServerOptions{Broker: broker, InstanceID: "two"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go one.Run(ctx)
	go two.Run(ctx)
	for {
		broker.mu.Lock()
		n := len(broker.subs)
		broker.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, _, boxOne := connect(t, one, []string{"room"})
	_, _, boxTwo := connect(t, two, []string{"room"})

	if err := one.Inform(context.Background(), []string{"room"}, events.Event{Name: "ping"}); err != nil {
		t.Fatalf("inform: %v", err)
	}
	boxOne.waitFor(t, 1)
	boxTwo.waitFor(t, 1)
	time.Sleep(30 * time.Millisecond)
	if boxOne.count() != 1 || boxTwo.count() != 1 {
		t.Fatalf("expected exactly one delivery each, got %d and %d", boxOne.count(), boxTwo.count())
	}
}
