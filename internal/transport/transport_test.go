package transport_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"faculty/internal/rpc"
	"faculty/internal/rpc/rpctest"
	"faculty/internal/transport"
)

func opts() rpc.Options { return rpc.Options{Tuning: rpctest.FastTuning()} }

func serveEcho(ep *rpc.Endpoint) {
	ep.Register("echo", func(ctx context.Context, req *rpc.Request) (any, error) {
		var s string
		if err := req.Bind(0, &s); err != nil {
			return nil, err
		}
		return s, nil
	})
}

func callEcho(t *testing.T, ep *rpc.Endpoint, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := ep.Remote().Call(ctx, "echo", msg)
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	var got string
	if err := res.Decode(&got); err != nil || got != msg {
		t.Fatalf("expected %q, got %q %v", msg, got, err)
	}
}

func TestRun_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			served <- err
			return
		}
		c := transport.NewNetConn(conn)
		ep := transport.NewEndpoint(c, opts())
		serveEcho(ep)
		served <- transport.Run(ctx, ep, c)
	}()

	c, err := transport.DialTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := transport.NewEndpoint(c, opts())
	done := make(chan error, 1)
	go func() { done <- transport.Run(ctx, client, c) }()

	callEcho(t, client, "hello")
	callEcho(t, client, strings.Repeat("x", 100<<10))

	client.Destroy()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("client run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client Run did not return after destroy")
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("server run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server Run did not notice the hangup")
	}
}

func TestRun_ContextCancelDestroysEndpoint(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := transport.NewNetConn(a)
	ep := transport.NewEndpoint(c, opts())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- transport.Run(ctx, ep, c) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
	if !ep.Destroyed() {
		t.Fatalf("expected endpoint to be destroyed")
	}
}

func TestRun_WebSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := transport.AcceptWebSocket(w, r)
		if err != nil {
			return
		}
		ep := transport.NewEndpoint(ws, opts())
		serveEcho(ep)
		ep.Register("whoami", func(ctx context.Context, req *rpc.Request) (any, error) {
			self, _ := rpc.EndpointFromContext(ctx)
			res, err := self.Remote().Call(ctx, "name")
			if err != nil {
				return nil, err
			}
			var name string
			err = res.Decode(&name)
			return "you are " + name, err
		})
		_ = transport.Run(ctx, ep, ws)
	}))
	defer srv.Close()
	defer cancel()

	ws, err := transport.DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := transport.NewEndpoint(ws, opts())
	client.Register("name", func(ctx context.Context, req *rpc.Request) (any, error) { return "ws-client", nil })
	go transport.Run(ctx, client, ws)

	callEcho(t, client, "over websocket")

	res, err := client.Remote().Call(ctx, "whoami")
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	var got string
	if err := res.Decode(&got); err != nil || got != "you are ws-client" {
		t.Fatalf("unexpected reply %q %v", got, err)
	}
}
