package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"faculty/internal/config"
	"faculty/internal/events"
	"faculty/internal/logging"
	"faculty/internal/rpc"
	"faculty/internal/transport"
)

func startFaculty(t *testing.T) (*facultyServer, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{WSPath: "/faculty", InstanceID: "test"},
		Cache:  config.CacheConfig{Backend: "memory", MemoryEntries: 16},
	}
	s, err := newFacultyServer(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.handler())
	t.Cleanup(srv.Close)
	t.Cleanup(s.active.Close)
	return s, srv
}

func dialFaculty(t *testing.T, srv *httptest.Server) *rpc.Endpoint {
	t.Helper()
	ctx := context.Background()
	ws, err := transport.DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/faculty", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ep := transport.NewEndpoint(ws, rpc.Options{})
	go transport.Run(ctx, ep, ws)
	t.Cleanup(ep.Destroy)
	return ep
}

func call(t *testing.T, ep *rpc.Endpoint, method string, args ...any) *rpc.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := ep.Remote().Call(ctx, method, args...)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return res
}

func TestFaculty_DemoMethods(t *testing.T) {
	_, srv := startFaculty(t)
	ep := dialFaculty(t, srv)

	var sum float64
	if err := call(t, ep, "math.add", 2, 3.5).Decode(&sum); err != nil || sum != 5.5 {
		t.Fatalf("math.add: %v %v", sum, err)
	}
	if _, err := ep.Remote().Call(context.Background(), "math.div", 1, 0); err == nil || !strings.Contains(err.Error(), "division by zero") {
		t.Fatalf("expected division error, got %v", err)
	}

	var out bytes.Buffer
	if err := runCall(context.Background(), ep, &out, "count", parseArgs([]string{"3"})); err != nil {
		t.Fatalf("count: %v", err)
	}
	if got := strings.Fields(out.String()); strings.Join(got, ",") != "0,1,2" {
		t.Fatalf("unexpected stream output %q", out.String())
	}

	var methods []string
	if err := call(t, ep, methodSystemMethods).Decode(&methods); err != nil || len(methods) == 0 {
		t.Fatalf("system.methods: %v %v", methods, err)
	}
	var who map[string]string
	if err := call(t, ep, "session.whoami").Decode(&who); err != nil || !strings.HasPrefix(who["peer_id"], "peer_") {
		t.Fatalf("whoami: %v %v", who, err)
	}
}

func TestFaculty_SessionIsActiveObject(t *testing.T) {
	s, srv := startFaculty(t)
	ep := dialFaculty(t, srv)

	res := call(t, ep, "session.open", map[string]any{"theme": "dark"})
	if res.Meta == nil || res.Meta.Active == nil {
		t.Fatalf("expected active metadata, got %+v", res.Meta)
	}
	var snap map[string]any
	if err := res.Decode(&snap); err != nil || snap["theme"] != "dark" {
		t.Fatalf("unexpected snapshot %v %v", snap, err)
	}
	if _, ok := snap["touch"]; ok {
		t.Fatalf("functions must not be sent")
	}
	var stamp int64
	if err := call(t, ep, "active.invoke", res.Meta.Active.ID, "touch").Decode(&stamp); err != nil || stamp == 0 {
		t.Fatalf("invoke touch: %v %v", stamp, err)
	}
	call(t, ep, "active.release", res.Meta.Active.ID)
	if s.active.Len() != 0 {
		t.Fatalf("expected session to be released")
	}
}

func TestFaculty_EventsBetweenPeers(t *testing.T) {
	_, srv := startFaculty(t)
	listener := dialFaculty(t, srv)
	sender := dialFaculty(t, srv)

	var mu sync.Mutex
	var got []events.Event
	client := events.NewClient(listener, []string{"room"}, func(ctx context.Context, ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if _, err := client.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}

	call(t, sender, "events.inform", []string{"room"}, "hello", map[string]string{"from": "sender"})
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Name != "hello" {
		t.Fatalf("expected one hello event, got %+v", got)
	}
}

func TestFaculty_InternalInvokeCallsPeer(t *testing.T) {
	s, srv := startFaculty(t)
	ep := dialFaculty(t, srv)
	ep.Register("client.greet", func(ctx context.Context, req *rpc.Request) (any, error) {
		var name string
		err := req.Bind(0, &name)
		return "hi " + name, err
	})

	var who map[string]string
	if err := call(t, ep, "session.whoami").Decode(&who); err != nil {
		t.Fatalf("whoami: %v", err)
	}
	peerID := who["peer_id"]
	if s.getPeer(peerID) == nil {
		t.Fatalf("peer %s not tracked", peerID)
	}

	body, _ := json.Marshal(invokeRequest{
		PeerID: peerID,
		Method: "client.greet",
		Params: []json.RawMessage{json.RawMessage(`"ops"`)},
	})
	resp, err := http.Post(srv.URL+"/internal/faculty/invoke", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || out.Data != "hi ops" {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, out)
	}

	resp2, err := http.Post(srv.URL+"/internal/faculty/invoke", "application/json",
		strings.NewReader(`{"peer_id":"`+peerID+`","method":"client.missing"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing method, got %d", resp2.StatusCode)
	}
}

func TestFaculty_InternalAuth(t *testing.T) {
	s, srv := startFaculty(t)
	s.cfg.Server.InternalToken = "secret"

	resp, err := http.Get(srv.URL + "/internal/faculty/peers")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/internal/faculty/peers", nil)
	req.Header.Set("X-Internal-Token", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{`{"a":1}`, "word", "3"})
	if string(args[0].(json.RawMessage)) != `{"a":1}` || args[1] != "word" || string(args[2].(json.RawMessage)) != "3" {
		t.Fatalf("unexpected args %#v", args)
	}
}
