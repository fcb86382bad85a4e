package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"faculty/internal/active"
	"faculty/internal/cache"
	"faculty/internal/config"
	"faculty/internal/events"
	"faculty/internal/logging"
	"faculty/internal/rpc"
	"faculty/internal/transport"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func NewServeCmd() *cobra.Command {
	var tcpListen string
	var httpListen string
	var wsPath string
	var internalToken string
	var instanceID string
	var redisURL string

	c := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo faculty over TCP and WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(config.LoadOptions{ConfigFile: GetConfigFileFlag()})
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("tcp-listen") {
				cfg.Server.TCPListen = tcpListen
			}
			if flags.Changed("http-listen") {
				cfg.Server.HTTPListen = httpListen
			}
			if flags.Changed("ws-path") {
				cfg.Server.WSPath = wsPath
			}
			if flags.Changed("internal-token") {
				cfg.Server.InternalToken = internalToken
			}
			if flags.Changed("instance-id") {
				cfg.Server.InstanceID = instanceID
			}
			if flags.Changed("redis-url") {
				cfg.Redis.URL = redisURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			server, err := newFacultyServer(cfg, logging.FromContext(ctx))
			if err != nil {
				return err
			}
			return server.run(ctx)
		},
	}
	c.Flags().StringVar(&tcpListen, "tcp-listen", "", "TCP listen address, empty to disable (default from config: :7400)")
	c.Flags().StringVar(&httpListen, "http-listen", "", "HTTP listen address for websocket and internal APIs (default from config: :7401)")
	c.Flags().StringVar(&wsPath, "ws-path", "", "websocket path (default from config: /faculty)")
	c.Flags().StringVar(&internalToken, "internal-token", "", "shared token for internal HTTP APIs (optional)")
	c.Flags().StringVar(&instanceID, "instance-id", "", "server instance id (default: auto)")
	c.Flags().StringVar(&redisURL, "redis-url", "", "redis URL for event relay, peer registry and result cache (optional)")
	return c
}

type facultyServer struct {
	cfg    *config.Config
	log    logging.Logger
	id     string
	events *events.Server
	active *active.Registry
	cache  rpc.Cache

	mu    sync.RWMutex
	peers map[string]*peerConn

	subsMu sync.Mutex
	subs   map[string]chan []byte

	redis *redis.Client
}

type peerConn struct {
	id          string
	transport   string
	remoteAddr  string
	connectedAt time.Time
	ep          *rpc.Endpoint
}

func newFacultyServer(cfg *config.Config, logger logging.Logger) (*facultyServer, error) {
	s := &facultyServer{
		cfg:    cfg,
		log:    logger,
		id:     cfg.Server.InstanceID,
		active: active.NewRegistry(),
		peers:  make(map[string]*peerConn),
		subs:   make(map[string]chan []byte),
	}
	if s.id == "" {
		s.id = defaultInstanceID()
	}

	var broker events.Broker
	if strings.TrimSpace(cfg.Redis.URL) != "" {
		client, err := events.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		s.redis = client
		broker = events.NewRedisBroker(client, events.RedisBrokerOptions{
			Stream: cfg.Redis.EventStream,
			Group:  s.id,
			Logger: logging.Component(logger, "broker"),
		})
	}
	s.events = events.NewServer(nil, events.ServerOptions{
		Broker:     broker,
		InstanceID: s.id,
		Logger:     logging.Component(logger, "events"),
	})

	switch cfg.Cache.Backend {
	case "memory":
		s.cache = cache.NewMemory(cfg.Cache.MemoryEntries)
	case "redis":
		if s.redis == nil {
			return nil, errors.New("cache.backend redis needs redis.url")
		}
		s.cache = cache.NewRedis(s.redis, cfg.Redis.CachePrefix)
	}
	return s, nil
}

func (s *facultyServer) run(ctx context.Context) error {
	defer s.active.Close()
	if s.redis != nil {
		defer s.redis.Close()
		s.log.Info("redis enabled", "instance_id", s.id, "registry_ttl_seconds", int(s.cfg.Redis.RegistryTTL.Seconds()))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.events.Run(ctx) })
	if addr := s.cfg.Server.TCPListen; addr != "" {
		g.Go(func() error { return s.serveTCP(ctx, addr) })
	}
	if addr := s.cfg.Server.HTTPListen; addr != "" {
		g.Go(func() error { return s.serveHTTP(ctx, addr) })
	}
	if s.redis != nil {
		g.Go(func() error { s.refreshRegistry(ctx); return nil })
	}
	return g.Wait()
}

func (s *facultyServer) serveTCP(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.log.Info("faculty listening", "transport", "tcp", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.servePeer(ctx, "tcp", conn.RemoteAddr().String(), transport.NewNetConn(conn))
	}
}

func (s *facultyServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Server.WSPath, s.handleWebSocket)
	mux.HandleFunc("/internal/faculty/peers", s.handleListPeers)
	mux.HandleFunc("/internal/faculty/peers/", s.handlePeerSubresource)
	mux.HandleFunc("/internal/faculty/invoke", s.handleInvoke)
	mux.HandleFunc("/internal/faculty/inform", s.handleInform)
	mux.HandleFunc("/internal/faculty/events", s.handleEventsSSE)
	return mux
}

func (s *facultyServer) serveHTTP(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("faculty listening", "transport", "websocket", "addr", addr, "ws_path", s.cfg.Server.WSPath)
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *facultyServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.AcceptWebSocket(w, r)
	if err != nil {
		return
	}
	s.servePeer(r.Context(), "websocket", r.RemoteAddr, ws)
}

// servePeer runs one connection until it ends.
func (s *facultyServer) servePeer(ctx context.Context, kind, remoteAddr string, c transport.Conn) {
	peer := &peerConn{
		id:          "peer_" + uuid.NewString(),
		transport:   kind,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
	}
	logger := s.log.With("peer_id", peer.id)
	opts := s.cfg.EndpointOptions(logger)
	opts.Cache = s.cache
	opts.Interceptors = append(opts.Interceptors, rpc.WithValue(peerKey{}, peer.id))
	peer.ep = transport.NewEndpoint(c, opts)

	s.registerFaculty(peer.ep)
	s.events.Attach(peer.ep)
	s.active.Attach(peer.ep)

	s.mu.Lock()
	s.peers[peer.id] = peer
	s.mu.Unlock()
	s.upsertRegistry(ctx, peer)
	logger.Info("peer connected", "transport", kind, "remote", remoteAddr)
	s.publishEvent("connect", peer.id, nil)

	err := transport.Run(ctx, peer.ep, c)

	s.mu.Lock()
	if s.peers[peer.id] == peer {
		delete(s.peers, peer.id)
	}
	s.mu.Unlock()
	s.deleteRegistryIfOwned(context.Background(), peer.id)
	s.publishEvent("disconnect", peer.id, nil)
	if err != nil {
		logger.Warn("peer connection failed", "err", err.Error())
		return
	}
	logger.Info("peer disconnected", "stats", peer.ep.Stats())
}

func (s *facultyServer) getPeer(id string) *peerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

func (s *facultyServer) handleListPeers(w http.ResponseWriter, r *http.Request) {
	if !s.checkInternalAuth(w, r) {
		return
	}
	type peerInfo struct {
		PeerID      string    `json:"peer_id"`
		Transport   string    `json:"transport"`
		RemoteAddr  string    `json:"remote_addr"`
		ConnectedAt int64     `json:"connected_at"`
		Stats       rpc.Stats `json:"stats"`
	}
	resp := struct {
		InstanceID string     `json:"instance_id"`
		Peers      []peerInfo `json:"peers"`
	}{InstanceID: s.id}

	s.mu.RLock()
	for _, p := range s.peers {
		resp.Peers = append(resp.Peers, peerInfo{
			PeerID:      p.id,
			Transport:   p.transport,
			RemoteAddr:  p.remoteAddr,
			ConnectedAt: p.connectedAt.Unix(),
			Stats:       p.ep.Stats(),
		})
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *facultyServer) handlePeerSubresource(w http.ResponseWriter, r *http.Request) {
	if !s.checkInternalAuth(w, r) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/internal/faculty/peers/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 && parts[1] == "methods" && r.Method == http.MethodGet {
		s.handlePeerMethods(w, r, parts[0])
		return
	}
	http.NotFound(w, r)
}

// handlePeerMethods asks the peer which methods it exposes.
func (s *facultyServer) handlePeerMethods(w http.ResponseWriter, r *http.Request, peerID string) {
	p := s.getPeer(peerID)
	if p == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "peer_offline"})
		return
	}
	res, err := p.ep.Remote().Call(r.Context(), methodSystemMethods)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"peer_id": peerID,
		"methods": res.Data,
	})
}

type invokeRequest struct {
	PeerID    string            `json:"peer_id"`
	Method    string            `json:"method"`
	Params    []json.RawMessage `json:"params"`
	TimeoutMs int               `json:"timeout_ms"`
}

// handleInvoke calls a method exposed by a connected peer and waits for
// the reply. Stream results are collected in full.
func (s *facultyServer) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if !s.checkInternalAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		return
	}
	if req.PeerID == "" || req.Method == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_fields"})
		return
	}
	p := s.getPeer(req.PeerID)
	if p == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "peer_offline"})
		return
	}

	ctx := r.Context()
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	args := make([]any, len(req.Params))
	for i, raw := range req.Params {
		args[i] = raw
	}
	res, err := p.ep.Remote().Call(ctx, req.Method, args...)
	if err != nil {
		writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	if stream, ok := res.Stream(); ok {
		items := []json.RawMessage{}
		for item, err := range stream.All(ctx) {
			if err != nil {
				writeJSON(w, statusForError(err), map[string]any{"error": err.Error(), "items": items})
				return
			}
			items = append(items, item)
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": res.Data, "meta": res.Meta})
}

type informRequest struct {
	IDs  []string        `json:"ids"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

func (s *facultyServer) handleInform(w http.ResponseWriter, r *http.Request) {
	if !s.checkInternalAuth(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req informRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		return
	}
	if len(req.IDs) == 0 || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_fields"})
		return
	}
	ev := events.Event{Name: req.Name, Data: req.Data}
	if err := s.events.Inform(r.Context(), req.IDs, ev); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.publishEvent("inform", "", req)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *facultyServer) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if !s.checkInternalAuth(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID := uuid.NewString()
	ch := make(chan []byte, 128)

	s.subsMu.Lock()
	s.subs[subID] = ch
	s.subsMu.Unlock()

	defer func() {
		s.subsMu.Lock()
		delete(s.subs, subID)
		s.subsMu.Unlock()
	}()

	io.WriteString(w, "event: ready\ndata: {}\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			io.WriteString(w, "event: faculty\n")
			io.WriteString(w, "data: ")
			w.Write(msg)
			io.WriteString(w, "\n\n")
			flusher.Flush()
		}
	}
}

// publishEvent feeds the operator SSE stream. Slow readers miss events.
func (s *facultyServer) publishEvent(kind, peerID string, payload any) {
	b, err := json.Marshal(map[string]any{
		"type":        kind,
		"peer_id":     peerID,
		"instance_id": s.id,
		"ts":          time.Now().Unix(),
		"payload":     payload,
	})
	if err != nil {
		return
	}
	s.subsMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- b:
		default:
		}
	}
	s.subsMu.Unlock()
}

func (s *facultyServer) checkInternalAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Server.InternalToken == "" {
		return true
	}
	if r.Header.Get("X-Internal-Token") != s.cfg.Server.InternalToken {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, rpc.ErrMethodNotFound):
		return http.StatusNotFound
	case errors.Is(err, rpc.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rpc.ErrBackpressure):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type registryValue struct {
	InstanceID string `json:"instance_id"`
	Transport  string `json:"transport"`
	UpdatedAt  int64  `json:"updated_at"`
}

func (s *facultyServer) registryKey(peerID string) string {
	return s.cfg.Redis.RegistryPrefix + peerID
}

func (s *facultyServer) upsertRegistry(ctx context.Context, p *peerConn) {
	if s.redis == nil || p == nil {
		return
	}
	val := registryValue{
		InstanceID: s.id,
		Transport:  p.transport,
		UpdatedAt:  time.Now().Unix(),
	}
	b, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = s.redis.Set(ctx, s.registryKey(p.id), b, s.cfg.Redis.RegistryTTL).Err()
}

func (s *facultyServer) deleteRegistryIfOwned(ctx context.Context, peerID string) {
	if s.redis == nil || peerID == "" {
		return
	}
	key := s.registryKey(peerID)
	raw, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return
	}
	var current registryValue
	if err := json.Unmarshal(raw, &current); err != nil {
		return
	}
	if current.InstanceID != s.id {
		return
	}
	_ = s.redis.Del(ctx, key).Err()
}

// refreshRegistry keeps registry entries of live peers from expiring.
func (s *facultyServer) refreshRegistry(ctx context.Context) {
	interval := s.cfg.Redis.RegistryTTL / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.RLock()
		peers := make([]*peerConn, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.RUnlock()
		for _, p := range peers {
			s.upsertRegistry(ctx, p)
		}
	}
}

func defaultInstanceID() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "faculty"
	}
	return h + "-" + uuid.NewString()
}
