package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"faculty/internal/logging"
	"faculty/internal/rpc"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type ServerOptions struct {
	Broker     Broker
	InstanceID string
	// Fanout bounds concurrent events.emit calls per Inform.
	Fanout int
	Logger logging.Logger
}

type Server struct {
	reg  Registrar
	opts ServerOptions
	log  logging.Logger

	mu       sync.Mutex
	subs     map[string]map[*rpc.Endpoint]struct{}
	byEP     map[*rpc.Endpoint]map[string]struct{}
	detaches map[*rpc.Endpoint]func()
}

// NewServer returns a server that admits clients through reg. A nil reg
// means IDList.
func NewServer(reg Registrar, opts ServerOptions) *Server {
	if reg == nil {
		reg = IDList
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.Fanout <= 0 {
		opts.Fanout = 32
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Server{
		reg:      reg,
		opts:     opts,
		log:      opts.Logger.With("instance", opts.InstanceID),
		subs:     make(map[string]map[*rpc.Endpoint]struct{}),
		byEP:     make(map[*rpc.Endpoint]map[string]struct{}),
		detaches: make(map[*rpc.Endpoint]func()),
	}
}

func (s *Server) InstanceID() string { return s.opts.InstanceID }

// Attach exposes events.register and events.unregister on ep. The
// endpoint's subscriptions are dropped when it is destroyed.
func (s *Server) Attach(ep *rpc.Endpoint) {
	ep.Register(MethodRegister, func(ctx context.Context, req *rpc.Request) (any, error) {
		var data json.RawMessage
		if req.Len() > 0 {
			data = req.Params[0]
		}
		ids, err := s.reg.Register(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		s.Detach(ep)
		s.AddIDs(ep, ids...)
		return ids, nil
	})
	ep.Register(MethodUnregister, func(ctx context.Context, req *rpc.Request) (any, error) {
		s.Detach(ep)
		return true, nil
	})

	s.watch(ep)
}

// watch drops ep's subscriptions once it is destroyed. It hooks ep at most
// once.
func (s *Server) watch(ep *rpc.Endpoint) {
	s.mu.Lock()
	_, ok := s.detaches[ep]
	s.mu.Unlock()
	if ok || ep.Destroyed() {
		return
	}
	cancel := ep.OnDestroy(func() { s.forget(ep) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.detaches[ep]; ok {
		cancel()
		return
	}
	s.detaches[ep] = cancel
}

// AddIDs subscribes ep under ids. Destroyed endpoints are ignored, and the
// subscriptions of a live one are dropped when it is destroyed.
func (s *Server) AddIDs(ep *rpc.Endpoint, ids ...string) {
	s.watch(ep)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep.Destroyed() {
		return
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if s.subs[id] == nil {
			s.subs[id] = make(map[*rpc.Endpoint]struct{})
		}
		s.subs[id][ep] = struct{}{}
		if s.byEP[ep] == nil {
			s.byEP[ep] = make(map[string]struct{})
		}
		s.byEP[ep][id] = struct{}{}
	}
}

// RemoveID drops every subscription under id.
func (s *Server) RemoveID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ep := range s.subs[id] {
		delete(s.byEP[ep], id)
		if len(s.byEP[ep]) == 0 {
			delete(s.byEP, ep)
		}
	}
	delete(s.subs, id)
}

// Detach drops ep's subscriptions but keeps the methods registered.
func (s *Server) Detach(ep *rpc.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(ep)
}

func (s *Server) detachLocked(ep *rpc.Endpoint) {
	for id := range s.byEP[ep] {
		delete(s.subs[id], ep)
		if len(s.subs[id]) == 0 {
			delete(s.subs, id)
		}
	}
	delete(s.byEP, ep)
}

func (s *Server) forget(ep *rpc.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(ep)
	delete(s.detaches, ep)
}

// Subscribers returns the endpoints registered under id.
func (s *Server) Subscribers(id string) []*rpc.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*rpc.Endpoint, 0, len(s.subs[id]))
	for ep := range s.subs[id] {
		out = append(out, ep)
	}
	return out
}

// IDs lists the ids with at least one local subscriber.
func (s *Server) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Inform delivers ev to every endpoint subscribed under any of ids, once
// per endpoint, and republishes it through the broker. The first delivery
// error is returned after all deliveries finished.
func (s *Server) Inform(ctx context.Context, ids []string, ev Event) error {
	if b := s.opts.Broker; b != nil {
		msg := Message{Origin: s.opts.InstanceID, IDs: ids, Event: ev}
		if err := b.Publish(ctx, msg); err != nil {
			s.log.Warn("events publish failed", "event", ev.Name, "err", err.Error())
		}
	}
	return s.informLocal(ctx, ids, ev)
}

func (s *Server) informLocal(ctx context.Context, ids []string, ev Event) error {
	targets := s.targets(ids)
	if len(targets) == 0 {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(s.opts.Fanout)
	for _, ep := range targets {
		g.Go(func() error {
			if _, err := ep.Remote().Call(ctx, MethodEmit, ev); err != nil {
				s.log.Debug("events emit failed", "event", ev.Name, "err", err.Error())
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) targets(ids []string) []*rpc.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[*rpc.Endpoint]struct{})
	var out []*rpc.Endpoint
	for _, id := range ids {
		for ep := range s.subs[id] {
			if _, ok := seen[ep]; ok || ep.Destroyed() {
				continue
			}
			seen[ep] = struct{}{}
			out = append(out, ep)
		}
	}
	return out
}

// Run consumes the broker and informs local subscribers of events published
// by other instances. It returns when ctx is done, or immediately when no
// broker is configured.
func (s *Server) Run(ctx context.Context) error {
	if s.opts.Broker == nil {
		return nil
	}
	s.log.Info("events broker consumer started")
	return s.opts.Broker.Consume(ctx, func(ctx context.Context, msg Message) {
		if msg.Origin == s.opts.InstanceID {
			return
		}
		if err := s.informLocal(ctx, msg.IDs, msg.Event); err != nil {
			s.log.Debug("events relay incomplete", "event", msg.Event.Name, "origin", msg.Origin, "err", err.Error())
		}
	})
}
