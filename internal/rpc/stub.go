package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler serves one dotted method path. A returned Sequence is streamed to
// the caller; a returned Wrapper contributes metadata to the reply.
type Handler func(ctx context.Context, req *Request) (any, error)

// Request is an inbound call as seen by a handler.
type Request struct {
	ID     string
	Method string
	Params []json.RawMessage
	Stack  string
}

func (r *Request) Len() int { return len(r.Params) }

// Bind decodes parameter i into v.
func (r *Request) Bind(i int, v any) error {
	if i < 0 || i >= len(r.Params) {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("%s: missing parameter %d", r.Method, i), Handled: true}
	}
	if err := json.Unmarshal(r.Params[i], v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("%s: parameter %d: %v", r.Method, i, err), Handled: true, cause: err}
	}
	return nil
}

// Stub is the method table of an endpoint. Paths are stored flat, so
// "a.b.c" resolves with a single lookup.
type Stub struct {
	mu      sync.RWMutex
	methods map[string]Handler
}

func NewStub() *Stub {
	return &Stub{methods: make(map[string]Handler)}
}

// Register adds h under name. Registering the same name again replaces it.
func (s *Stub) Register(name string, h Handler) {
	name = strings.Trim(strings.TrimSpace(name), ".")
	if name == "" || h == nil {
		return
	}
	s.mu.Lock()
	s.methods[name] = h
	s.mu.Unlock()
}

// RegisterService registers every handler of methods under prefix.
func (s *Stub) RegisterService(prefix string, methods map[string]Handler) {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	for name, h := range methods {
		if prefix != "" {
			name = prefix + "." + name
		}
		s.Register(name, h)
	}
}

func (s *Stub) Unregister(name string) {
	s.mu.Lock()
	delete(s.methods, name)
	s.mu.Unlock()
}

func (s *Stub) Lookup(name string) (Handler, bool) {
	s.mu.RLock()
	h, ok := s.methods[name]
	s.mu.RUnlock()
	return h, ok
}

// Methods lists the registered paths in order.
func (s *Stub) Methods() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.methods))
	for name := range s.methods {
		out = append(out, name)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
