package active

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"faculty/internal/rpc"
)

// Registry keeps live objects by id so peers can reach them after the call
// that created them has returned.
type Registry struct {
	mu      sync.Mutex
	objects map[string]*Object
}

func NewRegistry() *Registry {
	return &Registry{objects: make(map[string]*Object)}
}

// New creates an object and tracks it.
func (r *Registry) New(props map[string]any, ttl time.Duration) *Object {
	return r.Track(New(props, ttl))
}

// Track adds o until it is destroyed.
func (r *Registry) Track(o *Object) *Object {
	r.mu.Lock()
	r.objects[o.ID()] = o
	r.mu.Unlock()
	o.OnDestroy(func() {
		r.mu.Lock()
		if r.objects[o.ID()] == o {
			delete(r.objects, o.ID())
		}
		r.mu.Unlock()
	})
	return o
}

func (r *Registry) Lookup(id string) (*Object, error) {
	r.mu.Lock()
	o, ok := r.objects[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// Close destroys every tracked object.
func (r *Registry) Close() {
	r.mu.Lock()
	objs := make([]*Object, 0, len(r.objects))
	for _, o := range r.objects {
		objs = append(objs, o)
	}
	r.mu.Unlock()
	for _, o := range objs {
		o.Destroy()
	}
}

// Attach exposes the registry on ep under the "active" prefix:
//
//	active.get(id, key)
//	active.set(id, key, value)
//	active.invoke(id, name, args...)
//	active.release(id)
func (r *Registry) Attach(ep *rpc.Endpoint) {
	ep.RegisterService("active", map[string]rpc.Handler{
		"get":     r.handleGet,
		"set":     r.handleSet,
		"invoke":  r.handleInvoke,
		"release": r.handleRelease,
	})
}

func (r *Registry) target(req *rpc.Request) (*Object, error) {
	var id string
	if err := req.Bind(0, &id); err != nil {
		return nil, err
	}
	return r.Lookup(id)
}

func (r *Registry) handleGet(ctx context.Context, req *rpc.Request) (any, error) {
	o, err := r.target(req)
	if err != nil {
		return nil, err
	}
	var key string
	if err := req.Bind(1, &key); err != nil {
		return nil, err
	}
	v, err := o.Get(key)
	if err != nil {
		return nil, err
	}
	if !safe(v) {
		return nil, fmt.Errorf("active: property %q cannot be sent", key)
	}
	return v, nil
}

func (r *Registry) handleSet(ctx context.Context, req *rpc.Request) (any, error) {
	o, err := r.target(req)
	if err != nil {
		return nil, err
	}
	var key string
	if err := req.Bind(1, &key); err != nil {
		return nil, err
	}
	var value any
	if err := req.Bind(2, &value); err != nil {
		return nil, err
	}
	return nil, o.Set(key, value)
}

func (r *Registry) handleInvoke(ctx context.Context, req *rpc.Request) (any, error) {
	o, err := r.target(req)
	if err != nil {
		return nil, err
	}
	var name string
	if err := req.Bind(1, &name); err != nil {
		return nil, err
	}
	inner := &rpc.Request{
		ID:     req.ID,
		Method: req.Method + "." + name,
		Params: append([]json.RawMessage(nil), req.Params[2:]...),
		Stack:  req.Stack,
	}
	return o.Invoke(ctx, name, inner)
}

func (r *Registry) handleRelease(ctx context.Context, req *rpc.Request) (any, error) {
	o, err := r.target(req)
	if err != nil {
		return nil, err
	}
	o.Destroy()
	return true, nil
}
