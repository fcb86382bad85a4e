// Package active holds result wrappers that carry metadata across the wire:
// cache hints (Meta) and server-side objects with a sliding lifetime
// (Object).
package active

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"faculty/internal/protocol"
	"faculty/internal/rpc"

	"github.com/google/uuid"
)

const (
	DefaultTTL = 2 * time.Hour

	// MaxSnapshotBytes is the largest []byte property kept in a snapshot.
	MaxSnapshotBytes = 64 << 10
)

var (
	ErrNotFound     = errors.New("active: object not found")
	ErrDestroyed    = errors.New("active: object destroyed")
	ErrNotInvocable = errors.New("active: property is not invocable")
)

// Object is a server-side value reachable by id. Every Get, Set or Invoke
// pushes its expiry back by the TTL; once the TTL passes unused the object
// destroys itself.
type Object struct {
	id  string
	ttl time.Duration

	mu        sync.Mutex
	props     map[string]any
	timer     *time.Timer
	destroyed bool
	onDestroy []func()
}

// New wraps props. A ttl of zero or less means DefaultTTL.
func New(props map[string]any, ttl time.Duration) *Object {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	o := &Object{id: uuid.NewString(), ttl: ttl, props: cp}
	o.timer = time.AfterFunc(ttl, o.Destroy)
	return o
}

func (o *Object) ID() string { return o.id }

func (o *Object) TTL() time.Duration { return o.ttl }

// touch must be called with o.mu held.
func (o *Object) touch() error {
	if o.destroyed {
		return ErrDestroyed
	}
	o.timer.Reset(o.ttl)
	return nil
}

func (o *Object) Get(key string) (any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.touch(); err != nil {
		return nil, err
	}
	return o.props[key], nil
}

func (o *Object) Set(key string, value any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.touch(); err != nil {
		return err
	}
	o.props[key] = value
	return nil
}

// Invoke calls the function stored under name with the request's params.
// The property may be an rpc.Handler or any function rpc.Func accepts.
func (o *Object) Invoke(ctx context.Context, name string, req *rpc.Request) (any, error) {
	o.mu.Lock()
	if err := o.touch(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	prop := o.props[name]
	o.mu.Unlock()

	var h rpc.Handler
	switch fn := prop.(type) {
	case rpc.Handler:
		h = fn
	case func(context.Context, *rpc.Request) (any, error):
		h = fn
	default:
		if prop == nil || reflect.TypeOf(prop).Kind() != reflect.Func {
			return nil, fmt.Errorf("%w: %s", ErrNotInvocable, name)
		}
		var err error
		if h, err = rpc.Func(prop); err != nil {
			return nil, fmt.Errorf("active: %s: %w", name, err)
		}
	}
	return h(ctx, req)
}

// Snapshot returns the properties that are safe to send: functions,
// channels and byte slices above MaxSnapshotBytes are left out.
func (o *Object) Snapshot() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]any, len(o.props))
	for k, v := range o.props {
		if safe(v) {
			out[k] = v
		}
	}
	return out
}

// Keys lists every property name, including the ones Snapshot omits.
func (o *Object) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.props))
	for k := range o.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func safe(v any) bool {
	if v == nil {
		return true
	}
	if b, ok := v.([]byte); ok {
		return len(b) <= MaxSnapshotBytes
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return false
	}
	return true
}

// OnDestroy registers fn to run once the object is destroyed. If it is
// already gone, fn runs immediately.
func (o *Object) OnDestroy(fn func()) {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		fn()
		return
	}
	o.onDestroy = append(o.onDestroy, fn)
	o.mu.Unlock()
}

func (o *Object) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	o.timer.Stop()
	fns := o.onDestroy
	o.onDestroy = nil
	o.props = map[string]any{}
	o.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (o *Object) Destroyed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.destroyed
}

// WireValue implements rpc.Wrapper: the snapshot travels as the value and
// the id and TTL as metadata.
func (o *Object) WireValue() (any, *protocol.Meta) {
	return o.Snapshot(), &protocol.Meta{Active: &protocol.ActiveMeta{
		ID:    o.id,
		TTLMs: o.ttl.Milliseconds(),
	}}
}

func (o *Object) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Snapshot())
}
