package rpc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"faculty/internal/protocol"
)

// Remote is the other side of the connection seen as a tree of methods.
// Paths need no declaration: Get("a").Get("b") addresses "a.b" whether or
// not the peer has it.
type Remote struct {
	ep *Endpoint
}

// Method is a remote method bound to a dotted path.
type Method struct {
	remote *Remote
	path   string
}

func (r *Remote) Get(name string) Method {
	return Method{remote: r, path: name}
}

func (m Method) Get(name string) Method {
	if m.path == "" {
		return Method{remote: m.remote, path: name}
	}
	return Method{remote: m.remote, path: m.path + "." + name}
}

func (m Method) Path() string { return m.path }

func (m Method) Call(ctx context.Context, args ...any) (*Result, error) {
	return m.remote.Call(ctx, m.path, args...)
}

// Notify calls the method in the background and discards the outcome.
func (m Method) Notify(ctx context.Context, args ...any) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		res, err := m.Call(ctx, args...)
		if err != nil {
			m.remote.ep.log.Debug("notification failed", "method", m.path, "err", err.Error())
			return
		}
		if s, ok := res.Stream(); ok {
			_ = s.Close(ctx)
		}
	}()
}

// Call invokes method on the peer. It returns once the reply arrives, the
// call ceiling (Timeouts.Call) passes, ctx is done or the endpoint is
// destroyed.
func (r *Remote) Call(ctx context.Context, method string, args ...any) (*Result, error) {
	ep := r.ep
	if ep.destroyed.Load() {
		return nil, wrapError(CodeDestroyed, ErrDestroyed, "rpc: endpoint destroyed")
	}
	params, err := encodeParams(args)
	if err != nil {
		return nil, wrapError(CodeInvalidParams, err, "rpc: %s: %v", method, err)
	}

	var cacheKey string
	if ep.opts.Cache != nil {
		cacheKey = resultCacheKey(method, params)
		if res, ok := r.cached(ctx, cacheKey); ok {
			return res, nil
		}
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, ep.opts.Timeouts.Call)
	defer cancel()

	if err := ep.tx.acquire(ctx); err != nil {
		return nil, err
	}
	defer ep.tx.release()

	id := ep.opts.NewID()
	var stack string
	if ep.opts.ExposeStackTraces {
		stack = callSite(3)
	}
	f := ep.disp.expect(id)
	defer ep.disp.forget(id)

	env := protocol.Envelope{
		ID:   id,
		Call: &protocol.Call{Method: method, Params: params, Stack: stack},
	}
	if err := ep.tx.output(env); err != nil {
		return nil, err
	}
	ep.stats.callsOut.Add(1)

	ret, err := f.wait(ctx)
	if err != nil {
		ep.tx.settle(id)
		if perr := parent.Err(); perr != nil {
			return nil, perr
		}
		var e *Error
		if errors.As(err, &e) {
			return nil, e
		}
		return nil, &Error{
			Code:    CodeTimeout,
			ID:      id,
			Message: fmt.Sprintf("rpc: call %s timed out after %s", method, ep.opts.Timeouts.Call),
			cause:   err,
		}
	}

	if ret.Error != nil {
		e := errorFromWire(ret.Error)
		e.ID = id
		if ep.opts.ExposeStackTraces {
			e.Stack = joinStacks(e.Stack, stack)
		} else {
			e.Stack = ""
		}
		if e.Code == CodeMethodNotFound {
			return nil, &MethodNotAvailableError{Method: method, Err: e}
		}
		return nil, e
	}

	if ret.Type == protocol.ReturnLoop {
		loopID, err := decodeLoopID(ret.Data)
		if err != nil {
			return nil, wrapError(CodeParseError, err, "rpc: %s: bad loop handle: %v", method, err)
		}
		return &Result{stream: newStream(ep, method, loopID)}, nil
	}

	res := &Result{Data: ret.Data, Meta: ret.Meta}
	if cacheKey != "" && ret.Meta != nil && ret.Meta.Cache != nil && ret.Meta.Cache.MaxAgeMs > 0 {
		r.store(ctx, cacheKey, res, time.Duration(ret.Meta.Cache.MaxAgeMs)*time.Millisecond)
	}
	return res, nil
}

func (r *Remote) cached(ctx context.Context, key string) (*Result, bool) {
	b, ok, err := r.ep.opts.Cache.Load(ctx, key)
	if err != nil {
		r.ep.log.Debug("result cache load failed", "err", err.Error())
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var cr cachedResult
	if err := json.Unmarshal(b, &cr); err != nil {
		return nil, false
	}
	r.ep.stats.cacheHits.Add(1)
	return &Result{Data: cr.Data, Meta: cr.Meta, cached: true}, true
}

func (r *Remote) store(ctx context.Context, key string, res *Result, ttl time.Duration) {
	b, err := json.Marshal(cachedResult{Data: res.Data, Meta: res.Meta})
	if err != nil {
		return
	}
	if err := r.ep.opts.Cache.Store(ctx, key, b, ttl); err != nil {
		r.ep.log.Debug("result cache store failed", "err", err.Error())
	}
}

func encodeParams(args []any) ([]json.RawMessage, error) {
	params := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := marshalValue(a)
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		params = append(params, b)
	}
	return params, nil
}

func resultCacheKey(method string, params []json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(method))
	for _, p := range params {
		h.Write([]byte{0})
		h.Write(p)
	}
	return method + ":" + hex.EncodeToString(h.Sum(nil))
}

// callSite formats the caller's stack, skipping the rpc frames.
func callSite(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			fmt.Fprintf(&b, "    at %s (%s:%d)\n", f.Function, f.File, f.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func joinStacks(remote, local string) string {
	switch {
	case remote == "":
		return local
	case local == "":
		return remote
	}
	return remote + "\n" + local
}
