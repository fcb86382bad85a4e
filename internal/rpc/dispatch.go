package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"faculty/internal/protocol"
)

// dispatcher interprets inbound envelopes: it runs local calls and settles
// the futures of outbound calls and loop pulls.
type dispatcher struct {
	ep *Endpoint

	mu      sync.Mutex
	pending map[string]*future[*protocol.Return]
	pulls   map[string]*future[*protocol.LoopOutput]
}

func newDispatcher(ep *Endpoint) *dispatcher {
	return &dispatcher{
		ep:      ep,
		pending: make(map[string]*future[*protocol.Return]),
		pulls:   make(map[string]*future[*protocol.LoopOutput]),
	}
}

func (d *dispatcher) accept(env *protocol.Envelope) {
	tx := d.ep.tx
	switch env.Kind() {
	case protocol.KindCall:
		d.call(env)
	case protocol.KindReturn:
		tx.ackLater(env.ID)
		tx.settle(env.Return.Message)
		d.mu.Lock()
		f := d.pending[env.Return.Message]
		d.mu.Unlock()
		if f != nil {
			f.resolve(env.Return)
		}
	case protocol.KindLoopOutput:
		out := env.Loop.Output
		tx.settle(out.Message)
		d.mu.Lock()
		f := d.pulls[out.Message]
		d.mu.Unlock()
		if f != nil {
			f.resolve(out)
		}
	case protocol.KindLoopRequest:
		tx.ackLater(env.ID)
		go d.ep.loops.request(env)
	case protocol.KindAck:
		for _, id := range env.Ack.IDs {
			tx.settle(id)
		}
	}
}

func (d *dispatcher) call(env *protocol.Envelope) {
	ep, tx := d.ep, d.ep.tx
	if ep.destroyed.Load() {
		return
	}
	if tx.duplicate(env.ID) {
		ep.log.Debug("duplicate call acknowledged", "id", env.ID, "method", env.Call.Method)
		return
	}
	tx.ackLater(env.ID)
	ep.stats.callsIn.Add(1)

	req := &Request{
		ID:     env.ID,
		Method: env.Call.Method,
		Params: env.Call.Params,
		Stack:  env.Call.Stack,
	}
	h, ok := ep.stub.Lookup(req.Method)
	if !ok {
		tx.replyError(req.ID, &Error{
			Code:    CodeMethodNotFound,
			ID:      req.ID,
			Message: "method not found: " + req.Method,
			Handled: true,
		})
		return
	}

	go d.invoke(h, req)
}

func (d *dispatcher) invoke(h Handler, req *Request) {
	ep, tx := d.ep, d.ep.tx
	inflight := ep.inbound.Add(1)
	defer ep.inbound.Add(-1)
	if limit := ep.opts.MaxInboundCalls; limit > 0 && inflight > int64(limit) {
		ep.log.Warn("inbound calls above limit", "in_flight", inflight, "limit", limit, "method", req.Method)
	}

	slow := tx.slowCallAck(req.ID)
	ctx, cancel := context.WithTimeout(ep.handlerContext(), ep.opts.Timeouts.InboundCall)
	result, err := runHandler(ctx, chain(h, ep.opts.Interceptors), req)
	cancel()
	slow.Stop()

	if ep.frozen.Load() {
		if seq, ok := result.(Sequence); ok {
			_ = seq.Close()
		}
		return
	}
	if err != nil {
		e := ep.transformError(err, req.Method, req.Params)
		e.ID = req.ID
		tx.replyError(req.ID, e)
		return
	}
	if seq, ok := result.(Sequence); ok {
		ep.loops.start(req.ID, req.Method, seq)
		return
	}
	tx.replyData(req.ID, result)
}

// runHandler contains panics to the single call.
func runHandler(ctx context.Context, h Handler, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return h(ctx, req)
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string      { return fmt.Sprintf("panic: %v", p.value) }
func (p *panicError) StackTrace() string { return p.stack }

func (d *dispatcher) expect(id string) *future[*protocol.Return] {
	f := newFuture[*protocol.Return]()
	d.mu.Lock()
	d.pending[id] = f
	d.mu.Unlock()
	return f
}

func (d *dispatcher) forget(id string) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *dispatcher) expectPull(id string) *future[*protocol.LoopOutput] {
	f := newFuture[*protocol.LoopOutput]()
	d.mu.Lock()
	d.pulls[id] = f
	d.mu.Unlock()
	return f
}

func (d *dispatcher) forgetPull(id string) {
	d.mu.Lock()
	delete(d.pulls, id)
	d.mu.Unlock()
}

// rejectAll fails every call and pull still waiting.
func (d *dispatcher) rejectAll(err error) {
	d.mu.Lock()
	pending, pulls := d.pending, d.pulls
	d.pending = make(map[string]*future[*protocol.Return])
	d.pulls = make(map[string]*future[*protocol.LoopOutput])
	d.mu.Unlock()
	for _, f := range pending {
		f.reject(err)
	}
	for _, f := range pulls {
		f.reject(err)
	}
}

func decodeLoopID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("empty loop id")
	}
	return id, nil
}
