package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"faculty/internal/protocol"
)

// loopResponder serves the loops this endpoint hands out: one session per
// streamed result, each pulled by the caller through loop requests.
type loopResponder struct {
	ep *Endpoint

	mu       sync.Mutex
	sessions map[string]*loopSession
	closed   bool
}

type loopItem struct {
	value any
	err   error
	done  bool
}

type loopSession struct {
	id     string
	call   string
	method string
	items  chan loopItem
	ctx    context.Context
	cancel context.CancelFunc

	// pull serializes batches; state guards the fields below it.
	pull     sync.Mutex
	state    sync.Mutex
	open     bool
	busyReq  string
	lastReq  string
	lastOut  *protocol.LoopOutput
	lifetime *time.Timer
}

func newLoopResponder(ep *Endpoint) *loopResponder {
	return &loopResponder{ep: ep, sessions: make(map[string]*loopSession)}
}

// start replies to callID with a loop handle and begins draining seq on
// demand.
func (lr *loopResponder) start(callID, method string, seq Sequence) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &loopSession{
		id:     lr.ep.opts.NewID(),
		call:   callID,
		method: method,
		items:  make(chan loopItem),
		ctx:    ctx,
		cancel: cancel,
		open:   true,
	}

	lr.mu.Lock()
	if lr.closed {
		lr.mu.Unlock()
		cancel()
		_ = seq.Close()
		return
	}
	lr.sessions[s.id] = s
	s.state.Lock()
	s.lifetime = time.AfterFunc(lr.ep.opts.Tuning.LoopMaxLife, func() {
		lr.ep.log.Info("loop reached max lifetime", "loop", s.id, "method", method)
		lr.finish(s)
	})
	s.state.Unlock()
	lr.mu.Unlock()

	lr.ep.stats.loopsOpened.Add(1)
	go lr.produce(s, seq)

	handle, _ := json.Marshal(s.id)
	lr.ep.tx.reply(protocol.Return{Message: callID, Type: protocol.ReturnLoop, Data: handle})
}

// produce pulls seq one item ahead of the consumer. It exits when the
// sequence ends or the session is closed, then closes the sequence.
func (lr *loopResponder) produce(s *loopSession, seq Sequence) {
	defer func() {
		if err := seq.Close(); err != nil {
			lr.ep.log.Debug("loop source close failed", "loop", s.id, "err", err.Error())
		}
	}()
	for {
		v, ok, err := nextSafely(s.ctx, seq)
		var it loopItem
		switch {
		case err != nil:
			it = loopItem{err: err}
		case !ok:
			it = loopItem{done: true}
		default:
			it = loopItem{value: v}
		}
		select {
		case s.items <- it:
		case <-s.ctx.Done():
			return
		}
		if it.err != nil || it.done {
			return
		}
	}
}

func nextSafely(ctx context.Context, seq Sequence) (v any, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loop source panicked: %v", r)
		}
	}()
	return seq.Next(ctx)
}

// request answers one loop request envelope.
func (lr *loopResponder) request(env *protocol.Envelope) {
	req := env.Loop.Request
	lr.mu.Lock()
	s, ok := lr.sessions[req.Message]
	lr.mu.Unlock()
	if !ok {
		// Unknown or fully drained: stay silent.
		return
	}

	s.state.Lock()
	switch {
	case env.ID == s.busyReq:
		s.state.Unlock()
		return
	case env.ID == s.lastReq && s.lastOut != nil:
		out := *s.lastOut
		s.state.Unlock()
		lr.sendOutput(out)
		return
	case !s.open:
		s.state.Unlock()
		lr.sendOutput(protocol.LoopOutput{Message: env.ID, Data: []json.RawMessage{}, Done: true})
		return
	}
	s.state.Unlock()

	s.pull.Lock()
	defer s.pull.Unlock()

	s.state.Lock()
	s.busyReq = env.ID
	s.state.Unlock()

	var out protocol.LoopOutput
	if req.Close {
		lr.finish(s)
		out = protocol.LoopOutput{Message: env.ID, Data: []json.RawMessage{}, Done: true}
	} else {
		out = lr.collect(s, env.ID)
	}

	s.state.Lock()
	s.busyReq = ""
	s.lastReq = env.ID
	s.lastOut = &out
	s.state.Unlock()

	lr.sendOutput(out)
}

// collect gathers items until the source pauses for LoopItemWait, the
// batch reaches LoopBatchBytes, or the source ends.
func (lr *loopResponder) collect(s *loopSession, reqID string) protocol.LoopOutput {
	t := lr.ep.opts.Tuning
	out := protocol.LoopOutput{Message: reqID, Data: []json.RawMessage{}}
	size := 0
	wait := time.NewTimer(t.LoopItemWait)
	defer wait.Stop()

	for {
		select {
		case it := <-s.items:
			switch {
			case it.err != nil:
				out.Error = lr.ep.transformError(it.err, s.method, nil).toWire()
				out.Done = true
				lr.finish(s)
				return out
			case it.done:
				out.Done = true
				lr.finish(s)
				return out
			}
			b, err := marshalValue(it.value)
			if err != nil {
				out.Error = (&Error{Code: CodeApplication, Message: fmt.Sprintf("rpc: loop item is not serializable: %v", err), Handled: true}).toWire()
				out.Done = true
				lr.finish(s)
				return out
			}
			out.Data = append(out.Data, b)
			size += len(b)
			if size >= t.LoopBatchBytes {
				return out
			}
			if !wait.Stop() {
				select {
				case <-wait.C:
				default:
				}
			}
			wait.Reset(t.LoopItemWait)
		case <-wait.C:
			return out
		case <-s.ctx.Done():
			out.Done = true
			return out
		}
	}
}

func (lr *loopResponder) sendOutput(out protocol.LoopOutput) {
	env := protocol.Envelope{
		ID:   lr.ep.opts.NewID(),
		Loop: &protocol.Loop{Output: &out},
	}
	if err := lr.ep.tx.send(env); err != nil {
		lr.ep.log.Warn("loop output not sent", "request", out.Message, "err", err.Error())
	}
}

// finish closes the session: the source is stopped now, late requests are
// answered with done for LoopDrain, after which the loop id is forgotten.
func (lr *loopResponder) finish(s *loopSession) {
	s.state.Lock()
	if !s.open {
		s.state.Unlock()
		return
	}
	s.open = false
	lifetime := s.lifetime
	s.state.Unlock()

	s.cancel()
	if lifetime != nil {
		lifetime.Stop()
	}
	time.AfterFunc(lr.ep.opts.Tuning.LoopDrain, func() {
		lr.mu.Lock()
		delete(lr.sessions, s.id)
		lr.mu.Unlock()
	})
}

// closeAll finishes every open session. New loops are refused afterwards.
func (lr *loopResponder) closeAll() {
	lr.mu.Lock()
	lr.closed = true
	sessions := make([]*loopSession, 0, len(lr.sessions))
	for _, s := range lr.sessions {
		sessions = append(sessions, s)
	}
	lr.mu.Unlock()
	for _, s := range sessions {
		lr.finish(s)
	}
}

func (lr *loopResponder) open() int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	n := 0
	for _, s := range lr.sessions {
		s.state.Lock()
		if s.open {
			n++
		}
		s.state.Unlock()
	}
	return n
}
