package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"

	"faculty/internal/protocol"
)

// Stream is the caller's view of a remote Sequence. Items are fetched in
// batches, one pull request at a time, so they arrive in source order.
type Stream struct {
	ep     *Endpoint
	method string
	loopID string

	mu   sync.Mutex
	buf  []json.RawMessage
	done bool
	err  error
}

func newStream(ep *Endpoint, method, loopID string) *Stream {
	return &Stream{ep: ep, method: method, loopID: loopID}
}

func (s *Stream) ID() string { return s.loopID }

// Next returns the next item. ok is false once the stream is exhausted;
// err is set when it ended abnormally, including a pull that exceeded
// Timeouts.Loop.
func (s *Stream) Next(ctx context.Context) (item json.RawMessage, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 {
		if s.done {
			return nil, false, s.err
		}
		s.pull(ctx, false)
	}
	item, s.buf = s.buf[0], s.buf[1:]
	return item, true, nil
}

// All ranges over the remaining items. Iteration stops at the first error,
// which is yielded with a nil item.
func (s *Stream) All(ctx context.Context) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for {
			item, ok, err := s.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok || !yield(item, nil) {
				return
			}
		}
	}
}

// Close abandons the stream. The remote side stops its source.
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.buf = nil
	s.pull(ctx, true)
	if errors.Is(s.err, ErrTimeout) {
		return s.err
	}
	s.err = nil
	return nil
}

// pull issues one loop request and folds the answer into the stream state.
// Called with s.mu held.
func (s *Stream) pull(ctx context.Context, closing bool) {
	ep := s.ep
	if ep.destroyed.Load() {
		s.finish(wrapError(CodeDestroyed, ErrDestroyed, "rpc: endpoint destroyed"))
		return
	}
	id := ep.opts.NewID()
	f := ep.disp.expectPull(id)
	defer ep.disp.forgetPull(id)

	env := protocol.Envelope{
		ID:   id,
		Loop: &protocol.Loop{Request: &protocol.LoopRequest{Message: s.loopID, Close: closing}},
	}
	if err := ep.tx.output(env); err != nil {
		s.finish(err)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, ep.opts.Timeouts.Loop)
	defer cancel()
	out, err := f.wait(waitCtx)
	if err != nil {
		ep.tx.settle(id)
		switch {
		case ctx.Err() != nil:
			s.finish(ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			s.finish(&Error{
				Code:    CodeTimeout,
				Message: fmt.Sprintf("rpc: stream %s: no output within %s", s.method, ep.opts.Timeouts.Loop),
				cause:   err,
			})
		default:
			s.finish(err)
		}
		return
	}

	s.buf = append(s.buf, out.Data...)
	if out.Error != nil {
		s.finish(errorFromWire(out.Error))
		return
	}
	if out.Done {
		s.done = true
	}
}

func (s *Stream) finish(err error) {
	s.done = true
	s.err = err
}
