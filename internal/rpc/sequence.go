package rpc

import (
	"context"
	"iter"
	"sync"
)

// Sequence is a pull-based source of streamed results. A handler returning a
// Sequence has its items delivered to the caller as a Stream.
//
// Next blocks until an item is ready, the sequence ends (ok == false) or ctx
// is done. Close is called exactly once when the stream ends for any reason.
type Sequence interface {
	Next(ctx context.Context) (value any, ok bool, err error)
	Close() error
}

// Items streams a fixed list of values.
func Items(values ...any) Sequence {
	return &sliceSeq{values: values}
}

type sliceSeq struct {
	values []any
	pos    int
}

func (s *sliceSeq) Next(ctx context.Context) (any, bool, error) {
	if s.pos >= len(s.values) {
		return nil, false, nil
	}
	v := s.values[s.pos]
	s.pos++
	return v, true, nil
}

func (s *sliceSeq) Close() error { return nil }

// FromChan streams values received from ch until it is closed.
func FromChan[T any](ch <-chan T) Sequence {
	return &chanSeq[T]{ch: ch}
}

type chanSeq[T any] struct {
	ch <-chan T
}

func (s *chanSeq[T]) Next(ctx context.Context) (any, bool, error) {
	select {
	case v, ok := <-s.ch:
		if !ok {
			return nil, false, nil
		}
		return v, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (s *chanSeq[T]) Close() error { return nil }

// FromSeq streams a Go iterator. Stopping the stream early stops the
// iterator.
func FromSeq[T any](seq iter.Seq[T]) Sequence {
	next, stop := iter.Pull(seq)
	return &pullSeq[T]{next: next, stop: stop}
}

type pullSeq[T any] struct {
	next func() (T, bool)
	stop func()
	once sync.Once
}

func (s *pullSeq[T]) Next(ctx context.Context) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := s.next()
	if !ok {
		return nil, false, nil
	}
	return v, true, nil
}

func (s *pullSeq[T]) Close() error {
	s.once.Do(s.stop)
	return nil
}

// SequenceFunc adapts a next function with an optional cleanup.
type SequenceFunc struct {
	NextFunc  func(ctx context.Context) (any, bool, error)
	CloseFunc func() error
}

func (f SequenceFunc) Next(ctx context.Context) (any, bool, error) { return f.NextFunc(ctx) }

func (f SequenceFunc) Close() error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc()
}
