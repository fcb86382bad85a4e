package rpc

import (
	"context"
	"sync"
)

// future is fulfilled exactly once, by either resolve or reject.
type future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

func (f *future[T]) resolve(v T) bool {
	fired := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		fired = true
	})
	return fired
}

func (f *future[T]) reject(err error) bool {
	fired := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		fired = true
	})
	return fired
}

func (f *future[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
