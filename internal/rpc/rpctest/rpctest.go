// Package rpctest connects endpoints in memory for tests.
package rpctest

import (
	"io"
	"testing"
	"time"

	"faculty/internal/rpc"
)

// FastTuning shortens the timers that matter in tests and leaves the rest
// at their defaults.
func FastTuning() rpc.Tuning {
	return rpc.Tuning{
		AckDelay:     10 * time.Millisecond,
		SlowCallAck:  time.Second,
		ResendAfter:  time.Second,
		LoopItemWait: 20 * time.Millisecond,
		LoopDrain:    200 * time.Millisecond,
		DestroyGrace: 20 * time.Millisecond,
	}
}

// Pair connects two endpoints through ordered in-memory queues. Both are
// destroyed when the test ends.
func Pair(tb testing.TB, aOpts, bOpts rpc.Options) (*rpc.Endpoint, *rpc.Endpoint) {
	tb.Helper()
	stop := make(chan struct{})
	toA, toB := make(chan string, 256), make(chan string, 256)
	send := func(ch chan string) rpc.Sink {
		return func(text string) error {
			select {
			case ch <- text:
				return nil
			case <-stop:
				return io.ErrClosedPipe
			}
		}
	}
	a := rpc.New(send(toB), aOpts)
	b := rpc.New(send(toA), bOpts)
	pump := func(ch chan string, ep *rpc.Endpoint) {
		for {
			select {
			case text := <-ch:
				ep.Accept(text)
			case <-stop:
				return
			}
		}
	}
	go pump(toA, a)
	go pump(toB, b)
	tb.Cleanup(func() {
		a.Destroy()
		b.Destroy()
		close(stop)
	})
	return a, b
}
