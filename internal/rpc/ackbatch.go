package rpc

import (
	"sync"
	"time"
)

// ackBatch collects ids and flushes them together once no new id has
// arrived for delay.
type ackBatch struct {
	mu      sync.Mutex
	delay   time.Duration
	ids     []string
	timer   *time.Timer
	stopped bool
	flush   func(ids []string)
}

func newAckBatch(delay time.Duration, flush func(ids []string)) *ackBatch {
	return &ackBatch{delay: delay, flush: flush}
}

func (b *ackBatch) add(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.ids = append(b.ids, id)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, b.fire)
		return
	}
	b.timer.Reset(b.delay)
}

func (b *ackBatch) fire() {
	b.mu.Lock()
	ids := b.ids
	b.ids = nil
	stopped := b.stopped
	b.mu.Unlock()
	if stopped || len(ids) == 0 {
		return
	}
	b.flush(ids)
}

func (b *ackBatch) stop() {
	b.mu.Lock()
	b.stopped = true
	b.ids = nil
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()
}
