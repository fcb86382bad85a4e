// Package cache provides result stores for rpc.Options.Cache.
package cache

import (
	"context"
	"time"

	"faculty/internal/rpc"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	_ rpc.Cache = (*Memory)(nil)
	_ rpc.Cache = (*Redis)(nil)
)

// DefaultMemoryEntries bounds a Memory created without an explicit size.
const DefaultMemoryEntries = 1024

type entry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process LRU store. Each entry keeps its own expiry, so
// results with different max ages share one cache; expired entries are
// dropped when read or pushed out by newer ones.
type Memory struct {
	lru *lru.Cache[string, entry]
	now func() time.Time
}

// NewMemory returns a store holding at most maxEntries results. A
// non-positive size means DefaultMemoryEntries.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	c, err := lru.New[string, entry](maxEntries)
	if err != nil {
		panic(err)
	}
	return &Memory{lru: c, now: time.Now}
}

func (m *Memory) Load(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expires) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.lru.Add(key, entry{value: append([]byte(nil), value...), expires: m.now().Add(ttl)})
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *Memory) Len() int { return m.lru.Len() }
