package rpc

import "sync"

// dedupRing remembers the last size inbound call ids. Once full, the oldest
// id is forgotten on every insert.
type dedupRing struct {
	mu   sync.Mutex
	ids  []string
	pos  int
	seen map[string]struct{}
}

func newDedupRing(size int) *dedupRing {
	return &dedupRing{
		ids:  make([]string, size),
		seen: make(map[string]struct{}, size),
	}
}

// observe records id and reports whether it was already present.
func (r *dedupRing) observe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return true
	}
	if old := r.ids[r.pos]; old != "" {
		delete(r.seen, old)
	}
	r.ids[r.pos] = id
	r.seen[id] = struct{}{}
	r.pos = (r.pos + 1) % len(r.ids)
	return false
}
