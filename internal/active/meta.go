package active

import (
	"encoding/json"
	"time"

	"faculty/internal/protocol"
)

// Meta tags a handler result with cache hints. It serializes exactly like
// the wrapped value, so code that marshals it directly never sees the
// wrapper.
type Meta struct {
	Value  any
	Tag    string
	Key    string
	MaxAge time.Duration
}

func WithMeta(value any, tag, key string, maxAge time.Duration) *Meta {
	return &Meta{Value: value, Tag: tag, Key: key, MaxAge: maxAge}
}

// WireValue implements rpc.Wrapper.
func (m *Meta) WireValue() (any, *protocol.Meta) {
	return m.Value, &protocol.Meta{Cache: &protocol.CacheMeta{
		Tag:      m.Tag,
		Key:      m.Key,
		MaxAgeMs: m.MaxAge.Milliseconds(),
	}}
}

func (m *Meta) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Value)
}
