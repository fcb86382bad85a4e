package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"faculty/internal/protocol"
)

// Wrapper is implemented by results that carry reply metadata, such as
// cache hints or active object handles. WireValue returns what is actually
// serialized and the metadata to attach.
type Wrapper interface {
	WireValue() (value any, meta *protocol.Meta)
}

// Cache stores results whose reply carried a cache hint. Values are opaque
// encoded results.
type Cache interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

var ErrStreamResult = errors.New("rpc: result is a stream")

// Result is the outcome of a successful call: either a JSON value or a
// stream.
type Result struct {
	Data json.RawMessage
	Meta *protocol.Meta

	stream *Stream
	cached bool
}

// Decode unmarshals the returned value into v.
func (r *Result) Decode(v any) error {
	if r.stream != nil {
		return ErrStreamResult
	}
	if len(r.Data) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(r.Data, v)
}

// Stream returns the remote stream when the method returned a sequence.
func (r *Result) Stream() (*Stream, bool) {
	return r.stream, r.stream != nil
}

// Cached reports whether the result was served from the local cache.
func (r *Result) Cached() bool { return r.cached }

type cachedResult struct {
	Data json.RawMessage `json:"data"`
	Meta *protocol.Meta  `json:"meta,omitempty"`
}
