package rpc

import (
	"context"
	"time"

	"faculty/internal/logging"

	"github.com/google/uuid"
)

const (
	DefaultMaxOutboundCalls = 32
	DefaultDedupWindow      = 512
	DefaultMaxLineBytes     = 8 << 20
	DefaultInboundTimeout   = 5 * time.Minute
	DefaultLoopTimeout      = 5 * time.Minute
	DefaultCallTimeout      = 300 * time.Second
)

// Options is the configuration surface of one endpoint. Zero values take the
// defaults below.
type Options struct {
	// Interceptors wrap every local invocation, outermost first. They replace
	// the idea of prepending fixed arguments to each handler: put the caller
	// identity into the context with WithValue instead.
	Interceptors []Interceptor

	ExposeStackTraces bool

	// MaxOutboundCalls caps calls awaiting a reply. Further calls wait up to
	// Tuning.SlotWait for a slot.
	MaxOutboundCalls int
	// MaxInboundCalls is advisory: exceeding it is logged, never refused.
	MaxInboundCalls int

	Timeouts       Timeouts
	ErrorTransform ErrorTransform
	Cache          Cache

	// DedupWindow is how many recent inbound call ids are remembered. A
	// duplicate older than the window is executed again.
	DedupWindow int

	// MaxLineBytes bounds an unterminated envelope held by Accept. A longer
	// tail is discarded as a protocol error.
	MaxLineBytes int

	Tuning Tuning
	Logger logging.Logger
	NewID  func() string
}

type Timeouts struct {
	// InboundCall bounds the context handed to local handlers.
	InboundCall time.Duration
	// Loop bounds each pull of a remote stream.
	Loop time.Duration
	// Call is the hard ceiling of an outbound call, retransmissions included.
	Call time.Duration
}

// Tuning holds the protocol timers. Tests shrink them; production code
// should leave them alone.
type Tuning struct {
	AckDelay       time.Duration
	SlowCallAck    time.Duration
	ResendAfter    time.Duration
	MaxResends     int
	SlotWait       time.Duration
	LoopItemWait   time.Duration
	LoopBatchBytes int
	LoopMaxLife    time.Duration
	LoopDrain      time.Duration
	DestroyGrace   time.Duration
}

func DefaultTuning() Tuning {
	return Tuning{
		AckDelay:       150 * time.Millisecond,
		SlowCallAck:    1500 * time.Millisecond,
		ResendAfter:    7500 * time.Millisecond,
		MaxResends:     3,
		SlotWait:       2 * time.Second,
		LoopItemWait:   500 * time.Millisecond,
		LoopBatchBytes: 20 * 1024,
		LoopMaxLife:    24 * time.Hour,
		LoopDrain:      60 * time.Second,
		DestroyGrace:   time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxOutboundCalls <= 0 {
		o.MaxOutboundCalls = DefaultMaxOutboundCalls
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	if o.Timeouts.InboundCall <= 0 {
		o.Timeouts.InboundCall = DefaultInboundTimeout
	}
	if o.Timeouts.Loop <= 0 {
		o.Timeouts.Loop = DefaultLoopTimeout
	}
	if o.Timeouts.Call <= 0 {
		o.Timeouts.Call = DefaultCallTimeout
	}
	if o.ErrorTransform == nil {
		o.ErrorTransform = DefaultErrorTransform
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}

	def := DefaultTuning()
	t := &o.Tuning
	if t.AckDelay <= 0 {
		t.AckDelay = def.AckDelay
	}
	if t.SlowCallAck <= 0 {
		t.SlowCallAck = def.SlowCallAck
	}
	if t.ResendAfter <= 0 {
		t.ResendAfter = def.ResendAfter
	}
	if t.MaxResends <= 0 {
		t.MaxResends = def.MaxResends
	}
	if t.SlotWait <= 0 {
		t.SlotWait = def.SlotWait
	}
	if t.LoopItemWait <= 0 {
		t.LoopItemWait = def.LoopItemWait
	}
	if t.LoopBatchBytes <= 0 {
		t.LoopBatchBytes = def.LoopBatchBytes
	}
	if t.LoopMaxLife <= 0 {
		t.LoopMaxLife = def.LoopMaxLife
	}
	if t.LoopDrain <= 0 {
		t.LoopDrain = def.LoopDrain
	}
	if t.DestroyGrace <= 0 {
		t.DestroyGrace = def.DestroyGrace
	}
	return o
}

// Interceptor runs around a local invocation. It must call next to proceed.
type Interceptor func(ctx context.Context, req *Request, next Handler) (any, error)

// WithValue returns an interceptor that stores value under key in every
// handler context, typically the identity of the peer.
func WithValue(key, value any) Interceptor {
	return func(ctx context.Context, req *Request, next Handler) (any, error) {
		return next(context.WithValue(ctx, key, value), req)
	}
}

func chain(h Handler, interceptors []Interceptor) Handler {
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, next := interceptors[i], h
		h = func(ctx context.Context, req *Request) (any, error) {
			return ic(ctx, req, next)
		}
	}
	return h
}
