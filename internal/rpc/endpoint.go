package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"faculty/internal/logging"
	"faculty/internal/protocol"
)

// Sink delivers one newline-terminated envelope to the transport, verbatim
// and in order. It is the transport's half of the contract; Accept is the
// endpoint's half.
type Sink func(text string) error

// Endpoint is one side of an RPC connection.
type Endpoint struct {
	opts   Options
	log    logging.Logger
	sink   Sink
	stub   *Stub
	tx     *transmitter
	disp   *dispatcher
	loops  *loopResponder
	remote *Remote
	stats  counters

	inbound   atomic.Int64
	destroyed atomic.Bool
	frozen    atomic.Bool
	done      chan struct{}

	partialMu sync.Mutex
	partial   string

	listenMu   sync.Mutex
	nextListen int
	onDestroy  map[int]func()
	onReinit   map[int]func()
}

func New(sink Sink, opts Options) *Endpoint {
	opts = opts.withDefaults()
	ep := &Endpoint{
		opts:      opts,
		log:       opts.Logger,
		sink:      sink,
		stub:      NewStub(),
		done:      make(chan struct{}),
		onDestroy: make(map[int]func()),
		onReinit:  make(map[int]func()),
	}
	ep.tx = newTransmitter(ep)
	ep.disp = newDispatcher(ep)
	ep.loops = newLoopResponder(ep)
	ep.remote = &Remote{ep: ep}
	return ep
}

// Register exposes h under the dotted path name. The last registration of
// a name wins.
func (ep *Endpoint) Register(name string, h Handler) {
	ep.stub.Register(name, h)
}

// RegisterFunc registers an ordinary function; see Func for accepted
// signatures.
func (ep *Endpoint) RegisterFunc(name string, fn any) error {
	h, err := Func(fn)
	if err != nil {
		return err
	}
	ep.stub.Register(name, h)
	return nil
}

func (ep *Endpoint) RegisterService(prefix string, methods map[string]Handler) {
	ep.stub.RegisterService(prefix, methods)
}

func (ep *Endpoint) Unregister(name string) { ep.stub.Unregister(name) }

func (ep *Endpoint) Methods() []string { return ep.stub.Methods() }

func (ep *Endpoint) Remote() *Remote { return ep.remote }

func (ep *Endpoint) Logger() logging.Logger { return ep.log }

// Accept feeds raw transport text into the endpoint. Text may hold several
// envelopes or part of one; an unterminated tail is kept until the next
// call, up to Options.MaxLineBytes. Malformed envelopes are logged and
// dropped.
func (ep *Endpoint) Accept(text string) {
	if ep.frozen.Load() {
		return
	}
	ep.partialMu.Lock()
	buf := ep.partial + text
	cut := strings.LastIndexByte(buf, '\n')
	if cut < 0 {
		ep.partial = buf
		if len(buf) > ep.opts.MaxLineBytes {
			ep.partial = ""
		}
		ep.partialMu.Unlock()
		if len(buf) > ep.opts.MaxLineBytes {
			ep.stats.protocolErrors.Add(1)
			ep.log.Warn("dropping oversized envelope", "size", len(buf), "limit", ep.opts.MaxLineBytes)
		}
		return
	}
	ep.partial = buf[cut+1:]
	ep.partialMu.Unlock()

	for _, line := range strings.Split(buf[:cut], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		env, err := protocol.DecodeEnvelope([]byte(line))
		if err != nil {
			ep.stats.protocolErrors.Add(1)
			ep.log.Warn("dropping malformed envelope", "err", err.Error(), "size", len(line))
			continue
		}
		ep.dispatch(env)
	}
}

func (ep *Endpoint) dispatch(env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			ep.log.Error("dispatch panicked", "id", env.ID, "panic", r)
		}
	}()
	ep.disp.accept(env)
}

// Destroy shuts the endpoint down. Destroy listeners run at once and open
// loops are closed; after the grace period Accept and the sink go quiet,
// calls still waiting fail with ErrDestroyed and listeners are released.
// Local handlers already running are not interrupted.
func (ep *Endpoint) Destroy() {
	if ep.destroyed.Swap(true) {
		return
	}
	ep.log.Info("endpoint destroyed", "pending_loops", ep.loops.open())
	for _, fn := range ep.listeners(ep.onDestroy) {
		fn()
	}
	ep.loops.closeAll()
	time.AfterFunc(ep.opts.Tuning.DestroyGrace, ep.freeze)
}

func (ep *Endpoint) freeze() {
	ep.frozen.Store(true)
	ep.tx.stop()
	ep.disp.rejectAll(wrapError(CodeDestroyed, ErrDestroyed, "rpc: endpoint destroyed"))
	ep.listenMu.Lock()
	clear(ep.onDestroy)
	clear(ep.onReinit)
	ep.listenMu.Unlock()
	close(ep.done)
}

// Destroyed reports whether Destroy has been called.
func (ep *Endpoint) Destroyed() bool { return ep.destroyed.Load() }

// Done is closed once the endpoint stops all I/O.
func (ep *Endpoint) Done() <-chan struct{} { return ep.done }

// Reinit tells the endpoint that its transport recovered after a stall.
// Listeners use it to restore remote state such as subscriptions.
func (ep *Endpoint) Reinit() {
	if ep.destroyed.Load() {
		return
	}
	for _, fn := range ep.listeners(ep.onReinit) {
		fn()
	}
}

// OnDestroy registers fn to run when Destroy is called.
func (ep *Endpoint) OnDestroy(fn func()) (cancel func()) {
	return ep.listen(ep.onDestroy, fn)
}

// OnReinit registers fn to run on every Reinit.
func (ep *Endpoint) OnReinit(fn func()) (cancel func()) {
	return ep.listen(ep.onReinit, fn)
}

func (ep *Endpoint) listen(set map[int]func(), fn func()) func() {
	ep.listenMu.Lock()
	defer ep.listenMu.Unlock()
	if ep.frozen.Load() {
		return func() {}
	}
	ep.nextListen++
	key := ep.nextListen
	set[key] = fn
	return func() {
		ep.listenMu.Lock()
		delete(set, key)
		ep.listenMu.Unlock()
	}
}

func (ep *Endpoint) listeners(set map[int]func()) []func() {
	ep.listenMu.Lock()
	defer ep.listenMu.Unlock()
	out := make([]func(), 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	return out
}

type endpointKey struct{}

// EndpointFromContext returns the endpoint serving the current handler.
func EndpointFromContext(ctx context.Context) (*Endpoint, bool) {
	ep, ok := ctx.Value(endpointKey{}).(*Endpoint)
	return ep, ok
}

func (ep *Endpoint) handlerContext() context.Context {
	ctx := logging.WithLogger(context.Background(), ep.log)
	return context.WithValue(ctx, endpointKey{}, ep)
}

// transformError prepares a local failure for the wire.
func (ep *Endpoint) transformError(err error, method string, params []json.RawMessage) *Error {
	var out *Error
	var e *Error
	if errors.As(err, &e) && e.Handled {
		cp := *e
		out = &cp
	} else {
		out = ep.opts.ErrorTransform(err, method, params)
		if out == nil {
			out = DefaultErrorTransform(err, method, params)
		}
		out.Handled = true
	}
	if !ep.opts.ExposeStackTraces {
		out.Stack = ""
		return out
	}
	if out.Stack == "" {
		var st stackTracer
		if errors.As(err, &st) {
			out.Stack = st.StackTrace()
		} else {
			out.Stack = "    at " + method
		}
	}
	return out
}
