// Package rpc implements a bidirectional RPC engine over any duplex transport
// that moves newline-terminated text.
//
// An [Endpoint] owns one connection: the methods it exposes (its stub), the
// calls it has in flight, and the reliability state for the link. Inbound
// text enters through [Endpoint.Accept]; outbound envelopes leave through the
// [Sink] supplied at construction.
//
// Delivery is at-least-once on the wire and at-most-once at the handler:
// calls, returns and loop requests are retransmitted until acknowledged (at
// most MaxResends times) and inbound call ids pass through a bounded
// de-duplication ring before dispatch.
//
// Handlers may return a [Sequence] to stream results. The caller sees a
// [Stream] that pulls batches on demand, so a slow consumer never has more
// than one batch in flight.
//
//	ep := rpc.New(sink, rpc.Options{})
//	ep.Register("math.add", rpc.MustFunc(func(a, b int) int { return a + b }))
//	res, err := ep.Remote().Get("math").Get("add").Call(ctx, 1, 2)
package rpc
