// Package transport carries envelopes between endpoints over byte streams
// and websockets.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"faculty/internal/rpc"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// DefaultWriteTimeout bounds a single Send issued by an endpoint's sink.
const DefaultWriteTimeout = 10 * time.Second

// Conn is a duplex text transport. Receive may return partial or several
// envelopes at once; the endpoint reassembles lines.
type Conn interface {
	Send(ctx context.Context, text string) error
	Receive(ctx context.Context) (string, error)
	Close() error
}

// Sink adapts c into the endpoint's outbound half.
func Sink(c Conn) rpc.Sink {
	return func(text string) error {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
		defer cancel()
		return c.Send(ctx, text)
	}
}

// NewEndpoint builds an endpoint that writes to c.
func NewEndpoint(c Conn, opts rpc.Options) *rpc.Endpoint {
	return rpc.New(Sink(c), opts)
}

// Run feeds everything c receives into ep until the connection ends, ctx is
// done or the endpoint finishes. ep is destroyed and c closed on return. A
// peer hanging up cleanly is not an error.
func Run(ctx context.Context, ep *rpc.Endpoint, c Conn) error {
	var local atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			text, err := c.Receive(gctx)
			if err != nil {
				return err
			}
			ep.Accept(text)
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-ep.Done():
			local.Store(true)
		}
		ep.Destroy()
		return c.Close()
	})

	err := g.Wait()
	ep.Destroy()
	if local.Load() || ctx.Err() != nil || closedCleanly(err) {
		return nil
	}
	return err
}

func closedCleanly(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.Canceled):
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
