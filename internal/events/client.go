package events

import (
	"context"
	"sync"

	"faculty/internal/rpc"
)

// Handler receives events delivered to a client.
type Handler func(ctx context.Context, ev Event)

// Client subscribes an endpoint to a server's events. It registers again
// every time the endpoint is reinitialized, so a reconnect restores its
// subscriptions.
type Client struct {
	ep      *rpc.Endpoint
	data    any
	handler Handler

	mu           sync.Mutex
	ids          []string
	cancelReinit func()
	closed       bool
}

// NewClient exposes events.emit on ep. data is sent with every
// registration; with the default server registrar it is the list of ids.
func NewClient(ep *rpc.Endpoint, data any, handler Handler) *Client {
	c := &Client{ep: ep, data: data, handler: handler}
	ep.Register(MethodEmit, func(ctx context.Context, req *rpc.Request) (any, error) {
		var ev Event
		if err := req.Bind(0, &ev); err != nil {
			return nil, err
		}
		c.handler(ctx, ev)
		return nil, nil
	})
	c.cancelReinit = ep.OnReinit(func() {
		go func() {
			if _, err := c.Register(context.Background()); err != nil {
				ep.Logger().Warn("events re-register failed", "err", err.Error())
			}
		}()
	})
	return c
}

// Register asks the server to subscribe this client and returns the ids it
// granted.
func (c *Client) Register(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, rpc.ErrDestroyed
	}
	c.mu.Unlock()

	res, err := c.ep.Remote().Call(ctx, MethodRegister, c.data)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := res.Decode(&ids); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.ids = ids
	c.mu.Unlock()
	return ids, nil
}

// IDs returns the ids granted by the last successful Register.
func (c *Client) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

// Close unsubscribes on the server and stops handling events.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.ids = nil
	c.mu.Unlock()

	c.cancelReinit()
	c.ep.Unregister(MethodEmit)
	if c.ep.Destroyed() {
		return nil
	}
	_, err := c.ep.Remote().Call(ctx, MethodUnregister)
	return err
}
