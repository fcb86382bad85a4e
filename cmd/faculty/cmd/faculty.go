package cmd

import (
	"context"
	"errors"
	"iter"
	"time"

	"faculty/internal/active"
	"faculty/internal/events"
	"faculty/internal/rpc"
)

const (
	methodSystemMethods = "system.methods"
	methodSystemStats   = "system.stats"
)

type peerKey struct{}

// registerFaculty installs the demo methods served to every peer.
func (s *facultyServer) registerFaculty(ep *rpc.Endpoint) {
	ep.Register(methodSystemMethods, func(ctx context.Context, req *rpc.Request) (any, error) {
		return ep.Methods(), nil
	})
	ep.Register(methodSystemStats, func(ctx context.Context, req *rpc.Request) (any, error) {
		return ep.Stats(), nil
	})
	ep.Register("echo", func(ctx context.Context, req *rpc.Request) (any, error) {
		if req.Len() == 0 {
			return nil, nil
		}
		return req.Params[0], nil
	})
	_ = ep.RegisterFunc("math.add", func(a, b float64) float64 { return a + b })
	_ = ep.RegisterFunc("math.div", func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, errors.New("division by zero")
		}
		return a / b, nil
	})
	ep.Register("count", handleCount)
	ep.Register("clock.now", func(ctx context.Context, req *rpc.Request) (any, error) {
		now := time.Now().UTC().Truncate(time.Second)
		return active.WithMeta(now.Format(time.RFC3339), "clock", now.Format(time.RFC3339), time.Second), nil
	})
	ep.Register("session.open", func(ctx context.Context, req *rpc.Request) (any, error) {
		props := map[string]any{}
		if req.Len() > 0 {
			if err := req.Bind(0, &props); err != nil {
				return nil, err
			}
		}
		peerID, _ := ctx.Value(peerKey{}).(string)
		props["peer_id"] = peerID
		props["opened_at"] = time.Now().Unix()
		props["touch"] = func() int64 { return time.Now().Unix() }
		return s.active.New(props, 0), nil
	})
	ep.Register("session.whoami", func(ctx context.Context, req *rpc.Request) (any, error) {
		peerID, _ := ctx.Value(peerKey{}).(string)
		return map[string]string{"peer_id": peerID, "instance_id": s.id}, nil
	})
	ep.Register("events.inform", func(ctx context.Context, req *rpc.Request) (any, error) {
		var ids []string
		var name string
		if err := req.Bind(0, &ids); err != nil {
			return nil, err
		}
		if err := req.Bind(1, &name); err != nil {
			return nil, err
		}
		ev := events.Event{Name: name}
		if req.Len() > 2 {
			ev.Data = req.Params[2]
		}
		return nil, s.events.Inform(context.WithoutCancel(ctx), ids, ev)
	})
}

// handleCount streams 0..n-1, one item every interval_ms (default 0).
func handleCount(ctx context.Context, req *rpc.Request) (any, error) {
	var n, intervalMs int
	if err := req.Bind(0, &n); err != nil {
		return nil, err
	}
	if req.Len() > 1 {
		if err := req.Bind(1, &intervalMs); err != nil {
			return nil, err
		}
	}
	if n < 0 {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "count: n must not be negative", Handled: true}
	}
	interval := time.Duration(intervalMs) * time.Millisecond
	return rpc.FromSeq(countSeq(n, interval)), nil
}

func countSeq(n int, interval time.Duration) iter.Seq[int] {
	return func(yield func(int) bool) {
		for i := 0; i < n; i++ {
			if i > 0 && interval > 0 {
				time.Sleep(interval)
			}
			if !yield(i) {
				return
			}
		}
	}
}
