package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"faculty/internal/config"
	"faculty/internal/events"
	"faculty/internal/logging"
	"faculty/internal/rpc"
	"faculty/internal/transport"

	"github.com/spf13/cobra"
)

func NewCallCmd() *cobra.Command {
	var url string
	var subscribe []string
	var timeout time.Duration

	c := &cobra.Command{
		Use:   "call <method> [json-arg...]",
		Short: "Call a method on a faculty server and print the result",
		Long: "Each argument is parsed as JSON; anything that is not valid JSON is sent as a string.\n" +
			"Stream results are printed one item per line.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := logging.Component(logging.FromContext(ctx), "call")

			cfg, err := config.Load(config.LoadOptions{ConfigFile: GetConfigFileFlag()})
			if err != nil {
				return err
			}
			if url != "" {
				cfg.Client.URL = url
			}
			ep, done, err := connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				ep.Destroy()
				<-done
			}()

			if len(subscribe) > 0 {
				client := events.NewClient(ep, subscribe, func(ctx context.Context, ev events.Event) {
					printJSON(cmd.OutOrStdout(), map[string]any{"event": ev.Name, "data": ev.Data})
				})
				if _, err := client.Register(ctx); err != nil {
					return fmt.Errorf("subscribe: %w", err)
				}
			}

			callCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := runCall(callCtx, ep, cmd.OutOrStdout(), args[0], parseArgs(args[1:])); err != nil {
				return err
			}
			if len(subscribe) > 0 {
				logger.Info("waiting for events, interrupt to exit", "ids", subscribe)
				select {
				case <-ctx.Done():
				case <-done:
				}
			}
			return nil
		},
	}
	c.Flags().StringVar(&url, "url", "", "server URL: tcp://host:port or ws(s)://host/path (default from config)")
	c.Flags().StringSliceVar(&subscribe, "subscribe", nil, "subscriber ids to register for events before calling")
	c.Flags().DurationVar(&timeout, "timeout", 0, "overall call timeout (default: endpoint call ceiling)")
	return c
}

// connect dials cfg.Client.URL and runs the connection in the background.
// done is closed once the connection has ended.
func connect(ctx context.Context, cfg *config.Config, logger logging.Logger) (*rpc.Endpoint, <-chan struct{}, error) {
	scheme, addr, err := config.SplitURL(cfg.Client.URL)
	if err != nil {
		return nil, nil, err
	}
	var c transport.Conn
	switch scheme {
	case "tcp":
		c, err = transport.DialTCP(ctx, addr)
	default:
		c, err = transport.DialWebSocket(ctx, addr, nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", cfg.Client.URL, err)
	}

	ep := transport.NewEndpoint(c, cfg.EndpointOptions(logger))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := transport.Run(context.WithoutCancel(ctx), ep, c); err != nil {
			logger.Warn("connection failed", "err", err.Error())
		}
	}()
	return ep, done, nil
}

func runCall(ctx context.Context, ep *rpc.Endpoint, out io.Writer, method string, args []any) error {
	res, err := ep.Remote().Call(ctx, method, args...)
	if err != nil {
		return err
	}
	stream, ok := res.Stream()
	if !ok {
		printJSON(out, res.Data)
		return nil
	}
	for item, err := range stream.All(ctx) {
		if err != nil {
			return err
		}
		printJSON(out, item)
	}
	return nil
}

func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, a := range raw {
		if json.Valid([]byte(a)) {
			args = append(args, json.RawMessage(a))
			continue
		}
		args = append(args, a)
	}
	return args
}

func printJSON(w io.Writer, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(w, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "  "); err != nil {
		fmt.Fprintln(w, string(b))
		return
	}
	fmt.Fprintln(w, buf.String())
}
