package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"faculty/internal/config"
	"faculty/internal/logging"
	"faculty/internal/rpc"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

func NewMCPCmd() *cobra.Command {
	var url string
	var include []string

	c := &cobra.Command{
		Use:   "mcp",
		Short: "Expose a faculty server's methods as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logging.Component(logging.FromContext(ctx), "mcp")

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

			methods, err := remoteMethods(ctx, ep)
			if err != nil {
				return fmt.Errorf("list methods: %w", err)
			}
			server := mcp.NewServer(&mcp.Implementation{Name: "faculty", Version: "v1.0.0"}, nil)
			n := 0
			for _, m := range methods {
				if !matchesAny(m, include) {
					continue
				}
				addMethodTool(server, ep, m)
				n++
			}
			logger.Info("mcp bridge ready", "url", cfg.Client.URL, "tools", n)
			return server.Run(ctx, &mcp.StdioTransport{})
		},
	}
	c.Flags().StringVar(&url, "url", "", "server URL: tcp://host:port or ws(s)://host/path (default from config)")
	c.Flags().StringSliceVar(&include, "method", nil, "only expose methods with these prefixes (default: all)")
	return c
}

type toolInput struct {
	Params []any `json:"params,omitempty" jsonschema:"positional arguments passed to the method"`
}

var toolNameInvalid = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func addMethodTool(server *mcp.Server, ep *rpc.Endpoint, method string) {
	tool := &mcp.Tool{
		Name:        toolNameInvalid.ReplaceAllString(method, "_"),
		Description: fmt.Sprintf("Call the remote faculty method %q.", method),
	}
	mcp.AddTool(server, tool, func(ctx context.Context, req *mcp.CallToolRequest, in toolInput) (*mcp.CallToolResult, any, error) {
		var out strings.Builder
		if err := runCall(ctx, ep, &out, method, in.Params); err != nil {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: out.String()}},
		}, nil, nil
	})
}

func remoteMethods(ctx context.Context, ep *rpc.Endpoint) ([]string, error) {
	res, err := ep.Remote().Call(ctx, methodSystemMethods)
	if err != nil {
		return nil, err
	}
	var methods []string
	if err := json.Unmarshal(res.Data, &methods); err != nil {
		return nil, err
	}
	return methods, nil
}

func matchesAny(method string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(method, p) {
			return true
		}
	}
	return false
}
