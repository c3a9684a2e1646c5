package host

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aurite-run/aurite/pkg/config"
)

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// clientInfo identifies this runtime to every MCP server it connects to.
var clientInfo = mcp.Implementation{Name: "aurite", Version: "0.1.0"}

// establishTransport implements registration phases 2-3 (§4.3): it opens
// the transport named by cfg.Transport, performs the protocol handshake,
// and returns a started mcpClient. On any failure it tears the transport
// down itself so the caller never leaks a half-open connection.
//
// For http_stream, mcp-go's streamable-HTTP client is tried first; a
// server that only speaks plain JSON-RPC over HTTP (no SSE framing) fails
// that handshake, so a second attempt is made with jsonrpcClient before
// giving up — the same dual-path shape as the teacher's
// Toolset.connect/connectStdio/connectHTTP.
func establishTransport(ctx context.Context, cfg *config.ToolServerConfig) (mcpClient, error) {
	c, err := newTransportClient(cfg)
	if err != nil {
		return nil, &RegistrationError{ServerID: cfg.Name, Phase: "transport establishment", Err: err}
	}

	if err := handshake(ctx, cfg, c); err != nil {
		if cfg.Transport != config.TransportHTTPStream {
			return nil, err
		}
		fallback := newJSONRPCClient(cfg.HTTPEndpoint, cfg.Headers)
		if fallbackErr := handshake(ctx, cfg, fallback); fallbackErr != nil {
			return nil, err
		}
		return fallback, nil
	}

	return c, nil
}

// handshake runs the Start+Initialize steps of registration against an
// already-built mcpClient, closing it on any failure.
func handshake(ctx context.Context, cfg *config.ToolServerConfig, c mcpClient) error {
	if cfg.Transport != config.TransportSubprocess {
		if err := c.Start(ctx); err != nil {
			c.Close()
			return &RegistrationError{ServerID: cfg.Name, Phase: "transport establishment", Err: err}
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = clientInfo
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return &RegistrationError{ServerID: cfg.Name, Phase: "protocol handshake", Err: err}
	}
	return nil
}

func newTransportClient(cfg *config.ToolServerConfig) (mcpClient, error) {
	switch cfg.Transport {
	case config.TransportSubprocess:
		return client.NewStdioMCPClient(cfg.ServerPath, envSlice(cfg.Env), cfg.Args...)
	case config.TransportCommand:
		return client.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	case config.TransportHTTPStream:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return client.NewStreamableHttpClient(cfg.HTTPEndpoint, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// discoverComponents implements registration phase 4: it requests tools,
// prompts, and resources independently, logging and continuing with an
// empty set on any individual failure (§4.3).
func discoverComponents(ctx context.Context, serverID string, c mcpClient, defaultTimeout int) ([]DiscoveredTool, []DiscoveredPrompt, []DiscoveredResource) {
	var tools []DiscoveredTool
	if res, err := c.ListTools(ctx, mcp.ListToolsRequest{}); err == nil {
		for _, t := range res.Tools {
			tools = append(tools, DiscoveredTool{
				QualifiedName: qualify(serverID, t.Name),
				OriginalName:  t.Name,
				InputSchema:   schemaToMap(t.InputSchema),
				ServerID:      serverID,
				Timeout:       secondsToDuration(defaultTimeout),
			})
		}
	}

	var prompts []DiscoveredPrompt
	if res, err := c.ListPrompts(ctx, mcp.ListPromptsRequest{}); err == nil {
		for _, p := range res.Prompts {
			prompts = append(prompts, DiscoveredPrompt{
				QualifiedName: qualify(serverID, p.Name),
				OriginalName:  p.Name,
				ServerID:      serverID,
			})
		}
	}

	var resources []DiscoveredResource
	if res, err := c.ListResources(ctx, mcp.ListResourcesRequest{}); err == nil {
		for _, r := range res.Resources {
			resources = append(resources, DiscoveredResource{
				QualifiedName: qualify(serverID, r.Name),
				OriginalName:  r.Name,
				URI:           r.URI,
				ServerID:      serverID,
			})
		}
	}

	return tools, prompts, resources
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{"type": schema.Type}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}
