package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aurite-run/aurite/internal/httpclient"
)

// mcpClient is the subset of *client.Client's behavior the Host depends
// on. establishTransport satisfies it either with mcp-go's own
// streamable-HTTP client or, as a fallback for http_stream servers that
// only speak plain JSON-RPC over HTTP rather than mcp-go's SSE framing,
// with jsonrpcClient below — the same dual-path shape as the teacher's
// Toolset.connect/connectStdio/connectHTTP.
type mcpClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	ListResources(ctx context.Context, req mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// jsonrpcClient speaks bare JSON-RPC 2.0 request/response over HTTP POST,
// one call per round trip, through the retry/backoff internal/httpclient
// wrapper — grounded on the teacher's connectHTTP/makeHTTPRequest, which
// falls back to this shape whenever a configured tool server doesn't
// understand mcp-go's streamable-HTTP SSE protocol.
type jsonrpcClient struct {
	endpoint string
	headers  map[string]string
	http     *httpclient.Client
	nextID   int
}

func newJSONRPCClient(endpoint string, headers map[string]string) *jsonrpcClient {
	return &jsonrpcClient{
		endpoint: endpoint,
		headers:  headers,
		http:     httpclient.New(),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// call issues one JSON-RPC request and decodes its result into out (which
// may be nil when the caller doesn't need the payload).
func (c *jsonrpcClient) call(ctx context.Context, method string, params, out any) error {
	c.nextID++
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("jsonrpc: encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("jsonrpc: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("jsonrpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("jsonrpc: decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("jsonrpc: %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("jsonrpc: unmarshal %s result: %w", method, err)
	}
	return nil
}

// Start is a no-op: each jsonrpcClient call is its own HTTP round trip,
// there is no persistent connection to open.
func (c *jsonrpcClient) Start(ctx context.Context) error { return nil }

func (c *jsonrpcClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	var out mcp.InitializeResult
	if err := c.call(ctx, "initialize", req.Params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *jsonrpcClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	var out mcp.ListToolsResult
	if err := c.call(ctx, "tools/list", req.Params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *jsonrpcClient) ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	var out mcp.ListPromptsResult
	if err := c.call(ctx, "prompts/list", req.Params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *jsonrpcClient) ListResources(ctx context.Context, req mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	var out mcp.ListResourcesResult
	if err := c.call(ctx, "resources/list", req.Params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *jsonrpcClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var out mcp.CallToolResult
	if err := c.call(ctx, "tools/call", req.Params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close is a no-op: jsonrpcClient holds no persistent connection, only a
// pooled *http.Client that outlives any single registration.
func (c *jsonrpcClient) Close() error { return nil }

var _ mcpClient = (*jsonrpcClient)(nil)
