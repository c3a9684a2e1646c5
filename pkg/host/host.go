package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aurite-run/aurite/pkg/config"
	"github.com/aurite-run/aurite/pkg/message"
)

// Host owns the lifetime of every live MCP tool server and routes tool
// invocations to the right transport session (§4.3).
type Host struct {
	resolver *config.EnvResolver

	mu        sync.RWMutex
	servers   map[string]*LiveServer
	tools     map[string]DiscoveredTool
	prompts   map[string]DiscoveredPrompt
	resources map[string]DiscoveredResource
	router    map[string]string // qualified_name -> server_id
}

// New builds an empty Host. resolver expands "{NAME}" placeholders in a
// tool server's headers, args, and http_endpoint during registration
// phase 1; it may be nil if no anchor/.env environment is in play.
func New(resolver *config.EnvResolver) *Host {
	return &Host{
		resolver:  resolver,
		servers:   map[string]*LiveServer{},
		tools:     map[string]DiscoveredTool{},
		prompts:   map[string]DiscoveredPrompt{},
		resources: map[string]DiscoveredResource{},
		router:    map[string]string{},
	}
}

// IsLive reports whether serverID currently has a ready LiveServer.
func (h *Host) IsLive(serverID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.servers[serverID]
	return ok && s.State() == StateReady
}

// Register runs the five-phase registration pipeline for cfg (§4.3). If
// a server with the same id is already registered, it is unregistered
// first so qualified names cannot collide.
func (h *Host) Register(ctx context.Context, cfg *config.ToolServerConfig) error {
	if h.IsLive(cfg.Name) {
		if err := h.Unregister(cfg.Name); err != nil {
			return err
		}
	}

	timeout := time.Duration(cfg.RegistrationTimeout()) * time.Second
	regCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Phase 1: config resolution.
	resolved := cfg
	if h.resolver != nil {
		resolved = h.resolver.ResolveToolServer(cfg)
	}
	if errs := resolved.Validate(); len(errs) > 0 {
		return &RegistrationError{ServerID: cfg.Name, Phase: "config resolution", Err: fmt.Errorf("%d invalid field(s)", len(errs))}
	}

	// Phases 2-3: transport establishment + protocol handshake. The
	// scoped owner (serverCancel) guarantees release on every exit path:
	// on a later failure we cancel and close before returning.
	serverCtx, serverCancel := context.WithCancel(context.Background())
	client, err := establishTransport(regCtx, resolved)
	if err != nil {
		serverCancel()
		return err
	}

	live := newLiveServer(cfg.Name, client, serverCtx, serverCancel)

	// Phase 4: component discovery.
	tools, prompts, resources := discoverComponents(regCtx, cfg.Name, client, resolved.Timeout())

	// Phase 5: registration.
	h.mu.Lock()
	h.servers[cfg.Name] = live
	for _, t := range tools {
		h.tools[t.QualifiedName] = t
		h.router[t.QualifiedName] = cfg.Name
	}
	for _, p := range prompts {
		h.prompts[p.QualifiedName] = p
		h.router[p.QualifiedName] = cfg.Name
	}
	for _, r := range resources {
		h.resources[r.QualifiedName] = r
		h.router[r.QualifiedName] = cfg.Name
	}
	h.mu.Unlock()

	live.setState(StateReady)
	slog.Info("host: registered tool server", "server_id", cfg.Name, "transport", cfg.Transport, "tools", len(tools))
	return nil
}

// Unregister cancels serverID's LiveServer and removes every component
// it contributed from the Host's maps. Idempotent.
func (h *Host) Unregister(serverID string) error {
	h.mu.Lock()
	live, ok := h.servers[serverID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.servers, serverID)
	for name, owner := range h.router {
		if owner == serverID {
			delete(h.router, name)
			delete(h.tools, name)
			delete(h.prompts, name)
			delete(h.resources, name)
		}
	}
	h.mu.Unlock()

	return live.terminate()
}

// CallTool dispatches a tool invocation, enforcing the tool's own
// timeout. It never returns a Go error for a tool-side failure — those
// come back as a ToolResultBlock with IsError set (§4.3, §4.5).
func (h *Host) CallTool(ctx context.Context, qualifiedName string, args map[string]any) message.ToolResultBlock {
	h.mu.RLock()
	serverID, routable := h.router[qualifiedName]
	var live *LiveServer
	var tool DiscoveredTool
	if routable {
		live = h.servers[serverID]
		tool = h.tools[qualifiedName]
	}
	h.mu.RUnlock()

	if !routable || live == nil {
		return message.ToolResultBlock{Content: (&NotRoutableError{QualifiedName: qualifiedName}).Error(), IsError: true}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(live.ctx, cancel)
	defer stop()

	live.callMu.Lock()
	defer live.callMu.Unlock()

	req := mcp.CallToolRequest{}
	req.Params.Name = tool.OriginalName
	req.Params.Arguments = args

	res, err := live.client.CallTool(callCtx, req)
	if err != nil {
		return message.ToolResultBlock{Content: err.Error(), IsError: true}
	}
	return toolResultFromMCP(res)
}

func toolResultFromMCP(res *mcp.CallToolResult) message.ToolResultBlock {
	var text string
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}
	return message.ToolResultBlock{Content: text, IsError: res.IsError}
}

// Tools returns every currently discovered tool across all live servers,
// excluding any qualified name in excluded.
func (h *Host) Tools(excluded []string) []DiscoveredTool {
	excludedSet := make(map[string]bool, len(excluded))
	for _, e := range excluded {
		excludedSet[e] = true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]DiscoveredTool, 0, len(h.tools))
	for name, t := range h.tools {
		if excludedSet[name] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Shutdown cancels every LiveServer concurrently and awaits completion
// within deadline; any server still open when the deadline passes is
// force-terminated (best-effort Close, errors logged not returned).
func (h *Host) Shutdown(deadline time.Duration) {
	h.mu.Lock()
	servers := make([]*LiveServer, 0, len(h.servers))
	for _, s := range h.servers {
		servers = append(servers, s)
	}
	h.servers = map[string]*LiveServer{}
	h.tools = map[string]DiscoveredTool{}
	h.prompts = map[string]DiscoveredPrompt{}
	h.resources = map[string]DiscoveredResource{}
	h.router = map[string]string{}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range servers {
			wg.Add(1)
			go func(s *LiveServer) {
				defer wg.Done()
				if err := s.terminate(); err != nil {
					slog.Warn("host: error terminating server during shutdown", "server_id", s.ID, "error", err)
				}
			}(s)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		slog.Warn("host: shutdown deadline exceeded, some transports may remain open")
	}
}
