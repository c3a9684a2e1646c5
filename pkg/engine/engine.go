// Package engine implements the Execution Engine (C6): the public
// run_agent / stream_agent / run_linear_workflow / run_custom_workflow
// operations that tie the Config Index, Tool-Server Host, Session Store,
// Model Client factories, and Agent Turn-Loop together.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/aurite-run/aurite/pkg/config"
	"github.com/aurite-run/aurite/pkg/host"
	"github.com/aurite-run/aurite/pkg/message"
	"github.com/aurite-run/aurite/pkg/metrics"
	"github.com/aurite-run/aurite/pkg/modelclient"
	"github.com/aurite-run/aurite/pkg/session"
	"github.com/aurite-run/aurite/pkg/turnloop"
)

// ClientFactory builds a modelclient.Client for one LLMConfig. The
// Engine calls it at most once per llm_config_id and caches the result,
// so a factory may do expensive SDK client construction.
type ClientFactory func(cfg *config.LLMConfig) (modelclient.Client, error)

// Status mirrors turnloop.Status at the Engine boundary (§4.6 ExecutionResult).
type Status = turnloop.Status

const (
	StatusSuccess       = turnloop.StatusSuccess
	StatusMaxIterations = turnloop.StatusMaxIterations
	StatusError         = turnloop.StatusError
)

// Options carries the per-call overrides §4.6 names: an optional
// session id, an optional forced include_history, an optional base
// session id (set by workflows for their child agents), and an optional
// system prompt override.
type Options struct {
	SessionID           string
	ForceIncludeHistory *bool
	BaseSessionID       string
	SystemPrompt        string
}

// ExecutionResult is the outcome of run_agent / stream_agent's final state.
type ExecutionResult struct {
	Status        Status
	SessionID     string
	FinalMessage  *message.Message
	Conversation  []message.Message
	Err           error
}

// StepResult is one linear-workflow step's outcome.
type StepResult struct {
	ComponentID string
	SessionID   string
	Result      *ExecutionResult
	Err         error
}

// WorkflowResult is the outcome of run_linear_workflow.
type WorkflowResult struct {
	Status    Status
	SessionID string
	BaseID    string
	Steps     []StepResult
	Err       error
}

// Engine wires the Config Index, Tool-Server Host, Session Store, and
// Model Client factories into the public operations §4.6 names.
type Engine struct {
	Index   *config.Index
	Host    *host.Host
	Store   session.Store
	Metrics *metrics.Recorder

	factories map[string]ClientFactory

	mu      sync.Mutex
	clients map[string]modelclient.Client // llm_config_id -> cached client
}

// New builds an Engine. factories maps an LLMConfig.Provider name
// ("anthropic", "openai", "gemini", ...) to the adapter constructor used
// the first time that provider is needed.
func New(index *config.Index, h *host.Host, store session.Store, factories map[string]ClientFactory) *Engine {
	return &Engine{
		Index:     index,
		Host:      h,
		Store:     store,
		Metrics:   metrics.NoOp(),
		factories: factories,
		clients:   map[string]modelclient.Client{},
	}
}

// RunAgent implements §4.6's per-call flow for an agent, steps 1-8.
func (e *Engine) RunAgent(ctx context.Context, agentID, userMessage string, opts Options) (*ExecutionResult, error) {
	rec, err := e.Index.Get(config.KindAgent, agentID)
	if err != nil {
		return nil, err
	}
	agentCfg, err := rec.AsAgentConfig()
	if err != nil {
		return nil, err
	}

	sessionID, includeHistory := e.resolveSessionID(opts, agentCfg.IncludeHistory, "agent-")
	baseID := opts.BaseSessionID
	if baseID == "" {
		baseID = sessionID
	}

	if err := e.ensureToolServers(ctx, agentCfg.ToolServers); err != nil {
		return nil, err
	}

	client, params, err := e.resolveModelClient(agentCfg, opts.SystemPrompt)
	if err != nil {
		return nil, err
	}

	initial, err := e.buildInitialMessages(includeHistory, sessionID, userMessage)
	if err != nil {
		return nil, err
	}

	turnloopHost := turnloopHostAdapter{e.Host}
	result, err := turnloop.Run(ctx, agentCfg, initial, turnloopHost, client, params)
	if err != nil {
		return nil, err
	}

	execResult := &ExecutionResult{
		Status:       result.Status,
		SessionID:    sessionID,
		FinalMessage: result.FinalMessage,
		Conversation: result.Conversation,
		Err:          result.Err,
	}

	if includeHistory {
		if _, err := e.Store.SaveAgent(sessionID, baseID, execResult.Status, toStoredMessages(agentID, result.Conversation)); err != nil {
			return execResult, fmt.Errorf("engine: save agent session %s: %w", sessionID, err)
		}
	}

	e.Metrics.RecordAgentRun(agentID, string(execResult.Status))
	return execResult, nil
}

// RunLinearWorkflow implements §4.6's linear-workflow semantics: session
// id is "workflow-" + id_or_generated; base_id equals this workflow's
// session id and propagates to every child step; the output of step N
// feeds step N+1; step failures are captured but do not prevent
// persistence.
func (e *Engine) RunLinearWorkflow(ctx context.Context, workflowID, initialInput string, opts Options) (*WorkflowResult, error) {
	rec, err := e.Index.Get(config.KindLinearWorkflow, workflowID)
	if err != nil {
		return nil, err
	}
	wfCfg, err := rec.AsLinearWorkflowConfig()
	if err != nil {
		return nil, err
	}

	sessionID, _ := e.resolveSessionID(opts, true, "workflow-")
	baseID := sessionID

	agentsInvolved := map[string]string{}
	stepInput := initialInput
	steps := make([]StepResult, 0, len(wfCfg.Steps))
	status := StatusSuccess

	for _, step := range wfCfg.Steps {
		stepOpts := Options{BaseSessionID: baseID}
		childResult, err := e.runStep(ctx, step, stepInput, stepOpts)
		stepResult := StepResult{ComponentID: step.ComponentID, Result: childResult, Err: err}
		if childResult != nil {
			stepResult.SessionID = childResult.SessionID
			agentsInvolved[childResult.SessionID] = step.ComponentID
		}
		steps = append(steps, stepResult)

		if err != nil || childResult == nil || childResult.Status != StatusSuccess {
			status = StatusError
			break
		}
		stepInput = childResult.FinalMessage.Text()
	}

	wfResult := &WorkflowResult{Status: status, SessionID: sessionID, BaseID: baseID, Steps: steps}

	if _, saveErr := e.Store.SaveWorkflow(sessionID, baseID, wfResult.Status, agentsInvolved); saveErr != nil {
		return wfResult, fmt.Errorf("engine: save workflow session %s: %w", sessionID, saveErr)
	}

	e.Metrics.RecordWorkflowRun(workflowID, string(status))
	return wfResult, nil
}

// runStep dispatches one linear-workflow step to the component kind it
// names: an agent (the common case), a nested linear workflow, or
// another custom workflow.
func (e *Engine) runStep(ctx context.Context, step config.LinearWorkflowStep, input string, opts Options) (*ExecutionResult, error) {
	kind := step.ComponentKind
	if kind == "" {
		kind = config.KindAgent
	}
	switch kind {
	case config.KindAgent:
		return e.RunAgent(ctx, step.ComponentID, input, opts)
	case config.KindLinearWorkflow:
		wfResult, err := e.RunLinearWorkflow(ctx, step.ComponentID, input, opts)
		if err != nil {
			return nil, err
		}
		result := &ExecutionResult{Status: wfResult.Status, SessionID: wfResult.SessionID}
		if len(wfResult.Steps) > 0 {
			last := wfResult.Steps[len(wfResult.Steps)-1]
			if last.Result != nil {
				result.FinalMessage = last.Result.FinalMessage
			}
		}
		return result, nil
	default:
		out, err := e.RunCustomWorkflow(ctx, step.ComponentID, input, opts)
		if err != nil {
			return nil, err
		}
		text := fmt.Sprintf("%v", out)
		return &ExecutionResult{Status: StatusSuccess, FinalMessage: &message.Message{Role: message.RoleAssistant, Blocks: []message.Block{message.TextBlock{Text: text}}}}, nil
	}
}

// Facade is the narrowed engine surface handed to custom workflow code
// (§4.6: "engine_facade exposes run_agent/run_linear_workflow").
type Facade interface {
	RunAgent(ctx context.Context, agentID, userMessage string, opts Options) (*ExecutionResult, error)
	RunLinearWorkflow(ctx context.Context, workflowID, initialInput string, opts Options) (*WorkflowResult, error)
}

// CustomWorkflowFunc is the in-process callable contract a custom
// workflow registers programmatically: (initial_input, engine_facade,
// session_id) -> any, per §4.6.
type CustomWorkflowFunc func(ctx context.Context, initialInput string, facade Facade, sessionID string) (any, error)

// RunCustomWorkflow loads the user-supplied entry point and invokes it.
// An entry point registered programmatically (via RegisterCustomWorkflow)
// is called in-process; any other entry point is treated as an external
// plugin binary path and loaded via the go-plugin loader (§4.6).
func (e *Engine) RunCustomWorkflow(ctx context.Context, workflowID, initialInput string, opts Options) (any, error) {
	rec, err := e.Index.Get(config.KindCustomWorkflow, workflowID)
	if err != nil {
		return nil, err
	}
	cfg, err := rec.AsCustomWorkflowConfig()
	if err != nil {
		return nil, err
	}

	sessionID, _ := e.resolveSessionID(opts, true, "workflow-")

	if fn, ok := lookupRegisteredWorkflow(cfg.EntryPoint); ok {
		out, err := fn(ctx, initialInput, e, sessionID)
		if err != nil {
			return nil, &CustomWorkflowError{WorkflowID: workflowID, EntryPoint: cfg.EntryPoint, Err: err}
		}
		return out, nil
	}

	// Not a registered in-process name: treat it as an external plugin
	// binary path, resolved against the record's context directory (§4.1).
	pluginPath := rec.ResolvePath(cfg.EntryPoint)
	out, err := runPluginWorkflow(ctx, pluginPath, initialInput, e, sessionID)
	if err != nil {
		return nil, &CustomWorkflowError{WorkflowID: workflowID, EntryPoint: cfg.EntryPoint, Err: err}
	}
	return out, nil
}

var _ Facade = (*Engine)(nil)

// registeredWorkflows holds in-process custom workflow callables, keyed
// by the name a CustomWorkflowConfig.EntryPoint may reference directly
// instead of an external plugin path.
var (
	registeredWorkflowsMu sync.RWMutex
	registeredWorkflows   = map[string]CustomWorkflowFunc{}
)

// RegisterCustomWorkflow makes an in-process callable available under
// name for CustomWorkflowConfig.EntryPoint to reference.
func RegisterCustomWorkflow(name string, fn CustomWorkflowFunc) {
	registeredWorkflowsMu.Lock()
	defer registeredWorkflowsMu.Unlock()
	registeredWorkflows[name] = fn
}

func lookupRegisteredWorkflow(name string) (CustomWorkflowFunc, bool) {
	registeredWorkflowsMu.RLock()
	defer registeredWorkflowsMu.RUnlock()
	fn, ok := registeredWorkflows[name]
	return fn, ok
}

// ensureToolServers registers every tool server not already live (§4.6
// step 3). Newly registered servers persist across calls.
func (e *Engine) ensureToolServers(ctx context.Context, serverIDs []string) error {
	for _, id := range serverIDs {
		if e.Host.IsLive(id) {
			continue
		}
		rec, err := e.Index.Get(config.KindMCPServer, id)
		if err != nil {
			return err
		}
		toolCfg, err := rec.AsToolServerConfig()
		if err != nil {
			return err
		}
		resolved := e.Index.Env().ResolveToolServer(toolCfg)
		if err := e.Host.Register(ctx, resolved); err != nil {
			return err
		}
	}
	return nil
}

// resolveModelClient resolves the effective Model Client for an agent:
// llm_config_id defaults, agent overrides win (§4.6 step 4).
func (e *Engine) resolveModelClient(agentCfg *config.AgentConfig, systemPromptOverride string) (modelclient.Client, modelclient.Params, error) {
	rec, err := e.Index.Get(config.KindLLM, agentCfg.LLMConfigID)
	if err != nil {
		return nil, modelclient.Params{}, err
	}
	llmCfg, err := rec.AsLLMConfig()
	if err != nil {
		return nil, modelclient.Params{}, err
	}

	client, err := e.clientFor(llmCfg)
	if err != nil {
		return nil, modelclient.Params{}, err
	}

	params := modelclient.Params{Model: llmCfg.Model, Temperature: llmCfg.Temperature, MaxTokens: llmCfg.MaxTokens}
	if o := agentCfg.Overrides; o != nil {
		if o.Model != "" {
			params.Model = o.Model
		}
		if o.Temperature != nil {
			params.Temperature = o.Temperature
		}
		if o.MaxTokens > 0 {
			params.MaxTokens = o.MaxTokens
		}
		if o.SystemPrompt != "" {
			params.SystemPrompt = o.SystemPrompt
		}
	}
	if systemPromptOverride != "" {
		params.SystemPrompt = systemPromptOverride
	}
	return client, params, nil
}

func (e *Engine) clientFor(llmCfg *config.LLMConfig) (modelclient.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[llmCfg.Name]; ok {
		return c, nil
	}
	factory, ok := e.factories[llmCfg.Provider]
	if !ok {
		return nil, fmt.Errorf("engine: no model client factory registered for provider %q", llmCfg.Provider)
	}
	client, err := factory(llmCfg)
	if err != nil {
		return nil, fmt.Errorf("engine: build model client for %q: %w", llmCfg.Name, err)
	}
	e.clients[llmCfg.Name] = client
	return client, nil
}

// resolveSessionID synthesizes or rewrites a session id so it always
// carries its kind prefix (§8 invariant 6): a user-provided id lacking
// the prefix is rewritten to include it.
func (e *Engine) resolveSessionID(opts Options, defaultInclude bool, prefix string) (sessionID string, includeHistory bool) {
	includeHistory = defaultInclude
	if opts.ForceIncludeHistory != nil {
		includeHistory = *opts.ForceIncludeHistory
	}

	id := opts.SessionID
	if id == "" {
		if !includeHistory {
			return "", includeHistory
		}
		return prefix + uuid.NewString()[:8], includeHistory
	}
	if len(id) < len(prefix) || id[:len(prefix)] != prefix {
		id = prefix + id
	}
	return id, includeHistory
}

// buildInitialMessages prepends prior history (if any) to the current
// user message, per §4.6 step 5. Prior messages are rehydrated from
// their full stored block sequence, not a flattened text summary, so a
// resumed conversation that used tools keeps its ToolUse/ToolResult
// blocks intact (§3, §8 invariant 2).
func (e *Engine) buildInitialMessages(includeHistory bool, sessionID, userMessage string) ([]message.Message, error) {
	var initial []message.Message
	if includeHistory && sessionID != "" {
		prior, err := e.Store.Get(sessionID)
		switch {
		case err == nil:
			for _, m := range prior.Messages {
				initial = append(initial, message.Message{
					Role:   message.Role(m.Role),
					Blocks: message.FromWireBlocks(m.Blocks),
				})
			}
		case isNotFound(err):
			// no prior history yet; proceed with just the user message.
		default:
			return nil, err
		}
	}
	initial = append(initial, message.Message{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: userMessage}}})
	return initial, nil
}

func isNotFound(err error) bool {
	_, ok := err.(*session.NotFoundError)
	return ok
}

// toStoredMessages converts a turn-loop conversation into its durable
// form, preserving every block (text, tool use, tool result, thinking)
// rather than flattening to text, so a resumed conversation that
// dispatched tools still has its ToolUse/ToolResult blocks (§3, §8
// invariant 2).
func toStoredMessages(agentName string, conversation []message.Message) []session.StoredMessage {
	out := make([]session.StoredMessage, 0, len(conversation))
	for _, m := range conversation {
		out = append(out, session.StoredMessage{AgentName: agentName, Role: string(m.Role), Blocks: message.ToWireBlocks(m.Blocks)})
	}
	return out
}

// turnloopHostAdapter narrows *host.Host to the turnloop.Host interface.
type turnloopHostAdapter struct{ h *host.Host }

func (a turnloopHostAdapter) Tools(excluded []string) []host.DiscoveredTool {
	return a.h.Tools(excluded)
}

func (a turnloopHostAdapter) CallTool(ctx context.Context, qualifiedName string, args map[string]any) message.ToolResultBlock {
	return a.h.CallTool(ctx, qualifiedName, args)
}
