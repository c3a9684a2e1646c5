// Package turnloop implements the Agent Turn-Loop (C5): the multi-turn
// orchestrator that builds the effective prompt, calls the Model Client,
// executes requested tool calls via the Tool-Server Host, validates
// structured output, and bounds the number of iterations.
package turnloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/aurite-run/aurite/pkg/config"
	"github.com/aurite-run/aurite/pkg/host"
	"github.com/aurite-run/aurite/pkg/message"
	"github.com/aurite-run/aurite/pkg/modelclient"
)

// Status is the terminal state of a turn-loop run (§4.6 ExecutionResult).
type Status string

const (
	StatusSuccess       Status = "success"
	StatusMaxIterations Status = "max_iterations"
	StatusError         Status = "error"
)

// Result is the outcome of Run (§4.5 ExecutionResult).
type Result struct {
	Status              Status
	Conversation        []message.Message
	FinalMessage        *message.Message
	ToolUsesInFinalTurn []message.ToolUseBlock
	Err                 error
}

// Host is the subset of *host.Host the turn-loop needs: tool-spec
// discovery and dispatch. Declared as an interface so tests can supply a
// fake without standing up a real Host.
type Host interface {
	Tools(excluded []string) []host.DiscoveredTool
	CallTool(ctx context.Context, qualifiedName string, args map[string]any) message.ToolResultBlock
}

// Run drives one full agent execution: §4.5 steps 1-4.
func Run(ctx context.Context, cfg *config.AgentConfig, initialMessages []message.Message, h Host, client modelclient.Client, params modelclient.Params) (*Result, error) {
	systemPrompt := EffectiveSystemPrompt(cfg, params.SystemPrompt)
	tools := BuildToolSpecs(h, cfg)

	var schema *jsonschema.Schema
	if len(cfg.ResponseSchema) > 0 {
		var err error
		schema, err = CompileSchema(cfg.ResponseSchema)
		if err != nil {
			return nil, fmt.Errorf("turnloop: compile response_schema: %w", err)
		}
	}

	conversation := append([]message.Message{}, initialMessages...)
	maxIterations := cfg.MaxIterations
	if maxIterations < 1 {
		maxIterations = 10
	}

	for i := 0; i < maxIterations; i++ {
		completion, err := client.Complete(ctx, conversation, tools, modelclient.Params{
			Model:        params.Model,
			Temperature:  params.Temperature,
			MaxTokens:    params.MaxTokens,
			SystemPrompt: systemPrompt,
		})
		if err != nil {
			return &Result{Status: StatusError, Conversation: conversation, Err: err}, nil
		}

		assistant := completion.Message
		conversation = append(conversation, *assistant)

		if completion.StopReason != modelclient.StopReasonToolUse {
			final, done, correction := FinalizeOrCorrect(assistant, schema)
			if done {
				return &Result{Status: StatusSuccess, Conversation: conversation, FinalMessage: final}, nil
			}
			// §7 SchemaValidationFailed: append a correction message and
			// continue; this counts toward max_iterations.
			conversation = append(conversation, correction)
			continue
		}

		toolUses := assistant.ToolUses()
		if len(toolUses) == 0 {
			// §4.5 tie-break: stop reason tool_use with zero ToolUse
			// blocks is a malformed turn, not a terminal one. Continue
			// rather than abort.
			continue
		}

		resultMsg := DispatchToolCalls(ctx, h, toolUses)
		conversation = append(conversation, resultMsg)

		if i == maxIterations-1 {
			return &Result{Status: StatusMaxIterations, Conversation: conversation, ToolUsesInFinalTurn: toolUses,
				Err: &MaxIterationsError{MaxIterations: maxIterations}}, nil
		}
	}

	return &Result{Status: StatusMaxIterations, Conversation: conversation, Err: &MaxIterationsError{MaxIterations: maxIterations}}, nil
}

// EffectiveSystemPrompt appends schema-and-JSON instructions when the
// agent requires structured output (§4.5 step 1).
func EffectiveSystemPrompt(cfg *config.AgentConfig, base string) string {
	if len(cfg.ResponseSchema) == 0 {
		return base
	}
	schemaJSON, _ := json.MarshalIndent(cfg.ResponseSchema, "", "  ")
	instruction := fmt.Sprintf("\n\nYour final response MUST be a single JSON object conforming exactly to this schema, with no surrounding prose:\n%s", schemaJSON)
	return base + instruction
}

// BuildToolSpecs filters the Host's discovered tools to agent_cfg's
// tool_servers, minus excluded_components (§4.5 step 2).
func BuildToolSpecs(h Host, cfg *config.AgentConfig) []modelclient.ToolSpec {
	allowed := make(map[string]bool, len(cfg.ToolServers))
	for _, id := range cfg.ToolServers {
		allowed[id] = true
	}

	var specs []modelclient.ToolSpec
	for _, t := range h.Tools(cfg.ExcludedComponents) {
		if !allowed[t.ServerID] {
			continue
		}
		specs = append(specs, modelclient.ToolSpec{Name: t.QualifiedName, Description: describeTool(t), InputSchema: t.InputSchema})
	}
	return specs
}

func describeTool(t host.DiscoveredTool) string {
	return fmt.Sprintf("%s (provided by %s)", t.OriginalName, t.ServerID)
}

// FinalizeOrCorrect implements §4.5 step 3c: with no schema the turn is
// always final; with a schema the final text must parse and validate,
// otherwise a correction message is produced and the loop continues.
func FinalizeOrCorrect(assistant *message.Message, schema *jsonschema.Schema) (*message.Message, bool, message.Message) {
	if schema == nil {
		return assistant, true, message.Message{}
	}

	text := assistant.Text()
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, false, CorrectionMessage(fmt.Sprintf("Your response was not valid JSON: %v. Re-emit a single JSON object matching the required schema.", err))
	}
	if err := schema.Validate(doc); err != nil {
		return nil, false, CorrectionMessage(fmt.Sprintf("Your JSON did not satisfy the required schema: %v. Correct it and respond again with only the JSON object.", err))
	}
	return assistant, true, message.Message{}
}

func CorrectionMessage(text string) message.Message {
	return message.Message{Role: message.RoleUser, Blocks: []message.Block{message.TextBlock{Text: text}}}
}

// DispatchToolCalls executes every requested tool call concurrently
// (§5: "the turn suspends until all return or fail") and assembles a
// single tool_result message whose blocks preserve the LLM-specified
// order of the corresponding tool_use blocks regardless of the order in
// which the calls actually complete (§5, §8 invariant 4): each result is
// written into a pre-sized slice by index, never appended.
func DispatchToolCalls(ctx context.Context, h Host, toolUses []message.ToolUseBlock) message.Message {
	results := make([]message.Block, len(toolUses))
	var g errgroup.Group
	for i, tu := range toolUses {
		i, tu := i, tu
		g.Go(func() error {
			results[i] = h.CallTool(ctx, tu.Name, tu.Input)
			return nil
		})
	}
	_ = g.Wait() // CallTool never returns a Go error; tool-side failures come back as data (§4.3).

	for i, tu := range toolUses {
		r := results[i].(message.ToolResultBlock)
		r.ToolUseID = tu.ID
		results[i] = r
	}
	return message.Message{Role: message.RoleToolResult, Blocks: results}
}

func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString("response_schema.json", string(raw))
}
