package engine

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aurite-run/aurite/pkg/config"
	"github.com/aurite-run/aurite/pkg/message"
	"github.com/aurite-run/aurite/pkg/modelclient"
	"github.com/aurite-run/aurite/pkg/turnloop"
)

// Additional EventTypes the Engine layers on top of C4's StreamEvent
// variants (§4.4, §4.6): the synthetic session_info/stream_end markers
// invariant 3 requires, and one tool_result event per dispatched tool
// call.
const (
	EventSessionInfo modelclient.EventType = "session_info"
	EventStreamEnd   modelclient.EventType = "stream_end"
	EventToolResult  modelclient.EventType = "tool_result"
)

// StreamEvent is one event of stream_agent's envelope: every variant §4.4
// names, plus SessionID (session_info) and ToolUseID/IsError (tool_result).
type StreamEvent struct {
	modelclient.StreamEvent
	SessionID string
	ToolUseID string
	IsError   bool
}

// StreamResult is stream_agent's return value: a lazy StreamEvent
// sequence plus the terminal error observed while draining it. Err is
// only meaningful after Events has been fully ranged over - the Engine
// cannot return an error from inside an iter.Seq, so it is surfaced
// here instead, mirroring bufio.Scanner's Err-after-Scan shape.
type StreamResult struct {
	Events iter.Seq[StreamEvent]
	err    error
}

// Err returns the error that terminated the stream, or nil if the
// sequence ended normally with a stream_end event.
func (r *StreamResult) Err() error { return r.err }

// StreamAgent implements §4.6's stream_agent. Steps 1-5 of the per-call
// flow (config fetch, session id resolution, JIT tool-server
// registration, model client resolution, initial message assembly) run
// eagerly before any event is produced, so a ConfigNotFound or
// registration failure surfaces as a returned error rather than buried
// inside the stream - the same fail-fast contract run_agent has. Once
// streaming begins, the Turn-Loop's Model Client call is driven in a
// mode that forwards every StreamEvent as it is produced and interleaves
// tool dispatch on message_stop{reason=tool_use}.
func (e *Engine) StreamAgent(ctx context.Context, agentID, userMessage string, opts Options) (*StreamResult, error) {
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

	var schema *jsonschema.Schema
	if len(agentCfg.ResponseSchema) > 0 {
		schema, err = turnloop.CompileSchema(agentCfg.ResponseSchema)
		if err != nil {
			return nil, fmt.Errorf("engine: compile response_schema: %w", err)
		}
	}

	systemPrompt := turnloop.EffectiveSystemPrompt(agentCfg, params.SystemPrompt)
	host := turnloopHostAdapter{e.Host}
	tools := turnloop.BuildToolSpecs(host, agentCfg)

	maxIterations := agentCfg.MaxIterations
	if maxIterations < 1 {
		maxIterations = 10
	}

	sr := &StreamResult{}
	sr.Events = func(yield func(StreamEvent) bool) {
		conversation := append([]message.Message{}, initial...)
		status := StatusSuccess

		// §4.6: "Session history is appended in a finalization block
		// guaranteed to run on all exit paths" - defer covers every
		// return below, including cancellation and the error path.
		defer func() {
			if !includeHistory {
				e.Metrics.RecordAgentRun(agentID, string(status))
				return
			}
			if _, saveErr := e.Store.SaveAgent(sessionID, baseID, status, toStoredMessages(agentID, conversation)); saveErr != nil {
				// §7: a persistence failure during streaming must log,
				// never replace the primary error or corrupt the event
				// stream the consumer already saw.
				slog.Default().Error("engine: persist streamed session failed", "session_id", sessionID, "error", saveErr)
			}
			e.Metrics.RecordAgentRun(agentID, string(status))
		}()

		if !yield(StreamEvent{StreamEvent: modelclient.StreamEvent{Type: EventSessionInfo}, SessionID: sessionID}) {
			return
		}

		for i := 0; i < maxIterations; i++ {
			var captured []modelclient.StreamEvent
			callParams := modelclient.Params{Model: params.Model, Temperature: params.Temperature, MaxTokens: params.MaxTokens, SystemPrompt: systemPrompt}

			aborted := false
			for ev := range client.Stream(ctx, conversation, tools, callParams) {
				captured = append(captured, ev)
				if !yield(StreamEvent{StreamEvent: ev}) {
					aborted = true
					break
				}
				if ev.Type == modelclient.EventError {
					status = StatusError
					sr.err = fmt.Errorf("engine: model client stream: %s", ev.Message)
					return
				}
			}
			if aborted {
				status = StatusError
				sr.err = ctx.Err()
				return
			}

			assistant := modelclient.AssembleMessage(captured)
			conversation = append(conversation, *assistant)
			stopReason := lastStopReason(captured)

			if stopReason != modelclient.StopReasonToolUse {
				_, done, correction := turnloop.FinalizeOrCorrect(assistant, schema)
				if done {
					yield(StreamEvent{StreamEvent: modelclient.StreamEvent{Type: EventStreamEnd}})
					return
				}
				// §7 SchemaValidationFailed: correction message counts
				// toward max_iterations like any other turn.
				conversation = append(conversation, correction)
				continue
			}

			toolUses := assistant.ToolUses()
			if len(toolUses) == 0 {
				// §4.5 tie-break: tool_use stop reason with zero ToolUse
				// blocks is a malformed turn, not terminal.
				continue
			}

			resultMsg := turnloop.DispatchToolCalls(ctx, host, toolUses)
			for idx, tu := range toolUses {
				block := resultMsg.Blocks[idx].(message.ToolResultBlock)
				if !yield(StreamEvent{StreamEvent: modelclient.StreamEvent{Type: EventToolResult}, ToolUseID: tu.ID, IsError: block.IsError}) {
					status = StatusError
					sr.err = ctx.Err()
					return
				}
			}
			conversation = append(conversation, resultMsg)

			if i == maxIterations-1 {
				status = StatusMaxIterations
				yield(StreamEvent{StreamEvent: modelclient.StreamEvent{Type: EventStreamEnd}})
				return
			}
		}

		status = StatusMaxIterations
		yield(StreamEvent{StreamEvent: modelclient.StreamEvent{Type: EventStreamEnd}})
	}

	return sr, nil
}

// lastStopReason returns the Reason carried by the last message_stop
// event in a captured StreamEvent sequence.
func lastStopReason(events []modelclient.StreamEvent) modelclient.StopReason {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == modelclient.EventMessageStop {
			return events[i].Reason
		}
	}
	return modelclient.StopReasonEndTurn
}
