// Package modelclient defines the Model Client contract (C4): a
// provider-agnostic single-call and streaming-call interface that every
// provider adapter (anthropic, openai, gemini) implements against the
// shared message.Message/Block data model, so the agent turn-loop never
// imports a vendor SDK directly.
package modelclient

import (
	"context"
	"iter"

	"github.com/aurite-run/aurite/pkg/message"
)

// ToolSpec describes one tool the model may call, taken from the
// Tool-Server Host's discovered tools and passed to the provider as its
// own function/tool-calling schema.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Params carries the per-call generation parameters (§4.4). The Engine
// resolves these before invoking Complete/Stream: per-call overrides
// (agent config) win over the client's own defaults.
type Params struct {
	Model        string
	Temperature  *float64
	MaxTokens    int
	SystemPrompt string
}

// Completion is the result of a single non-streaming call: the fully
// assembled assistant message plus the provider's stop reason, which the
// turn-loop needs to distinguish a tool_use turn from a final one
// independent of whether the message happens to carry ToolUseBlocks
// (§4.5 tie-break: zero ToolUse blocks with stop reason tool_use is a
// malformed turn, not a final one).
type Completion struct {
	Message    *message.Message
	StopReason StopReason
	Usage      *Usage
}

// Client is the Model Client contract every provider adapter implements.
type Client interface {
	// Complete performs a single, non-streaming call and returns a fully
	// assembled assistant message plus its stop reason.
	Complete(ctx context.Context, messages []message.Message, tools []ToolSpec, params Params) (*Completion, error)

	// Stream performs a call and yields the normalized StreamEvent
	// sequence as it is produced. A provider that does not natively
	// stream synthesizes the same sequence from one completion (§9).
	Stream(ctx context.Context, messages []message.Message, tools []ToolSpec, params Params) iter.Seq[StreamEvent]
}

// EventType discriminates a StreamEvent's variant (§4.4).
type EventType string

const (
	EventTextDelta          EventType = "text_delta"
	EventToolUseStart       EventType = "tool_use_start"
	EventToolUseInputDelta  EventType = "tool_use_input_delta"
	EventContentBlockStop   EventType = "content_block_stop"
	EventMessageStop        EventType = "message_stop"
	EventError              EventType = "error"
)

// StopReason names why a provider stopped generating, carried on a
// message_stop event and mirrored onto the assembled assistant message.
type StopReason string

const (
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// Usage carries token accounting, attached to message_stop when the
// provider reports it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamEvent is the tagged, provider-agnostic event the turn-loop and
// Engine consume verbatim (§4.4). Only the fields relevant to Type are
// populated.
type StreamEvent struct {
	Type EventType

	// block-indexed fields (text_delta, tool_use_start,
	// tool_use_input_delta, content_block_stop)
	Index int
	Text  string // text_delta
	ID    string // tool_use_start
	Name  string // tool_use_start
	JSON  string // tool_use_input_delta: a raw JSON fragment

	// message_stop
	Reason StopReason
	Usage  *Usage

	// error
	Message string
}

// AssembleMessage reconstructs a full message.Message from a sequence of
// StreamEvent already captured by a caller (e.g. a provider adapter that
// streams over SSE and must also hand the turn-loop one assembled
// message once the stream ends). Events for distinct content blocks are
// identified by Index; blocks are emitted in the order in which their
// index first appears in events.
func AssembleMessage(events []StreamEvent) *message.Message {
	type builder struct {
		kind string
		text string
		id   string
		name string
		json string
	}
	order := []int{}
	blocks := map[int]*builder{}
	get := func(idx int) *builder {
		b, ok := blocks[idx]
		if !ok {
			b = &builder{}
			blocks[idx] = b
			order = append(order, idx)
		}
		return b
	}

	for _, ev := range events {
		switch ev.Type {
		case EventTextDelta:
			b := get(ev.Index)
			b.kind = "text"
			b.text += ev.Text
		case EventToolUseStart:
			b := get(ev.Index)
			b.kind = "tool_use"
			b.id = ev.ID
			b.name = ev.Name
		case EventToolUseInputDelta:
			b := get(ev.Index)
			b.json += ev.JSON
		}
	}

	msg := &message.Message{Role: message.RoleAssistant}
	for _, idx := range order {
		b := blocks[idx]
		switch b.kind {
		case "text":
			msg.Blocks = append(msg.Blocks, message.TextBlock{Text: b.text})
		case "tool_use":
			msg.Blocks = append(msg.Blocks, message.ToolUseBlock{ID: b.id, Name: b.name, Input: parseToolInput(b.json)})
		}
	}
	return msg
}
