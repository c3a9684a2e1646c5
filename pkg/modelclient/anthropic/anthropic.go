// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// modelclient.Client contract (C4), converting to and from the
// message.Message/Block data model and synthesizing the normalized
// StreamEvent sequence from the SDK's own streaming accumulator. Message
// and thinking-block conversion is grounded on the teacher's
// pkg/model/anthropic adapter; the transport itself uses the vendor SDK
// rather than the teacher's hand-rolled HTTP calls.
package anthropic

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aurite-run/aurite/pkg/message"
	"github.com/aurite-run/aurite/pkg/modelclient"
)

const (
	defaultModel     = anthropic.ModelClaudeSonnet4_20250514
	defaultMaxTokens = 4096
)

// Config configures the adapter.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature *float64
	BaseURL     string
	Timeout     time.Duration
}

// Client adapts the Anthropic Messages API to modelclient.Client.
type Client struct {
	sdk         anthropic.Client
	model       string
	maxTokens   int
	temperature *float64
}

// New builds a Client. It implements modelclient.Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	opts = append(opts, option.WithRequestTimeout(timeout))

	model := cfg.Model
	if model == "" {
		model = string(defaultModel)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		sdk:         anthropic.NewClient(opts...),
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (c *Client) buildParams(messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params) anthropic.MessageNewParams {
	model := c.model
	if params.Model != "" {
		model = params.Model
	}
	maxTokens := int64(c.maxTokens)
	if params.MaxTokens > 0 {
		maxTokens = int64(params.MaxTokens)
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  toAnthropicMessages(messages),
	}

	if params.SystemPrompt != "" {
		req.System = []anthropic.TextBlockParam{{Text: params.SystemPrompt}}
	}

	temp := c.temperature
	if params.Temperature != nil {
		temp = params.Temperature
	}
	if temp != nil {
		req.Temperature = anthropic.Float(*temp)
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: toInputSchema(t.InputSchema),
			},
		})
	}
	return req
}

// Complete implements modelclient.Client. A transient failure (429/5xx)
// is retried once before surfacing a FailedError (§4.4, §7
// ModelClientFailed: "transient variants are retried once inside the
// Model Client").
func (c *Client) Complete(ctx context.Context, messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params) (*modelclient.Completion, error) {
	req := c.buildParams(messages, tools, params)
	resp, err := c.sdk.Messages.New(ctx, req)
	if err != nil && isRetryable(err) {
		resp, err = c.sdk.Messages.New(ctx, req)
	}
	if err != nil {
		return nil, &modelclient.FailedError{Provider: "anthropic", Retryable: isRetryable(err), Err: err}
	}
	return &modelclient.Completion{
		Message:    fromAnthropicMessage(resp),
		StopReason: stopReason(resp.StopReason),
		Usage:      &modelclient.Usage{InputTokens: int(resp.Usage.InputTokens), OutputTokens: int(resp.Usage.OutputTokens)},
	}, nil
}

// Stream implements modelclient.Client, synthesizing the normalized
// event sequence from the SDK's SSE stream. A transient failure (429/5xx)
// that occurs before any event has reached the consumer is retried once,
// matching Complete's retry-once contract (§4.4, §7); once an event has
// been forwarded, re-issuing the call would duplicate content, so a
// later transient error is surfaced as-is instead.
func (c *Client) Stream(ctx context.Context, messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params) iter.Seq[modelclient.StreamEvent] {
	req := c.buildParams(messages, tools, params)

	return func(yield func(modelclient.StreamEvent) bool) {
		for attempt := 0; attempt < 2; attempt++ {
			yielded, retry := c.runStream(ctx, req, attempt == 1, yield)
			if !retry {
				return
			}
			_ = yielded // retry only happens when yielded was false
		}
	}
}

// runStream drives one attempt at the SDK's streaming call. It returns
// retry=true only when the attempt is not the last one and failed with a
// retryable error before forwarding a single event to yield, signaling
// the caller should try the request exactly once more; on the last
// attempt the error is yielded as an error event.
func (c *Client) runStream(ctx context.Context, req anthropic.MessageNewParams, lastAttempt bool, yield func(modelclient.StreamEvent) bool) (yielded, retry bool) {
	stream := c.sdk.Messages.NewStreaming(ctx, req)
	var acc anthropic.Message

	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return c.finishWithError(err, yielded, lastAttempt, yield)
		}

		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			switch block := variant.ContentBlock.AsAny().(type) {
			case anthropic.ToolUseBlock:
				if !yield(modelclient.StreamEvent{Type: modelclient.EventToolUseStart, Index: int(variant.Index), ID: block.ID, Name: block.Name}) {
					return true, false
				}
				yielded = true
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if !yield(modelclient.StreamEvent{Type: modelclient.EventTextDelta, Index: int(variant.Index), Text: delta.Text}) {
					return true, false
				}
				yielded = true
			case anthropic.InputJSONDelta:
				if !yield(modelclient.StreamEvent{Type: modelclient.EventToolUseInputDelta, Index: int(variant.Index), JSON: delta.PartialJSON}) {
					return true, false
				}
				yielded = true
			}
		case anthropic.ContentBlockStopEvent:
			if !yield(modelclient.StreamEvent{Type: modelclient.EventContentBlockStop, Index: int(variant.Index)}) {
				return true, false
			}
			yielded = true
		case anthropic.MessageStopEvent:
			ev := modelclient.StreamEvent{Type: modelclient.EventMessageStop, Reason: stopReason(acc.StopReason)}
			if acc.Usage.InputTokens > 0 || acc.Usage.OutputTokens > 0 {
				ev.Usage = &modelclient.Usage{InputTokens: int(acc.Usage.InputTokens), OutputTokens: int(acc.Usage.OutputTokens)}
			}
			yield(ev)
			yielded = true
		}
	}
	if err := stream.Err(); err != nil {
		return c.finishWithError(err, yielded, lastAttempt, yield)
	}
	return yielded, false
}

func (c *Client) finishWithError(err error, yielded, lastAttempt bool, yield func(modelclient.StreamEvent) bool) (bool, bool) {
	if !yielded && !lastAttempt && isRetryable(err) {
		return false, true
	}
	yield(modelclient.StreamEvent{Type: modelclient.EventError, Message: err.Error()})
	return true, false
}

func toAnthropicMessages(messages []message.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		role := anthropic.MessageParamRoleUser
		if m.Role == message.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Blocks {
			switch block := b.(type) {
			case message.TextBlock:
				blocks = append(blocks, anthropic.NewTextBlock(block.Text))
			case message.ToolUseBlock:
				blocks = append(blocks, anthropic.NewToolUseBlock(block.ID, block.Input, block.Name))
			case message.ToolResultBlock:
				blocks = append(blocks, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError))
			case message.ThinkingBlock:
				blocks = append(blocks, anthropic.NewThinkingBlock(block.Signature, block.Text))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func fromAnthropicMessage(resp *anthropic.Message) *message.Message {
	out := &message.Message{Role: message.RoleAssistant}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Blocks = append(out.Blocks, message.TextBlock{Text: b.Text})
		case anthropic.ToolUseBlock:
			input, _ := b.Input.(map[string]any)
			out.Blocks = append(out.Blocks, message.ToolUseBlock{ID: b.ID, Name: b.Name, Input: input})
		case anthropic.ThinkingBlock:
			out.Blocks = append(out.Blocks, message.ThinkingBlock{Text: b.Thinking, Signature: b.Signature})
		}
	}
	return out
}

func stopReason(r anthropic.StopReason) modelclient.StopReason {
	switch r {
	case anthropic.StopReasonToolUse:
		return modelclient.StopReasonToolUse
	case anthropic.StopReasonMaxTokens:
		return modelclient.StopReasonMaxTokens
	case anthropic.StopReasonStopSequence:
		return modelclient.StopReasonStopSequence
	default:
		return modelclient.StopReasonEndTurn
	}
}

func toInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	props, _ := schema["properties"].(map[string]any)
	var required []string
	if r, ok := schema["required"].([]string); ok {
		required = r
	} else if r, ok := schema["required"].([]any); ok {
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return anthropic.ToolInputSchemaParam{Properties: props, Required: required}
}

func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if ok := errorsAs(err, &apiErr); ok {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func errorsAs(err error, target **anthropic.Error) bool {
	for err != nil {
		if e, ok := err.(*anthropic.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

var _ modelclient.Client = (*Client)(nil)
