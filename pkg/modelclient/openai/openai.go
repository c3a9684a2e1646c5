// Package openai adapts github.com/sashabaranov/go-openai to the
// modelclient.Client contract (C4). The teacher hand-rolls the OpenAI
// REST calls in pkg/model/openai; this adapter uses the pack's dedicated
// SDK instead (haasonsaas-nexus's go.mod), matching the spec's "never
// fall back to stdlib where the ecosystem has a library" rule.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/sashabaranov/go-openai"

	"github.com/aurite-run/aurite/pkg/message"
	"github.com/aurite-run/aurite/pkg/modelclient"
)

const defaultModel = openai.GPT4o

// Config configures the adapter.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature *float64
	BaseURL     string
}

// Client adapts the Chat Completions API to modelclient.Client.
type Client struct {
	sdk         *openai.Client
	model       string
	maxTokens   int
	temperature *float64
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Client{
		sdk:         openai.NewClientWithConfig(clientCfg),
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (c *Client) buildRequest(messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params, stream bool) openai.ChatCompletionRequest {
	model := c.model
	if params.Model != "" {
		model = params.Model
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages, params.SystemPrompt),
		Stream:   stream,
	}

	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	} else if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}

	temp := c.temperature
	if params.Temperature != nil {
		temp = params.Temperature
	}
	if temp != nil {
		req.Temperature = float32(*temp)
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
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
	req := c.buildRequest(messages, tools, params, false)
	resp, err := c.sdk.CreateChatCompletion(ctx, req)
	if err != nil && isRetryable(err) {
		resp, err = c.sdk.CreateChatCompletion(ctx, req)
	}
	if err != nil {
		return nil, &modelclient.FailedError{Provider: "openai", Retryable: isRetryable(err), Err: err}
	}
	if len(resp.Choices) == 0 {
		return &modelclient.Completion{Message: &message.Message{Role: message.RoleAssistant}, StopReason: modelclient.StopReasonEndTurn}, nil
	}
	choice := resp.Choices[0]
	return &modelclient.Completion{
		Message:    fromOpenAIMessage(choice.Message),
		StopReason: stopReason(choice.FinishReason),
		Usage:      &modelclient.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}, nil
}

// Stream implements modelclient.Client, synthesizing the normalized
// event sequence from the SDK's chunked streaming iterator (§9). A
// transient failure (429/5xx) that occurs before any event has reached
// the consumer is retried once, matching Complete's retry-once contract
// (§4.4, §7); once an event has been forwarded, re-issuing the call
// would duplicate content, so a later transient error is surfaced as-is.
func (c *Client) Stream(ctx context.Context, messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params) iter.Seq[modelclient.StreamEvent] {
	req := c.buildRequest(messages, tools, params, true)

	return func(yield func(modelclient.StreamEvent) bool) {
		for attempt := 0; attempt < 2; attempt++ {
			if !c.runStream(ctx, req, attempt == 1, yield) {
				return
			}
		}
	}
}

// runStream drives one attempt at the SDK's streaming call. It returns
// true only when the attempt is not the last one and failed with a
// retryable error before forwarding a single event to yield, signaling
// the caller should try the request exactly once more; on the last
// attempt the error is yielded as an error event.
func (c *Client) runStream(ctx context.Context, req openai.ChatCompletionRequest, lastAttempt bool, yield func(modelclient.StreamEvent) bool) bool {
	yielded := false
	stream, err := c.sdk.CreateChatCompletionStream(ctx, req)
	if err != nil {
		if !lastAttempt && isRetryable(err) {
			return true
		}
		yield(modelclient.StreamEvent{Type: modelclient.EventError, Message: err.Error()})
		return false
	}
	defer stream.Close()

	started := map[int]bool{}
	var finishReason openai.FinishReason

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !yielded && !lastAttempt && isRetryable(err) {
				return true
			}
			yield(modelclient.StreamEvent{Type: modelclient.EventError, Message: err.Error()})
			return false
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		if choice.Delta.Content != "" {
			if !yield(modelclient.StreamEvent{Type: modelclient.EventTextDelta, Index: 0, Text: choice.Delta.Content}) {
				return false
			}
			yielded = true
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index + 1 // index 0 is reserved for the text block
			}
			if !started[idx] && tc.ID != "" {
				started[idx] = true
				if !yield(modelclient.StreamEvent{Type: modelclient.EventToolUseStart, Index: idx, ID: tc.ID, Name: tc.Function.Name}) {
					return false
				}
				yielded = true
			}
			if tc.Function.Arguments != "" {
				if !yield(modelclient.StreamEvent{Type: modelclient.EventToolUseInputDelta, Index: idx, JSON: tc.Function.Arguments}) {
					return false
				}
				yielded = true
			}
		}
	}

	yield(modelclient.StreamEvent{Type: modelclient.EventMessageStop, Reason: stopReason(finishReason)})
	return false
}

func toOpenAIMessages(messages []message.Message, systemPrompt string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}

	for _, m := range messages {
		switch m.Role {
		case message.RoleToolResult:
			for _, b := range m.Blocks {
				if tr, ok := b.(message.ToolResultBlock); ok {
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    tr.Content,
						ToolCallID: tr.ToolUseID,
					})
				}
			}
		case message.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, b := range m.Blocks {
				switch block := b.(type) {
				case message.TextBlock:
					msg.Content += block.Text
				case message.ToolUseBlock:
					args, _ := json.Marshal(block.Input)
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   block.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      block.Name,
							Arguments: string(args),
						},
					})
				}
			}
			out = append(out, msg)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Text()})
		}
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) *message.Message {
	out := &message.Message{Role: message.RoleAssistant}
	if m.Content != "" {
		out.Blocks = append(out.Blocks, message.TextBlock{Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.Blocks = append(out.Blocks, message.ToolUseBlock{ID: tc.ID, Name: tc.Function.Name, Input: args})
	}
	return out
}

func stopReason(r openai.FinishReason) modelclient.StopReason {
	switch r {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return modelclient.StopReasonToolUse
	case openai.FinishReasonLength:
		return modelclient.StopReasonMaxTokens
	default:
		return modelclient.StopReasonEndTurn
	}
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return false
}

var _ modelclient.Client = (*Client)(nil)
