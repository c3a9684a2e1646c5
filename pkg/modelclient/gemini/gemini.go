// Package gemini adapts google.golang.org/genai to the modelclient.Client
// contract (C4), grounded on the teacher's pkg/model/gemini adapter's
// message/part conversion but rewritten against the spec's
// Message/ContentBlock types and the vendor SDK instead of hand-rolled
// REST calls.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/aurite-run/aurite/pkg/message"
	"github.com/aurite-run/aurite/pkg/modelclient"
)

const defaultModel = "gemini-2.0-flash"

// Config configures the adapter.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Client adapts the GenerateContent API to modelclient.Client.
type Client struct {
	sdk   *genai.Client
	model string
	cfg   Config
}

// New builds a Client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{sdk: client, model: model, cfg: cfg}, nil
}

func (c *Client) buildConfig(tools []modelclient.ToolSpec, params modelclient.Params) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if params.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: params.SystemPrompt}}}
	}

	temp := c.cfg.Temperature
	if params.Temperature != nil {
		temp = params.Temperature
	}
	if temp != nil {
		t := float32(*temp)
		cfg.Temperature = &t
	}

	maxTokens := c.cfg.MaxTokens
	if params.MaxTokens > 0 {
		maxTokens = params.MaxTokens
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}

	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toSchema(t.InputSchema),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func (c *Client) modelName(params modelclient.Params) string {
	if params.Model != "" {
		return params.Model
	}
	return c.model
}

// Complete implements modelclient.Client. A transient failure (429/5xx)
// is retried once before surfacing a FailedError (§4.4, §7
// ModelClientFailed: "transient variants are retried once inside the
// Model Client").
func (c *Client) Complete(ctx context.Context, messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params) (*modelclient.Completion, error) {
	contents := toGeminiContents(messages)
	model := c.modelName(params)
	cfg := c.buildConfig(tools, params)
	resp, err := c.sdk.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil && isRetryable(err) {
		resp, err = c.sdk.Models.GenerateContent(ctx, model, contents, cfg)
	}
	if err != nil {
		return nil, &modelclient.FailedError{Provider: "gemini", Retryable: isRetryable(err), Err: err}
	}
	completion := &modelclient.Completion{Message: fromGeminiResponse(resp), StopReason: modelclient.StopReasonEndTurn}
	if len(resp.Candidates) > 0 {
		completion.StopReason = stopReason(resp.Candidates[0].FinishReason)
		for _, b := range completion.Message.Blocks {
			if _, ok := b.(message.ToolUseBlock); ok {
				completion.StopReason = modelclient.StopReasonToolUse
				break
			}
		}
	}
	if resp.UsageMetadata != nil {
		completion.Usage = &modelclient.Usage{InputTokens: int(resp.UsageMetadata.PromptTokenCount), OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount)}
	}
	return completion, nil
}

// Stream implements modelclient.Client, synthesizing the normalized
// event sequence since the Gemini API streams whole-candidate chunks
// rather than block-level deltas (§9). A transient failure (429/5xx)
// that occurs before any event has reached the consumer is retried once,
// matching Complete's retry-once contract (§4.4, §7); once an event has
// been forwarded, re-issuing the call would duplicate content, so a
// later transient error is surfaced as-is.
func (c *Client) Stream(ctx context.Context, messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params) iter.Seq[modelclient.StreamEvent] {
	contents := toGeminiContents(messages)
	cfg := c.buildConfig(tools, params)
	model := c.modelName(params)

	return func(yield func(modelclient.StreamEvent) bool) {
		for attempt := 0; attempt < 2; attempt++ {
			if !c.runStream(ctx, model, contents, cfg, attempt == 1, yield) {
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
func (c *Client) runStream(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig, lastAttempt bool, yield func(modelclient.StreamEvent) bool) bool {
	index := 0
	yielded := false
	toolIndex := map[string]int{}
	var finishReason genai.FinishReason
	var usage *modelclient.Usage

	for resp, err := range c.sdk.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			if !yielded && !lastAttempt && isRetryable(err) {
				return true
			}
			yield(modelclient.StreamEvent{Type: modelclient.EventError, Message: err.Error()})
			return false
		}
		if resp.UsageMetadata != nil {
			usage = &modelclient.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
		for _, cand := range resp.Candidates {
			if cand.FinishReason != "" {
				finishReason = cand.FinishReason
			}
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch {
				case part.Text != "":
					if !yield(modelclient.StreamEvent{Type: modelclient.EventTextDelta, Index: 0, Text: part.Text}) {
						return false
					}
					yielded = true
				case part.FunctionCall != nil:
					fc := part.FunctionCall
					idx, seen := toolIndex[fc.Name+fc.ID]
					if !seen {
						index++
						idx = index
						toolIndex[fc.Name+fc.ID] = idx
						if !yield(modelclient.StreamEvent{Type: modelclient.EventToolUseStart, Index: idx, ID: fc.ID, Name: fc.Name}) {
							return false
						}
					}
					args := marshalArgs(fc.Args)
					if !yield(modelclient.StreamEvent{Type: modelclient.EventToolUseInputDelta, Index: idx, JSON: args}) {
						return false
					}
					yielded = true
				}
			}
		}
	}

	reason := stopReason(finishReason)
	if index > 0 {
		reason = modelclient.StopReasonToolUse
	}
	yield(modelclient.StreamEvent{Type: modelclient.EventMessageStop, Reason: reason, Usage: usage})
	return false
}

func toGeminiContents(messages []message.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == message.RoleAssistant {
			role = "model"
		}

		var parts []*genai.Part
		for _, b := range m.Blocks {
			switch block := b.(type) {
			case message.TextBlock:
				parts = append(parts, &genai.Part{Text: block.Text})
			case message.ToolUseBlock:
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: block.ID, Name: block.Name, Args: block.Input}})
			case message.ToolResultBlock:
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       block.ToolUseID,
					Response: map[string]any{"content": block.Content, "is_error": block.IsError},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) *message.Message {
	out := &message.Message{Role: message.RoleAssistant}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part.Text != "":
			out.Blocks = append(out.Blocks, message.TextBlock{Text: part.Text})
		case part.FunctionCall != nil:
			out.Blocks = append(out.Blocks, message.ToolUseBlock{ID: part.FunctionCall.ID, Name: part.FunctionCall.Name, Input: part.FunctionCall.Args})
		}
	}
	return out
}

func stopReason(r genai.FinishReason) modelclient.StopReason {
	switch r {
	case genai.FinishReasonMaxTokens:
		return modelclient.StopReasonMaxTokens
	default:
		return modelclient.StopReasonEndTurn
	}
}

// toSchema converts a JSON-Schema-shaped map (as carried by a discovered
// tool, §3) into a *genai.Schema. Only the subset the spec's
// DiscoveredTool actually needs (object/properties/required, primitive
// leaf types) is translated; anything unrecognized falls back to string.
func toSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	s := &genai.Schema{Type: schemaType(m["type"])}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = map[string]*genai.Schema{}
		for name, v := range props {
			if sub, ok := v.(map[string]any); ok {
				s.Properties[name] = toSchema(sub)
			}
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, v := range req {
			if str, ok := v.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}
	return s
}

func schemaType(v any) genai.Type {
	switch v {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeObject
	}
}

// isRetryable classifies transient failures (rate limits, 5xx, timeouts) by
// matching on the error text, mirroring the pack's google-provider
// classifier since the genai SDK does not expose a typed status code.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{
		"429", "rate limit", "too many requests", "resource exhausted", "quota",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func marshalArgs(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

var _ modelclient.Client = (*Client)(nil)
