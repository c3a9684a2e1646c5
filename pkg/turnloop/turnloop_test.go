package turnloop

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurite-run/aurite/pkg/config"
	"github.com/aurite-run/aurite/pkg/host"
	"github.com/aurite-run/aurite/pkg/message"
	"github.com/aurite-run/aurite/pkg/modelclient"
)

// fakeHost implements the turnloop.Host interface with canned tools and
// deterministic per-name results, recording the order calls arrived in.
type fakeHost struct {
	tools   []host.DiscoveredTool
	called  []string
	results map[string]string
}

func (f *fakeHost) Tools(excluded []string) []host.DiscoveredTool { return f.tools }

func (f *fakeHost) CallTool(ctx context.Context, qualifiedName string, args map[string]any) message.ToolResultBlock {
	f.called = append(f.called, qualifiedName)
	return message.ToolResultBlock{Content: f.results[qualifiedName]}
}

// scriptedClient replays a fixed sequence of completions, one per call to
// Complete, regardless of the conversation passed in.
type scriptedClient struct {
	script []*modelclient.Completion
	calls  int32
}

func (s *scriptedClient) Complete(ctx context.Context, messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params) (*modelclient.Completion, error) {
	i := int(atomic.AddInt32(&s.calls, 1)) - 1
	if i >= len(s.script) {
		return nil, fmt.Errorf("scriptedClient: no more scripted completions")
	}
	return s.script[i], nil
}

func (s *scriptedClient) Stream(ctx context.Context, messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params) iter.Seq[modelclient.StreamEvent] {
	return func(yield func(modelclient.StreamEvent) bool) {}
}

func textCompletion(text string) *modelclient.Completion {
	return &modelclient.Completion{
		Message:    &message.Message{Role: message.RoleAssistant, Blocks: []message.Block{message.TextBlock{Text: text}}},
		StopReason: modelclient.StopReasonEndTurn,
	}
}

func toolUseCompletion(id, name string, input map[string]any) *modelclient.Completion {
	return &modelclient.Completion{
		Message:    &message.Message{Role: message.RoleAssistant, Blocks: []message.Block{message.ToolUseBlock{ID: id, Name: name, Input: input}}},
		StopReason: modelclient.StopReasonToolUse,
	}
}

func TestRun_SimpleFinalTurn(t *testing.T) {
	client := &scriptedClient{script: []*modelclient.Completion{textCompletion("hello there")}}
	h := &fakeHost{}
	cfg := &config.AgentConfig{Name: "a", MaxIterations: 5}

	result, err := Run(t.Context(), cfg, nil, h, client, modelclient.Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "hello there", result.FinalMessage.Text())
}

func TestRun_DispatchesToolThenFinishes(t *testing.T) {
	client := &scriptedClient{script: []*modelclient.Completion{
		toolUseCompletion("t1", "weather-get", map[string]any{"city": "nyc"}),
		textCompletion("it is sunny"),
	}}
	h := &fakeHost{
		tools:   []host.DiscoveredTool{{QualifiedName: "weather-get", ServerID: "weather", OriginalName: "get"}},
		results: map[string]string{"weather-get": "sunny, 72F"},
	}
	cfg := &config.AgentConfig{Name: "a", MaxIterations: 5}

	result, err := Run(t.Context(), cfg, nil, h, client, modelclient.Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "it is sunny", result.FinalMessage.Text())
	assert.Equal(t, []string{"weather-get"}, h.called)

	// the tool_result message must carry the originating tool_use id.
	var sawResult bool
	for _, m := range result.Conversation {
		if m.Role == message.RoleToolResult {
			for _, b := range m.Blocks {
				tr := b.(message.ToolResultBlock)
				assert.Equal(t, "t1", tr.ToolUseID)
				sawResult = true
			}
		}
	}
	assert.True(t, sawResult)
}

func TestRun_PreservesToolOrderRegardlessOfCompletionOrder(t *testing.T) {
	completion := &modelclient.Completion{
		Message: &message.Message{Role: message.RoleAssistant, Blocks: []message.Block{
			message.ToolUseBlock{ID: "1", Name: "slow-op", Input: nil},
			message.ToolUseBlock{ID: "2", Name: "fast-op", Input: nil},
		}},
		StopReason: modelclient.StopReasonToolUse,
	}
	client := &scriptedClient{script: []*modelclient.Completion{completion, textCompletion("done")}}
	h := &fakeHost{results: map[string]string{"slow-op": "slow result", "fast-op": "fast result"}}
	cfg := &config.AgentConfig{Name: "a", MaxIterations: 5}

	result, err := Run(t.Context(), cfg, nil, h, client, modelclient.Params{})
	require.NoError(t, err)

	var resultBlocks []message.Block
	for _, m := range result.Conversation {
		if m.Role == message.RoleToolResult {
			resultBlocks = m.Blocks
		}
	}
	require.Len(t, resultBlocks, 2)
	assert.Equal(t, "1", resultBlocks[0].(message.ToolResultBlock).ToolUseID)
	assert.Equal(t, "slow result", resultBlocks[0].(message.ToolResultBlock).Content)
	assert.Equal(t, "2", resultBlocks[1].(message.ToolResultBlock).ToolUseID)
	assert.Equal(t, "fast result", resultBlocks[1].(message.ToolResultBlock).Content)
}

func TestRun_MaxIterationsReached(t *testing.T) {
	completion := toolUseCompletion("1", "loop-op", nil)
	client := &scriptedClient{script: []*modelclient.Completion{completion, completion, completion}}
	h := &fakeHost{results: map[string]string{"loop-op": "ok"}}
	cfg := &config.AgentConfig{Name: "a", MaxIterations: 3}

	result, err := Run(t.Context(), cfg, nil, h, client, modelclient.Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusMaxIterations, result.Status)
	require.Error(t, result.Err)
	var maxErr *MaxIterationsError
	assert.ErrorAs(t, result.Err, &maxErr)
}

func TestRun_MalformedToolUseTurnContinuesRatherThanTerminates(t *testing.T) {
	malformed := &modelclient.Completion{
		Message:    &message.Message{Role: message.RoleAssistant, Blocks: []message.Block{message.TextBlock{Text: "oops"}}},
		StopReason: modelclient.StopReasonToolUse,
	}
	client := &scriptedClient{script: []*modelclient.Completion{malformed, textCompletion("recovered")}}
	h := &fakeHost{}
	cfg := &config.AgentConfig{Name: "a", MaxIterations: 5}

	result, err := Run(t.Context(), cfg, nil, h, client, modelclient.Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "recovered", result.FinalMessage.Text())
}

func TestRun_ResponseSchemaValidationRetriesOnFailure(t *testing.T) {
	client := &scriptedClient{script: []*modelclient.Completion{
		textCompletion(`{"name": 5}`),       // wrong type, fails schema
		textCompletion(`{"name": "Ada"}`),   // valid
	}}
	h := &fakeHost{}
	cfg := &config.AgentConfig{
		Name:          "a",
		MaxIterations: 5,
		ResponseSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
			"required":   []any{"name"},
		},
	}

	result, err := Run(t.Context(), cfg, nil, h, client, modelclient.Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.JSONEq(t, `{"name": "Ada"}`, result.FinalMessage.Text())
	assert.Equal(t, int32(2), client.calls)
}

func TestRun_ModelClientErrorIsTerminal(t *testing.T) {
	h := &fakeHost{}
	cfg := &config.AgentConfig{Name: "a", MaxIterations: 5}

	result, err := Run(t.Context(), cfg, nil, h, &scriptedClient{}, modelclient.Params{})
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.Error(t, result.Err)
}
