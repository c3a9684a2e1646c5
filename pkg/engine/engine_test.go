package engine

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurite-run/aurite/pkg/config"
	"github.com/aurite-run/aurite/pkg/host"
	"github.com/aurite-run/aurite/pkg/message"
	"github.com/aurite-run/aurite/pkg/modelclient"
	"github.com/aurite-run/aurite/pkg/session"
)

// fakeModelClient always produces a fixed final text response.
type fakeModelClient struct{ reply string }

func (c *fakeModelClient) Complete(ctx context.Context, messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params) (*modelclient.Completion, error) {
	return &modelclient.Completion{
		Message:    &message.Message{Role: message.RoleAssistant, Blocks: []message.Block{message.TextBlock{Text: c.reply}}},
		StopReason: modelclient.StopReasonEndTurn,
	}, nil
}

func (c *fakeModelClient) Stream(ctx context.Context, messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params) iter.Seq[modelclient.StreamEvent] {
	return func(yield func(modelclient.StreamEvent) bool) {}
}

func newTestEngine(t *testing.T, reply string) *Engine {
	t.Helper()
	idx, err := config.NewIndex(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, idx.Register(&config.ComponentRecord{
		Kind: config.KindLLM,
		ID:   "test-llm",
		Body: map[string]any{"name": "test-llm", "provider": "fake", "model": "fake-1"},
	}))
	require.NoError(t, idx.Register(&config.ComponentRecord{
		Kind: config.KindAgent,
		ID:   "greeter",
		Body: map[string]any{
			"name":            "greeter",
			"llm_config_id":   "test-llm",
			"include_history": true,
			"max_iterations":  5,
		},
	}))

	h := host.New(idx.Env())
	store, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)

	factories := map[string]ClientFactory{
		"fake": func(cfg *config.LLMConfig) (modelclient.Client, error) {
			return &fakeModelClient{reply: reply}, nil
		},
	}
	return New(idx, h, store, factories)
}

func TestEngine_RunAgent_SynthesizesPrefixedSessionID(t *testing.T) {
	e := newTestEngine(t, "hello!")

	result, err := e.RunAgent(t.Context(), "greeter", "hi", Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "hello!", result.FinalMessage.Text())
	assert.True(t, strings.HasPrefix(result.SessionID, "agent-"))
}

func TestEngine_RunAgent_RewritesUnprefixedSessionID(t *testing.T) {
	e := newTestEngine(t, "hi there")

	result, err := e.RunAgent(t.Context(), "greeter", "hi", Options{SessionID: "mysession"})
	require.NoError(t, err)
	assert.Equal(t, "agent-mysession", result.SessionID)
}

func TestEngine_RunAgent_PersistsHistoryAcrossCalls(t *testing.T) {
	e := newTestEngine(t, "first reply")

	result, err := e.RunAgent(t.Context(), "greeter", "hi", Options{SessionID: "chat-1"})
	require.NoError(t, err)

	e.clients = map[string]modelclient.Client{} // force a fresh client, simulating a new process
	e.factories["fake"] = func(cfg *config.LLMConfig) (modelclient.Client, error) {
		return &fakeModelClient{reply: "second reply"}, nil
	}

	result2, err := e.RunAgent(t.Context(), "greeter", "again", Options{SessionID: result.SessionID})
	require.NoError(t, err)
	assert.Equal(t, "second reply", result2.FinalMessage.Text())

	stored, err := e.Store.Get(result.SessionID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stored.MessageCount, 2)
}

func TestEngine_RunAgent_UnknownAgentIsConfigNotFound(t *testing.T) {
	e := newTestEngine(t, "unused")

	_, err := e.RunAgent(t.Context(), "does-not-exist", "hi", Options{})
	require.Error(t, err)
	var notFound *config.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestEngine_RunLinearWorkflow_ChainsStepOutputAsNextInput(t *testing.T) {
	idx, err := config.NewIndex(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, idx.Register(&config.ComponentRecord{
		Kind: config.KindLLM, ID: "test-llm",
		Body: map[string]any{"name": "test-llm", "provider": "fake"},
	}))
	require.NoError(t, idx.Register(&config.ComponentRecord{
		Kind: config.KindAgent, ID: "step1",
		Body: map[string]any{"name": "step1", "llm_config_id": "test-llm", "include_history": true},
	}))
	require.NoError(t, idx.Register(&config.ComponentRecord{
		Kind: config.KindAgent, ID: "step2",
		Body: map[string]any{"name": "step2", "llm_config_id": "test-llm", "include_history": true},
	}))
	require.NoError(t, idx.Register(&config.ComponentRecord{
		Kind: config.KindLinearWorkflow, ID: "pipeline",
		Body: map[string]any{
			"name": "pipeline",
			"steps": []any{
				map[string]any{"component_id": "step1"},
				map[string]any{"component_id": "step2"},
			},
		},
	}))

	h := host.New(idx.Env())
	store, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)
	factories := map[string]ClientFactory{
		"fake": func(cfg *config.LLMConfig) (modelclient.Client, error) {
			return &fakeModelClient{reply: "step output"}, nil
		},
	}
	e := New(idx, h, store, factories)

	result, err := e.RunLinearWorkflow(t.Context(), "pipeline", "seed", Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	require.Len(t, result.Steps, 2)
	assert.True(t, strings.HasPrefix(result.SessionID, "workflow-"))
	assert.Equal(t, result.BaseID, result.SessionID)
	for _, step := range result.Steps {
		assert.NoError(t, step.Err)
		assert.Equal(t, "step output", step.Result.FinalMessage.Text())
	}
}

func TestEngine_CustomWorkflow_InvokesRegisteredInProcessCallable(t *testing.T) {
	idx, err := config.NewIndex(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, idx.Register(&config.ComponentRecord{
		Kind: config.KindCustomWorkflow, ID: "greet",
		Body: map[string]any{"name": "greet", "entry_point": "engine-test-greet"},
	}))

	h := host.New(idx.Env())
	store, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)
	e := New(idx, h, store, nil)

	RegisterCustomWorkflow("engine-test-greet", func(ctx context.Context, input string, facade Facade, sessionID string) (any, error) {
		return "processed: " + input, nil
	})

	out, err := e.RunCustomWorkflow(t.Context(), "greet", "payload", Options{})
	require.NoError(t, err)
	assert.Equal(t, "processed: payload", out)
}

func TestEngine_CustomWorkflow_WrapsCallableErrorAsCustomWorkflowFailed(t *testing.T) {
	idx, err := config.NewIndex(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, idx.Register(&config.ComponentRecord{
		Kind: config.KindCustomWorkflow, ID: "broken",
		Body: map[string]any{"name": "broken", "entry_point": "engine-test-broken"},
	}))

	h := host.New(idx.Env())
	store, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)
	e := New(idx, h, store, nil)

	wantErr := errors.New("boom")
	RegisterCustomWorkflow("engine-test-broken", func(ctx context.Context, input string, facade Facade, sessionID string) (any, error) {
		return nil, wantErr
	})

	_, err = e.RunCustomWorkflow(t.Context(), "broken", "payload", Options{})
	require.Error(t, err)
	var wrapped *CustomWorkflowError
	require.ErrorAs(t, err, &wrapped)
	assert.Equal(t, "broken", wrapped.WorkflowID)
	assert.ErrorIs(t, err, wantErr)
}
