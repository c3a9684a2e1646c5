package engine

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurite-run/aurite/pkg/config"
	"github.com/aurite-run/aurite/pkg/host"
	"github.com/aurite-run/aurite/pkg/message"
	"github.com/aurite-run/aurite/pkg/modelclient"
	"github.com/aurite-run/aurite/pkg/session"
)

// scriptedStreamClient replays one fixed event sequence per Stream call,
// advancing to the next turn's script on each subsequent call.
type scriptedStreamClient struct {
	turns [][]modelclient.StreamEvent
	calls int
}

func (s *scriptedStreamClient) Complete(ctx context.Context, messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params) (*modelclient.Completion, error) {
	panic("scriptedStreamClient: Complete should not be called by StreamAgent")
}

func (s *scriptedStreamClient) Stream(ctx context.Context, messages []message.Message, tools []modelclient.ToolSpec, params modelclient.Params) iter.Seq[modelclient.StreamEvent] {
	turn := s.calls
	s.calls++
	return func(yield func(modelclient.StreamEvent) bool) {
		if turn >= len(s.turns) {
			return
		}
		for _, ev := range s.turns[turn] {
			if !yield(ev) {
				return
			}
		}
	}
}

func newStreamTestEngine(t *testing.T, client modelclient.Client) *Engine {
	t.Helper()
	idx, err := config.NewIndex(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, idx.Register(&config.ComponentRecord{
		Kind: config.KindLLM, ID: "test-llm",
		Body: map[string]any{"name": "test-llm", "provider": "fake"},
	}))
	require.NoError(t, idx.Register(&config.ComponentRecord{
		Kind: config.KindAgent, ID: "streamer",
		Body: map[string]any{"name": "streamer", "llm_config_id": "test-llm", "include_history": true, "max_iterations": 5},
	}))

	h := host.New(idx.Env())
	store, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)
	factories := map[string]ClientFactory{
		"fake": func(cfg *config.LLMConfig) (modelclient.Client, error) { return client, nil },
	}
	return New(idx, h, store, factories)
}

func textTurn(text string) []modelclient.StreamEvent {
	return []modelclient.StreamEvent{
		{Type: modelclient.EventTextDelta, Index: 0, Text: text},
		{Type: modelclient.EventContentBlockStop, Index: 0},
		{Type: modelclient.EventMessageStop, Reason: modelclient.StopReasonEndTurn},
	}
}

func TestStreamAgent_BeginsWithSessionInfoAndEndsWithStreamEnd(t *testing.T) {
	client := &scriptedStreamClient{turns: [][]modelclient.StreamEvent{textTurn("hello stream")}}
	e := newStreamTestEngine(t, client)

	stream, err := e.StreamAgent(t.Context(), "streamer", "hi", Options{})
	require.NoError(t, err)

	var events []StreamEvent
	for ev := range stream.Events {
		events = append(events, ev)
	}
	require.NoError(t, stream.Err())

	require.NotEmpty(t, events)
	assert.Equal(t, EventSessionInfo, events[0].Type)
	assert.NotEmpty(t, events[0].SessionID)
	assert.Equal(t, EventStreamEnd, events[len(events)-1].Type)

	var sawText bool
	for _, ev := range events {
		if ev.Type == modelclient.EventTextDelta {
			assert.Equal(t, "hello stream", ev.Text)
			sawText = true
		}
	}
	assert.True(t, sawText)
}

func TestStreamAgent_InterleavesToolResultEvents(t *testing.T) {
	toolTurn := []modelclient.StreamEvent{
		{Type: modelclient.EventToolUseStart, Index: 0, ID: "t1", Name: "weather-get"},
		{Type: modelclient.EventToolUseInputDelta, Index: 0, JSON: `{"city":"nyc"}`},
		{Type: modelclient.EventContentBlockStop, Index: 0},
		{Type: modelclient.EventMessageStop, Reason: modelclient.StopReasonToolUse},
	}
	client := &scriptedStreamClient{turns: [][]modelclient.StreamEvent{toolTurn, textTurn("it is sunny")}}
	e := newStreamTestEngine(t, client)

	// weather-get isn't registered with any live server, so the Host
	// routes it to an is_error ToolResult rather than failing the run
	// (§4.3: "the Host must not throw on tool-side errors").
	stream, err := e.StreamAgent(t.Context(), "streamer", "weather?", Options{})
	require.NoError(t, err)

	var sawToolResult bool
	for ev := range stream.Events {
		if ev.Type == EventToolResult {
			assert.Equal(t, "t1", ev.ToolUseID)
			assert.True(t, ev.IsError)
			sawToolResult = true
		}
	}
	require.NoError(t, stream.Err())
	assert.True(t, sawToolResult)
}

func TestStreamAgent_PersistsHistoryOnFinalization(t *testing.T) {
	client := &scriptedStreamClient{turns: [][]modelclient.StreamEvent{textTurn("persisted reply")}}
	e := newStreamTestEngine(t, client)

	stream, err := e.StreamAgent(t.Context(), "streamer", "hi", Options{SessionID: "mine"})
	require.NoError(t, err)

	var sessionID string
	for ev := range stream.Events {
		if ev.Type == EventSessionInfo {
			sessionID = ev.SessionID
		}
	}
	require.NoError(t, stream.Err())
	require.Equal(t, "agent-mine", sessionID)

	stored, err := e.Store.Get(sessionID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stored.MessageCount, 2)
}

func TestStreamAgent_UnknownAgentFailsFastBeforeStreaming(t *testing.T) {
	e := newStreamTestEngine(t, &scriptedStreamClient{})

	_, err := e.StreamAgent(t.Context(), "does-not-exist", "hi", Options{})
	require.Error(t, err)
	var notFound *config.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}
