package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurite-run/aurite/pkg/message"
)

func TestFileStore_SaveAgent_PreservesCreatedAt(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	sess, err := store.SaveAgent("agent-aaaaaaaa", "agent-aaaaaaaa", nil, nil)
	require.NoError(t, err)
	firstCreated := sess.CreatedAt

	time.Sleep(2 * time.Millisecond)
	sess2, err := store.SaveAgent("agent-aaaaaaaa", "agent-aaaaaaaa", "done", []StoredMessage{{AgentName: "a", Role: "user", Blocks: []message.WireBlock{{Kind: message.KindText, Text: "hi"}}}})
	require.NoError(t, err)

	assert.Equal(t, firstCreated, sess2.CreatedAt)
	assert.True(t, sess2.LastUpdated.After(firstCreated) || sess2.LastUpdated.Equal(firstCreated))
	assert.Equal(t, 1, sess2.MessageCount)
}

func TestFileStore_Get_ByPartialBaseID(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.SaveAgent("agent-11111111", "workflow-w1", nil, nil)
	require.NoError(t, err)

	sess, err := store.Get("workflow-w1")
	require.NoError(t, err)
	assert.Equal(t, "agent-11111111", sess.ID)
}

func TestFileStore_Get_AmbiguousPartialID(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.SaveAgent("agent-11111111", "workflow-w1", nil, nil)
	require.NoError(t, err)
	_, err = store.SaveAgent("agent-22222222", "workflow-w1", nil, nil)
	require.NoError(t, err)

	_, err = store.Get("workflow-w1")
	require.Error(t, err)
	var ambiguous *AmbiguousPartialIDError
	require.ErrorAs(t, err, &ambiguous)
	assert.Len(t, ambiguous.Candidates, 2)
}

func TestFileStore_Get_NotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get("agent-missing")
	require.Error(t, err)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestFileStore_Delete_CascadesToChildAgents(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.SaveAgent("agent-11111111", "workflow-w1", nil, nil)
	require.NoError(t, err)
	_, err = store.SaveAgent("agent-22222222", "workflow-w1", nil, nil)
	require.NoError(t, err)
	_, err = store.SaveWorkflow("workflow-w1", "workflow-w1", nil, map[string]string{
		"agent-11111111": "step1",
		"agent-22222222": "step2",
	})
	require.NoError(t, err)

	require.NoError(t, store.Delete("workflow-w1"))

	_, err = store.Get("workflow-w1")
	assert.Error(t, err)
	_, err = store.Get("agent-11111111")
	assert.Error(t, err)
	_, err = store.Get("agent-22222222")
	assert.Error(t, err)
}

func TestFileStore_Delete_ChildPatchesParentAgentsInvolved(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.SaveAgent("agent-11111111", "workflow-w1", nil, nil)
	require.NoError(t, err)
	_, err = store.SaveWorkflow("workflow-w1", "workflow-w1", nil, map[string]string{
		"agent-11111111": "step1",
	})
	require.NoError(t, err)

	require.NoError(t, store.Delete("agent-11111111"))

	wf, err := store.Get("workflow-w1")
	require.NoError(t, err)
	_, stillThere := wf.AgentsInvolved["agent-11111111"]
	assert.False(t, stillThere)
}

func TestFileStore_AppendMessage_DurableAcrossAbort(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.AppendMessage("agent-33333333", "weather_agent", "assistant", []message.WireBlock{{Kind: message.KindText, Text: "partial"}}))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	sess, err := reopened.Get("agent-33333333")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "partial", sess.Messages[0].Text())
}

func TestFileStore_Cleanup_RemovesStaleSessions(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	sess, err := store.SaveAgent("agent-44444444", "agent-44444444", nil, nil)
	require.NoError(t, err)
	sess.LastUpdated = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.persist(sess))

	removed, err := store.Cleanup(24*time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get("agent-44444444")
	assert.Error(t, err)
}

func TestFileStore_Cleanup_CapsSessionCountRegardlessOfAge(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := store.SaveAgent(fmt.Sprintf("agent-%d", i), fmt.Sprintf("agent-%d", i), nil, nil)
		require.NoError(t, err)
	}

	removed, err := store.Cleanup(0, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	sessions, err := store.List(ListFilter{})
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestFileStore_Cleanup_NoOpWhenBothUnbounded(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.SaveAgent("agent-1", "agent-1", nil, nil)
	require.NoError(t, err)

	removed, err := store.Cleanup(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestSanitizeFilename_StripsUnsafeCharacters(t *testing.T) {
	assert.Equal(t, "agent-abcd1234", sanitizeFilename("agent-abcd1234"))
	assert.Equal(t, "agentabcd1234", sanitizeFilename("agent/../abcd1234"))
	assert.Equal(t, "", sanitizeFilename("../../etc/passwd"))
}
