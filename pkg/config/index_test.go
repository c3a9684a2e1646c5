package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAnchor(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".aurite"), []byte("aurite:\n  type: project\n"), 0o644))
}

func writeAgentDoc(t *testing.T, dir, id string) {
	t.Helper()
	body := "kind: agent\nname: " + id + "\nmax_iterations: 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".aurite.yaml"), []byte(body), 0o644))
}

func TestNewIndex_ResolvesComponentsUnderAnchor(t *testing.T) {
	dir := t.TempDir()
	writeAnchor(t, dir)
	writeAgentDoc(t, dir, "weather_agent")

	idx, err := NewIndex(dir, WithUserConfigDir(filepath.Join(dir, "no-such-user-dir")))
	require.NoError(t, err)
	defer idx.Close()

	rec, err := idx.Get(KindAgent, "weather_agent")
	require.NoError(t, err)
	cfg, err := rec.AsAgentConfig()
	require.NoError(t, err)
	assert.Equal(t, "weather_agent", cfg.Name)
	assert.Equal(t, 3, cfg.MaxIterations)
}

func TestIndex_Get_NotFound(t *testing.T) {
	dir := t.TempDir()
	writeAnchor(t, dir)

	idx, err := NewIndex(dir, WithUserConfigDir(filepath.Join(dir, "no-such-user-dir")))
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Get(KindAgent, "missing")
	require.Error(t, err)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestIndex_List_ReturnsEveryRecordOfKind(t *testing.T) {
	dir := t.TempDir()
	writeAnchor(t, dir)
	writeAgentDoc(t, dir, "agent_one")
	writeAgentDoc(t, dir, "agent_two")

	idx, err := NewIndex(dir, WithUserConfigDir(filepath.Join(dir, "no-such-user-dir")))
	require.NoError(t, err)
	defer idx.Close()

	recs := idx.List(KindAgent)
	assert.Len(t, recs, 2)
}

func TestIndex_Register_ProgrammaticRecordWinsOverFileRecord(t *testing.T) {
	dir := t.TempDir()
	writeAnchor(t, dir)
	writeAgentDoc(t, dir, "weather_agent")

	idx, err := NewIndex(dir, WithUserConfigDir(filepath.Join(dir, "no-such-user-dir")))
	require.NoError(t, err)
	defer idx.Close()

	err = idx.Register(&ComponentRecord{
		Kind: KindAgent,
		ID:   "weather_agent",
		Body: map[string]any{"name": "weather_agent", "max_iterations": 99},
	})
	require.NoError(t, err)

	rec, err := idx.Get(KindAgent, "weather_agent")
	require.NoError(t, err)
	assert.Equal(t, LevelProgrammatic, rec.Level)
	cfg, err := rec.AsAgentConfig()
	require.NoError(t, err)
	assert.Equal(t, 99, cfg.MaxIterations)
}

func TestIndex_Register_ConflictsOnDuplicateProgrammaticID(t *testing.T) {
	dir := t.TempDir()
	writeAnchor(t, dir)

	idx, err := NewIndex(dir, WithUserConfigDir(filepath.Join(dir, "no-such-user-dir")))
	require.NoError(t, err)
	defer idx.Close()

	rec := &ComponentRecord{Kind: KindAgent, ID: "dup", Body: map[string]any{"name": "dup"}}
	require.NoError(t, idx.Register(rec))

	err = idx.Register(&ComponentRecord{Kind: KindAgent, ID: "dup", Body: map[string]any{"name": "dup"}})
	require.Error(t, err)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestIndex_ForceRefresh_PicksUpFileAddedAfterConstruction(t *testing.T) {
	dir := t.TempDir()
	writeAnchor(t, dir)

	idx, err := NewIndex(dir, WithUserConfigDir(filepath.Join(dir, "no-such-user-dir")), WithForceRefresh(true))
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.Get(KindAgent, "late_agent")
	require.Error(t, err)

	writeAgentDoc(t, dir, "late_agent")

	rec, err := idx.Get(KindAgent, "late_agent")
	require.NoError(t, err)
	assert.Equal(t, "late_agent", rec.ID)
}

func TestIndex_NoForceRefresh_ServesStaleSnapshotUntilExplicitRefresh(t *testing.T) {
	dir := t.TempDir()
	writeAnchor(t, dir)

	idx, err := NewIndex(dir, WithUserConfigDir(filepath.Join(dir, "no-such-user-dir")), WithForceRefresh(false))
	require.NoError(t, err)
	defer idx.Close()

	writeAgentDoc(t, dir, "late_agent")

	_, err = idx.Get(KindAgent, "late_agent")
	require.Error(t, err, "production mode must not rebuild on every Get")

	require.NoError(t, idx.refresh())
	rec, err := idx.Get(KindAgent, "late_agent")
	require.NoError(t, err)
	assert.Equal(t, "late_agent", rec.ID)
}

func TestForceRefreshDefault_DefaultsTrueWhenUnset(t *testing.T) {
	t.Setenv("FORCE_CONFIG_REFRESH", "")
	os.Unsetenv("FORCE_CONFIG_REFRESH")
	assert.True(t, forceRefreshDefault())
}

func TestForceRefreshDefault_HonorsExplicitFalse(t *testing.T) {
	t.Setenv("FORCE_CONFIG_REFRESH", "false")
	assert.False(t, forceRefreshDefault())
}

func TestIndex_ValidateAll_ReportsMissingTransportField(t *testing.T) {
	dir := t.TempDir()
	writeAnchor(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.aurite.yaml"), []byte("kind: mcp_server\nname: broken\ntransport: subprocess\n"), 0o644))

	idx, err := NewIndex(dir, WithUserConfigDir(filepath.Join(dir, "no-such-user-dir")))
	require.NoError(t, err)
	defer idx.Close()

	errs := idx.ValidateAll()
	require.Len(t, errs, 1)
	var invalid *InvalidError
	require.ErrorAs(t, errs[0], &invalid)
	assert.Equal(t, "broken", invalid.ID)
}
