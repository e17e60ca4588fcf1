package statefile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradelink/src/model"
)

func TestScopeStateRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	scope := model.Scope{Mode: model.ModeSim, Account: "Sim1"}
	entry := time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC)

	err = store.SaveScopeState(scope, ScopeState{
		EntryTime: &entry,
		MinPrice:  5090.25,
		MaxPrice:  5111.75,
	})
	require.NoError(t, err)

	loaded, err := store.LoadScopeState(scope)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, SchemaVersion, loaded.SchemaVersion)
	assert.True(t, loaded.EntryTime.Equal(entry))
	assert.Equal(t, 5090.25, loaded.MinPrice)
	assert.Equal(t, 5111.75, loaded.MaxPrice)
	assert.NotEmpty(t, loaded.UpdatedAt)

	_, err = time.Parse(time.RFC3339, loaded.UpdatedAt)
	assert.NoError(t, err, "updated_at must be ISO-8601")
}

func TestLoadMissingScopeStateIsNil(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	state, err := store.LoadScopeState(model.Scope{Mode: model.ModeDebug})
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestUnsupportedSchemaVersionDiscarded(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	scope := model.Scope{Mode: model.ModeSim, Account: "Sim1"}
	old := ScopeState{SchemaVersion: 1, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
	data, err := json.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.scopePath(scope), data, 0o644))

	state, err := store.LoadScopeState(scope)
	require.NoError(t, err)
	assert.Nil(t, state, "old schema versions must be discarded, not parsed")
}

func TestScopesGetSeparateFiles(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	simScope := model.Scope{Mode: model.ModeSim, Account: "Acct/1"}
	liveScope := model.Scope{Mode: model.ModeLive, Account: "Acct/1"}

	require.NoError(t, store.SaveScopeState(simScope, ScopeState{MinPrice: 1}))
	require.NoError(t, store.SaveScopeState(liveScope, ScopeState{MinPrice: 2}))

	sim, err := store.LoadScopeState(simScope)
	require.NoError(t, err)
	live, err := store.LoadScopeState(liveScope)
	require.NoError(t, err)

	assert.Equal(t, 1.0, sim.MinPrice)
	assert.Equal(t, 2.0, live.MinPrice)
}

func TestLastScopeRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	scope, savedAt, err := store.LoadLastScope()
	require.NoError(t, err)
	assert.Nil(t, scope)
	assert.True(t, savedAt.IsZero())

	want := model.Scope{Mode: model.ModeLive, Account: "LIVE-4411"}
	require.NoError(t, store.SaveLastScope(want))

	scope, savedAt, err = store.LoadLastScope()
	require.NoError(t, err)
	require.NotNil(t, scope)
	assert.Equal(t, want, *scope)
	assert.WithinDuration(t, time.Now().UTC(), savedAt, time.Minute)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	scope := model.Scope{Mode: model.ModeSim, Account: "Sim1"}
	require.NoError(t, store.SaveScopeState(scope, ScopeState{}))

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files must be renamed away")
}
