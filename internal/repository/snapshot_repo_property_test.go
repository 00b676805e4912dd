package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripcol/gateway/internal/db"
	"github.com/stripcol/gateway/internal/model"
	"github.com/stripcol/gateway/internal/session"
)

func newTestRepo(t *testing.T) *SnapshotRepository {
	t.Helper()
	testDB, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })
	return NewSnapshotRepository(testDB)
}

func TestSnapshotSaveAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	snap := model.SessionSnapshot{
		Code:       "abc12",
		Controller: &model.ControllerInfo{Callsign: "SKBO_TWR", Facility: 4, PositionID: "BOT"},
		Aircraft:   []json.RawMessage{json.RawMessage(`{"callsign":"AVA1"}`)},
		ATCList:    json.RawMessage(`[{"callsign":"SKBO_APP"}]`),
		UpdatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.Save(ctx, snap))

	got, err := repo.GetByCode(ctx, "ABC12")
	require.NoError(t, err)
	assert.Equal(t, "ABC12", got.Code)
	require.NotNil(t, got.Controller)
	assert.Equal(t, "SKBO_TWR", got.Controller.Callsign)
	assert.Equal(t, model.Facility(4), got.Controller.Facility)
	require.Len(t, got.Aircraft, 1)
	assert.JSONEq(t, `{"callsign":"AVA1"}`, string(got.Aircraft[0]))
	assert.JSONEq(t, `[{"callsign":"SKBO_APP"}]`, string(got.ATCList))
	assert.True(t, snap.UpdatedAt.Equal(got.UpdatedAt))

	// Save replaces the previous row.
	snap.Aircraft = nil
	snap.Controller = nil
	require.NoError(t, repo.Save(ctx, snap))
	got, err = repo.GetByCode(ctx, "ABC12")
	require.NoError(t, err)
	assert.Nil(t, got.Controller)
	assert.Empty(t, got.Aircraft)
}

func TestSnapshotNotFound(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetByCode(ctx, "NOPE1")
	assert.ErrorIs(t, err, model.ErrNoSession)
	assert.ErrorIs(t, repo.Delete(ctx, "NOPE1"), model.ErrNoSession)

	snap, err := repo.Loader(ctx)("NOPE1")
	assert.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotDeleteOlderThan(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, model.SessionSnapshot{Code: "OLD01", UpdatedAt: base.Add(-10 * time.Hour)}))
	require.NoError(t, repo.Save(ctx, model.SessionSnapshot{Code: "NEW01", UpdatedAt: base}))

	n, err := repo.DeleteOlderThan(ctx, base.Add(-6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	snaps, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "NEW01", snaps[0].Code)
}

// TestRegistryRestoresFromRepository wires the repository in as the registry
// loader the way the gateway does on startup.
func TestRegistryRestoresFromRepository(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "snapshot_test_*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	db.ResetDB()
	testDB, err := db.InitDB(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	defer db.ResetDB()

	repo := NewSnapshotRepository(testDB)
	ctx := context.Background()

	first := session.NewRegistry()
	first.Register("ABC12", nil, model.ControllerInfo{Callsign: "SKBO_GND", Facility: 3})
	first.ApplyAndCache("ABC12", mustEnvelope(t, `{"type":"aircraft","callsign":"AVA1","departure":"SKBO"}`))
	for _, snap := range first.TakeDirty() {
		require.NoError(t, repo.Save(ctx, snap))
	}

	second := session.NewRegistry(session.WithLoader(repo.Loader(ctx)))
	aircraft, err := second.Aircraft("ABC12")
	assert.ErrorIs(t, err, model.ErrNoSession, "loading is lazy")

	second.GetOrCreate("abc12")
	aircraft, err = second.Aircraft("ABC12")
	require.NoError(t, err)
	require.Len(t, aircraft, 1)
	assert.False(t, second.Paired("ABC12"), "plugin bindings are never restored")

	info, _, ok := second.PresenceInput("ABC12")
	require.True(t, ok)
	require.NotNil(t, info)
	assert.Equal(t, "SKBO_GND", info.Callsign)
}

func mustEnvelope(t *testing.T, frame string) *model.Envelope {
	t.Helper()
	env, err := model.ParseEnvelope([]byte(frame))
	require.NoError(t, err)
	return env
}

// Property: any saved snapshot reads back with the same code, aircraft and
// ATC list.
func TestSnapshotPersistenceProperty(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	codeGen := gen.RegexMatch(`[A-Z0-9]{5}`)

	properties.Property("saved snapshots can be retrieved", prop.ForAll(
		func(code string, callsigns []string) bool {
			aircraft := make([]json.RawMessage, 0, len(callsigns))
			for _, cs := range callsigns {
				aircraft = append(aircraft, json.RawMessage(fmt.Sprintf(`{"callsign":%q}`, cs)))
			}
			snap := model.SessionSnapshot{
				Code:     code,
				Aircraft: aircraft,
				ATCList:  json.RawMessage(`[]`),
			}
			if err := repo.Save(ctx, snap); err != nil {
				t.Logf("save failed: %v", err)
				return false
			}

			got, err := repo.GetByCode(ctx, code)
			if err != nil || got.Code != code || len(got.Aircraft) != len(aircraft) {
				return false
			}
			for i := range aircraft {
				if string(got.Aircraft[i]) != string(aircraft[i]) {
					return false
				}
			}
			return string(got.ATCList) == "[]"
		},
		codeGen,
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
