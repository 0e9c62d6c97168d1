package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharpsync/sharpsync/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s := New(dbPath)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_GetState_UntrackedReturnsNil(t *testing.T) {
	s := newTestStore(t)
	st, err := s.GetState(context.Background(), "a/b.txt")
	require.NoError(t, err)
	require.Nil(t, st)
}

func TestStore_UpdateState_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	in := &model.SyncState{
		Path:          "docs/readme.md",
		Size:          42,
		LocalHash:     "abc",
		RemoteHash:    "abc",
		LocalModified: &now,
		Status:        model.StatusSynced,
	}
	require.NoError(t, s.UpdateState(ctx, in))
	require.NotEmpty(t, in.ID)

	out, err := s.GetState(ctx, "docs/readme.md")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, in.Size, out.Size)
	require.Equal(t, in.LocalHash, out.LocalHash)
	require.Equal(t, model.StatusSynced, out.Status)
	require.True(t, in.LocalModified.Equal(*out.LocalModified))
}

func TestStore_GetStatesByPrefix_MatchesFolderAndDescendants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []model.Path{"a", "a/b.txt", "a/c/d.txt", "z/other.txt"} {
		require.NoError(t, s.UpdateState(ctx, &model.SyncState{Path: p, Status: model.StatusSynced}))
	}

	states, err := s.GetStatesByPrefix(ctx, "a")
	require.NoError(t, err)
	got := map[model.Path]bool{}
	for _, st := range states {
		got[st.Path] = true
	}
	require.True(t, got["a"])
	require.True(t, got["a/b.txt"])
	require.True(t, got["a/c/d.txt"])
	require.False(t, got["z/other.txt"])
}

func TestStore_GetPendingStates_ExcludesSyncedAndIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateState(ctx, &model.SyncState{Path: "synced.txt", Status: model.StatusSynced}))
	require.NoError(t, s.UpdateState(ctx, &model.SyncState{Path: "ignored.txt", Status: model.StatusIgnored}))
	require.NoError(t, s.UpdateState(ctx, &model.SyncState{Path: "dirty.txt", Status: model.StatusLocalModified}))

	pending, err := s.GetPendingStates(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, model.Path("dirty.txt"), pending[0].Path)
}

func TestStore_Transaction_RollbackLeavesNoTrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = tx.tx.ExecContext(ctx, "INSERT INTO sync_states (id, path, size, status) VALUES ('x', 'temp.txt', 0, 'Synced')")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback()) // idempotent

	st, err := s.GetState(ctx, "temp.txt")
	require.NoError(t, err)
	require.Nil(t, st)
}

func TestStore_DeleteState_RemovesEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateState(ctx, &model.SyncState{Path: "gone.txt", Status: model.StatusSynced}))
	require.NoError(t, s.DeleteState(ctx, "gone.txt"))

	st, err := s.GetState(ctx, "gone.txt")
	require.NoError(t, err)
	require.Nil(t, st)
}

func TestStore_LogOperation_AndRecentOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC()
	op := &model.OperationHistory{
		Path:        "a.txt",
		ActionType:  model.ActionUpload,
		Source:      model.SourceLocal,
		StartedAt:   start,
		CompletedAt: start.Add(time.Second),
		Success:     true,
	}
	require.NoError(t, s.LogOperation(ctx, op))

	ops, err := s.GetRecentOperations(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, model.Path("a.txt"), ops[0].Path)
}

func TestStore_ClearOperationHistory_DeletesOlderRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.LogOperation(ctx, &model.OperationHistory{
		Path: "old.txt", ActionType: model.ActionUpload, Source: model.SourceLocal,
		StartedAt: old, CompletedAt: old, Success: true,
	}))
	recent := time.Now().UTC()
	require.NoError(t, s.LogOperation(ctx, &model.OperationHistory{
		Path: "new.txt", ActionType: model.ActionUpload, Source: model.SourceLocal,
		StartedAt: recent, CompletedAt: recent, Success: true,
	}))

	n, err := s.ClearOperationHistory(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ops, err := s.GetRecentOperations(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, model.Path("new.txt"), ops[0].Path)
}

func TestStore_UninitializedStore_ReturnsNotInitialized(t *testing.T) {
	s := New(":memory:")
	_, err := s.GetState(context.Background(), "a.txt")
	require.Error(t, err)
	require.True(t, model.Is(err, model.ErrNotInitialized))
}
