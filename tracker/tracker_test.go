package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharpsync/sharpsync/filter"
	"github.com/sharpsync/sharpsync/model"
)

func newTestTracker() *ChangeTracker {
	return New(filter.New(nil, nil))
}

func TestChangeTracker_CreatedThenDeleted_ResultsInDeleted(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.NotifyLocal("a.txt", model.ChangeCreated, 10, false))
	require.NoError(t, tr.NotifyLocal("a.txt", model.ChangeDeleted, 0, false))

	snap, err := tr.SnapshotLocal()
	require.NoError(t, err)
	require.Equal(t, model.ChangeDeleted, snap["a.txt"].ChangeType)
}

func TestChangeTracker_DeletedThenCreated_ResultsInChanged(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.NotifyLocal("a.txt", model.ChangeDeleted, 0, false))
	require.NoError(t, tr.NotifyLocal("a.txt", model.ChangeCreated, 20, false))

	snap, err := tr.SnapshotLocal()
	require.NoError(t, err)
	require.Equal(t, model.ChangeChanged, snap["a.txt"].ChangeType)
}

func TestChangeTracker_DuplicateChanged_KeepsLatestDetectedAt(t *testing.T) {
	tr := newTestTracker()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	calls := []time.Time{t1, t2}
	tr.now = func() time.Time {
		ts := calls[0]
		calls = calls[1:]
		return ts
	}

	require.NoError(t, tr.NotifyLocal("a.txt", model.ChangeChanged, 5, false))
	require.NoError(t, tr.NotifyLocal("a.txt", model.ChangeChanged, 6, false))

	snap, err := tr.SnapshotLocal()
	require.NoError(t, err)
	require.Equal(t, model.ChangeChanged, snap["a.txt"].ChangeType)
	require.True(t, snap["a.txt"].DetectedAt.Equal(t2))
	require.Equal(t, int64(6), snap["a.txt"].Size)
}

func TestChangeTracker_NotifyLocalRename_ExpandsToDeletedAndCreatedPair(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.NotifyLocalRename("old.txt", "new.txt"))

	snap, err := tr.SnapshotLocal()
	require.NoError(t, err)
	require.Len(t, snap, 2)
	require.Equal(t, model.ChangeDeleted, snap["old.txt"].ChangeType)
	require.Equal(t, model.Path("new.txt"), snap["old.txt"].RenamedTo)
	require.Equal(t, model.ChangeCreated, snap["new.txt"].ChangeType)
	require.Equal(t, model.Path("old.txt"), snap["new.txt"].RenamedFrom)
}

func TestChangeTracker_FilterExcludesPathAtIngress(t *testing.T) {
	tr := New(filter.New(nil, []string{"**/*.tmp"}))
	require.NoError(t, tr.NotifyLocal("a.tmp", model.ChangeCreated, 1, false))

	snap, err := tr.SnapshotLocal()
	require.NoError(t, err)
	require.Empty(t, snap)
}

func TestChangeTracker_LocalAndRemoteAreIndependent(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.NotifyLocal("a.txt", model.ChangeCreated, 1, false))
	require.NoError(t, tr.NotifyRemote("b.txt", model.ChangeCreated, 1, false))

	local, err := tr.SnapshotLocal()
	require.NoError(t, err)
	remote, err := tr.SnapshotRemote()
	require.NoError(t, err)

	require.Contains(t, local, model.Path("a.txt"))
	require.NotContains(t, local, model.Path("b.txt"))
	require.Contains(t, remote, model.Path("b.txt"))
	require.NotContains(t, remote, model.Path("a.txt"))
}

func TestChangeTracker_RemovePath_ClearsBothSides(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.NotifyLocal("a.txt", model.ChangeCreated, 1, false))
	require.NoError(t, tr.NotifyRemote("a.txt", model.ChangeCreated, 1, false))

	tr.RemovePath("a.txt")

	local, err := tr.SnapshotLocal()
	require.NoError(t, err)
	remote, err := tr.SnapshotRemote()
	require.NoError(t, err)
	require.NotContains(t, local, model.Path("a.txt"))
	require.NotContains(t, remote, model.Path("a.txt"))
}

func TestChangeTracker_ClearLocal_OnlyAffectsLocal(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.NotifyLocal("a.txt", model.ChangeCreated, 1, false))
	require.NoError(t, tr.NotifyRemote("b.txt", model.ChangeCreated, 1, false))

	require.NoError(t, tr.ClearLocal())

	local, err := tr.SnapshotLocal()
	require.NoError(t, err)
	remote, err := tr.SnapshotRemote()
	require.NoError(t, err)
	require.Empty(t, local)
	require.NotEmpty(t, remote)
}

func TestChangeTracker_DisposedTracker_FailsAllOperations(t *testing.T) {
	tr := newTestTracker()
	tr.Dispose()

	err := tr.NotifyLocal("a.txt", model.ChangeCreated, 1, false)
	require.Error(t, err)
	require.True(t, model.Is(err, model.ErrDisposed))

	_, err = tr.SnapshotLocal()
	require.Error(t, err)
	require.True(t, model.Is(err, model.ErrDisposed))
}

func TestChangeTracker_SnapshotIsACopy(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.NotifyLocal("a.txt", model.ChangeCreated, 1, false))

	snap, err := tr.SnapshotLocal()
	require.NoError(t, err)
	delete(snap, "a.txt")

	snap2, err := tr.SnapshotLocal()
	require.NoError(t, err)
	require.Contains(t, snap2, model.Path("a.txt"))
}
