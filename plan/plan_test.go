package plan

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharpsync/sharpsync/filter"
	"github.com/sharpsync/sharpsync/model"
	"github.com/sharpsync/sharpsync/storage"
	"github.com/sharpsync/sharpsync/store"
	"github.com/sharpsync/sharpsync/tracker"
)

func newTestPlanner(t *testing.T) (*Planner, *store.Store, storage.Storage, storage.Storage) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	st := store.New(dbPath)
	require.NoError(t, st.Initialize(context.Background()))
	t.Cleanup(func() { st.Close() })

	local, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "local"))
	require.NoError(t, err)
	remote, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "remote"))
	require.NoError(t, err)

	p := New(st, local, remote, filter.Default(), tracker.New(filter.Default()))
	return p, st, local, remote
}

func writeFile(t *testing.T, s storage.Storage, path model.Path, content string) {
	t.Helper()
	r := io.NopCloser(strings.NewReader(content))
	require.NoError(t, s.WriteFile(context.Background(), path, r, int64(len(content)), nil))
}

func TestPlanner_UntrackedLocalOnly_ProducesUpload(t *testing.T) {
	p, _, local, _ := newTestPlanner(t)
	writeFile(t, local, "a.txt", "hello")

	plan, err := p.Plan(context.Background(), model.DefaultSyncOptions())
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	require.Equal(t, model.ActionUpload, plan.Actions[0].ActionType)
	require.Equal(t, model.Path("a.txt"), plan.Actions[0].Path)
}

func TestPlanner_UntrackedRemoteOnly_ProducesDownload(t *testing.T) {
	p, _, _, remote := newTestPlanner(t)
	writeFile(t, remote, "a.txt", "hello")

	plan, err := p.Plan(context.Background(), model.DefaultSyncOptions())
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	require.Equal(t, model.ActionDownload, plan.Actions[0].ActionType)
}

func TestPlanner_UntrackedRemoteOnly_DeleteExtraneousDeletesInstead(t *testing.T) {
	p, _, _, remote := newTestPlanner(t)
	writeFile(t, remote, "a.txt", "hello")

	opts := model.DefaultSyncOptions()
	opts.DeleteExtraneous = true
	plan, err := p.Plan(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	require.Equal(t, model.ActionDeleteRemote, plan.Actions[0].ActionType)
}

func TestPlanner_BothSidesUntracked_ProducesConflict(t *testing.T) {
	p, _, local, remote := newTestPlanner(t)
	writeFile(t, local, "a.txt", "hello")
	writeFile(t, remote, "a.txt", "world")

	plan, err := p.Plan(context.Background(), model.DefaultSyncOptions())
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	require.Equal(t, model.ActionConflict, plan.Actions[0].ActionType)
	require.Equal(t, model.ConflictBothModified, plan.Actions[0].ConflictType)
}

func TestPlanner_TrackedUnchanged_ProducesNoAction(t *testing.T) {
	p, st, local, remote := newTestPlanner(t)
	writeFile(t, local, "a.txt", "hello")
	writeFile(t, remote, "a.txt", "hello")

	now := time.Now()
	require.NoError(t, st.UpdateState(context.Background(), &model.SyncState{
		Path: "a.txt", Size: 5, LocalModified: &now, RemoteModified: &now, Status: model.StatusSynced,
	}))

	plan, err := p.Plan(context.Background(), model.DefaultSyncOptions())
	require.NoError(t, err)
	require.Empty(t, plan.Actions)
}

func TestPlanner_TrackedLocalChanged_ProducesUpload(t *testing.T) {
	p, st, local, remote := newTestPlanner(t)
	writeFile(t, local, "a.txt", "hello-changed")
	writeFile(t, remote, "a.txt", "hello")

	old := time.Now().Add(-time.Hour)
	now := time.Now() // the remote copy is unchanged since this baseline
	require.NoError(t, st.UpdateState(context.Background(), &model.SyncState{
		Path: "a.txt", Size: 5, LocalModified: &old, RemoteModified: &now, Status: model.StatusSynced,
	}))

	plan, err := p.Plan(context.Background(), model.DefaultSyncOptions())
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	require.Equal(t, model.ActionUpload, plan.Actions[0].ActionType)
}

func TestPlanner_RemoteDeletedSinceBaselineUnchanged_ProducesDeleteLocal(t *testing.T) {
	p, st, local, _ := newTestPlanner(t)
	writeFile(t, local, "a.txt", "hello")

	now := time.Now()
	require.NoError(t, st.UpdateState(context.Background(), &model.SyncState{
		Path: "a.txt", Size: 5, LocalModified: &now, RemoteModified: &now, Status: model.StatusSynced,
	}))

	plan, err := p.Plan(context.Background(), model.DefaultSyncOptions())
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	require.Equal(t, model.ActionDeleteLocal, plan.Actions[0].ActionType)
}

func TestPlanner_SortActions_DirectoriesBeforeFilesBeforeDeletes(t *testing.T) {
	now := time.Now()
	actions := []model.SyncPlanAction{
		{ActionType: model.ActionDeleteLocal, Path: "z.txt"},
		{ActionType: model.ActionUpload, Path: "file.txt", LastModified: &now},
		{ActionType: model.ActionUpload, Path: "dir", IsDirectory: true, LastModified: &now},
	}
	sortActions(actions, DefaultPriorityPatterns)

	require.Equal(t, model.Path("dir"), actions[0].Path)
	require.Equal(t, model.Path("file.txt"), actions[1].Path)
	require.Equal(t, model.Path("z.txt"), actions[2].Path)
}

func TestPlanner_SortActions_PriorityPatternWinsWithinTier(t *testing.T) {
	now := time.Now()
	actions := []model.SyncPlanAction{
		{ActionType: model.ActionUpload, Path: "plain.txt", LastModified: &now},
		{ActionType: model.ActionUpload, Path: "job.request", LastModified: &now},
	}
	sortActions(actions, DefaultPriorityPatterns)
	require.Equal(t, model.Path("job.request"), actions[0].Path)
}

func TestPlanner_Plan_HonorsFilterAtIngress(t *testing.T) {
	p, _, local, _ := newTestPlanner(t)
	writeFile(t, local, "keep.txt", "hello")
	writeFile(t, local, "skip.tmp", "hello")

	plan, err := p.Plan(context.Background(), model.DefaultSyncOptions())
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	require.Equal(t, model.Path("keep.txt"), plan.Actions[0].Path)
}
