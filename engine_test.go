package sharpsync

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharpsync/sharpsync/conflict"
	"github.com/sharpsync/sharpsync/model"
	"github.com/sharpsync/sharpsync/storage"
)

func newTestEngine(t *testing.T) (*Engine, storage.Storage, storage.Storage) {
	t.Helper()
	local, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "local"))
	require.NoError(t, err)
	remote, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "remote"))
	require.NoError(t, err)

	e, err := New(t.Context(), local, remote, WithDBPath(filepath.Join(t.TempDir(), "state.db")))
	require.NoError(t, err)
	t.Cleanup(func() { e.Dispose() })

	return e, local, remote
}

func writeFile(t *testing.T, s storage.Storage, path model.Path, content string) {
	t.Helper()
	r := io.NopCloser(strings.NewReader(content))
	require.NoError(t, s.WriteFile(context.Background(), path, r, int64(len(content)), nil))
}

func TestEngine_Synchronize_UploadsNewLocalFile(t *testing.T) {
	e, local, remote := newTestEngine(t)
	writeFile(t, local, "a.txt", "hello")

	result, err := e.Synchronize(t.Context(), model.DefaultSyncOptions())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 1, result.FilesSynchronized)

	exists, err := remote.Exists(t.Context(), "a.txt")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestEngine_Synchronize_DownloadsNewRemoteFile(t *testing.T) {
	e, local, remote := newTestEngine(t)
	writeFile(t, remote, "b.txt", "world")

	result, err := e.Synchronize(t.Context(), model.DefaultSyncOptions())
	require.NoError(t, err)
	require.Equal(t, 1, result.FilesSynchronized)

	exists, err := local.Exists(t.Context(), "b.txt")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestEngine_Synchronize_SecondPassIsANoOp(t *testing.T) {
	e, local, _ := newTestEngine(t)
	writeFile(t, local, "a.txt", "hello")

	_, err := e.Synchronize(t.Context(), model.DefaultSyncOptions())
	require.NoError(t, err)

	result, err := e.Synchronize(t.Context(), model.DefaultSyncOptions())
	require.NoError(t, err)
	require.Zero(t, result.FilesSynchronized)
	require.Zero(t, result.FilesConflicted)
	require.Zero(t, result.FilesDeleted)
}

func TestEngine_Synchronize_DryRunMutatesNothing(t *testing.T) {
	e, local, remote := newTestEngine(t)
	writeFile(t, local, "a.txt", "hello")

	opts := model.DefaultSyncOptions()
	opts.DryRun = true
	result, err := e.Synchronize(t.Context(), opts)
	require.NoError(t, err)
	require.Equal(t, 1, result.FilesSynchronized)

	exists, err := remote.Exists(t.Context(), "a.txt")
	require.NoError(t, err)
	require.False(t, exists, "dry run must not write to the remote")

	stats, err := e.GetStats(t.Context())
	require.NoError(t, err)
	require.Zero(t, stats.TotalByStatus[model.StatusSynced], "dry run must not update the baseline")
}

func TestEngine_Synchronize_BothModifiedUsesNewerVersion(t *testing.T) {
	local, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "local"))
	require.NoError(t, err)
	remote, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "remote"))
	require.NoError(t, err)

	e, err := New(t.Context(), local, remote,
		WithDBPath(filepath.Join(t.TempDir(), "state.db")),
		WithResolver(conflict.NewSmartResolver(model.ResolutionAsk, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { e.Dispose() })

	writeFile(t, local, "shared.txt", "base")
	writeFile(t, remote, "shared.txt", "base")
	_, err = e.Synchronize(t.Context(), model.DefaultSyncOptions())
	require.NoError(t, err)

	writeFile(t, local, "shared.txt", "local edit")
	time.Sleep(10 * time.Millisecond)
	writeFile(t, remote, "shared.txt", "remote edit, newer")

	result, err := e.Synchronize(t.Context(), model.DefaultSyncOptions())
	require.NoError(t, err)
	require.Zero(t, result.FilesConflicted, "SmartResolver recommendation should auto-resolve by recency")

	item, err := local.GetItem(t.Context(), "shared.txt")
	require.NoError(t, err)
	require.NotNil(t, item)
}

func TestEngine_Synchronize_ConcurrentCallReturnsBusy(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.muSync.Lock()
	defer e.muSync.Unlock()

	_, err := e.Synchronize(t.Context(), model.DefaultSyncOptions())
	require.Error(t, err)
	require.True(t, model.Is(err, model.ErrBusy))
}

func TestEngine_Dispose_FailsSubsequentCalls(t *testing.T) {
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.Dispose())

	_, err := e.Synchronize(t.Context(), model.DefaultSyncOptions())
	require.Error(t, err)
	require.True(t, model.Is(err, model.ErrDisposed))
}

func TestEngine_PauseResume_SuspendsBetweenActions(t *testing.T) {
	e, local, _ := newTestEngine(t)
	for i := 0; i < 5; i++ {
		writeFile(t, local, model.Path(filepath.Join("dir", string(rune('a'+i))+".txt")), "x")
	}

	e.Pause()

	done := make(chan struct{})
	go func() {
		_, _ = e.Synchronize(t.Context(), model.DefaultSyncOptions())
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, StatePaused, e.State())

	e.Resume()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Synchronize did not resume after Resume()")
	}
}

func TestEngine_SyncFolder_ScopesToSubtree(t *testing.T) {
	e, local, remote := newTestEngine(t)
	writeFile(t, local, "keep/a.txt", "a")
	writeFile(t, local, "other/b.txt", "b")

	result, err := e.SyncFolder(t.Context(), "keep", model.DefaultSyncOptions())
	require.NoError(t, err)
	require.Equal(t, 2, result.FilesSynchronized) // the "keep" directory and keep/a.txt

	existsA, _ := remote.Exists(t.Context(), "keep/a.txt")
	existsB, _ := remote.Exists(t.Context(), "other/b.txt")
	require.True(t, existsA)
	require.False(t, existsB)
}

func TestEngine_ResetState_ClearsBaseline(t *testing.T) {
	e, local, _ := newTestEngine(t)
	writeFile(t, local, "a.txt", "hello")
	_, err := e.Synchronize(t.Context(), model.DefaultSyncOptions())
	require.NoError(t, err)

	stats, err := e.GetStats(t.Context())
	require.NoError(t, err)
	require.NotZero(t, stats.TotalByStatus[model.StatusSynced])

	require.NoError(t, e.ResetState(t.Context()))

	stats, err = e.GetStats(t.Context())
	require.NoError(t, err)
	require.Zero(t, stats.TotalByStatus[model.StatusSynced])
}

func TestEngine_Synchronize_PrunesOldHistoryOnFinalize(t *testing.T) {
	local, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "local"))
	require.NoError(t, err)
	remote, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "remote"))
	require.NoError(t, err)

	e, err := New(t.Context(), local, remote,
		WithDBPath(filepath.Join(t.TempDir(), "state.db")),
		WithHistoryRetention(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { e.Dispose() })

	writeFile(t, local, "a.txt", "hello")
	_, err = e.Synchronize(t.Context(), model.DefaultSyncOptions())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	writeFile(t, local, "b.txt", "world")
	_, err = e.Synchronize(t.Context(), model.DefaultSyncOptions())
	require.NoError(t, err)

	recent, err := e.store.GetRecentOperations(t.Context(), 100, nil)
	require.NoError(t, err)
	for _, op := range recent {
		require.Equal(t, model.Path("b.txt"), op.Path, "history older than retention should have been pruned")
	}
}

func TestEngine_VirtualFilePlaceholder_SkipsByteTransfer(t *testing.T) {
	e, local, remote := newTestEngine(t)
	writeFile(t, remote, "big.bin", strings.Repeat("x", 1024))

	var materialized model.Path
	opts := model.DefaultSyncOptions()
	opts.CreateVirtualFilePlaceholders = true
	opts.VirtualFileCallback = func(path model.Path) error {
		materialized = path
		return os.WriteFile(filepath.Join(local.RootPath(), string(path)), nil, 0644)
	}

	result, err := e.Synchronize(t.Context(), opts)
	require.NoError(t, err)
	require.Equal(t, 1, result.FilesSynchronized)
	require.Equal(t, model.Path("big.bin"), materialized)
}
