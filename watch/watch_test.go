package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharpsync/sharpsync/filter"
	"github.com/sharpsync/sharpsync/model"
	"github.com/sharpsync/sharpsync/tracker"
)

func evalSymlinks(t *testing.T, dir string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err, "failed to evaluate symlinks")
	return resolved
}

func waitForChange(t *testing.T, tr *tracker.ChangeTracker, path model.Path) model.PendingChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		snap, err := tr.SnapshotLocal()
		require.NoError(t, err)
		if c, ok := snap[path]; ok {
			return c
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for tracker entry for %s", path)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWatcher_DetectsNewFile(t *testing.T) {
	root := evalSymlinks(t, t.TempDir())
	tr := tracker.New(filter.Default())

	w := New(root, tr, filter.Default())
	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "test.txt"), []byte("hello world"), 0644))

	change := waitForChange(t, tr, "test.txt")
	assert.Equal(t, model.ChangeCreated, change.ChangeType)
}

func TestWatcher_DetectsDeletedFile(t *testing.T) {
	root := evalSymlinks(t, t.TempDir())
	testFile := filepath.Join(root, "doomed.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("content"), 0644))

	tr := tracker.New(filter.Default())
	w := New(root, tr, filter.Default())
	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	require.NoError(t, os.Remove(testFile))

	change := waitForChange(t, tr, "doomed.txt")
	assert.Equal(t, model.ChangeDeleted, change.ChangeType)
}

func TestWatcher_IgnoreOnceSuppressesNextWrite(t *testing.T) {
	root := evalSymlinks(t, t.TempDir())
	tr := tracker.New(filter.Default())

	w := New(root, tr, filter.Default())
	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	testFile := filepath.Join(root, "ignored.txt")
	w.IgnoreOnce(testFile)
	require.NoError(t, os.WriteFile(testFile, []byte("ignored content"), 0644))

	time.Sleep(500 * time.Millisecond)
	snap, err := tr.SnapshotLocal()
	require.NoError(t, err)
	_, exists := snap["ignored.txt"]
	assert.False(t, exists, "expected no tracker entry for an ignored write")
}

func TestWatcher_FilterExcludesPath(t *testing.T) {
	root := evalSymlinks(t, t.TempDir())
	tr := tracker.New(filter.Default())

	w := New(root, tr, filter.Default())
	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "debug.tmp"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0644))

	change := waitForChange(t, tr, "keep.txt")
	assert.Equal(t, model.ChangeCreated, change.ChangeType)

	snap, err := tr.SnapshotLocal()
	require.NoError(t, err)
	_, excluded := snap["debug.tmp"]
	assert.False(t, excluded, "*.tmp is in the default exclude set")
}

func TestWatcher_StopShutsDownCleanly(t *testing.T) {
	root := evalSymlinks(t, t.TempDir())
	tr := tracker.New(filter.Default())

	w := New(root, tr, filter.Default())
	w.cleanupInterval = 10 * time.Millisecond
	require.NoError(t, w.Start(t.Context()))

	w.IgnoreOnce(filepath.Join(root, "a.txt"))
	w.IgnoreOnce(filepath.Join(root, "b.txt"))

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() took too long, goroutines may not have shut down properly")
	}
}

func TestWatcher_AutoCleanupExpiresIgnoreEntries(t *testing.T) {
	root := evalSymlinks(t, t.TempDir())
	tr := tracker.New(filter.Default())

	w := New(root, tr, filter.Default())
	w.cleanupInterval = 20 * time.Millisecond
	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	path1 := filepath.Join(root, "test1.txt")
	path2 := filepath.Join(root, "test2.txt")
	w.IgnoreOnceWithTimeout(path1, 10*time.Millisecond)
	w.IgnoreOnceWithTimeout(path2, 500*time.Millisecond)

	time.Sleep(100 * time.Millisecond)

	w.ignoreMu.RLock()
	_, path1Exists := w.ignore[path1]
	_, path2Exists := w.ignore[path2]
	w.ignoreMu.RUnlock()

	assert.False(t, path1Exists, "short-lived ignore entry should have been cleaned up")
	assert.True(t, path2Exists, "longer-lived ignore entry should still be present")
}
