package sharpsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharpsync/sharpsync/model"
	"github.com/sharpsync/sharpsync/storage"
)

func newTestEngineWithRetry(t *testing.T, policy model.RetryPolicy) *Engine {
	t.Helper()
	local, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "local"))
	require.NoError(t, err)
	remote, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "remote"))
	require.NoError(t, err)

	e, err := New(t.Context(), local, remote,
		WithDBPath(filepath.Join(t.TempDir(), "state.db")),
		WithRetryPolicy(policy))
	require.NoError(t, err)
	t.Cleanup(func() { e.Dispose() })
	return e
}

func fastRetryPolicy() model.RetryPolicy {
	return model.RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func TestWithRetry_SucceedsWithoutRetryOnFirstTry(t *testing.T) {
	e := newTestEngineWithRetry(t, fastRetryPolicy())
	calls := 0
	err := e.withRetry(t.Context(), "Upload", "a.txt", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestWithRetry_RetriesTransientErrorUntilSuccess(t *testing.T) {
	e := newTestEngineWithRetry(t, fastRetryPolicy())
	calls := 0
	err := e.withRetry(t.Context(), "Upload", "a.txt", func() error {
		calls++
		if calls < 2 {
			return model.NewPathError(model.ErrTransferIO, "Upload", "a.txt", errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	e := newTestEngineWithRetry(t, fastRetryPolicy())
	calls := 0
	err := e.withRetry(t.Context(), "Upload", "a.txt", func() error {
		calls++
		return model.NewPathError(model.ErrTransferIO, "Upload", "a.txt", errors.New("still failing"))
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.True(t, model.Is(err, model.ErrTransferIO))
}

func TestWithRetry_DoesNotRetryAuthFailure(t *testing.T) {
	e := newTestEngineWithRetry(t, fastRetryPolicy())
	calls := 0
	err := e.withRetry(t.Context(), "Upload", "a.txt", func() error {
		calls++
		return model.NewPathError(model.ErrAuthFailed, "Upload", "a.txt", errors.New("bad credentials"))
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestWithRetry_AbortsOnContextCancellation(t *testing.T) {
	e := newTestEngineWithRetry(t, model.RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
	})
	ctx, cancel := context.WithCancel(t.Context())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := e.withRetry(ctx, "Upload", "a.txt", func() error {
		calls++
		return model.NewPathError(model.ErrTransferIO, "Upload", "a.txt", errors.New("still failing"))
	})
	require.Error(t, err)
	require.Less(t, calls, 5)
}
