package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSqliteDB_CreatesParentAndSchema(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "nested", "state.db")

	sqlDB, err := openSqliteDB(context.Background(), dbPath)
	require.NoError(t, err)
	defer sqlDB.Close()

	assert.DirExists(t, filepath.Dir(dbPath))

	var name string
	err = sqlDB.Get(&name, "SELECT name FROM sqlite_master WHERE type='table' AND name='sync_states'")
	require.NoError(t, err)
	assert.Equal(t, "sync_states", name)
}

func TestOpenSqliteDB_InMemory(t *testing.T) {
	sqlDB, err := openSqliteDB(context.Background(), ":memory:")
	require.NoError(t, err)
	defer sqlDB.Close()

	_, err = sqlDB.Exec("INSERT INTO sync_states (id, path, size, status) VALUES ('1', 'a.txt', 1, 'synced')")
	require.NoError(t, err)
}

func TestStore_Initialize_SecondInstanceIsLockedOut(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	first := New(dbPath)
	require.NoError(t, first.Initialize(context.Background()))
	defer first.Close()

	second := New(dbPath)
	err := second.Initialize(context.Background())
	require.Error(t, err, "a second Store over the same path must not open while the first holds the flock")
}
