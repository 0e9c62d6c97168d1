package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/sharpsync/sharpsync/internal/utils"
)

// pragmas tunes SQLite for a single-writer embedded store: WAL journaling,
// a busy timeout so a locked database is waited on for up to 5 seconds
// before SQLITE_BUSY is returned, and a generous mmap/cache size since a SharpSync
// store is typically a handful of megabytes at most.
const pragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=8000;
PRAGMA mmap_size=268435456;
`

// openSqliteDB opens (creating if necessary) the sync_states/operation_history
// database at path, or an in-memory one when path is ":memory:". Initialize
// already holds the store's advisory flock by the time this runs, so a
// single pooled connection is enough: SetMaxOpenConns(1) avoids SQLITE_BUSY
// contention between connections that would otherwise be serialized by
// SQLite itself anyway.
func openSqliteDB(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := utils.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path)
	}

	slog.Debug("store: opening sqlite", "driver", driverName, "impl", driverID, "path", path)
	sqlDB, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.ExecContext(ctx, pragmas); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return sqlDB, nil
}
