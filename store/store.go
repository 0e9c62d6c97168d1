// Package store implements SharpSync's SyncStateStore: a durable
// path-to-SyncState mapping plus an append-only operation-history log,
// backed by SQLite via jmoiron/sqlx. Grounded directly on this codebase's
// sync journal (internal/client/sync/sync_journal.go), extended with a
// second table for full SyncState (not just the journal's narrow baseline)
// and the OperationHistory log the journal doesn't keep.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sharpsync/sharpsync/internal/utils"
	"github.com/sharpsync/sharpsync/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_states (
	id              TEXT PRIMARY KEY,
	path            TEXT NOT NULL UNIQUE,
	size            INTEGER NOT NULL,
	local_hash      TEXT NOT NULL DEFAULT '',
	remote_hash     TEXT NOT NULL DEFAULT '',
	local_modified  TEXT,
	remote_modified TEXT,
	last_sync_time  TEXT,
	status          TEXT NOT NULL,
	is_directory    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sync_states_status ON sync_states(status);
CREATE INDEX IF NOT EXISTS idx_sync_states_last_sync_time ON sync_states(last_sync_time);
CREATE INDEX IF NOT EXISTS idx_sync_states_path ON sync_states(path);

CREATE TABLE IF NOT EXISTS operation_history (
	id            TEXT PRIMARY KEY,
	path          TEXT NOT NULL,
	action_type   TEXT NOT NULL,
	is_directory  INTEGER NOT NULL DEFAULT 0,
	size          INTEGER NOT NULL DEFAULT 0,
	source        TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	completed_at  TEXT NOT NULL,
	success       INTEGER NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	renamed_from  TEXT NOT NULL DEFAULT '',
	renamed_to    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_operation_history_completed_at ON operation_history(completed_at DESC);
CREATE INDEX IF NOT EXISTS idx_operation_history_path ON operation_history(path);
`

// row is the SQL-scannable shape of a SyncState; time.Time fields round-trip
// as RFC3339 TEXT exactly like the sync journal does.
type row struct {
	ID             string  `db:"id"`
	Path           string  `db:"path"`
	Size           int64   `db:"size"`
	LocalHash      string  `db:"local_hash"`
	RemoteHash     string  `db:"remote_hash"`
	LocalModified  *string `db:"local_modified"`
	RemoteModified *string `db:"remote_modified"`
	LastSyncTime   *string `db:"last_sync_time"`
	Status         string  `db:"status"`
	IsDirectory    bool    `db:"is_directory"`
}

type historyRow struct {
	ID           string `db:"id"`
	Path         string `db:"path"`
	ActionType   string `db:"action_type"`
	IsDirectory  bool   `db:"is_directory"`
	Size         int64  `db:"size"`
	Source       string `db:"source"`
	StartedAt    string `db:"started_at"`
	CompletedAt  string `db:"completed_at"`
	Success      bool   `db:"success"`
	ErrorMessage string `db:"error_message"`
	RenamedFrom  string `db:"renamed_from"`
	RenamedTo    string `db:"renamed_to"`
}

// Store is the SyncStateStore: a durable path->SyncState mapping plus an
// append-only operation history, transactional and queryable by prefix.
type Store struct {
	dbPath string
	db     *sqlx.DB
	flock  *flock.Flock
}

// New creates a Store bound to dbPath. Call Initialize before use.
func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

// Initialize creates the schema/indexes and takes an advisory lock on the
// database file so a second Store instance can't open the same path
// concurrently (repurposing this codebase's gofrs/flock dependency, which
// the teacher used for a single-daemon-instance lock, for store-open
// exclusivity here).
func (s *Store) Initialize(ctx context.Context) error {
	if s.db != nil {
		return nil
	}

	if s.dbPath != ":memory:" {
		slog.Debug("store: opening", "path", s.dbPath, "existing", utils.FileExists(s.dbPath))

		lockPath := s.dbPath + ".lock"
		fl := flock.New(lockPath)
		locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
		if err != nil || !locked {
			return model.NewError(model.ErrStoreIO, "Initialize", fmt.Errorf("store %s is locked by another instance", s.dbPath))
		}
		s.flock = fl
	}

	sqlDB, err := openSqliteDB(ctx, s.dbPath)
	if err != nil {
		return model.NewError(model.ErrStoreIO, "Initialize", err)
	}

	s.db = sqlDB
	slog.Debug("store initialized", "path", s.dbPath)
	return nil
}

// Close releases the database connection and the advisory lock.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if s.flock != nil {
		s.flock.Unlock()
	}
	return err
}

func (s *Store) requireOpen(op string) error {
	if s.db == nil {
		return model.NewError(model.ErrNotInitialized, op, errors.New("store not initialized"))
	}
	return nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339Nano)
	return &v
}

func parseTime(v *string) (*time.Time, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toRow(st *model.SyncState) row {
	return row{
		ID:             st.ID,
		Path:           string(st.Path),
		Size:           st.Size,
		LocalHash:      st.LocalHash,
		RemoteHash:     st.RemoteHash,
		LocalModified:  formatTime(st.LocalModified),
		RemoteModified: formatTime(st.RemoteModified),
		LastSyncTime:   formatTime(st.LastSyncTime),
		Status:         string(st.Status),
		IsDirectory:    st.IsDirectory,
	}
}

func fromRow(r row) (*model.SyncState, error) {
	localMod, err := parseTime(r.LocalModified)
	if err != nil {
		return nil, err
	}
	remoteMod, err := parseTime(r.RemoteModified)
	if err != nil {
		return nil, err
	}
	lastSync, err := parseTime(r.LastSyncTime)
	if err != nil {
		return nil, err
	}
	return &model.SyncState{
		ID:             r.ID,
		Path:           model.Path(r.Path),
		Size:           r.Size,
		LocalHash:      r.LocalHash,
		RemoteHash:     r.RemoteHash,
		LocalModified:  localMod,
		RemoteModified: remoteMod,
		LastSyncTime:   lastSync,
		Status:         model.SyncStatus(r.Status),
		IsDirectory:    r.IsDirectory,
	}, nil
}

// GetState returns the state for path, or (nil, nil) if untracked.
func (s *Store) GetState(ctx context.Context, path model.Path) (*model.SyncState, error) {
	if err := s.requireOpen("GetState"); err != nil {
		return nil, err
	}
	var r row
	err := s.db.GetContext(ctx, &r, "SELECT * FROM sync_states WHERE path = ?", string(path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, model.NewPathError(model.ErrStoreIO, "GetState", path, err)
	}
	return fromRow(r)
}

// UpdateState inserts or replaces the state for st.Path, assigning an ID if
// one is not already set.
func (s *Store) UpdateState(ctx context.Context, st *model.SyncState) error {
	if err := s.requireOpen("UpdateState"); err != nil {
		return err
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	r := toRow(st)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sync_states (id, path, size, local_hash, remote_hash, local_modified, remote_modified, last_sync_time, status, is_directory)
		VALUES (:id, :path, :size, :local_hash, :remote_hash, :local_modified, :remote_modified, :last_sync_time, :status, :is_directory)
		ON CONFLICT(path) DO UPDATE SET
			size=excluded.size, local_hash=excluded.local_hash, remote_hash=excluded.remote_hash,
			local_modified=excluded.local_modified, remote_modified=excluded.remote_modified,
			last_sync_time=excluded.last_sync_time, status=excluded.status, is_directory=excluded.is_directory
	`, r)
	if err != nil {
		return model.NewPathError(model.ErrStoreIO, "UpdateState", st.Path, err)
	}
	return nil
}

// DeleteState removes the tracked state for path, if any.
func (s *Store) DeleteState(ctx context.Context, path model.Path) error {
	if err := s.requireOpen("DeleteState"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_states WHERE path = ?", string(path)); err != nil {
		return model.NewPathError(model.ErrStoreIO, "DeleteState", path, err)
	}
	return nil
}

// Clear removes all tracked state (but not operation history).
func (s *Store) Clear(ctx context.Context) error {
	if err := s.requireOpen("Clear"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_states"); err != nil {
		return model.NewError(model.ErrStoreIO, "Clear", err)
	}
	return nil
}

// GetAllStates returns every tracked SyncState.
func (s *Store) GetAllStates(ctx context.Context) ([]*model.SyncState, error) {
	return s.query(ctx, "GetAllStates", "SELECT * FROM sync_states")
}

// GetPendingStates returns every state whose status is not Synced or
// Ignored.
func (s *Store) GetPendingStates(ctx context.Context) ([]*model.SyncState, error) {
	return s.query(ctx, "GetPendingStates", "SELECT * FROM sync_states WHERE status NOT IN (?, ?)",
		string(model.StatusSynced), string(model.StatusIgnored))
}

// GetStatesByPrefix returns pathPrefix itself (if tracked) and every
// descendant, per spec §4.1's "path = P OR path LIKE P/%" contract.
func (s *Store) GetStatesByPrefix(ctx context.Context, pathPrefix model.Path) ([]*model.SyncState, error) {
	p := string(pathPrefix)
	if p == "" {
		return s.GetAllStates(ctx)
	}
	return s.query(ctx, "GetStatesByPrefix", "SELECT * FROM sync_states WHERE path = ? OR path LIKE ?", p, p+"/%")
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]*model.SyncState, error) {
	if err := s.requireOpen(op); err != nil {
		return nil, err
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, model.NewError(model.ErrStoreIO, op, err)
	}
	states := make([]*model.SyncState, 0, len(rows))
	for _, r := range rows {
		st, err := fromRow(r)
		if err != nil {
			slog.Warn("store: skipping row with corrupt timestamp", "path", r.Path, "error", err)
			continue
		}
		states = append(states, st)
	}
	return states, nil
}

// Tx is a handle over an in-flight transaction, released exactly once on
// Commit or Rollback.
type Tx struct {
	tx   *sqlx.Tx
	done bool
}

// BeginTransaction starts a transaction. Callers must call Commit or
// Rollback; Rollback is safe to call after Commit (it becomes a no-op).
func (s *Store) BeginTransaction(ctx context.Context) (*Tx, error) {
	if err := s.requireOpen("BeginTransaction"); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, model.NewError(model.ErrStoreIO, "BeginTransaction", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Commit()
}

// Rollback rolls back the transaction. Safe to call after Commit.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// LogOperation appends an immutable OperationHistory row.
func (s *Store) LogOperation(ctx context.Context, op *model.OperationHistory) error {
	if err := s.requireOpen("LogOperation"); err != nil {
		return err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	r := historyRow{
		ID:           op.ID,
		Path:         string(op.Path),
		ActionType:   string(op.ActionType),
		IsDirectory:  op.IsDirectory,
		Size:         op.Size,
		Source:       string(op.Source),
		StartedAt:    op.StartedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt:  op.CompletedAt.UTC().Format(time.RFC3339Nano),
		Success:      op.Success,
		ErrorMessage: op.ErrorMessage,
		RenamedFrom:  string(op.RenamedFrom),
		RenamedTo:    string(op.RenamedTo),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO operation_history (id, path, action_type, is_directory, size, source, started_at, completed_at, success, error_message, renamed_from, renamed_to)
		VALUES (:id, :path, :action_type, :is_directory, :size, :source, :started_at, :completed_at, :success, :error_message, :renamed_from, :renamed_to)
	`, r)
	if err != nil {
		return model.NewPathError(model.ErrStoreIO, "LogOperation", op.Path, err)
	}
	return nil
}

// GetRecentOperations returns up to limit history rows, newest first,
// optionally bounded to rows completed at or after since.
func (s *Store) GetRecentOperations(ctx context.Context, limit int, since *time.Time) ([]*model.OperationHistory, error) {
	if err := s.requireOpen("GetRecentOperations"); err != nil {
		return nil, err
	}
	var rows []historyRow
	var err error
	if since != nil {
		err = s.db.SelectContext(ctx, &rows,
			"SELECT * FROM operation_history WHERE completed_at >= ? ORDER BY completed_at DESC LIMIT ?",
			since.UTC().Format(time.RFC3339Nano), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, "SELECT * FROM operation_history ORDER BY completed_at DESC LIMIT ?", limit)
	}
	if err != nil {
		return nil, model.NewError(model.ErrStoreIO, "GetRecentOperations", err)
	}

	out := make([]*model.OperationHistory, 0, len(rows))
	for _, r := range rows {
		started, err1 := time.Parse(time.RFC3339Nano, r.StartedAt)
		completed, err2 := time.Parse(time.RFC3339Nano, r.CompletedAt)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, &model.OperationHistory{
			ID: r.ID, Path: model.Path(r.Path), ActionType: model.SyncActionType(r.ActionType),
			IsDirectory: r.IsDirectory, Size: r.Size, Source: model.ChangeSource(r.Source),
			StartedAt: started, CompletedAt: completed, Success: r.Success,
			ErrorMessage: r.ErrorMessage, RenamedFrom: model.Path(r.RenamedFrom), RenamedTo: model.Path(r.RenamedTo),
		})
	}
	return out, nil
}

// ClearOperationHistory deletes rows completed before olderThan, returning
// the count deleted.
func (s *Store) ClearOperationHistory(ctx context.Context, olderThan time.Time) (int, error) {
	if err := s.requireOpen("ClearOperationHistory"); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM operation_history WHERE completed_at < ?", olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, model.NewError(model.ErrStoreIO, "ClearOperationHistory", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats is the store's aggregate summary: counts by status plus the
// on-disk database size.
type Stats struct {
	TotalByStatus map[model.SyncStatus]int
	DatabaseBytes int64
}

// Stats reports totals by status and database file size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if err := s.requireOpen("Stats"); err != nil {
		return Stats{}, err
	}
	type statusCount struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	var counts []statusCount
	if err := s.db.SelectContext(ctx, &counts, "SELECT status, COUNT(*) as count FROM sync_states GROUP BY status"); err != nil {
		return Stats{}, model.NewError(model.ErrStoreIO, "Stats", err)
	}

	stats := Stats{TotalByStatus: make(map[model.SyncStatus]int, len(counts))}
	for _, c := range counts {
		stats.TotalByStatus[model.SyncStatus(c.Status)] = c.Count
	}
	if info, err := os.Stat(s.dbPath); err == nil {
		stats.DatabaseBytes = info.Size()
	}
	return stats, nil
}
