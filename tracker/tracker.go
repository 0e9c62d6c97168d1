// Package tracker implements SharpSync's ChangeTracker: thread-safe maps of
// pending local and remote changes with the merge rules from spec §4.3.
// Grounded on this codebase's debounce/lock idiom (file_watcher.go) and
// subscriber-safe snapshot idiom (sync_status.go).
package tracker

import (
	"sync"
	"time"

	"github.com/sharpsync/sharpsync/filter"
	"github.com/sharpsync/sharpsync/model"
)

// ChangeTracker holds pending local and remote changes, each keyed by
// normalized path, merging new notifications into any already-pending entry
// per spec §4.3's rules.
type ChangeTracker struct {
	mu       sync.RWMutex
	local    map[model.Path]model.PendingChange
	remote   map[model.Path]model.PendingChange
	filter   *filter.Filter
	disposed bool

	now func() time.Time
}

// New creates an empty ChangeTracker. f is consulted at ingress; excluded
// paths are silently dropped (spec §4.3).
func New(f *filter.Filter) *ChangeTracker {
	if f == nil {
		f = filter.Default()
	}
	return &ChangeTracker{
		local:  make(map[model.Path]model.PendingChange),
		remote: make(map[model.Path]model.PendingChange),
		filter: f,
		now:    time.Now,
	}
}

// Dispose tears the tracker down; subsequent operations fail Disposed.
func (t *ChangeTracker) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
	t.local = nil
	t.remote = nil
}

func (t *ChangeTracker) requireOpen(op string) error {
	if t.disposed {
		return model.NewError(model.ErrDisposed, op, nil)
	}
	return nil
}

// NotifyLocal ingests a single local-side change notification.
func (t *ChangeTracker) NotifyLocal(path model.Path, changeType model.ChangeType, size int64, isDirectory bool) error {
	return t.notify(t.local, path, changeType, size, isDirectory, model.SourceLocal)
}

// NotifyRemote ingests a single remote-side change notification.
func (t *ChangeTracker) NotifyRemote(path model.Path, changeType model.ChangeType, size int64, isDirectory bool) error {
	return t.notify(t.remote, path, changeType, size, isDirectory, model.SourceRemote)
}

// NotifyLocalBatch ingests multiple local-side notifications atomically with
// respect to readers (held under a single write lock).
func (t *ChangeTracker) NotifyLocalBatch(changes []model.PendingChange) error {
	return t.notifyBatch(t.local, changes, model.SourceLocal)
}

// NotifyRemoteBatch is NotifyLocalBatch's remote-side counterpart.
func (t *ChangeTracker) NotifyRemoteBatch(changes []model.PendingChange) error {
	return t.notifyBatch(t.remote, changes, model.SourceRemote)
}

func (t *ChangeTracker) notifyBatch(m map[model.Path]model.PendingChange, changes []model.PendingChange, source model.ChangeSource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpen("NotifyBatch"); err != nil {
		return err
	}
	for _, c := range changes {
		t.mergeLocked(m, c.Path, c.ChangeType, c.Size, c.IsDirectory, source)
	}
	return nil
}

func (t *ChangeTracker) notify(m map[model.Path]model.PendingChange, path model.Path, changeType model.ChangeType, size int64, isDirectory bool, source model.ChangeSource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpen("Notify"); err != nil {
		return err
	}
	t.mergeLocked(m, path, changeType, size, isDirectory, source)
	return nil
}

// mergeLocked applies spec §4.3's merge rules. Caller holds t.mu.
func (t *ChangeTracker) mergeLocked(m map[model.Path]model.PendingChange, path model.Path, changeType model.ChangeType, size int64, isDirectory bool, source model.ChangeSource) {
	path = model.Normalize(string(path))
	if !t.filter.ShouldSync(string(path)) {
		return
	}

	now := t.now()
	prev, exists := m[path]

	final := changeType
	if exists {
		switch {
		case changeType == model.ChangeDeleted:
			// Deleted always supersedes any prior pending entry.
			final = model.ChangeDeleted
		case prev.ChangeType == model.ChangeDeleted && changeType == model.ChangeCreated:
			// existed, disappeared, reappeared => treat as a modification.
			final = model.ChangeChanged
		case prev.ChangeType == changeType:
			final = changeType // latest-wins for like kinds
		}
	}

	m[path] = model.PendingChange{
		Path:        path,
		ChangeType:  final,
		Size:        size,
		IsDirectory: isDirectory,
		DetectedAt:  now,
		Source:      source,
	}
}

// NotifyLocalRename expands a rename into a Deleted(oldPath) +
// Created(newPath) pair, per spec §4.3.
func (t *ChangeTracker) NotifyLocalRename(oldPath, newPath model.Path) error {
	return t.notifyRename(t.local, oldPath, newPath, model.SourceLocal)
}

// NotifyRemoteRename is NotifyLocalRename's remote-side counterpart.
func (t *ChangeTracker) NotifyRemoteRename(oldPath, newPath model.Path) error {
	return t.notifyRename(t.remote, oldPath, newPath, model.SourceRemote)
}

func (t *ChangeTracker) notifyRename(m map[model.Path]model.PendingChange, oldPath, newPath model.Path, source model.ChangeSource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpen("NotifyRename"); err != nil {
		return err
	}

	oldPath = model.Normalize(string(oldPath))
	newPath = model.Normalize(string(newPath))
	now := t.now()

	if t.filter.ShouldSync(string(oldPath)) {
		m[oldPath] = model.PendingChange{Path: oldPath, ChangeType: model.ChangeDeleted, RenamedTo: newPath, DetectedAt: now, Source: source}
	}
	if t.filter.ShouldSync(string(newPath)) {
		m[newPath] = model.PendingChange{Path: newPath, ChangeType: model.ChangeCreated, RenamedFrom: oldPath, DetectedAt: now, Source: source}
	}
	return nil
}

// ClearLocal removes all pending local changes.
func (t *ChangeTracker) ClearLocal() error { return t.clear(t.local) }

// ClearRemote removes all pending remote changes.
func (t *ChangeTracker) ClearRemote() error { return t.clear(t.remote) }

func (t *ChangeTracker) clear(m map[model.Path]model.PendingChange) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOpen("Clear"); err != nil {
		return err
	}
	for k := range m {
		delete(m, k)
	}
	return nil
}

// RemovePath removes a single path from both pending maps, e.g. after
// incorporation into a plan.
func (t *ChangeTracker) RemovePath(path model.Path) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	delete(t.local, path)
	delete(t.remote, path)
}

// SnapshotLocal returns a consistent copy of the pending local map. The copy
// is produced under a read lock held only for the duration of the copy, so
// writers are never blocked longer than that.
func (t *ChangeTracker) SnapshotLocal() (map[model.Path]model.PendingChange, error) {
	return t.snapshot(t.local)
}

// SnapshotRemote is SnapshotLocal's remote-side counterpart.
func (t *ChangeTracker) SnapshotRemote() (map[model.Path]model.PendingChange, error) {
	return t.snapshot(t.remote)
}

func (t *ChangeTracker) snapshot(m map[model.Path]model.PendingChange) (map[model.Path]model.PendingChange, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.requireOpen("Snapshot"); err != nil {
		return nil, err
	}
	out := make(map[model.Path]model.PendingChange, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}
