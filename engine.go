// Package sharpsync is an embeddable bidirectional file synchronization
// engine: point it at a local tree and a remote Storage backend and it keeps
// them converged, surfacing conflicts, progress, and transfer history to the
// host application that embeds it.
//
// The engine is grounded on this codebase's SyncEngine
// (internal/client/sync/sync_engine.go): a single at-most-one-sync guard, a
// reconcile step that classifies every path, and a bucketed execution phase,
// generalized from that engine's fixed two-party (local/SDK) wiring to any
// Storage implementation on either side.
package sharpsync

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharpsync/sharpsync/conflict"
	"github.com/sharpsync/sharpsync/filter"
	"github.com/sharpsync/sharpsync/model"
	"github.com/sharpsync/sharpsync/plan"
	"github.com/sharpsync/sharpsync/storage"
	"github.com/sharpsync/sharpsync/store"
	"github.com/sharpsync/sharpsync/tracker"
)

// EngineState is a phase in the engine's lifecycle (spec §4.6).
type EngineState string

const (
	StateIdle       EngineState = "Idle"
	StateScanning   EngineState = "Scanning"
	StatePlanning   EngineState = "Planning"
	StateExecuting  EngineState = "Executing"
	StatePaused     EngineState = "Paused"
	StateFinalizing EngineState = "Finalizing"
)

// Engine is SharpSync's public entry point. One Engine owns one local tree,
// one remote Storage backend, and the Store recording their agreed baseline.
// All exported methods are safe for concurrent use.
type Engine struct {
	cfg      EngineConfig
	local    storage.Storage
	remote   storage.Storage
	filter   *filter.Filter
	tracker  *tracker.ChangeTracker
	resolver conflict.Resolver
	store    *store.Store
	planner  *plan.Planner
	logger   *slog.Logger
	events   *eventBus

	muSync sync.Mutex

	stateMu sync.RWMutex
	state   EngineState

	pauseRequested atomic.Bool
	resume         chan struct{}
	disposed       atomic.Bool
}

// New builds an Engine over local and remote. The Store's SQLite database is
// opened (and created if absent) immediately; callers should Dispose the
// returned Engine when done with it.
func New(ctx context.Context, local, remote storage.Storage, opts ...Option) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBPath == "" {
		return nil, model.NewError(model.ErrNotInitialized, "New", fmt.Errorf("WithDBPath is required"))
	}

	st := store.New(cfg.DBPath)
	if err := st.Initialize(ctx); err != nil {
		return nil, err
	}

	tr := tracker.New(cfg.Filter)
	p := plan.New(st, local, remote, cfg.Filter, tr)
	p.PollInterval = cfg.PollInterval
	p.Logger = cfg.Logger
	if len(cfg.PriorityPatterns) > 0 {
		p.PriorityPatterns = cfg.PriorityPatterns
	}

	e := &Engine{
		cfg:      cfg,
		local:    local,
		remote:   remote,
		filter:   cfg.Filter,
		tracker:  tr,
		resolver: cfg.Resolver,
		store:    st,
		planner:  p,
		logger:   cfg.Logger,
		events:   newEventBus(),
		resume:   make(chan struct{}, 1),
		state:    StateIdle,
	}
	return e, nil
}

// Tracker exposes the engine's ChangeTracker so a host can wire a watch.Watcher
// (or its own notification source) into it.
func (e *Engine) Tracker() *tracker.ChangeTracker { return e.tracker }

// Subscribe returns a channel of ProgressChanged, FileProgressChanged, and
// ConflictDetected events (spec §6.4). Call Unsubscribe when done.
func (e *Engine) Subscribe() <-chan any { return e.events.Subscribe() }

// Unsubscribe releases a channel returned by Subscribe.
func (e *Engine) Unsubscribe(ch <-chan any) { e.events.Unsubscribe(ch) }

// State reports the engine's current lifecycle phase.
func (e *Engine) State() EngineState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(s EngineState) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

func (e *Engine) requireOpen(op string) error {
	if e.disposed.Load() {
		return model.NewError(model.ErrDisposed, op, fmt.Errorf("engine has been disposed"))
	}
	return nil
}

// Pause requests that synchronization suspend after its current action
// completes. The request stays in effect until Resume, so if no sync is
// running the next one pauses before its first action.
func (e *Engine) Pause() {
	e.pauseRequested.Store(true)
}

// Resume releases a paused sync, or withdraws a pause request no sync has
// reached yet. A no-op if no pause has been requested.
func (e *Engine) Resume() {
	if e.pauseRequested.CompareAndSwap(true, false) {
		select {
		case e.resume <- struct{}{}:
		default:
		}
	}
}

// checkpoint blocks the caller while a pause is in effect, and returns ctx's
// error if it's cancelled either before or during the pause.
func (e *Engine) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return model.NewError(model.ErrCancelled, "checkpoint", err)
	}
	if !e.pauseRequested.Load() {
		return nil
	}
	e.setState(StatePaused)
	defer e.setState(StateExecuting)
	select {
	case <-e.resume:
		return nil
	case <-ctx.Done():
		return model.NewError(model.ErrCancelled, "checkpoint", ctx.Err())
	}
}

// Plan runs the scan/classify phase without executing anything, per spec
// §4.5. Useful for a host that wants to preview pending work.
func (e *Engine) Plan(ctx context.Context, opts model.SyncOptions) (*model.SyncPlan, error) {
	if err := e.requireOpen("Plan"); err != nil {
		return nil, err
	}
	f := e.filter
	if len(opts.ExcludePatterns) > 0 {
		f = f.WithExtra(opts.ExcludePatterns)
	}
	e.planner.Filter = f

	e.setState(StateScanning)
	defer e.setState(StateIdle)
	e.setState(StatePlanning)
	return e.planner.Plan(ctx, opts)
}

// Synchronize runs one full scan → plan → execute → finalize pass. Only one
// Synchronize runs at a time per Engine; a concurrent call returns
// model.ErrBusy immediately, grounded on this codebase's
// muSync.TryLock()-guarded runFullSync.
func (e *Engine) Synchronize(ctx context.Context, opts model.SyncOptions) (*model.SyncResult, error) {
	if err := e.requireOpen("Synchronize"); err != nil {
		return nil, err
	}
	if !e.muSync.TryLock() {
		return nil, model.NewError(model.ErrBusy, "Synchronize", fmt.Errorf("a sync is already running"))
	}
	defer e.muSync.Unlock()

	if opts.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	started := time.Now()
	result := &model.SyncResult{Success: true}

	plan, err := e.Plan(ctx, opts)
	if err != nil {
		result.Success = false
		result.Error = err
		result.ElapsedTime = time.Since(started)
		return result, err
	}

	e.setState(StateExecuting)
	execErr := e.executePlan(ctx, plan, opts, result)
	e.setState(StateFinalizing)
	e.reapStaleBaseline(ctx, plan)
	e.pruneHistory(ctx)
	e.setState(StateIdle)

	result.ElapsedTime = time.Since(started)
	if execErr != nil {
		result.Success = false
		result.Error = execErr
		return result, execErr
	}
	return result, nil
}

// pruneHistory opportunistically deletes OperationHistory rows older than
// cfg.HistoryRetention during Finalizing, rather than on a dedicated ticker
// of its own — a full sync already touches the store, so this rides along
// instead of needing another goroutine.
func (e *Engine) pruneHistory(ctx context.Context) {
	if e.cfg.HistoryRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-e.cfg.HistoryRetention)
	n, err := e.store.ClearOperationHistory(ctx, cutoff)
	if err != nil {
		e.logger.Warn("pruneHistory failed", "error", err)
		return
	}
	if n > 0 {
		e.logger.Debug("pruned operation history", "rows", n, "olderThan", cutoff)
	}
}

// SyncFolder is Synchronize scoped to a single subtree: dirPath's descendants
// are synchronized, everything else is left untouched this pass.
func (e *Engine) SyncFolder(ctx context.Context, dirPath model.Path, opts model.SyncOptions) (*model.SyncResult, error) {
	return e.syncScoped(ctx, opts, func(p model.Path) bool {
		return model.IsDescendantOrEqual(dirPath, p)
	})
}

// SyncFiles is Synchronize scoped to an explicit set of paths.
func (e *Engine) SyncFiles(ctx context.Context, paths []model.Path, opts model.SyncOptions) (*model.SyncResult, error) {
	want := make(map[model.Path]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	return e.syncScoped(ctx, opts, func(p model.Path) bool { return want[p] })
}

func (e *Engine) syncScoped(ctx context.Context, opts model.SyncOptions, include func(model.Path) bool) (*model.SyncResult, error) {
	if err := e.requireOpen("Synchronize"); err != nil {
		return nil, err
	}
	if !e.muSync.TryLock() {
		return nil, model.NewError(model.ErrBusy, "Synchronize", fmt.Errorf("a sync is already running"))
	}
	defer e.muSync.Unlock()

	if opts.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	started := time.Now()
	result := &model.SyncResult{Success: true}

	fullPlan, err := e.Plan(ctx, opts)
	if err != nil {
		result.Success = false
		result.Error = err
		result.ElapsedTime = time.Since(started)
		return result, err
	}

	scoped := &model.SyncPlan{CreatedAt: fullPlan.CreatedAt}
	for _, a := range fullPlan.Actions {
		if include(a.Path) {
			scoped.Actions = append(scoped.Actions, a)
		}
	}

	e.setState(StateExecuting)
	execErr := e.executePlan(ctx, scoped, opts, result)
	e.setState(StateFinalizing)
	e.pruneHistory(ctx)
	e.setState(StateIdle)

	result.ElapsedTime = time.Since(started)
	if execErr != nil {
		result.Success = false
		result.Error = execErr
		return result, execErr
	}
	return result, nil
}

// reapStaleBaseline deletes Store entries left behind by paths that no
// longer exist on either side and produced no action this pass — bookkeeping
// the Planner explicitly defers to the Executor's Finalizing phase.
func (e *Engine) reapStaleBaseline(ctx context.Context, p *model.SyncPlan) {
	if p == nil {
		return
	}
	acted := make(map[model.Path]bool, len(p.Actions))
	for _, a := range p.Actions {
		acted[a.Path] = true
	}

	states, err := e.store.GetAllStates(ctx)
	if err != nil {
		e.logger.Warn("reapStaleBaseline: could not load states", "error", err)
		return
	}
	for _, st := range states {
		if acted[st.Path] {
			continue
		}
		localExists, _ := e.local.Exists(ctx, st.Path)
		remoteExists, _ := e.remote.Exists(ctx, st.Path)
		if localExists || remoteExists {
			continue
		}
		if err := e.store.DeleteState(ctx, st.Path); err != nil {
			e.logger.Warn("reapStaleBaseline: delete failed", "path", st.Path, "error", err)
		}
	}
}

// ResetState clears the Store's entire baseline, forcing the next
// Synchronize to re-derive every path's relationship from scratch (as if no
// prior sync had ever occurred).
func (e *Engine) ResetState(ctx context.Context) error {
	if err := e.requireOpen("ResetState"); err != nil {
		return err
	}
	if err := e.store.Clear(ctx); err != nil {
		return err
	}
	return e.tracker.ClearLocal()
}

// GetStats reports the Store's current aggregate counts and database size.
func (e *Engine) GetStats(ctx context.Context) (store.Stats, error) {
	if err := e.requireOpen("GetStats"); err != nil {
		return store.Stats{}, err
	}
	return e.store.Stats(ctx)
}

// Dispose tears the engine down: after this call every method fails
// Disposed, per spec §4.1.
func (e *Engine) Dispose() error {
	if !e.disposed.CompareAndSwap(false, true) {
		return nil
	}
	e.tracker.Dispose()
	e.events.closeAll()
	return e.store.Close()
}

func renamedCollisionPath(dir, name, identity string, exists func(candidate string) bool) model.Path {
	candidate := conflict.UniqueRenamedPath(dir, name, identity, exists)
	return model.Path(path.Join(dir, candidate))
}
