// Package plan implements SharpSync's Planner: the pure tri-state diff that
// turns a local tree, a remote tree, the Store baseline, and pending
// ChangeTracker notifications into an ordered SyncPlan, per spec §4.5.
// Grounded on this codebase's reconcile() tri-state classifier
// (sync_engine.go) and its adaptive-interval/priority-file companions
// (sync_adaptive.go, sync_priority.go).
package plan

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/sharpsync/sharpsync/filter"
	"github.com/sharpsync/sharpsync/model"
	"github.com/sharpsync/sharpsync/storage"
	"github.com/sharpsync/sharpsync/store"
	"github.com/sharpsync/sharpsync/tracker"
)

// changeThreshold is the minimum timestamp difference, beyond a size match,
// that marks a side as changed (spec §4.5 step 3).
const changeThreshold = 2 * time.Second

// DefaultPriorityPatterns get tie-break precedence within their action tier,
// avoiding the race a plain alphabetical order could create for control
// files that a host reads eagerly after a sync pass.
var DefaultPriorityPatterns = []string{"**/*.request", "**/*.response"}

// Planner computes SyncPlans. It never mutates Store or Storage.
type Planner struct {
	Store             *store.Store
	Local             storage.Storage
	Remote            storage.Storage
	Filter            *filter.Filter
	Tracker           *tracker.ChangeTracker
	PriorityPatterns  []string
	PollInterval      time.Duration
	Logger            *slog.Logger

	scheduler *adaptiveScheduler
	lastPoll  time.Time
}

// New builds a Planner over the given Store and local/remote Storage ports.
func New(st *store.Store, local, remote storage.Storage, f *filter.Filter, tr *tracker.ChangeTracker) *Planner {
	if f == nil {
		f = filter.Default()
	}
	return &Planner{
		Store:            st,
		Local:            local,
		Remote:           remote,
		Filter:           f,
		Tracker:          tr,
		PriorityPatterns: DefaultPriorityPatterns,
		PollInterval:     5 * time.Second,
		Logger:           slog.Default(),
		scheduler:        newAdaptiveScheduler(),
	}
}

// Plan implements the full algorithm of spec §4.5.
func (p *Planner) Plan(ctx context.Context, opts model.SyncOptions) (*model.SyncPlan, error) {
	f := p.Filter
	if len(opts.ExcludePatterns) > 0 {
		f = f.WithExtra(opts.ExcludePatterns)
	}

	var localItems, remoteItems map[model.Path]model.SyncItem
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		localItems, err = p.walk(gctx, p.Local, f, opts.FollowSymlinks)
		return err
	})
	g.Go(func() error {
		var err error
		remoteItems, err = p.walk(gctx, p.Remote, f, opts.FollowSymlinks)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	baseline, err := p.loadBaseline(ctx)
	if err != nil {
		return nil, err
	}

	actions := map[model.Path]*model.SyncPlanAction{}

	allPaths := map[model.Path]bool{}
	for p2 := range localItems {
		allPaths[p2] = true
	}
	for p2 := range remoteItems {
		allPaths[p2] = true
	}
	for p2 := range baseline {
		allPaths[p2] = true
	}

	for path := range allPaths {
		local, localExists := localItems[path]
		remote, remoteExists := remoteItems[path]
		state, tracked := baseline[path]

		// A path missing on both sides but still carrying tracked state is
		// stale baseline bookkeeping; it produces no action here and is
		// reaped by the Store during the Executor's Finalizing phase.
		if action := p.classify(ctx, path, local, localExists, remote, remoteExists, state, tracked, opts); action != nil {
			actions[path] = action
		}
	}

	activityCount := p.foldInTracker(ctx, actions, localItems, remoteItems, baseline, opts)
	p.scheduler.recordActivity(activityCount)

	if poller, ok := p.Remote.(storage.ChangePoller); ok {
		p.pollRemote(ctx, poller, actions, baseline, opts)
	}

	result := make([]model.SyncPlanAction, 0, len(actions))
	for _, a := range actions {
		result = append(result, *a)
	}
	sortActions(result, p.priorityPatterns())

	return &model.SyncPlan{Actions: result, CreatedAt: time.Now()}, nil
}

func (p *Planner) priorityPatterns() []string {
	if p.PriorityPatterns != nil {
		return p.PriorityPatterns
	}
	return DefaultPriorityPatterns
}

// walk performs a breadth-first traversal of s rooted at "", honoring f and
// skipping symlinks unless followSymlinks is set (spec §4.5 step 1).
func (p *Planner) walk(ctx context.Context, s storage.Storage, f *filter.Filter, followSymlinks bool) (map[model.Path]model.SyncItem, error) {
	out := map[model.Path]model.SyncItem{}
	queue := []model.Path{""}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, model.NewError(model.ErrCancelled, "Plan", err)
		}
		prefix := queue[0]
		queue = queue[1:]

		items, err := s.ListItems(ctx, prefix)
		if err != nil {
			return nil, model.NewPathError(model.ErrTransferIO, "ListItems", prefix, err)
		}
		for _, item := range items {
			if item.IsSymlink && !followSymlinks {
				continue
			}
			if !f.ShouldSync(string(item.Path)) {
				continue
			}
			out[item.Path] = item
			if item.IsDirectory {
				queue = append(queue, item.Path)
			}
		}
	}
	return out, nil
}

func (p *Planner) loadBaseline(ctx context.Context) (map[model.Path]*model.SyncState, error) {
	states, err := p.Store.GetAllStates(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Path]*model.SyncState, len(states))
	for _, st := range states {
		out[st.Path] = st
	}
	return out, nil
}

// classify implements the difference classifier of spec §4.5 step 2.
func (p *Planner) classify(
	ctx context.Context,
	path model.Path,
	local model.SyncItem, localExists bool,
	remote model.SyncItem, remoteExists bool,
	state *model.SyncState, tracked bool,
	opts model.SyncOptions,
) *model.SyncPlanAction {
	if !localExists && !remoteExists {
		return nil // handled as a removable baseline entry by the caller
	}

	if localExists && !tracked && !remoteExists {
		return uploadAction(local)
	}
	if remoteExists && !tracked && !localExists {
		if opts.DeleteExtraneous {
			return &model.SyncPlanAction{ActionType: model.ActionDeleteRemote, Path: path, IsDirectory: remote.IsDirectory, Size: remote.Size}
		}
		return downloadAction(remote, opts)
	}

	if tracked && localExists && remoteExists {
		localChanged := hasChanged(local.Size, local.LastModified, state.Size, state.LocalHash, state.LocalModified, opts, func() (string, error) { return p.Local.ComputeHash(ctx, path) })
		remoteChanged := hasChanged(remote.Size, remote.LastModified, state.Size, state.RemoteHash, state.RemoteModified, opts, func() (string, error) { return p.Remote.ComputeHash(ctx, path) })

		switch {
		case localChanged && remoteChanged:
			return conflictAction(path, model.ConflictBothModified, local, remote)
		case localChanged:
			return uploadAction(local)
		case remoteChanged:
			return downloadAction(remote, opts)
		default:
			return nil
		}
	}

	// Tracked on both sides previously; remote has since disappeared. If
	// local also changed since the baseline this is a real conflict;
	// otherwise the remote deletion simply propagates.
	if tracked && localExists && !remoteExists {
		if hasChanged(local.Size, local.LastModified, state.Size, state.LocalHash, state.LocalModified, opts, func() (string, error) { return p.Local.ComputeHash(ctx, path) }) {
			return conflictAction(path, model.ConflictModifiedLocallyDeletedRemotely, local, remote)
		}
		return &model.SyncPlanAction{ActionType: model.ActionDeleteLocal, Path: path, IsDirectory: local.IsDirectory, Size: local.Size}
	}

	// Symmetric case: local has since disappeared.
	if tracked && remoteExists && !localExists {
		if hasChanged(remote.Size, remote.LastModified, state.Size, state.RemoteHash, state.RemoteModified, opts, func() (string, error) { return p.Remote.ComputeHash(ctx, path) }) {
			return conflictAction(path, model.ConflictDeletedLocallyModifiedRemotely, local, remote)
		}
		return &model.SyncPlanAction{ActionType: model.ActionDeleteRemote, Path: path, IsDirectory: remote.IsDirectory, Size: remote.Size}
	}

	// Neither side has ever been tracked but both now have the path: two
	// independent creations, a conflict rather than a guess at intent.
	if !tracked && localExists && remoteExists {
		return conflictAction(path, model.ConflictBothModified, local, remote)
	}

	return nil
}

func uploadAction(item model.SyncItem) *model.SyncPlanAction {
	lm := item.LastModified
	return &model.SyncPlanAction{ActionType: model.ActionUpload, Path: item.Path, IsDirectory: item.IsDirectory, Size: item.Size, LastModified: &lm}
}

func downloadAction(item model.SyncItem, opts model.SyncOptions) *model.SyncPlanAction {
	lm := item.LastModified
	return &model.SyncPlanAction{
		ActionType:            model.ActionDownload,
		Path:                  item.Path,
		IsDirectory:           item.IsDirectory,
		Size:                  item.Size,
		LastModified:          &lm,
		WillCreatePlaceholder: opts.CreateVirtualFilePlaceholders && !item.IsDirectory,
	}
}

func conflictAction(path model.Path, ct model.ConflictType, local, remote model.SyncItem) *model.SyncPlanAction {
	isDir := local.IsDirectory || remote.IsDirectory
	size := local.Size
	if size == 0 {
		size = remote.Size
	}
	return &model.SyncPlanAction{ActionType: model.ActionConflict, Path: path, IsDirectory: isDir, Size: size, ConflictType: ct}
}

// hasChanged implements spec §4.5 step 3.
func hasChanged(size int64, modified time.Time, trackedSize int64, trackedHash string, trackedModified *time.Time, opts model.SyncOptions, computeHash func() (string, error)) bool {
	if trackedModified == nil {
		return true
	}
	if opts.SizeOnly {
		return size != trackedSize
	}
	if opts.ChecksumOnly {
		hash, err := computeHash()
		if err != nil {
			return true
		}
		return hash != trackedHash
	}
	if size != trackedSize {
		return true
	}
	diff := modified.Sub(*trackedModified)
	if diff < 0 {
		diff = -diff
	}
	return diff > changeThreshold
}

// foldInTracker implements spec §4.5 step 4, returning the number of pending
// changes folded in (for adaptive-interval bookkeeping).
func (p *Planner) foldInTracker(ctx context.Context, actions map[model.Path]*model.SyncPlanAction, localItems, remoteItems map[model.Path]model.SyncItem, baseline map[model.Path]*model.SyncState, opts model.SyncOptions) int {
	if p.Tracker == nil {
		return 0
	}
	localPending, err := p.Tracker.SnapshotLocal()
	if err != nil {
		return 0
	}
	remotePending, err := p.Tracker.SnapshotRemote()
	if err != nil {
		return 0
	}

	count := 0
	for path, change := range localPending {
		if _, already := actions[path]; already {
			continue
		}
		count++
		if change.ChangeType == model.ChangeDeleted {
			if _, tracked := baseline[path]; !tracked {
				continue
			}
			actions[path] = &model.SyncPlanAction{ActionType: model.ActionDeleteRemote, Path: path, IsDirectory: change.IsDirectory}
			continue
		}
		if item, ok := localItems[path]; ok {
			actions[path] = uploadAction(item)
		}
	}
	for path, change := range remotePending {
		if _, already := actions[path]; already {
			continue
		}
		count++
		if change.ChangeType == model.ChangeDeleted {
			if _, tracked := baseline[path]; !tracked {
				continue
			}
			actions[path] = &model.SyncPlanAction{ActionType: model.ActionDeleteLocal, Path: path, IsDirectory: change.IsDirectory}
			continue
		}
		if item, ok := remoteItems[path]; ok {
			actions[path] = downloadAction(item, opts)
		}
	}
	return count
}

// pollRemote implements spec §4.5 step 5: poll failures are logged and
// swallowed so the plan is still returned.
func (p *Planner) pollRemote(ctx context.Context, poller storage.ChangePoller, actions map[model.Path]*model.SyncPlanAction, baseline map[model.Path]*model.SyncState, opts model.SyncOptions) {
	interval := p.PollInterval
	if p.scheduler != nil {
		// The adaptive interval may shorten polling, but never past the
		// configured PollInterval.
		if adaptive := p.scheduler.interval(); interval <= 0 || adaptive < interval {
			interval = adaptive
		}
	}
	if time.Since(p.lastPoll) < interval {
		return
	}
	p.lastPoll = time.Now()

	changes, err := poller.GetRemoteChanges(ctx, p.lastPoll.Add(-interval))
	if err != nil {
		p.Logger.Warn("remote change poll failed", "error", err)
		return
	}
	for _, c := range changes {
		if !p.Filter.ShouldSync(string(c.Path)) {
			continue
		}
		if _, exists := actions[c.Path]; exists {
			continue
		}
		switch c.ChangeType {
		case model.ChangeDeleted:
			if _, tracked := baseline[c.Path]; tracked {
				actions[c.Path] = &model.SyncPlanAction{ActionType: model.ActionDeleteLocal, Path: c.Path}
			}
		default:
			actions[c.Path] = &model.SyncPlanAction{ActionType: model.ActionDownload, Path: c.Path, Size: c.Size}
		}
	}
}

// actionTier orders action types for the priority sort of spec §4.5 step 7:
// directory-creation transfers first, then moves, then file transfers, then
// deletions.
func actionTier(a model.SyncPlanAction) int {
	switch a.ActionType {
	case model.ActionUpload, model.ActionDownload:
		if a.IsDirectory {
			return 0
		}
		return 2
	case model.ActionMove:
		return 1
	case model.ActionConflict:
		return 2
	case model.ActionDeleteLocal, model.ActionDeleteRemote:
		return 3
	default:
		return 4
	}
}

func isPriorityPath(path model.Path, patterns []string) bool {
	norm := strings.ToLower(string(path))
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(strings.ToLower(pattern), norm); err == nil && ok {
			return true
		}
	}
	return false
}

// sortActions applies spec §4.5 step 7's ordering, using path depth as the
// local-children-before-parents / remote-parents-before-children tiebreak
// for deletions, and priorityPatterns as a same-tier tiebreak.
func sortActions(actions []model.SyncPlanAction, priorityPatterns []string) {
	depth := func(p model.Path) int { return strings.Count(string(p), "/") }

	sort.SliceStable(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		ta, tb := actionTier(a), actionTier(b)
		if ta != tb {
			return ta < tb
		}

		pa, pb := isPriorityPath(a.Path, priorityPatterns), isPriorityPath(b.Path, priorityPatterns)
		if pa != pb {
			return pa
		}

		if a.ActionType == model.ActionDeleteLocal && b.ActionType == model.ActionDeleteLocal {
			return depth(a.Path) > depth(b.Path) // children before parents locally
		}
		if a.ActionType == model.ActionDeleteRemote && b.ActionType == model.ActionDeleteRemote {
			return depth(a.Path) < depth(b.Path) // parents before children remotely
		}
		return a.Path < b.Path
	})
}
