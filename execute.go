package sharpsync

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/sharpsync/sharpsync/conflict"
	"github.com/sharpsync/sharpsync/model"
	"github.com/sharpsync/sharpsync/storage"
)

// executePlan walks p's actions in order, invoking Storage/ConflictResolver
// for each and recording the outcome. Per spec §4.6, a per-action failure is
// recorded and the sync continues; only Cancelled/Timeout aborts the whole
// run, which this function returns as an error.
func (e *Engine) executePlan(ctx context.Context, p *model.SyncPlan, opts model.SyncOptions, result *model.SyncResult) error {
	total := len(p.Actions)
	for i, action := range p.Actions {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}

		e.events.publish(ProgressChanged{
			Operation:       string(action.ActionType),
			CurrentFile:     i + 1,
			TotalFiles:      total,
			Percentage:      float64(i+1) / float64(max(total, 1)) * 100,
			CurrentFileName: string(action.Path),
		})

		if err := e.executeAction(ctx, action, opts, result); err != nil {
			if model.Is(err, model.ErrCancelled) || model.Is(err, model.ErrTimeout) {
				e.events.publish(ProgressChanged{
					Operation:       string(action.ActionType),
					CurrentFile:     i + 1,
					TotalFiles:      total,
					CurrentFileName: string(action.Path),
					IsCancelled:     true,
				})
				return err
			}
			e.logger.Warn("action failed", "path", action.Path, "action", action.ActionType, "error", err)
		}
	}
	return nil
}

func (e *Engine) executeAction(ctx context.Context, action model.SyncPlanAction, opts model.SyncOptions, result *model.SyncResult) error {
	started := time.Now()

	switch action.ActionType {
	case model.ActionUpload:
		return e.doUpload(ctx, started, action, opts, result)
	case model.ActionDownload:
		return e.doDownload(ctx, started, action, opts, result)
	case model.ActionDeleteLocal:
		return e.executeDelete(ctx, started, action, e.local, model.SourceRemote, opts, result)
	case model.ActionDeleteRemote:
		return e.executeDelete(ctx, started, action, e.remote, model.SourceLocal, opts, result)
	case model.ActionConflict:
		return e.executeConflict(ctx, started, action, opts, result)
	case model.ActionMove:
		// The Planner never emits Move: renames are observed by the
		// ChangeTracker as a Delete+Create pair and folded into the plan as
		// ordinary transfer/delete actions (spec §4.3). Dispatch is kept so
		// a host-supplied plan (or a future rename-aware Planner) can use
		// it once SyncPlanAction grows a source path for it.
		result.FilesSkipped++
		return e.succeed(ctx, opts, action, started, model.SourceLocal, result)
	default:
		err := model.NewPathError(model.ErrNotFound, "executeAction", action.Path, fmt.Errorf("unrecognized action type %q", action.ActionType))
		return e.fail(ctx, opts, action, started, model.SourceLocal, err, result)
	}
}

// withRetry runs fn, retrying per e.cfg.RetryPolicy when fn's error is
// classified retryable by model.IsRetryable (transient I/O/timeout, not an
// auth failure or a non-existent path). It backs off between attempts per
// RetryPolicy.Delay and gives up early if ctx is done.
func (e *Engine) withRetry(ctx context.Context, op string, p model.Path, fn func() error) error {
	policy := e.cfg.RetryPolicy
	var err error
	for attempt := 0; attempt < max(policy.MaxAttempts, 1); attempt++ {
		if attempt > 0 {
			delay := policy.Delay(attempt)
			e.logger.Warn("retrying action", "op", op, "path", p, "attempt", attempt+1, "delay", delay, "error", err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
		err = fn()
		if err == nil || !model.IsRetryable(err) {
			return err
		}
	}
	return err
}

func (e *Engine) progressFunc(op storage.Operation, p model.Path, total int64) storage.ProgressFunc {
	return func(ev storage.ProgressEvent) {
		pct := 0.0
		if total > 0 {
			pct = float64(ev.BytesTransferred) / float64(total) * 100
		}
		e.events.publish(FileProgressChanged{
			Path:             p,
			BytesTransferred: ev.BytesTransferred,
			TotalBytes:       total,
			Operation:        string(op),
			PercentComplete:  pct,
		})
	}
}

// doUpload transfers action.Path from local to remote, per spec §4.6 steps
// 1-5: stream the bytes, then best-effort preserve timestamp/permissions on
// the destination if the backend and options support it.
func (e *Engine) doUpload(ctx context.Context, started time.Time, action model.SyncPlanAction, opts model.SyncOptions, result *model.SyncResult) error {
	if action.IsDirectory {
		if !opts.DryRun {
			if err := e.remote.CreateDirectory(ctx, action.Path); err != nil {
				return e.fail(ctx, opts, action, started, model.SourceLocal, model.NewPathError(model.ErrTransferIO, "Upload", action.Path, err), result)
			}
		}
		result.FilesSynchronized++
		return e.succeed(ctx, opts, action, started, model.SourceLocal, result)
	}

	if !opts.DryRun {
		item, err := e.local.GetItem(ctx, action.Path)
		if err != nil || item == nil {
			return e.fail(ctx, opts, action, started, model.SourceLocal, model.NewPathError(model.ErrNotFound, "Upload", action.Path, err), result)
		}

		transferErr := e.withRetry(ctx, "Upload", action.Path, func() error {
			r, err := e.local.ReadFile(ctx, action.Path, e.progressFunc(storage.OpUpload, action.Path, item.Size))
			if err != nil {
				return model.NewPathError(model.ErrTransferIO, "Upload", action.Path, err)
			}
			werr := e.remote.WriteFile(ctx, action.Path, r, item.Size, e.progressFunc(storage.OpUpload, action.Path, item.Size))
			r.Close()
			if werr != nil {
				return model.NewPathError(model.ErrTransferIO, "Upload", action.Path, werr)
			}
			return nil
		})
		if transferErr != nil {
			return e.fail(ctx, opts, action, started, model.SourceLocal, transferErr, result)
		}

		e.applyTimestampAndPermissions(ctx, e.remote, action.Path, item, opts)
	}

	result.FilesSynchronized++
	return e.succeed(ctx, opts, action, started, model.SourceLocal, result)
}

// doDownload transfers action.Path from remote to local, per spec §4.6 steps
// 1-6. When the action calls for a placeholder, the real content transfer is
// skipped entirely and left to the host's virtualFileCallback — a
// Placeholder is by definition a sparse file that never held the remote
// bytes, so downloading them first would defeat the point.
func (e *Engine) doDownload(ctx context.Context, started time.Time, action model.SyncPlanAction, opts model.SyncOptions, result *model.SyncResult) error {
	if action.IsDirectory {
		if !opts.DryRun {
			if err := e.local.CreateDirectory(ctx, action.Path); err != nil {
				return e.fail(ctx, opts, action, started, model.SourceRemote, model.NewPathError(model.ErrTransferIO, "Download", action.Path, err), result)
			}
		}
		result.FilesSynchronized++
		return e.succeed(ctx, opts, action, started, model.SourceRemote, result)
	}

	if action.WillCreatePlaceholder && opts.VirtualFileCallback != nil {
		if !opts.DryRun {
			if err := opts.VirtualFileCallback(action.Path); err != nil {
				e.logger.Warn("virtual file callback failed", "path", action.Path, "error", err)
			}
		}
		result.FilesSynchronized++
		return e.succeed(ctx, opts, action, started, model.SourceRemote, result)
	}

	if !opts.DryRun {
		item, err := e.remote.GetItem(ctx, action.Path)
		if err != nil || item == nil {
			return e.fail(ctx, opts, action, started, model.SourceRemote, model.NewPathError(model.ErrNotFound, "Download", action.Path, err), result)
		}

		transferErr := e.withRetry(ctx, "Download", action.Path, func() error {
			r, err := e.remote.ReadFile(ctx, action.Path, e.progressFunc(storage.OpDownload, action.Path, item.Size))
			if err != nil {
				return model.NewPathError(model.ErrTransferIO, "Download", action.Path, err)
			}
			werr := e.local.WriteFile(ctx, action.Path, r, item.Size, e.progressFunc(storage.OpDownload, action.Path, item.Size))
			r.Close()
			if werr != nil {
				return model.NewPathError(model.ErrTransferIO, "Download", action.Path, werr)
			}
			return nil
		})
		if transferErr != nil {
			return e.fail(ctx, opts, action, started, model.SourceRemote, transferErr, result)
		}

		e.applyTimestampAndPermissions(ctx, e.local, action.Path, item, opts)
	}

	result.FilesSynchronized++
	return e.succeed(ctx, opts, action, started, model.SourceRemote, result)
}

func (e *Engine) executeDelete(ctx context.Context, started time.Time, action model.SyncPlanAction, target storage.Storage, source model.ChangeSource, opts model.SyncOptions, result *model.SyncResult) error {
	if !opts.DryRun {
		err := e.withRetry(ctx, "Delete", action.Path, func() error {
			if err := target.Delete(ctx, action.Path); err != nil {
				return model.NewPathError(model.ErrTransferIO, "Delete", action.Path, err)
			}
			return nil
		})
		if err != nil {
			return e.fail(ctx, opts, action, started, source, err, result)
		}
	}
	result.FilesDeleted++
	return e.succeed(ctx, opts, action, started, source, result)
}

// executeConflict resolves a conflict action and dispatches its resolution,
// per spec §4.4/§4.6.
func (e *Engine) executeConflict(ctx context.Context, started time.Time, action model.SyncPlanAction, opts model.SyncOptions, result *model.SyncResult) error {
	localItem, _ := e.local.GetItem(ctx, action.Path)
	remoteItem, _ := e.remote.GetItem(ctx, action.Path)

	e.events.publish(ConflictDetected{
		FilePath:     action.Path,
		LocalItem:    localItem,
		RemoteItem:   remoteItem,
		ConflictType: action.ConflictType,
	})

	analysis := conflict.Analyze(action.Path, action.ConflictType, localItem, remoteItem)

	resolution := opts.ConflictResolution
	if resolution == "" {
		var err error
		resolution, err = e.resolver.Resolve(ctx, analysis)
		if err != nil {
			result.FilesConflicted++
			return e.fail(ctx, opts, action, started, model.SourceLocal, err, result)
		}
	}

	switch resolution {
	case model.ResolutionUseLocal:
		return e.doUpload(ctx, started, withType(action, model.ActionUpload), opts, result)

	case model.ResolutionUseRemote:
		return e.doDownload(ctx, started, withType(action, model.ActionDownload), opts, result)

	case model.ResolutionSkip:
		result.FilesSkipped++
		return e.succeed(ctx, opts, action, started, model.SourceLocal, result)

	case model.ResolutionRenameLocal:
		return e.executeRenameLocal(ctx, started, action, localItem, remoteItem, opts, result)

	case model.ResolutionRenameRemote:
		return e.executeRenameRemote(ctx, started, action, localItem, remoteItem, opts, result)

	case model.ResolutionMerge:
		// No host handler for Merge behaves as Ask: SharpSync has no
		// built-in content merge, so an unresolved Merge is recorded as
		// conflicted rather than silently picking a side.
		fallthrough
	case model.ResolutionAsk, "":
		result.FilesConflicted++
		return e.fail(ctx, opts, action, started, model.SourceLocal,
			model.NewPathError(model.ErrConflictUnresolved, "Resolve", action.Path, fmt.Errorf("conflict left unresolved")), result)

	default:
		result.FilesConflicted++
		return e.fail(ctx, opts, action, started, model.SourceLocal,
			model.NewPathError(model.ErrConflictUnresolved, "Resolve", action.Path, fmt.Errorf("unrecognized resolution %q", resolution)), result)
	}
}

func withType(action model.SyncPlanAction, t model.SyncActionType) model.SyncPlanAction {
	action.ActionType = t
	return action
}

// executeRenameLocal implements RenameLocal (spec §4.5 step 8): the local
// file is rotated aside under a "(<conflict.LocalIdentity()>)" suffix (the
// machine ID, or the hostname where none is available) to preserve the local
// edit, then the remote version is downloaded to the original path.
func (e *Engine) executeRenameLocal(ctx context.Context, started time.Time, action model.SyncPlanAction, localItem, remoteItem *model.SyncItem, opts model.SyncOptions, result *model.SyncResult) error {
	dir := path.Dir(string(action.Path))
	if dir == "." {
		dir = ""
	}
	name := path.Base(string(action.Path))
	identity := conflict.LocalIdentity()

	if !opts.DryRun {
		newPath := renamedCollisionPath(dir, name, identity, func(candidate string) bool {
			exists, _ := e.local.Exists(ctx, model.Path(candidate))
			return exists
		})
		if err := e.local.Move(ctx, action.Path, newPath); err != nil {
			return e.fail(ctx, opts, action, started, model.SourceLocal, model.NewPathError(model.ErrTransferIO, "RenameLocal", action.Path, err), result)
		}
	}

	return e.doDownload(ctx, started, withType(action, model.ActionDownload), opts, result)
}

// executeRenameRemote implements RenameRemote (spec §4.5 step 8): the remote
// file is rotated aside under a "(<remote host>)" suffix, then the local
// version is uploaded to the original path.
func (e *Engine) executeRenameRemote(ctx context.Context, started time.Time, action model.SyncPlanAction, localItem, remoteItem *model.SyncItem, opts model.SyncOptions, result *model.SyncResult) error {
	dir := path.Dir(string(action.Path))
	if dir == "." {
		dir = ""
	}
	name := path.Base(string(action.Path))
	identity := conflict.HostIdentity(e.remote.RootPath())

	if !opts.DryRun {
		newPath := renamedCollisionPath(dir, name, identity, func(candidate string) bool {
			exists, _ := e.remote.Exists(ctx, model.Path(candidate))
			return exists
		})
		if err := e.remote.Move(ctx, action.Path, newPath); err != nil {
			return e.fail(ctx, opts, action, started, model.SourceRemote, model.NewPathError(model.ErrTransferIO, "RenameRemote", action.Path, err), result)
		}
	}

	return e.doUpload(ctx, started, withType(action, model.ActionUpload), opts, result)
}

func (e *Engine) applyTimestampAndPermissions(ctx context.Context, target storage.Storage, p model.Path, item *model.SyncItem, opts model.SyncOptions) {
	if opts.PreserveTimestamps {
		if ts, ok := target.(storage.TimestampSetter); ok {
			if err := ts.SetLastModified(ctx, p, item.LastModified); err != nil {
				e.logger.Warn("preserve timestamp failed", "path", p, "error", err)
			}
		}
	}
	if opts.PreservePermissions && item.Permissions != "" {
		if ps, ok := target.(storage.PermissionSetter); ok {
			if err := ps.SetPermissions(ctx, p, item.Permissions); err != nil {
				e.logger.Warn("preserve permissions failed", "path", p, "error", err)
			}
		}
	}
}

// fail records a failed action to history and returns err unchanged, so
// callers can `return e.fail(...)`.
func (e *Engine) fail(ctx context.Context, opts model.SyncOptions, action model.SyncPlanAction, started time.Time, source model.ChangeSource, err error, result *model.SyncResult) error {
	completed := time.Now()
	entry := model.OperationHistory{
		Path:         action.Path,
		ActionType:   action.ActionType,
		IsDirectory:  action.IsDirectory,
		Size:         action.Size,
		Source:       source,
		StartedAt:    started,
		CompletedAt:  completed,
		Success:      false,
		ErrorMessage: err.Error(),
	}
	result.Details = append(result.Details, entry)
	if !opts.DryRun {
		if logErr := e.store.LogOperation(ctx, &entry); logErr != nil {
			e.logger.Warn("log operation failed", "path", action.Path, "error", logErr)
		}
	}
	return err
}

// succeed records a successful action to history and baseline state.
func (e *Engine) succeed(ctx context.Context, opts model.SyncOptions, action model.SyncPlanAction, started time.Time, source model.ChangeSource, result *model.SyncResult) error {
	completed := time.Now()
	entry := model.OperationHistory{
		Path:        action.Path,
		ActionType:  action.ActionType,
		IsDirectory: action.IsDirectory,
		Size:        action.Size,
		Source:      source,
		StartedAt:   started,
		CompletedAt: completed,
		Success:     true,
	}
	result.Details = append(result.Details, entry)
	if opts.DryRun {
		return nil
	}
	if logErr := e.store.LogOperation(ctx, &entry); logErr != nil {
		e.logger.Warn("log operation failed", "path", action.Path, "error", logErr)
	}
	e.updateStoreState(ctx, action)
	return nil
}

func (e *Engine) updateStoreState(ctx context.Context, action model.SyncPlanAction) {
	switch action.ActionType {
	case model.ActionUpload, model.ActionDownload:
		now := time.Now()
		st := &model.SyncState{
			Path:         action.Path,
			Size:         action.Size,
			Status:       model.StatusSynced,
			IsDirectory:  action.IsDirectory,
			LastSyncTime: &now,
		}
		if localItem, err := e.local.GetItem(ctx, action.Path); err == nil && localItem != nil {
			lm := localItem.LastModified
			st.LocalModified = &lm
			st.Size = localItem.Size
		}
		if remoteItem, err := e.remote.GetItem(ctx, action.Path); err == nil && remoteItem != nil {
			rm := remoteItem.LastModified
			st.RemoteModified = &rm
		}
		if h, err := e.local.ComputeHash(ctx, action.Path); err == nil {
			st.LocalHash = h
		}
		if h, err := e.remote.ComputeHash(ctx, action.Path); err == nil {
			st.RemoteHash = h
		}
		if err := e.store.UpdateState(ctx, st); err != nil {
			e.logger.Warn("store update failed", "path", action.Path, "error", err)
		}

	case model.ActionDeleteLocal, model.ActionDeleteRemote:
		if err := e.store.DeleteState(ctx, action.Path); err != nil {
			e.logger.Warn("store delete failed", "path", action.Path, "error", err)
		}
	}
}
