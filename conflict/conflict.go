// Package conflict implements SharpSync's ConflictResolver: a fixed-fallback
// DefaultResolver and an analysis-driven SmartResolver, per spec §4.4.
// Grounded on this codebase's rename-rotation idiom (sync_marker.go) for the
// rename-collision search the Executor uses with RenameLocal/RenameRemote.
package conflict

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/denisbrodbeck/machineid"

	"github.com/sharpsync/sharpsync/model"
)

// HostIdentityFunc produces the suffix RenameLocal/RenameRemote use to tag a
// rotated-aside conflict copy. LocalIdentity and HostIdentity are the two
// package-provided implementations.
type HostIdentityFunc func() string

// Resolver resolves a detected conflict to a ConflictResolution.
type Resolver interface {
	Resolve(ctx context.Context, analysis *model.ConflictAnalysis) (model.ConflictResolution, error)
}

// HostCallback lets a host application make or override the final call on a
// conflict, given the full analysis SharpSync built for it.
type HostCallback func(ctx context.Context, analysis *model.ConflictAnalysis) (model.ConflictResolution, error)

// DefaultResolver always returns a fixed fallback resolution, but still
// honors context cancellation.
type DefaultResolver struct {
	Fallback model.ConflictResolution
}

// NewDefaultResolver builds a DefaultResolver with the given fallback.
func NewDefaultResolver(fallback model.ConflictResolution) *DefaultResolver {
	return &DefaultResolver{Fallback: fallback}
}

func (r *DefaultResolver) Resolve(ctx context.Context, _ *model.ConflictAnalysis) (model.ConflictResolution, error) {
	if err := ctx.Err(); err != nil {
		return "", model.NewError(model.ErrCancelled, "Resolve", err)
	}
	return r.Fallback, nil
}

// binaryExtensions and textExtensions classify a path by its extension for
// ConflictAnalysis.IsLikelyBinary/IsLikelyTextFile, per spec §4.4 step 1.
var binaryExtensions = map[string]bool{
	"exe": true, "dll": true, "bin": true, "zip": true, "jpg": true, "jpeg": true,
	"png": true, "gif": true, "mp4": true, "mp3": true, "pdf": true, "docx": true,
	"xlsx": true, "pptx": true, "tar": true, "gz": true, "7z": true, "iso": true,
}

var textExtensions = map[string]bool{
	"txt": true, "md": true, "json": true, "cs": true, "js": true, "ts": true,
	"py": true, "html": true, "htm": true, "xml": true, "yml": true, "yaml": true,
	"go": true, "java": true, "c": true, "h": true, "cpp": true, "css": true,
	"sh": true, "toml": true, "ini": true, "csv": true,
}

func classifyExtension(p model.Path) (isBinary, isText bool) {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(string(p)), "."))
	if ext == "" {
		return false, false
	}
	return binaryExtensions[ext], textExtensions[ext]
}

// SmartResolver builds a ConflictAnalysis and recommends a resolution,
// optionally delegating the final choice to a host callback.
type SmartResolver struct {
	Fallback model.ConflictResolution
	Callback HostCallback
}

// NewSmartResolver builds a SmartResolver. callback may be nil, in which case
// the recommendation (or fallback, when indeterminate) is returned directly.
func NewSmartResolver(fallback model.ConflictResolution, callback HostCallback) *SmartResolver {
	return &SmartResolver{Fallback: fallback, Callback: callback}
}

// Analyze builds the ConflictAnalysis spec §4.4 step 1 describes, from the
// two sides' SyncItems and the classified ConflictType.
func Analyze(filePath model.Path, conflictType model.ConflictType, local, remote *model.SyncItem) *model.ConflictAnalysis {
	a := &model.ConflictAnalysis{
		FilePath:     filePath,
		ConflictType: conflictType,
		LocalItem:    local,
		RemoteItem:   remote,
	}

	if local != nil {
		a.LocalSize = local.Size
		a.LocalTimestamp = local.LastModified
	}
	if remote != nil {
		a.RemoteSize = remote.Size
		a.RemoteTimestamp = remote.LastModified
	}
	a.SizeDifference = a.LocalSize - a.RemoteSize

	if local != nil && remote != nil {
		a.TimeDifference = a.LocalTimestamp.Sub(a.RemoteTimestamp)
		if a.TimeDifference < 0 {
			a.TimeDifference = -a.TimeDifference
		}
		switch {
		case a.LocalTimestamp.After(a.RemoteTimestamp):
			a.NewerVersion = "Local"
		case a.RemoteTimestamp.After(a.LocalTimestamp):
			a.NewerVersion = "Remote"
		default:
			a.NewerVersion = ""
		}
	}

	a.IsLikelyBinary, a.IsLikelyTextFile = classifyExtension(filePath)

	a.RecommendedResolution, a.Reasoning = recommend(a)
	return a
}

func recommend(a *model.ConflictAnalysis) (model.ConflictResolution, string) {
	switch a.ConflictType {
	case model.ConflictDeletedLocallyModifiedRemotely:
		return model.ResolutionUseRemote, "deleted locally but modified remotely, keeping the remote edit"
	case model.ConflictModifiedLocallyDeletedRemotely:
		return model.ResolutionUseLocal, "modified locally but deleted remotely, keeping the local edit"
	case model.ConflictBothModified:
		switch a.NewerVersion {
		case "Local":
			return model.ResolutionUseLocal, "both sides modified, local is newer"
		case "Remote":
			return model.ResolutionUseRemote, "both sides modified, remote is newer"
		default:
			return "", "both sides modified with equal timestamps, indeterminate"
		}
	case model.ConflictTypeConflict:
		return model.ResolutionSkip, "type conflict with no handler"
	default:
		return "", "unrecognized conflict type"
	}
}

// Resolve implements Resolver. Cancellation is checked before and after any
// callback invocation.
func (r *SmartResolver) Resolve(ctx context.Context, analysis *model.ConflictAnalysis) (model.ConflictResolution, error) {
	if err := ctx.Err(); err != nil {
		return "", model.NewError(model.ErrCancelled, "Resolve", err)
	}

	recommendation := analysis.RecommendedResolution
	if recommendation == "" {
		recommendation = r.Fallback
	}

	if r.Callback == nil {
		return recommendation, nil
	}

	chosen, err := r.Callback(ctx, analysis)
	if err != nil {
		return "", model.NewPathError(model.ErrCallbackError, "Resolve", analysis.FilePath, err)
	}
	if err := ctx.Err(); err != nil {
		return "", model.NewError(model.ErrCancelled, "Resolve", err)
	}
	if chosen == "" {
		return recommendation, nil
	}
	return chosen, nil
}

// HostIdentity derives the suffix used for RenameRemote conflict names: the
// hostname of an http(s):// URL, or the literal "remote" for non-URL or
// unparsable remote roots (spec §4.5 step 2, Open Question resolution
// recorded in DESIGN.md).
func HostIdentity(remoteRoot string) string {
	u, err := url.Parse(remoteRoot)
	if err != nil || u.Hostname() == "" {
		return "remote"
	}
	return u.Hostname()
}

// LocalIdentity derives the suffix used for RenameLocal conflict names: a
// stable per-machine ID (github.com/denisbrodbeck/machineid) when the
// platform exposes one, so the suffix survives a hostname change across
// reinstalls; falls back to os.Hostname, then the literal "local".
func LocalIdentity() string {
	if id, err := machineid.ID(); err == nil && id != "" {
		if len(id) > 12 {
			id = id[:12]
		}
		return id
	}
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "local"
	}
	return h
}

// UniqueRenamedPath finds the first unused name in the sequence
// "name (identity).ext", "name (identity 2).ext", "name (identity 3).ext", …
// at dir (probed with exists), per spec §4.5 step 8. Grounded on this
// codebase's marker rotate-on-collision search.
func UniqueRenamedPath(dir, name, identity string, exists func(candidate string) bool) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	candidate := fmt.Sprintf("%s (%s)%s", base, identity, ext)
	if !exists(path.Join(dir, candidate)) {
		return candidate
	}
	for n := 2; ; n++ {
		candidate = fmt.Sprintf("%s (%s %d)%s", base, identity, n, ext)
		if !exists(path.Join(dir, candidate)) {
			return candidate
		}
	}
}
