// Package storage defines the Storage port every SharpSync backend
// implements (local filesystem, S3, WebDAV, SFTP, FTP) and the event type
// backends use to report byte-level transfer progress.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/sharpsync/sharpsync/model"
)

// Operation names a transfer direction, used on ProgressEvent.
type Operation string

const (
	OpUpload   Operation = "Upload"
	OpDownload Operation = "Download"
)

// ProgressEvent is emitted by a backend while streaming bytes for a single
// file, so the Executor can re-publish it as FileProgressChanged.
type ProgressEvent struct {
	Path              model.Path
	BytesTransferred  int64
	TotalBytes        int64
	Operation         Operation
}

// ProgressFunc receives byte-level progress callbacks during readFile/writeFile.
type ProgressFunc func(ProgressEvent)

// Storage is the port the sync engine consumes for both the local tree and
// the remote tree — each backend (local FS, S3, WebDAV, SFTP, FTP) implements
// the same small capability set. Shaped directly after this codebase's blob
// backend interface, generalized from object-store semantics to file-tree
// semantics.
type Storage interface {
	// StorageType names the backend kind, e.g. "local", "s3", "webdav".
	StorageType() string

	// RootPath returns the backend's configured root, for diagnostics and for
	// deriving RenameRemote's host-identity suffix.
	RootPath() string

	// TestConnection verifies the backend is reachable and authenticated.
	TestConnection(ctx context.Context) error

	// Authenticate performs any backend-specific auth handshake. Backends
	// with no auth concept (e.g. local FS) return nil unconditionally.
	Authenticate(ctx context.Context) error

	// ListItems returns a non-recursive listing of prefix's direct children.
	ListItems(ctx context.Context, prefix model.Path) ([]model.SyncItem, error)

	// GetItem returns metadata for path, or (nil, nil) if absent.
	GetItem(ctx context.Context, path model.Path) (*model.SyncItem, error)

	// Exists reports whether path exists on this backend.
	Exists(ctx context.Context, path model.Path) (bool, error)

	// ReadFile opens path for streaming read. Callers must Close the stream.
	ReadFile(ctx context.Context, path model.Path, progress ProgressFunc) (io.ReadCloser, error)

	// WriteFile streams size bytes from r to path, creating intermediate
	// directories as required.
	WriteFile(ctx context.Context, path model.Path, r io.Reader, size int64, progress ProgressFunc) error

	// CreateDirectory is idempotent.
	CreateDirectory(ctx context.Context, path model.Path) error

	// Delete removes path. Recursive for directories. A missing path is not
	// an error.
	Delete(ctx context.Context, path model.Path) error

	// Move renames src to dst, creating dst's parent directories as needed.
	// A missing src is model.ErrNotFound.
	Move(ctx context.Context, src, dst model.Path) error

	// ComputeHash returns a stable, content-derived digest for path. The
	// algorithm is backend-defined but must be stable within one backend
	// instance; used only for checksum-mode change comparison.
	ComputeHash(ctx context.Context, path model.Path) (string, error)

	// GetStorageInfo reports capacity; -1 marks an unknown total.
	GetStorageInfo(ctx context.Context) (model.StorageStats, error)
}

// TimestampSetter is an optional Storage capability: backends that can
// preserve modification times implement it. Absent implementations are a
// silent no-op per spec §4.6 step 4.
type TimestampSetter interface {
	SetLastModified(ctx context.Context, path model.Path, t time.Time) error
}

// PermissionSetter is an optional Storage capability mirroring
// TimestampSetter for Unix-style permission preservation (spec §4.6 step 5).
type PermissionSetter interface {
	SetPermissions(ctx context.Context, path model.Path, perms string) error
}

// ChangePoller is an optional Storage capability: backends that can report
// changes since a point in time let the Planner avoid a full remote listing
// on every pass (spec §4.5 step 5).
type ChangePoller interface {
	GetRemoteChanges(ctx context.Context, since time.Time) ([]model.ChangeInfo, error)
}
