package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sharpsync/sharpsync/internal/utils"
	"github.com/sharpsync/sharpsync/model"
)

// LocalBackend implements Storage against a directory on the local
// filesystem. Grounded on sync_local_state.go's walking/caching idiom,
// generalized from a scan-only snapshot into a full read/write Storage
// implementation; WriteFile's write-to-temp-then-rename idiom uses
// internal/utils's RandBase34 for the temp suffix so two concurrent writes
// to the same path never collide on the same temp file.
type LocalBackend struct {
	root string

	mu        sync.Mutex
	hashCache map[model.Path]cachedHash
}

type cachedHash struct {
	size    int64
	modTime time.Time
	hash    string
}

// NewLocalBackend creates a LocalBackend rooted at dir. dir is created if
// absent.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	resolved, err := utils.ResolvePath(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve local storage root: %w", err)
	}
	if err := utils.EnsureDir(resolved); err != nil {
		return nil, fmt.Errorf("create local storage root: %w", err)
	}
	return &LocalBackend{root: resolved, hashCache: make(map[model.Path]cachedHash)}, nil
}

func (b *LocalBackend) StorageType() string { return "local" }
func (b *LocalBackend) RootPath() string    { return b.root }

func (b *LocalBackend) TestConnection(ctx context.Context) error {
	if !utils.DirExists(b.root) {
		return model.NewError(model.ErrNotFound, "TestConnection", fmt.Errorf("root %s does not exist", b.root))
	}
	if !utils.IsWritable(b.root) {
		return model.NewError(model.ErrAuthFailed, "TestConnection", fmt.Errorf("root %s is not writable", b.root))
	}
	return nil
}

// Authenticate is a no-op: the local filesystem has no auth concept.
func (b *LocalBackend) Authenticate(ctx context.Context) error { return nil }

func (b *LocalBackend) abs(path model.Path) string {
	return filepath.Join(b.root, filepath.FromSlash(string(path)))
}

func (b *LocalBackend) rel(abs string) model.Path {
	r, err := filepath.Rel(b.root, abs)
	if err != nil {
		return model.Normalize(abs)
	}
	return model.Normalize(r)
}

func (b *LocalBackend) ListItems(ctx context.Context, prefix model.Path) ([]model.SyncItem, error) {
	dir := b.abs(prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, model.NewPathError(model.ErrTransferIO, "ListItems", prefix, err)
	}

	items := make([]model.SyncItem, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		childPath := model.Path(filepath.ToSlash(filepath.Join(string(prefix), e.Name())))
		items = append(items, b.itemFromInfo(childPath, info))
	}
	return items, nil
}

func (b *LocalBackend) itemFromInfo(path model.Path, info fs.FileInfo) model.SyncItem {
	isSymlink := info.Mode()&os.ModeSymlink != 0
	item := model.SyncItem{
		Path:         path,
		IsDirectory:  info.IsDir(),
		Size:         info.Size(),
		LastModified: info.ModTime(),
		Permissions:  fmt.Sprintf("%o", info.Mode().Perm()),
		IsSymlink:    isSymlink,
	}
	if !item.IsDirectory {
		item.MimeType = utils.DetectContentType(string(path))
	}
	return item
}

func (b *LocalBackend) GetItem(ctx context.Context, path model.Path) (*model.SyncItem, error) {
	info, err := os.Stat(b.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, model.NewPathError(model.ErrTransferIO, "GetItem", path, err)
	}
	item := b.itemFromInfo(path, info)
	return &item, nil
}

func (b *LocalBackend) Exists(ctx context.Context, path model.Path) (bool, error) {
	_, err := os.Stat(b.abs(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, model.NewPathError(model.ErrTransferIO, "Exists", path, err)
}

func (b *LocalBackend) ReadFile(ctx context.Context, path model.Path, progress ProgressFunc) (io.ReadCloser, error) {
	f, err := os.Open(b.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NewPathError(model.ErrNotFound, "ReadFile", path, err)
		}
		return nil, model.NewPathError(model.ErrTransferIO, "ReadFile", path, err)
	}
	info, _ := f.Stat()
	var total int64
	if info != nil {
		total = info.Size()
	}
	return &progressReadCloser{rc: f, path: path, total: total, op: OpDownload, progress: progress}, nil
}

func (b *LocalBackend) WriteFile(ctx context.Context, path model.Path, r io.Reader, size int64, progress ProgressFunc) error {
	dst := b.abs(path)
	if err := utils.EnsureParent(dst); err != nil {
		return model.NewPathError(model.ErrTransferIO, "WriteFile", path, err)
	}

	suffix, err := utils.RandBase34(8)
	if err != nil {
		return model.NewPathError(model.ErrTransferIO, "WriteFile", path, err)
	}
	tmp := dst + ".sharpsync." + suffix + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return model.NewPathError(model.ErrTransferIO, "WriteFile", path, err)
	}

	var written int64
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			f.Close()
			os.Remove(tmp)
			return model.NewPathError(model.ErrCancelled, "WriteFile", path, err)
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return model.NewPathError(model.ErrTransferIO, "WriteFile", path, werr)
			}
			written += int64(n)
			if progress != nil {
				progress(ProgressEvent{Path: path, BytesTransferred: written, TotalBytes: size, Operation: OpUpload})
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(tmp)
			return model.NewPathError(model.ErrTransferIO, "WriteFile", path, rerr)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return model.NewPathError(model.ErrTransferIO, "WriteFile", path, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return model.NewPathError(model.ErrTransferIO, "WriteFile", path, err)
	}

	b.invalidateHash(path)
	return nil
}

func (b *LocalBackend) CreateDirectory(ctx context.Context, path model.Path) error {
	if err := utils.EnsureDir(b.abs(path)); err != nil {
		return model.NewPathError(model.ErrTransferIO, "CreateDirectory", path, err)
	}
	return nil
}

func (b *LocalBackend) Delete(ctx context.Context, path model.Path) error {
	if err := os.RemoveAll(b.abs(path)); err != nil {
		return model.NewPathError(model.ErrTransferIO, "Delete", path, err)
	}
	b.invalidateHash(path)
	return nil
}

func (b *LocalBackend) Move(ctx context.Context, src, dst model.Path) error {
	srcAbs, dstAbs := b.abs(src), b.abs(dst)
	if _, err := os.Stat(srcAbs); os.IsNotExist(err) {
		return model.NewPathError(model.ErrNotFound, "Move", src, err)
	}
	if err := utils.EnsureParent(dstAbs); err != nil {
		return model.NewPathError(model.ErrTransferIO, "Move", dst, err)
	}
	if err := os.Rename(srcAbs, dstAbs); err != nil {
		return model.NewPathError(model.ErrTransferIO, "Move", src, err)
	}
	b.invalidateHash(src)
	b.invalidateHash(dst)
	return nil
}

// ComputeHash reuses the previous cached digest when size and modtime are
// unchanged since the last computation, mirroring sync_local_state.go's
// ETag-reuse optimization so repeated checksum-mode Plan passes over an
// untouched tree don't re-read file contents.
func (b *LocalBackend) ComputeHash(ctx context.Context, path model.Path) (string, error) {
	abs := b.abs(path)
	info, err := os.Stat(abs)
	if err != nil {
		return "", model.NewPathError(model.ErrNotFound, "ComputeHash", path, err)
	}

	b.mu.Lock()
	if cached, ok := b.hashCache[path]; ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		b.mu.Unlock()
		return cached.hash, nil
	}
	b.mu.Unlock()

	f, err := os.Open(abs)
	if err != nil {
		return "", model.NewPathError(model.ErrTransferIO, "ComputeHash", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", model.NewPathError(model.ErrTransferIO, "ComputeHash", path, err)
	}
	digest := hex.EncodeToString(h.Sum(nil))

	b.mu.Lock()
	b.hashCache[path] = cachedHash{size: info.Size(), modTime: info.ModTime(), hash: digest}
	b.mu.Unlock()

	return digest, nil
}

func (b *LocalBackend) invalidateHash(path model.Path) {
	b.mu.Lock()
	delete(b.hashCache, path)
	b.mu.Unlock()
}

func (b *LocalBackend) GetStorageInfo(ctx context.Context) (model.StorageStats, error) {
	// Free/total disk space is platform-specific (syscall.Statfs on
	// Unix, no stdlib equivalent on Windows); SharpSync treats the local
	// backend's capacity as unknown rather than reach for a third build-tag
	// pair here, matching spec §6.1's "-1 for unknown totals" allowance.
	return model.StorageStats{TotalBytes: -1, UsedBytes: -1, FreeBytes: -1}, nil
}

// SetLastModified implements TimestampSetter.
func (b *LocalBackend) SetLastModified(ctx context.Context, path model.Path, t time.Time) error {
	if err := os.Chtimes(b.abs(path), t, t); err != nil {
		return model.NewPathError(model.ErrTransferIO, "SetLastModified", path, err)
	}
	return nil
}

// SetPermissions implements PermissionSetter. perms is an octal string as
// produced by itemFromInfo, e.g. "644".
func (b *LocalBackend) SetPermissions(ctx context.Context, path model.Path, perms string) error {
	var mode uint32
	if _, err := fmt.Sscanf(perms, "%o", &mode); err != nil {
		return model.NewPathError(model.ErrTransferIO, "SetPermissions", path, err)
	}
	if err := os.Chmod(b.abs(path), os.FileMode(mode)); err != nil {
		return model.NewPathError(model.ErrTransferIO, "SetPermissions", path, err)
	}
	return nil
}

type progressReadCloser struct {
	rc       io.ReadCloser
	path     model.Path
	total    int64
	read     int64
	op       Operation
	progress ProgressFunc
}

func (p *progressReadCloser) Read(buf []byte) (int, error) {
	n, err := p.rc.Read(buf)
	if n > 0 {
		p.read += int64(n)
		if p.progress != nil {
			p.progress(ProgressEvent{Path: p.path, BytesTransferred: p.read, TotalBytes: p.total, Operation: p.op})
		}
	}
	return n, err
}

func (p *progressReadCloser) Close() error { return p.rc.Close() }
