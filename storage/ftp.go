package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/sharpsync/sharpsync/internal/utils"
	"github.com/sharpsync/sharpsync/model"
)

// FTPConfig configures an FTPBackend.
type FTPConfig struct {
	Host     string
	Port     int // 0 defaults to 21
	Username string
	Password string
	RootPath string
}

// FTPBackend implements Storage over plain FTP via github.com/jlaffaye/ftp.
// No pack example wires an FTP client; this backend is shaped after
// SFTPBackend and S3Backend's own Storage adaptation (single root path,
// MD5-over-the-wire ComputeHash, directory marker-free since FTP has real
// directories) rather than a reference file, with jlaffaye/ftp named as the
// out-of-pack dependency it introduces.
//
// jlaffaye/ftp's *ftp.ServerConn is not safe for concurrent use, so every
// method serializes through mu.
type FTPBackend struct {
	root string
	cfg  FTPConfig
	mu   sync.Mutex
	conn *ftp.ServerConn
}

// NewFTPBackend dials host:port and logs in, rooted at cfg.RootPath.
func NewFTPBackend(ctx context.Context, cfg FTPConfig) (*FTPBackend, error) {
	port := cfg.Port
	if port == 0 {
		port = 21
	}
	conn, err := ftp.Dial(fmt.Sprintf("%s:%d", cfg.Host, port), ftp.DialWithContext(ctx), ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, model.NewError(model.ErrAuthFailed, "NewFTPBackend", err)
	}
	if err := conn.Login(cfg.Username, cfg.Password); err != nil {
		conn.Quit()
		return nil, model.NewError(model.ErrAuthFailed, "NewFTPBackend", err)
	}

	root := strings.TrimSuffix(cfg.RootPath, "/")
	if root == "" {
		root = "."
	}
	b := &FTPBackend{root: root, cfg: cfg, conn: conn}
	if err := b.CreateDirectory(ctx, ""); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ensure root: %w", err)
	}
	return b, nil
}

func (b *FTPBackend) StorageType() string { return "ftp" }
func (b *FTPBackend) RootPath() string    { return b.root }

func (b *FTPBackend) abs(p model.Path) string {
	if p == "" {
		return b.root
	}
	return path.Join(b.root, string(p))
}

func (b *FTPBackend) TestConnection(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.conn.NoOp(); err != nil {
		return model.NewError(model.ErrAuthFailed, "TestConnection", err)
	}
	return nil
}

// Authenticate is a no-op: the login handshake already completed in
// NewFTPBackend.
func (b *FTPBackend) Authenticate(ctx context.Context) error { return nil }

func (b *FTPBackend) ListItems(ctx context.Context, prefix model.Path) ([]model.SyncItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.conn.List(b.abs(prefix))
	if err != nil {
		return nil, model.NewPathError(model.ErrTransferIO, "ListItems", prefix, err)
	}
	items := make([]model.SyncItem, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		childPath := model.Path(strings.Trim(string(prefix)+"/"+e.Name, "/"))
		item := model.SyncItem{
			Path:         childPath,
			IsDirectory:  e.Type == ftp.EntryTypeFolder,
			Size:         int64(e.Size),
			LastModified: e.Time,
		}
		if !item.IsDirectory {
			item.MimeType = utils.DetectContentType(e.Name)
		}
		items = append(items, item)
	}
	return items, nil
}

func (b *FTPBackend) GetItem(ctx context.Context, p model.Path) (*model.SyncItem, error) {
	items, err := b.ListItems(ctx, parentOf(p))
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.Path == p {
			return &item, nil
		}
	}
	return nil, nil
}

func (b *FTPBackend) Exists(ctx context.Context, p model.Path) (bool, error) {
	item, err := b.GetItem(ctx, p)
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

func (b *FTPBackend) ReadFile(ctx context.Context, p model.Path, progress ProgressFunc) (io.ReadCloser, error) {
	b.mu.Lock()
	resp, err := b.conn.Retr(b.abs(p))
	b.mu.Unlock()
	if err != nil {
		return nil, model.NewPathError(model.ErrNotFound, "ReadFile", p, err)
	}
	return &progressReadCloser{rc: resp, path: p, op: OpDownload, progress: progress}, nil
}

func (b *FTPBackend) WriteFile(ctx context.Context, p model.Path, r io.Reader, size int64, progress ProgressFunc) error {
	if err := b.CreateDirectory(ctx, parentOf(p)); err != nil {
		return err
	}
	body := &progressReader{r: r, path: p, total: size, op: OpUpload, progress: progress}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.conn.Stor(b.abs(p), body); err != nil {
		return model.NewPathError(model.ErrTransferIO, "WriteFile", p, err)
	}
	return nil
}

func (b *FTPBackend) CreateDirectory(ctx context.Context, p model.Path) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p == "" {
		return ensureDirFTP(b.conn, b.root)
	}
	parts := strings.Split(string(p), "/")
	current := b.root
	for _, part := range parts {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		if err := ensureDirFTP(b.conn, current); err != nil {
			return model.NewPathError(model.ErrTransferIO, "CreateDirectory", p, err)
		}
	}
	return nil
}

func ensureDirFTP(conn *ftp.ServerConn, dir string) error {
	if err := conn.ChangeDir(dir); err == nil {
		return nil
	}
	return conn.MakeDir(dir)
}

func (b *FTPBackend) Delete(ctx context.Context, p model.Path) error {
	if item, err := b.GetItem(ctx, p); err == nil && item == nil && p != "" {
		return nil // already gone
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	abs := b.abs(p)
	if err := b.conn.Delete(abs); err == nil {
		return nil
	}
	// Not a plain file (or already gone); try it as a directory.
	if err := b.conn.RemoveDirRecur(abs); err != nil {
		return model.NewPathError(model.ErrTransferIO, "Delete", p, err)
	}
	return nil
}

func (b *FTPBackend) Move(ctx context.Context, src, dst model.Path) error {
	item, err := b.GetItem(ctx, src)
	if err != nil {
		return err
	}
	if item == nil {
		return model.NewPathError(model.ErrNotFound, "Move", src, fmt.Errorf("source does not exist"))
	}
	if err := b.CreateDirectory(ctx, parentOf(dst)); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.conn.Rename(b.abs(src), b.abs(dst)); err != nil {
		return model.NewPathError(model.ErrTransferIO, "Move", src, err)
	}
	return nil
}

// ComputeHash has no FTP-protocol equivalent of an ETag, so this downloads
// and hashes the file, the same fallback SFTPBackend uses for the same
// reason.
func (b *FTPBackend) ComputeHash(ctx context.Context, p model.Path) (string, error) {
	rc, err := b.ReadFile(ctx, p, nil)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := md5.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", model.NewPathError(model.ErrTransferIO, "ComputeHash", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (b *FTPBackend) GetStorageInfo(ctx context.Context) (model.StorageStats, error) {
	return model.StorageStats{TotalBytes: -1, UsedBytes: -1, FreeBytes: -1}, nil
}

// Close quits the FTP control connection.
func (b *FTPBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Quit()
}
