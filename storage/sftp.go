package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/sharpsync/sharpsync/internal/utils"
	"github.com/sharpsync/sharpsync/model"
)

// SFTPConfig configures an SFTPBackend.
type SFTPConfig struct {
	Host       string
	Port       int // 0 defaults to 22
	Username   string
	Password   string // used when PrivateKey is empty
	PrivateKey []byte // PEM-encoded; takes precedence over Password
	RootPath   string
	// HostKeyCallback defaults to ssh.InsecureIgnoreHostKey when nil; a host
	// embedding SharpSync should supply a real one (e.g. knownhosts.New) for
	// anything beyond local testing.
	HostKeyCallback ssh.HostKeyCallback
}

// SFTPBackend implements Storage over SFTP. Grounded on this codebase's SFTP
// sync path (sync_manager.go's sftpFullSync/buildRemoteFileList/
// uploadFileSFTP/downloadFileSFTP), which drives a *sftp.Client the same way:
// ReadDir for listings, Create/Open for transfer, Walk plus
// Remove/RemoveDirectory for deletion. The SSH client construction around it is standard
// golang.org/x/crypto/ssh dial boilerplate, not something the reference
// file itself shows (it obtains its client from a session pool elsewhere).
type SFTPBackend struct {
	root       string
	client     *sftp.Client
	sshClient  *ssh.Client
}

// NewSFTPBackend dials host:port over SSH and opens an SFTP session rooted
// at cfg.RootPath.
func NewSFTPBackend(ctx context.Context, cfg SFTPConfig) (*SFTPBackend, error) {
	port := cfg.Port
	if port == 0 {
		port = 22
	}

	auth := []ssh.AuthMethod{ssh.Password(cfg.Password)}
	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, model.NewError(model.ErrAuthFailed, "NewSFTPBackend", fmt.Errorf("parse private key: %w", err))
		}
		auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	}

	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	sshClient, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", cfg.Host, port), &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return nil, model.NewError(model.ErrAuthFailed, "NewSFTPBackend", err)
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, model.NewError(model.ErrAuthFailed, "NewSFTPBackend", fmt.Errorf("open sftp session: %w", err))
	}

	root := strings.TrimSuffix(cfg.RootPath, "/")
	if root == "" {
		root = "."
	}
	if err := client.MkdirAll(root); err != nil {
		client.Close()
		sshClient.Close()
		return nil, model.NewError(model.ErrTransferIO, "NewSFTPBackend", fmt.Errorf("ensure root: %w", err))
	}

	return &SFTPBackend{root: root, client: client, sshClient: sshClient}, nil
}

func (b *SFTPBackend) StorageType() string { return "sftp" }
func (b *SFTPBackend) RootPath() string    { return b.root }

func (b *SFTPBackend) abs(p model.Path) string {
	if p == "" {
		return b.root
	}
	return path.Join(b.root, string(p))
}

func (b *SFTPBackend) TestConnection(ctx context.Context) error {
	if _, err := b.client.Stat(b.root); err != nil {
		return model.NewError(model.ErrNotFound, "TestConnection", err)
	}
	return nil
}

// Authenticate is a no-op: the SSH handshake already completed in
// NewSFTPBackend.
func (b *SFTPBackend) Authenticate(ctx context.Context) error { return nil }

func (b *SFTPBackend) ListItems(ctx context.Context, prefix model.Path) ([]model.SyncItem, error) {
	entries, err := b.client.ReadDir(b.abs(prefix))
	if err != nil {
		if sftpNotFound(err) {
			return nil, nil
		}
		return nil, model.NewPathError(model.ErrTransferIO, "ListItems", prefix, err)
	}
	items := make([]model.SyncItem, 0, len(entries))
	for _, e := range entries {
		childPath := model.Path(strings.Trim(string(prefix)+"/"+e.Name(), "/"))
		items = append(items, b.itemFromInfo(childPath, e))
	}
	return items, nil
}

func (b *SFTPBackend) itemFromInfo(p model.Path, info fs.FileInfo) model.SyncItem {
	item := model.SyncItem{
		Path:         p,
		IsDirectory:  info.IsDir(),
		Size:         info.Size(),
		LastModified: info.ModTime(),
		Permissions:  fmt.Sprintf("%o", info.Mode().Perm()),
	}
	if !item.IsDirectory {
		item.MimeType = utils.DetectContentType(string(p))
	}
	return item
}

func (b *SFTPBackend) GetItem(ctx context.Context, p model.Path) (*model.SyncItem, error) {
	info, err := b.client.Stat(b.abs(p))
	if err != nil {
		if sftpNotFound(err) {
			return nil, nil
		}
		return nil, model.NewPathError(model.ErrTransferIO, "GetItem", p, err)
	}
	item := model.SyncItem{
		Path:         p,
		IsDirectory:  info.IsDir(),
		Size:         info.Size(),
		LastModified: info.ModTime(),
		Permissions:  fmt.Sprintf("%o", info.Mode().Perm()),
	}
	if !item.IsDirectory {
		item.MimeType = utils.DetectContentType(string(p))
	}
	return &item, nil
}

func (b *SFTPBackend) Exists(ctx context.Context, p model.Path) (bool, error) {
	_, err := b.client.Stat(b.abs(p))
	if err == nil {
		return true, nil
	}
	if sftpNotFound(err) {
		return false, nil
	}
	return false, model.NewPathError(model.ErrTransferIO, "Exists", p, err)
}

func (b *SFTPBackend) ReadFile(ctx context.Context, p model.Path, progress ProgressFunc) (io.ReadCloser, error) {
	f, err := b.client.Open(b.abs(p))
	if err != nil {
		if sftpNotFound(err) {
			return nil, model.NewPathError(model.ErrNotFound, "ReadFile", p, err)
		}
		return nil, model.NewPathError(model.ErrTransferIO, "ReadFile", p, err)
	}
	info, _ := f.Stat()
	var total int64
	if info != nil {
		total = info.Size()
	}
	return &progressReadCloser{rc: f, path: p, total: total, op: OpDownload, progress: progress}, nil
}

func (b *SFTPBackend) WriteFile(ctx context.Context, p model.Path, r io.Reader, size int64, progress ProgressFunc) error {
	if err := b.client.MkdirAll(path.Dir(b.abs(p))); err != nil {
		return model.NewPathError(model.ErrTransferIO, "WriteFile", p, err)
	}
	dst := b.abs(p)
	tmp := dst + ".sharpsync.tmp"
	f, err := b.client.Create(tmp)
	if err != nil {
		return model.NewPathError(model.ErrTransferIO, "WriteFile", p, err)
	}
	pr := &progressReader{r: r, path: p, total: size, op: OpUpload, progress: progress}
	if _, err := io.Copy(f, pr); err != nil {
		f.Close()
		b.client.Remove(tmp)
		return model.NewPathError(model.ErrTransferIO, "WriteFile", p, err)
	}
	if err := f.Close(); err != nil {
		b.client.Remove(tmp)
		return model.NewPathError(model.ErrTransferIO, "WriteFile", p, err)
	}
	if err := b.client.Rename(tmp, dst); err != nil {
		b.client.Remove(tmp)
		return model.NewPathError(model.ErrTransferIO, "WriteFile", p, err)
	}
	return nil
}

func (b *SFTPBackend) CreateDirectory(ctx context.Context, p model.Path) error {
	if err := b.client.MkdirAll(b.abs(p)); err != nil {
		return model.NewPathError(model.ErrTransferIO, "CreateDirectory", p, err)
	}
	return nil
}

// Delete removes p, recursing into directories via Walk, mirroring
// removeRemoteDirRecursive.
func (b *SFTPBackend) Delete(ctx context.Context, p model.Path) error {
	abs := b.abs(p)
	info, err := b.client.Stat(abs)
	if err != nil {
		if sftpNotFound(err) {
			return nil
		}
		return model.NewPathError(model.ErrTransferIO, "Delete", p, err)
	}
	if !info.IsDir() {
		if err := b.client.Remove(abs); err != nil {
			return model.NewPathError(model.ErrTransferIO, "Delete", p, err)
		}
		return nil
	}

	var files, dirs []string
	walker := b.client.Walk(abs)
	for walker.Step() {
		if walker.Err() != nil {
			continue
		}
		if walker.Path() == abs {
			continue
		}
		if walker.Stat().IsDir() {
			dirs = append(dirs, walker.Path())
		} else {
			files = append(files, walker.Path())
		}
	}
	for _, f := range files {
		b.client.Remove(f)
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		b.client.RemoveDirectory(dirs[i])
	}
	if err := b.client.RemoveDirectory(abs); err != nil {
		return model.NewPathError(model.ErrTransferIO, "Delete", p, err)
	}
	return nil
}

func (b *SFTPBackend) Move(ctx context.Context, src, dst model.Path) error {
	if _, err := b.client.Stat(b.abs(src)); err != nil {
		return model.NewPathError(model.ErrNotFound, "Move", src, err)
	}
	if err := b.client.MkdirAll(path.Dir(b.abs(dst))); err != nil {
		return model.NewPathError(model.ErrTransferIO, "Move", dst, err)
	}
	if err := b.client.Rename(b.abs(src), b.abs(dst)); err != nil {
		return model.NewPathError(model.ErrTransferIO, "Move", src, err)
	}
	return nil
}

// ComputeHash has no cheap server-side digest over SFTP, so this streams
// the file through MD5 the same way LocalBackend does for its own content
// hash, rather than wiring a protocol that doesn't expose one.
func (b *SFTPBackend) ComputeHash(ctx context.Context, p model.Path) (string, error) {
	f, err := b.client.Open(b.abs(p))
	if err != nil {
		return "", model.NewPathError(model.ErrNotFound, "ComputeHash", p, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", model.NewPathError(model.ErrTransferIO, "ComputeHash", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (b *SFTPBackend) GetStorageInfo(ctx context.Context) (model.StorageStats, error) {
	stat, err := b.client.StatVFS(b.root)
	if err != nil {
		return model.StorageStats{TotalBytes: -1, UsedBytes: -1, FreeBytes: -1}, nil
	}
	total := int64(stat.TotalSpace())
	free := int64(stat.FreeSpace())
	return model.StorageStats{TotalBytes: total, UsedBytes: total - free, FreeBytes: free}, nil
}

// Close releases the SFTP session and its underlying SSH connection.
func (b *SFTPBackend) Close() error {
	b.client.Close()
	return b.sshClient.Close()
}

func sftpNotFound(err error) bool {
	return strings.Contains(err.Error(), "not exist") || err == sftp.ErrSSHFxNoSuchFile
}
