package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sharpsync/sharpsync/internal/utils"
	"github.com/sharpsync/sharpsync/model"
)

// WebDAVConfig configures a WebDAVBackend.
type WebDAVConfig struct {
	BaseURL     string // e.g. "https://nas.example.com/dav/myshare"
	BearerToken string
	Username    string
	Password    string
}

// WebDAVBackend implements Storage over a WebDAV server. Grounded on this
// codebase's WebDAVClient (api/webdav.go): the same PROPFIND/MKCOL/MOVE/COPY
// verb set and simplified string-scanned PROPFIND response parsing (the
// reference client parses `getcontentlength`/`getetag`/`resourcetype` by
// substring search rather than an XML library, so this backend follows
// suit instead of introducing one), generalized from a server-keyed
// multi-share client to a single-root Storage.
type WebDAVBackend struct {
	base   string
	cfg    WebDAVConfig
	client *http.Client
}

// NewWebDAVBackend builds a WebDAVBackend rooted at cfg.BaseURL.
func NewWebDAVBackend(cfg WebDAVConfig) *WebDAVBackend {
	return &WebDAVBackend{
		base: strings.TrimSuffix(cfg.BaseURL, "/"),
		cfg:  cfg,
		client: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

func (b *WebDAVBackend) StorageType() string { return "webdav" }
func (b *WebDAVBackend) RootPath() string    { return b.base }

func (b *WebDAVBackend) url(p model.Path) string {
	escaped := (&url.URL{Path: string(p)}).EscapedPath()
	if escaped == "" {
		return b.base + "/"
	}
	return b.base + "/" + escaped
}

func (b *WebDAVBackend) doRequest(ctx context.Context, method, rawURL string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if b.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.BearerToken)
	} else if b.cfg.Username != "" {
		req.SetBasicAuth(b.cfg.Username, b.cfg.Password)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return b.client.Do(req)
}

func (b *WebDAVBackend) TestConnection(ctx context.Context) error {
	resp, err := b.doRequest(ctx, http.MethodOptions, b.base+"/", nil, nil)
	if err != nil {
		return model.NewError(model.ErrAuthFailed, "TestConnection", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return model.NewError(model.ErrAuthFailed, "TestConnection", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// Authenticate is a no-op: credentials (bearer token or basic auth) are
// attached per-request in doRequest.
func (b *WebDAVBackend) Authenticate(ctx context.Context) error { return nil }

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:getlastmodified/>
    <D:getcontentlength/>
    <D:resourcetype/>
    <D:getetag/>
  </D:prop>
</D:propfind>`

func (b *WebDAVBackend) ListItems(ctx context.Context, prefix model.Path) ([]model.SyncItem, error) {
	dirURL := b.url(prefix)
	if !strings.HasSuffix(dirURL, "/") {
		dirURL += "/"
	}
	resp, err := b.doRequest(ctx, "PROPFIND", dirURL, strings.NewReader(propfindBody), map[string]string{
		"Content-Type": "application/xml",
		"Depth":        "1",
	})
	if err != nil {
		return nil, model.NewPathError(model.ErrTransferIO, "ListItems", prefix, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, model.NewPathError(model.ErrTransferIO, "ListItems", prefix, fmt.Errorf("propfind status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewPathError(model.ErrTransferIO, "ListItems", prefix, err)
	}

	var items []model.SyncItem
	for i, entry := range splitResponses(string(body)) {
		if i == 0 {
			continue
		}
		href := extractTag(entry, "href>")
		decoded, _ := url.QueryUnescape(href)
		trimmed := strings.TrimSuffix(decoded, "/")
		if trimmed == strings.TrimSuffix(dirURL, "/") || strings.TrimSuffix(b.url(prefix), "/") == trimmed {
			continue // the directory's own PROPFIND entry
		}

		name := trimmed
		if i := strings.LastIndex(trimmed, "/"); i >= 0 {
			name = trimmed[i+1:]
		}
		childPath := model.Path(strings.Trim(string(prefix)+"/"+name, "/"))
		items = append(items, parsePropfindEntry(entry, childPath))
	}
	return items, nil
}

func (b *WebDAVBackend) GetItem(ctx context.Context, p model.Path) (*model.SyncItem, error) {
	resp, err := b.doRequest(ctx, "PROPFIND", b.url(p), strings.NewReader(propfindBody), map[string]string{
		"Content-Type": "application/xml",
		"Depth":        "0",
	})
	if err != nil {
		return nil, model.NewPathError(model.ErrTransferIO, "GetItem", p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, model.NewPathError(model.ErrTransferIO, "GetItem", p, fmt.Errorf("propfind status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewPathError(model.ErrTransferIO, "GetItem", p, err)
	}
	item := parsePropfindEntry(string(body), p)
	return &item, nil
}

func parsePropfindEntry(entry string, p model.Path) model.SyncItem {
	item := model.SyncItem{Path: p}
	item.IsDirectory = strings.Contains(entry, "collection")
	if s := extractTag(entry, "getcontentlength>"); s != "" {
		item.Size, _ = strconv.ParseInt(s, 10, 64)
	}
	if lm := extractTag(entry, "getlastmodified>"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			item.LastModified = t
		}
	}
	if et := extractTag(entry, "getetag>"); et != "" {
		item.ETag = strings.Trim(et, `"`)
	}
	if !item.IsDirectory {
		item.MimeType = utils.DetectContentType(string(p))
	}
	return item
}

func splitResponses(body string) []string {
	responses := strings.Split(body, "<D:response>")
	if len(responses) == 1 {
		responses = strings.Split(body, "<d:response>")
	}
	return responses
}

func extractTag(s, open string) string {
	start := strings.Index(s, open)
	if start == -1 {
		return ""
	}
	rest := s[start+len(open):]
	end := strings.Index(rest, "</")
	if end == -1 {
		return ""
	}
	return rest[:end]
}

func (b *WebDAVBackend) Exists(ctx context.Context, p model.Path) (bool, error) {
	resp, err := b.doRequest(ctx, http.MethodHead, b.url(p), nil, nil)
	if err != nil {
		return false, model.NewPathError(model.ErrTransferIO, "Exists", p, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (b *WebDAVBackend) ReadFile(ctx context.Context, p model.Path, progress ProgressFunc) (io.ReadCloser, error) {
	resp, err := b.doRequest(ctx, http.MethodGet, b.url(p), nil, nil)
	if err != nil {
		return nil, model.NewPathError(model.ErrTransferIO, "ReadFile", p, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, model.NewPathError(model.ErrNotFound, "ReadFile", p, fmt.Errorf("not found"))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, model.NewPathError(model.ErrTransferIO, "ReadFile", p, fmt.Errorf("status %d", resp.StatusCode))
	}
	return &progressReadCloser{rc: resp.Body, path: p, total: resp.ContentLength, op: OpDownload, progress: progress}, nil
}

func (b *WebDAVBackend) WriteFile(ctx context.Context, p model.Path, r io.Reader, size int64, progress ProgressFunc) error {
	if err := b.mkdirAll(ctx, parentOf(p)); err != nil {
		return err
	}
	body := &progressReader{r: r, path: p, total: size, op: OpUpload, progress: progress}
	resp, err := b.doRequest(ctx, http.MethodPut, b.url(p), body, map[string]string{
		"Content-Type":   "application/octet-stream",
		"Content-Length": strconv.FormatInt(size, 10),
	})
	if err != nil {
		return model.NewPathError(model.ErrTransferIO, "WriteFile", p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return model.NewPathError(model.ErrTransferIO, "WriteFile", p, fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func parentOf(p model.Path) model.Path {
	s := string(p)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return model.Path(s[:i])
	}
	return ""
}

// mkdirAll issues MKCOL for every ancestor of p, ignoring errors for
// directories that already exist, mirroring WebDAVClient.MkdirAll.
func (b *WebDAVBackend) mkdirAll(ctx context.Context, p model.Path) error {
	if p == "" {
		return nil
	}
	parts := strings.Split(string(p), "/")
	current := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		current = strings.Trim(current+"/"+part, "/")
		_ = b.CreateDirectory(ctx, model.Path(current))
	}
	return nil
}

func (b *WebDAVBackend) CreateDirectory(ctx context.Context, p model.Path) error {
	resp, err := b.doRequest(ctx, "MKCOL", b.url(p)+"/", nil, nil)
	if err != nil {
		return model.NewPathError(model.ErrTransferIO, "CreateDirectory", p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMethodNotAllowed {
		return model.NewPathError(model.ErrTransferIO, "CreateDirectory", p, fmt.Errorf("mkcol status %d", resp.StatusCode))
	}
	return nil
}

func (b *WebDAVBackend) Delete(ctx context.Context, p model.Path) error {
	resp, err := b.doRequest(ctx, http.MethodDelete, b.url(p), nil, nil)
	if err != nil {
		return model.NewPathError(model.ErrTransferIO, "Delete", p, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return model.NewPathError(model.ErrTransferIO, "Delete", p, fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func (b *WebDAVBackend) Move(ctx context.Context, src, dst model.Path) error {
	if err := b.mkdirAll(ctx, parentOf(dst)); err != nil {
		return err
	}
	resp, err := b.doRequest(ctx, "MOVE", b.url(src), nil, map[string]string{
		"Destination": b.url(dst),
		"Overwrite":   "T",
	})
	if err != nil {
		return model.NewPathError(model.ErrTransferIO, "Move", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return model.NewPathError(model.ErrNotFound, "Move", src, fmt.Errorf("source does not exist"))
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return model.NewPathError(model.ErrTransferIO, "Move", src, fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// ComputeHash reuses the server's ETag, same as S3Backend and the local
// MD5 cache conceptually stand in for a content digest elsewhere.
func (b *WebDAVBackend) ComputeHash(ctx context.Context, p model.Path) (string, error) {
	item, err := b.GetItem(ctx, p)
	if err != nil {
		return "", err
	}
	if item == nil {
		return "", model.NewPathError(model.ErrNotFound, "ComputeHash", p, fmt.Errorf("not found"))
	}
	return item.ETag, nil
}

func (b *WebDAVBackend) GetStorageInfo(ctx context.Context) (model.StorageStats, error) {
	return model.StorageStats{TotalBytes: -1, UsedBytes: -1, FreeBytes: -1}, nil
}
