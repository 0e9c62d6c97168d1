package utils

import (
	"mime"
	"path/filepath"
	"strings"
)

// DetectContentType guesses the MIME type of a synchronized path from its
// extension, for backends (S3, WebDAV) that want a Content-Type on upload.
// A SharpSync tree is arbitrary user files, not just the config/doc formats
// a daemon touches, so the text-like extension list is wider than just the
// markup/config formats: plain text, source, and structured-data files all
// round-trip fine as "text/plain" even without a registered mime.Extension.
func DetectContentType(path string) string {
	if isTextLike(path) {
		return "text/plain; charset=utf-8"
	} else if mimeType := mime.TypeByExtension(filepath.Ext(path)); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}

var textLikeExtensions = []string{
	".yaml", ".yml", ".toml", ".md", ".txt", ".json", ".csv", ".log",
	".ini", ".cfg", ".conf", ".sh", ".py", ".go", ".rs", ".js", ".ts",
}

func isTextLike(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, candidate := range textLikeExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}
