package utils

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath expands a leading "~" and cleans path into an absolute form,
// suitable for storage.NewLocalBackend's root so two different spellings of
// the same directory (relative, "~"-prefixed, with "..") compare equal.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path cannot be empty")
	}

	// Expand `~` to the user's home directory
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New("failed to retrieve home directory")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// Resolve relative paths (.., .) and return an absolute path
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.Clean(absPath), nil
}

// EnsureParent creates path's parent directory if missing, for callers
// about to os.Create a file at path (store's sqlite file, a download's
// destination).
func EnsureParent(path string) error {
	dir := filepath.Dir(path)
	return EnsureDir(dir)
}

// EnsureDir creates path as a directory if it doesn't already exist.
func EnsureDir(path string) error {
	// already exists
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	return os.MkdirAll(path, 0o755)
}

// DirExists reports whether path exists and is a directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// FileExists reports whether path exists and is a regular (non-directory)
// file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// IsWritable reports whether path's owner-write permission bit is set.
// LocalBackend.TestConnection uses this as a cheap pre-flight check before a
// sync pass discovers write failures one file at a time.
func IsWritable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0o200 != 0
}
