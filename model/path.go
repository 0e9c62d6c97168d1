package model

import "strings"

// Normalize converts a path to SharpSync's canonical form: forward slashes,
// no leading or trailing slash, empty string for root.
func Normalize(path string) Path {
	p := strings.ReplaceAll(path, "\\", "/")
	p = strings.Trim(p, "/")
	return Path(p)
}

// IsDescendantOrEqual reports whether candidate is prefix itself or a
// descendant of it, using the SyncStateStore's prefix-query semantics
// (path = P OR path LIKE P/%).
func IsDescendantOrEqual(prefix, candidate Path) bool {
	if prefix == candidate {
		return true
	}
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(string(candidate), string(prefix)+"/")
}
