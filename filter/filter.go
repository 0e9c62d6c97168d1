// Package filter implements SharpSync's include/exclude path predicate.
// Grounded in structure on this codebase's SyncIgnoreList (load defaults +
// optional user file + compile once), but matched with
// bmatcuk/doublestar instead of sabhiram/go-gitignore: the spec calls for
// shell-style "*"/"?" plus "**" any-depth-segment glob semantics, which is
// what doublestar implements directly, rather than gitignore's negation/
// anchoring rules.
package filter

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPatterns are SharpSync's standard exclusions, covering VCS metadata,
// build output, editor/OS cruft, and SharpSync's own temporary/marker files.
var DefaultPatterns = []string{
	".git",
	"node_modules",
	"bin",
	"obj",
	"*.tmp",
	"~*",
	"#*#",
	".DS_Store",
	"Thumbs.db",
	"*.sharpsync.tmp",
	"**/*.conflict",
	"**/*.conflict.*",
	"**/*.rejected",
	"**/*.rejected.*",
}

// Filter implements shouldSync(path) per spec §4.2: empty path never syncs;
// non-empty include patterns must match one of them; any exclude match wins
// over an include match.
type Filter struct {
	includes []string
	excludes []string
}

// New builds a Filter from explicit include/exclude pattern lists. Patterns
// are matched case-insensitively with both '\' in the pattern and the input
// path folded to '/'.
func New(includes, excludes []string) *Filter {
	return &Filter{includes: normalizeAll(includes), excludes: normalizeAll(excludes)}
}

// Default returns a Filter with no include restriction and SharpSync's
// standard exclusion set.
func Default() *Filter {
	return New(nil, DefaultPatterns)
}

// WithExtra returns a copy of f with additional exclude patterns appended,
// for SyncOptions.excludePatterns (spec §6.5) which apply only for one run.
func (f *Filter) WithExtra(extraExcludes []string) *Filter {
	return &Filter{
		includes: f.includes,
		excludes: append(append([]string{}, f.excludes...), normalizeAll(extraExcludes)...),
	}
}

func normalizeAll(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, normalizePattern(p))
	}
	return out
}

func normalizePattern(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.ToLower(p)
	// A trailing "/" denotes "the directory and everything under it".
	if strings.HasSuffix(p, "/") {
		p += "**"
	}
	return p
}

// ShouldSync reports whether path should participate in synchronization.
func (f *Filter) ShouldSync(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	norm := strings.ToLower(strings.ReplaceAll(path, "\\", "/"))

	if len(f.includes) > 0 && !matchesAny(f.includes, norm) {
		return false
	}
	if matchesAny(f.excludes, norm) {
		return false
	}
	return true
}

func matchesAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
		// A bare directory-name pattern like "node_modules" should also
		// match that name anywhere in the path, not only exactly.
		if matchesAnySegment(pattern, path) {
			return true
		}
	}
	return false
}

// matchesAnySegment lets a pattern with no "/" match against any path
// segment, so a default exclusion like "*.tmp" or ".git" matches regardless
// of depth without requiring an explicit "**/" prefix.
func matchesAnySegment(pattern, path string) bool {
	if strings.Contains(pattern, "/") {
		return false
	}
	for _, seg := range strings.Split(path, "/") {
		if ok, err := doublestar.Match(pattern, seg); err == nil && ok {
			return true
		}
	}
	return false
}

// LoadPatternFile reads newline-delimited glob patterns from path, skipping
// blank lines and '#' comments, mirroring SyncIgnoreList's readIgnoreFile.
func LoadPatternFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pattern file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.Contains(line, "\x00") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read pattern file: %w", err)
	}
	return patterns, nil
}
