// Package fileutil provides filesystem helpers for the local shell
// transport. It has no network dependencies.
package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrForbiddenPath is returned when a path escapes its base directory.
var ErrForbiddenPath = errors.New("forbidden path")

// ResolveUnderRoot maps remote (a slash-separated absolute or relative
// path, as sent by a browser client) onto base and returns the absolute
// local path. It rejects:
//   - empty remote
//   - paths that escape base via ".." traversal or symlink
//
// A leading slash in remote is treated as "relative to base", so a
// client asking for /etc/passwd gets base/etc/passwd, never the real
// one.
func ResolveUnderRoot(base, remote string) (string, error) {
	if remote == "" {
		return "", ErrForbiddenPath
	}
	rel := strings.TrimPrefix(remote, "/")

	// filepath.Join cleans ".." segments, so the candidate is already
	// normalized before the containment check.
	abs := filepath.Join(base, filepath.FromSlash(rel))

	cleanBase := filepath.Clean(base)
	if !within(cleanBase, abs) {
		return "", ErrForbiddenPath
	}

	// Resolve symlinks to defeat symlink-escape attacks. If abs does
	// not yet exist, walk up until an existing ancestor is found.
	resolved, err := resolveExisting(abs, cleanBase)
	if err != nil {
		return "", ErrForbiddenPath
	}
	if !within(cleanBase, resolved) {
		return "", ErrForbiddenPath
	}

	return abs, nil
}

// within reports whether path sits at or below base. Both arguments
// must already be cleaned. The filesystem root contains every cleaned
// absolute path, so appending a separator to it would break the prefix
// comparison.
func within(base, path string) bool {
	if base == string(os.PathSeparator) {
		return true
	}
	return path == base || strings.HasPrefix(path, base+string(os.PathSeparator))
}

// resolveExisting walks up the path until it finds an existing ancestor,
// then evaluates symlinks on that ancestor. Returns the real path of the
// deepest existing component.
func resolveExisting(abs, base string) (string, error) {
	cur := abs
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			return resolved, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur || !within(base, parent) {
			// Reached fs root or left base, return base as safe anchor.
			return base, nil
		}
		cur = parent
	}
}
