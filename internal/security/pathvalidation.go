// Package security validates filesystem paths received from collaborators.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory rejects paths that resolve outside safeDir.
// Symlinks on the target (or its nearest existing parent, for paths that do
// not exist yet) are resolved first so a link cannot be used to escape.
func ValidatePathWithinDirectory(path, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("resolve safe directory: %w", err)
	}
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("resolve safe directory symlinks: %w", err)
	}

	canonical := canonicalize(absPath)

	rel, err := filepath.Rel(canonicalSafeDir, canonical)
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", safeDir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path %s escapes %s", path, safeDir)
	}
	return nil
}

// canonicalize resolves symlinks in absPath. When the path does not exist it
// walks up to the nearest existing parent, resolves that, and rejoins the
// remaining components, so /dir/link/new.csv with link -> /etc is caught.
func canonicalize(absPath string) string {
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved
	}

	check := absPath
	for {
		parent := filepath.Dir(check)
		if parent == check {
			return absPath
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, err := filepath.Rel(parent, absPath)
			if err != nil {
				return absPath
			}
			return filepath.Join(resolved, rel)
		}
		check = parent
	}
}
