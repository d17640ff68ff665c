// Package isolation confines step-spawned processes. Providers that touch
// the host (shell commands, filesystem actions) route resource limits and
// path policy through here instead of enforcing them ad hoc.
package isolation

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/skein-dev/skein/pkg/schema"
)

// Limits constrains a confined process. Zero values mean unlimited.
type Limits struct {
	MaxMemoryBytes int64         `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  int           `json:"max_cpu_percent,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	AllowNetwork   bool          `json:"allow_network"`
	ReadablePaths  []string      `json:"readable_paths,omitempty"`
	WritablePaths  []string      `json:"writable_paths,omitempty"`
	DeniedPaths    []string      `json:"denied_paths,omitempty"`
}

// PathMode is the kind of filesystem access being requested.
type PathMode int

const (
	PathRead PathMode = iota
	PathWrite
)

// CheckPath reports whether path is permitted under these limits. Empty
// allow lists mean unrestricted access. DeniedPaths always wins.
func (l Limits) CheckPath(path string, mode PathMode) error {
	clean, err := normalizePath(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	// An unparseable deny rule fails closed.
	for _, deny := range l.DeniedPaths {
		base, err := normalizePath(deny)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePathDenied,
				"path %q denied: bad deny rule %q: %v", path, deny, err)
		}
		if within(clean, base) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	if len(l.ReadablePaths) == 0 && len(l.WritablePaths) == 0 {
		return nil
	}

	if mode == PathWrite {
		if allowedBy(clean, l.WritablePaths) {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodePathDenied,
			"write access to %q denied: not under any writable path", path)
	}
	if allowedBy(clean, l.ReadablePaths) || allowedBy(clean, l.WritablePaths) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodePathDenied,
		"read access to %q denied: not under any allowed path", path)
}

// allowedBy reports whether clean sits under any entry in the list.
// An unparseable allow entry cannot grant access, so it is skipped.
func allowedBy(clean string, list []string) bool {
	for _, entry := range list {
		base, err := normalizePath(entry)
		if err != nil {
			continue
		}
		if within(clean, base) {
			return true
		}
	}
	return false
}

// normalizePath cleans the path, makes it absolute, and resolves symlinks.
// For paths that do not exist yet it resolves the longest existing ancestor
// so a symlinked parent cannot smuggle a new file outside the policy.
func normalizePath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return resolveAncestor(abs), nil
}

// resolveAncestor walks upward until an existing directory resolves,
// then re-appends the not-yet-existing suffix.
func resolveAncestor(path string) string {
	dir := path
	for range 256 {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			rel, rerr := filepath.Rel(parent, path)
			if rerr != nil {
				return path
			}
			return filepath.Join(resolved, rel)
		}
		dir = parent
	}
	return path
}

// within reports whether path is base or sits below it. filepath.Rel avoids
// prefix false positives such as /tmp vs /tmpevil.
func within(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}
