package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace is returned for paths that leave the workspace root,
// either lexically or through a symlink.
var ErrOutsideWorkspace = errors.New("path escapes workspace")

// Resolver maps tool-supplied paths onto the workspace directory.
type Resolver struct {
	Root string
}

// Resolve returns the absolute form of path. Relative paths are taken from
// the workspace root.
func (r Resolver) Resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("path is required")
	}
	root, err := r.root()
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	target := filepath.Clean(path)
	if !within(root, target) {
		return "", ErrOutsideWorkspace
	}

	// Follow symlinks on whatever part of the path already exists.
	real, err := filepath.EvalSymlinks(target)
	switch {
	case err == nil:
		realRoot, rerr := filepath.EvalSymlinks(root)
		if rerr != nil {
			realRoot = root
		}
		if !within(realRoot, real) {
			return "", ErrOutsideWorkspace
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return target, nil
}

// Relative renders abs with forward slashes relative to the root, or returns
// it unchanged when it cannot be expressed that way.
func (r Resolver) Relative(abs string) string {
	root, err := r.root()
	if err != nil {
		return abs
	}
	if rel, err := filepath.Rel(root, abs); err == nil {
		return filepath.ToSlash(rel)
	}
	return abs
}

func (r Resolver) root() (string, error) {
	dir := strings.TrimSpace(r.Root)
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("workspace root: %w", err)
	}
	return abs, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
