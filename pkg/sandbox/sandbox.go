// Package sandbox confines filename inputs to a per-user root directory.
//
// Every filename arriving on the wire passes through Resolve before any
// filesystem operation. Traversal components, absolute paths, and symlink
// escapes all yield ErrPathRejected.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/marmos91/cubby/pkg/protocol"
)

// Resolve canonicalizes rawName against root and returns the absolute
// path of the target, or protocol.ErrPathRejected if the result would
// escape the root. The root must exist; the target need not (upload
// creates it), in which case the deepest existing ancestor is checked
// for symlink escape instead.
func Resolve(root, rawName string) (string, error) {
	if rawName == "" {
		return "", fmt.Errorf("%w: empty filename", protocol.ErrPathRejected)
	}
	if filepath.IsAbs(rawName) {
		return "", fmt.Errorf("%w: absolute path %q", protocol.ErrPathRejected, rawName)
	}

	canonRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve sandbox root %q: %w", root, err)
	}
	canonRoot, err = filepath.Abs(canonRoot)
	if err != nil {
		return "", fmt.Errorf("resolve sandbox root %q: %w", root, err)
	}

	candidate := filepath.Join(canonRoot, filepath.Clean(rawName))
	if !within(canonRoot, candidate) {
		return "", fmt.Errorf("%w: %q", protocol.ErrPathRejected, rawName)
	}

	// Join already collapsed any "..", so candidate is lexically inside
	// the root. Symlinks can still point elsewhere; canonicalize the
	// deepest existing path component and re-check.
	resolved, err := evalExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rawName, err)
	}
	if !within(canonRoot, resolved) {
		return "", fmt.Errorf("%w: %q resolves outside sandbox", protocol.ErrPathRejected, rawName)
	}

	return candidate, nil
}

// within reports whether path equals root or is a descendant of it.
func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// evalExisting canonicalizes the deepest existing ancestor of path and
// rejoins the nonexistent suffix, so symlinked intermediate directories
// cannot smuggle a path out of the sandbox.
func evalExisting(path string) (string, error) {
	suffix := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		current = parent
	}
}
