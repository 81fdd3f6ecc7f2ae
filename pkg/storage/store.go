// Package storage implements the filesystem backend for stored files,
// keyed by (username, filename) under a single storage root.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/marmos91/cubby/pkg/protocol"
	"github.com/marmos91/cubby/pkg/sandbox"
)

// PreviewSize is the number of bytes returned by Preview.
const PreviewSize = 1024

// Store is a per-user file store rooted at a single directory one level
// of user directories below Root. All filename inputs are resolved
// through the sandbox guard before touching the filesystem.
type Store struct {
	root string
}

// New creates the storage root if needed and returns a Store.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create storage root %q: %w", abs, err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute storage root path.
func (s *Store) Root() string { return s.root }

// EnsureUser creates the user's sandbox directory if it does not exist
// and returns its path. Idempotent.
func (s *Store) EnsureUser(username string) (string, error) {
	if username == "" || username != filepath.Base(username) || strings.HasPrefix(username, ".") {
		return "", fmt.Errorf("%w: invalid username %q", protocol.ErrPathRejected, username)
	}
	dir := filepath.Join(s.root, username)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create user directory %q: %w", dir, err)
	}
	return dir, nil
}

// resolve runs filename through the sandbox guard for the given user.
func (s *Store) resolve(username, filename string) (string, error) {
	userDir := filepath.Join(s.root, username)
	return sandbox.Resolve(userDir, filename)
}

// PendingFile is an in-progress write to the store. Content goes to a
// temporary file; Commit renames it into place, Abort discards it. One
// of the two must be called.
type PendingFile struct {
	f    *os.File
	path string
}

// Write implements io.Writer.
func (p *PendingFile) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// Commit finalizes the pending file under its target name.
func (p *PendingFile) Commit() error {
	tmpName := p.f.Name()
	if err := p.f.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("finalize %q: %w", p.path, err)
	}
	return nil
}

// Abort discards the pending file. Safe to call after a failed Commit.
func (p *PendingFile) Abort() {
	name := p.f.Name()
	p.f.Close()
	os.Remove(name)
}

// Create opens a pending write for the named file. The write goes to a
// temporary file in the same directory and is renamed into place on
// Commit, so a failed or aborted upload never leaves a partial file
// visible.
func (s *Store) Create(username, filename string) (*PendingFile, error) {
	path, err := s.resolve(username, filename)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &PendingFile{f: tmp, path: path}, nil
}

// Save streams content from r into the named file via a pending write.
func (s *Store) Save(username, filename string, r io.Reader) (int64, error) {
	pending, err := s.Create(username, filename)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(pending, r)
	if err != nil {
		pending.Abort()
		return n, err
	}
	if err := pending.Commit(); err != nil {
		return n, err
	}
	return n, nil
}

// Open returns a reader over the named file. The caller closes it.
func (s *Store) Open(username, filename string) (io.ReadCloser, error) {
	path, err := s.resolve(username, filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", protocol.ErrNotFound, filename)
		}
		return nil, fmt.Errorf("open %q: %w", filename, err)
	}
	return f, nil
}

// Remove deletes the named file.
func (s *Store) Remove(username, filename string) error {
	path, err := s.resolve(username, filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %q", protocol.ErrNotFound, filename)
		}
		return fmt.Errorf("delete %q: %w", filename, err)
	}
	return nil
}

// List returns the names of regular files directly under the user's
// sandbox, sorted. In-flight upload temp files are skipped.
func (s *Store) List(username string) ([]string, error) {
	dir := filepath.Join(s.root, username)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list %q: %w", username, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && !strings.HasPrefix(entry.Name(), ".upload-") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Preview returns up to PreviewSize bytes of the named file decoded as
// best-effort text: invalid UTF-8 sequences are replaced, never fatal.
func (s *Store) Preview(username, filename string) (string, error) {
	f, err := s.Open(username, filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, PreviewSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("preview %q: %w", filename, err)
	}
	return strings.ToValidUTF8(string(buf[:n]), string(utf8.RuneError)), nil
}
