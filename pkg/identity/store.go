// Package identity implements the file-backed credential store.
//
// Credentials live in a line-oriented file of "username:bcrypt-hash"
// entries. The server only ever asks one question of this package:
// does this (username, password) pair match a known user.
package identity

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost parameter used when hashing new passwords.
const BcryptCost = 10

// ErrUserExists is returned by Add when the username is already present.
var ErrUserExists = errors.New("user already exists")

// ErrUserNotFound is returned by Remove for an unknown username.
var ErrUserNotFound = errors.New("user not found")

// Store is a credential store loaded from a file. Safe for concurrent
// use; Reload and the fsnotify watcher may swap the user table while
// sessions call Verify.
type Store struct {
	path string

	mu    sync.RWMutex
	users map[string]string // username -> bcrypt hash
}

// NewFileStore loads the credentials file at path. A missing file is not
// an error; it simply means no user can authenticate until one is added.
func NewFileStore(path string) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("credentials file %q: %w", path, err)
	}
	s := &Store{path: abs, users: make(map[string]string)}
	if err := s.Reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

// Path returns the absolute path of the credentials file.
func (s *Store) Path() string { return s.path }

// Reload re-reads the credentials file, replacing the in-memory table.
func (s *Store) Reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	users := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		username, hash, ok := strings.Cut(line, ":")
		if !ok || username == "" || hash == "" {
			continue
		}
		users[username] = hash
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read credentials file %q: %w", s.path, err)
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	return nil
}

// Verify reports whether the (username, password) pair matches a stored
// credential. Unknown users and wrong passwords are indistinguishable to
// the caller.
func (s *Store) Verify(username, password string) bool {
	s.mu.RLock()
	hash, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Usernames returns all known usernames, sorted.
func (s *Store) Usernames() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Add hashes the password and appends the user, rewriting the file.
func (s *Store) Add(username, password string) error {
	if username == "" || strings.Contains(username, ":") {
		return fmt.Errorf("invalid username %q", username)
	}

	s.mu.RLock()
	_, exists := s.users[username]
	s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %q", ErrUserExists, username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = string(hash)
	return s.persistLocked()
}

// Remove deletes the user and rewrites the file.
func (s *Store) Remove(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return fmt.Errorf("%w: %q", ErrUserNotFound, username)
	}
	delete(s.users, username)
	return s.persistLocked()
}

// persistLocked rewrites the credentials file atomically. Caller holds mu.
func (s *Store) persistLocked() error {
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "%s:%s\n", name, s.users[name])
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}
