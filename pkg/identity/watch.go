package identity

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/cubby/internal/logger"
)

// Watch blocks, re-reading the credentials file whenever it changes on
// disk, until ctx is cancelled. The parent directory is watched rather
// than the file itself so atomic rewrites (write temp, rename) are seen.
// Callers typically run this in its own goroutine.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create credentials watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}

	logger.Debug("Watching credentials file", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				logger.Warn("Failed to reload credentials file", "path", s.path, "error", err)
				continue
			}
			logger.Info("Credentials file reloaded", "path", s.path, "users", len(s.Usernames()))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Credentials watcher error", "error", err)
		}
	}
}
