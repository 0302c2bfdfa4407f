package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the definitions whenever the file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are picked up too.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("no definitions path configured")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch definitions dir: %w", err)
	}
	s.logger.Infof("Watching definitions file %s", target)

	// coalesce bursts of events from a single save
	var debounce <-chan time.Time
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(250 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			if _, err := s.Load(); err != nil {
				s.logger.Errorf("Definitions reload failed, keeping previous: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Errorf("Definitions watcher error: %v", err)
		case <-ctx.Done():
			s.logger.Info("Definitions watcher stopped")
			return nil
		}
	}
}
