package toolstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch calls onChange after active pointers under the root change, for
// example when another process installs or removes a tool. Bursts of events
// are collapsed into one call. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("watch tool store: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch tool store: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.root); err != nil {
		return fmt.Errorf("watch tool store: %w", err)
	}
	dirs, _ := s.toolDirs()
	for _, dir := range dirs {
		s.watchDir(watcher, filepath.Join(s.root, dir))
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("tool store watcher error", "err", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !s.relevant(watcher, event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(watchDebounce)
		case <-timerChan(timer):
			timer = nil
			onChange()
		}
	}
}

// relevant reports whether event can change the loaded tool set. New tool
// directories are added to the watch as a side effect.
func (s *Store) relevant(w *fsnotify.Watcher, event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	if filepath.Dir(event.Name) == filepath.Clean(s.root) {
		if event.Has(fsnotify.Create) {
			s.watchDir(w, event.Name)
		}
		return event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	}
	return name == activeFile
}

func (s *Store) watchDir(w *fsnotify.Watcher, dir string) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.Add(dir); err != nil {
		s.logger.Warn("tool store watcher add failed", "path", dir, "err", err)
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
