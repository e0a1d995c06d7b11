package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// Watch blocks until ctx is done, invoking onChange with the registered
// view name whenever its backing file is written, recreated, or removed.
// Events are debounced per file so bulk writes collapse into one change.
func (e *Engine) Watch(ctx context.Context, onChange func(name string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the parent directories; editors replace files rather than
	// writing in place, which only the directory watch observes.
	dirs := map[string]struct{}{}
	for _, path := range e.registeredPaths() {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			e.logger.Error("failed to watch directory", "dir", dir, "error", err)
		}
	}

	timers := map[string]*time.Timer{}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event := <-watcher.Events:
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name, ok := e.viewForPath(event.Name)
			if !ok {
				continue
			}

			if t := timers[name]; t != nil {
				t.Stop()
			}
			timers[name] = time.AfterFunc(watchDebounce, func() {
				e.logger.Debug("file source changed", "name", name, "file", event.Name)
				onChange(name)
			})

		case werr := <-watcher.Errors:
			e.logger.Error("watcher error", "error", werr)
		}
	}
}

// viewForPath maps a changed file back to its registered view name.
func (e *Engine) viewForPath(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, p := range e.files {
		if p == abs {
			return name, true
		}
	}
	return "", false
}
