package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wharflabs/wharf/internal/logging"
)

// CatalogWatcher watches the services and tenants catalog files and invokes
// a callback with the changed path. Reload failures are the callback's
// responsibility; the watcher only reports filesystem events.
type CatalogWatcher struct {
	watcher  *fsnotify.Watcher
	paths    map[string]bool // base names to react to, per directory
	onChange func(path string)
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewCatalogWatcher creates a watcher over the given files.
func NewCatalogWatcher(paths []string, onChange func(path string)) (*CatalogWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &CatalogWatcher{
		watcher:  fsWatcher,
		paths:    make(map[string]bool, len(paths)),
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		timers:   make(map[string]*time.Timer),
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			fsWatcher.Close()
			return nil, err
		}
		w.paths[abs] = true
		dirs[filepath.Dir(abs)] = true
	}

	// Watch directories, not files: editors replace files on save and a
	// file-level watch is lost after the first rename.
	for dir := range dirs {
		if err := fsWatcher.Add(dir); err != nil {
			fsWatcher.Close()
			return nil, err
		}
	}

	go w.watch()
	return w, nil
}

func (w *CatalogWatcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !w.paths[abs] {
				continue
			}
			w.schedule(abs)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("catalog watcher error", zap.Error(err))
		}
	}
}

// schedule debounces rapid successive events for the same file.
func (w *CatalogWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	d := w.debounce
	w.timers[path] = time.AfterFunc(d, func() {
		logging.Info("catalog file changed", zap.String("path", path))
		w.onChange(path)
	})
}

// SetDebounce overrides the debounce interval (used by tests).
func (w *CatalogWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Stop stops watching for changes.
func (w *CatalogWatcher) Stop() error {
	return w.watcher.Close()
}
