// Package supervisor owns the gateway's lifecycle: loading config,
// watching it for changes, reconciling the backend registry and load
// balancer state against each new snapshot, and coordinating graceful
// shutdown (spec §4.A hot-reload, §4.J shutdown).
//
// The file watcher is grounded on mercator-hq-jupiter's
// pkg/policy/manager/watcher.go (fsnotify + a debounce timer); ported
// from slog to logrus to match the rest of the gateway's ambient
// stack.
package supervisor

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// configWatcher watches a single config file for writes and debounces
// bursts of events (editors often emit several per save) into one
// reload callback per quiet period.
type configWatcher struct {
	watcher  *fsnotify.Watcher
	log      *logrus.Logger
	path     string
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newConfigWatcher(path string, debounce time.Duration, log *logrus.Logger) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &configWatcher{watcher: w, log: log, path: path, debounce: debounce}, nil
}

// Watch blocks, invoking onReload (debounced) whenever the watched
// config file is written, renamed onto, or removed-then-recreated (the
// common "atomic save" pattern editors and config-management tools
// use). It returns when stop is closed.
func (cw *configWatcher) Watch(stop <-chan struct{}, onReload func()) {
	defer cw.watcher.Close()
	for {
		select {
		case <-stop:
			cw.mu.Lock()
			cw.stopped = true
			if cw.timer != nil {
				cw.timer.Stop()
			}
			cw.mu.Unlock()
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			cw.debounceTrigger(onReload)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.WithError(err).Warn("config watcher error")
		}
	}
}

func (cw *configWatcher) debounceTrigger(onReload func()) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, onReload)
}
