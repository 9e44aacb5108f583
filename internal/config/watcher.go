package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/logging"
)

// Watcher re-reads the configuration file when it changes on disk. Editors
// and config management tools tend to emit bursts of events per save, so
// reloads are debounced.
type Watcher struct {
	path     string
	debounce time.Duration
	loader   *Loader
	fw       *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func(*Config)
	timer     *time.Timer

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the given config file. The debounce
// interval comes from config_reload_interval; callers should not construct
// a watcher at all when the interval is zero.
func NewWatcher(path string, debounce time.Duration, loader *Loader) (*Watcher, error) {
	if debounce <= 0 {
		return nil, fmt.Errorf("watch debounce must be positive")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		loader:   loader,
		fw:       fw,
		done:     make(chan struct{}),
	}, nil
}

// OnChange registers a callback invoked with each successfully reloaded
// configuration. Register all callbacks before Start.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start watches the config file's directory. Watching the directory rather
// than the file survives the rename dance most editors do on save.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	go w.loop()
	logging.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("debounce", w.debounce))
	return nil
}

// Stop halts the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fw.Close()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) loop() {
	base := filepath.Base(w.path)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logging.Warn("config watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		logging.Error("config reload failed, keeping previous config",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	logging.Info("config reloaded", zap.String("path", w.path))

	w.mu.Lock()
	cbs := make([]func(*Config), len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()
	for _, cb := range cbs {
		cb(cfg)
	}
}
