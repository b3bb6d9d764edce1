package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Dynamic is the subset of the configuration that may change at runtime.
// Everything else requires a restart.
type Dynamic struct {
	CacheEnabled      bool
	MinRelevanceScore float64
	MaxContextItems   int
}

// DynamicFrom extracts the runtime-adjustable settings from a full config.
func DynamicFrom(cfg *Config) Dynamic {
	return Dynamic{
		CacheEnabled:      cfg.Cache.Enabled,
		MinRelevanceScore: cfg.Memory.MinRelevanceScore,
		MaxContextItems:   cfg.Memory.MaxContextItems,
	}
}

// Watcher watches the config file for changes and delivers the
// runtime-adjustable subset to a callback. Reload failures keep the
// previous settings in effect.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	path        string // Config file path (cleaned)
	logger      *zap.Logger
	onChange    func(Dynamic)
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Reloads       int
	Errors        int
	LastReloadAt  time.Time
	LastErrorText string
}

// NewWatcher creates a Watcher for the given config file path.
func NewWatcher(path string, logger *zap.Logger, onChange func(Dynamic)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     fw,
		path:        filepath.Clean(path),
		logger:      logger,
		onChange:    onChange,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory for changes.
// Non-blocking; the event loop runs in a goroutine. Watching the
// directory rather than the file survives editors that replace the
// file via rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("config watch failed, hot reload disabled",
			zap.String("dir", dir), zap.Error(err))
	} else {
		w.logger.Info("watching config for changes", zap.String("path", w.path))
	}

	go w.run(ctx)

	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Error("error closing config watcher", zap.Error(err))
	}
}

// run is the main event loop.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.stats.LastErrorText = err.Error()
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebouncedEvents()
		}
	}
}

// handleEvent records a settling event for the config file. Other files
// in the directory are ignored.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.debounceMap[w.path] = time.Now()
	w.mu.Unlock()
}

// processDebouncedEvents reloads once events have settled past the
// debounce window.
func (w *Watcher) processDebouncedEvents() {
	w.mu.Lock()
	now := time.Now()
	reload := false
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			delete(w.debounceMap, path)
			reload = true
		}
	}
	w.mu.Unlock()

	if reload {
		w.reload()
	}
}

// reload re-reads the config file and pushes the dynamic subset to the
// callback. Invalid files are logged and skipped.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous settings", zap.Error(err))
		w.mu.Lock()
		w.stats.Errors++
		w.stats.LastErrorText = err.Error()
		w.mu.Unlock()
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("reloaded config invalid, keeping previous settings", zap.Error(err))
		w.mu.Lock()
		w.stats.Errors++
		w.stats.LastErrorText = err.Error()
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.stats.Reloads++
	w.stats.LastReloadAt = time.Now()
	w.mu.Unlock()

	w.logger.Info("config reloaded",
		zap.Bool("cache_enabled", cfg.Cache.Enabled),
		zap.Float64("min_relevance_score", cfg.Memory.MinRelevanceScore),
		zap.Int("max_context_items", cfg.Memory.MaxContextItems))

	if w.onChange != nil {
		w.onChange(DynamicFrom(cfg))
	}
}

// Stats returns the current watcher statistics.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// IsWatching reports whether the watcher is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
