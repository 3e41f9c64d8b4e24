package config

import (
	"context"
	"log"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounceMs   = 200
	defaultPollInterval = 10 * time.Second
)

// Watcher holds the live *Config behind an atomic pointer and swaps it in
// on every write to the backing file, so daemons pick up threshold changes
// without a restart. It always polls the file on an interval as well; when
// fsnotify fails to initialize, polling is the only reload path.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	logger  *log.Logger

	debounceMs   int
	pollInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher loads path once synchronously and returns a Watcher ready to
// Start. Errors from the initial load are returned so startup-configuration
// problems are fatal rather than silently falling back to defaults.
func NewWatcher(path string, logger *log.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:         path,
		logger:       logger,
		debounceMs:   defaultDebounceMs,
		pollInterval: defaultPollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	w.current.Store(cfg)
	return w, nil
}

// Get returns the currently active configuration. Safe for concurrent use.
func (w *Watcher) Get() *Config {
	return w.current.Load()
}

// Start watches the config file for changes until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	defer close(w.doneCh)
	if w.path == "" {
		<-ctx.Done()
		return
	}

	watcher, err := fsnotify.NewWatcher()
	useFsnotify := err == nil
	if err != nil {
		w.logger.Printf("config: fsnotify init failed (%v), falling back to poll-only", err)
	} else {
		dir := filepath.Dir(w.path)
		if err := watcher.Add(dir); err != nil {
			w.logger.Printf("config: fsnotify watch %s failed (%v), falling back to poll-only", dir, err)
			_ = watcher.Close()
			useFsnotify = false
		}
	}

	if useFsnotify {
		defer watcher.Close()
		go w.watchLoop(ctx, watcher)
	}
	w.pollLoop(ctx)
}

// Stop signals Start to return. Call after cancelling the context passed to
// Start.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	name := filepath.Base(w.path)
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(time.Duration(w.debounceMs)*time.Millisecond, w.reload)
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Printf("config: reload %s failed, keeping previous config: %v", w.path, err)
		return
	}
	w.current.Store(cfg)
	w.logger.Printf("config: reloaded %s", w.path)
}
