package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk. Only
// configurations that pass validation are handed to callbacks.
type Watcher struct {
	logger    *zap.Logger
	path      string
	validator *Validator
	watcher   *fsnotify.Watcher
	callbacks []func(*Config)
	mu        sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}

	debounce time.Duration
	timer    *time.Timer
}

// NewWatcher creates a new configuration watcher
func NewWatcher(logger *zap.Logger, path string, validator *Validator) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if validator == nil {
		validator = NewValidator()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		logger:    logger,
		path:      path,
		validator: validator,
		watcher:   watcher,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		debounce:  time.Second,
	}, nil
}

// SetDebounce sets the debounce period for configuration changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start starts watching the configuration file
func (w *Watcher) Start(onChange func(*Config)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if onChange != nil {
		w.callbacks = append(w.callbacks, onChange)
	}

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.running = true
	go w.handleEvents()

	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop stops the configuration watcher
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.running = false
	w.cancel()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	w.watcher.Close()
	<-w.done

	w.logger.Info("Configuration watcher stopped")
}

func (w *Watcher) handleEvents() {
	defer close(w.done)

	target := filepath.Clean(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.logger.Debug("Config file changed",
					zap.String("path", event.Name),
					zap.String("op", event.Op.String()),
				)
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

// scheduleReload schedules a configuration reload with debouncing
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}

	cfg, err := Load(w.path)
	if err == nil {
		err = w.validator.Validate(cfg)
	}
	if err != nil {
		w.logger.Warn("Ignoring invalid configuration change",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded",
		zap.String("path", w.path),
		zap.Int("nodes", len(cfg.Mesh.Nodes)),
	)
	for _, cb := range callbacks {
		cb(cfg)
	}
}
