package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads the config file and notifies handlers. It also
// reports changes to .rego files under the safety policy directory.
type Watcher struct {
	path      string
	policyDir string
	logger    *zap.Logger
	debounce  time.Duration

	watcher *fsnotify.Watcher

	mu             sync.RWMutex
	current        *Config
	configHandlers []func(*Config)
	policyHandlers []func() error
}

func NewWatcher(path string, initial *Config, logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policyDir := ""
	if initial != nil {
		policyDir = initial.Safety.PolicyDir
	}
	return &Watcher{
		path:      path,
		policyDir: policyDir,
		logger:    logger,
		debounce:  50 * time.Millisecond,
		watcher:   w,
		current:   initial,
	}, nil
}

// OnConfig registers a handler called with each successfully reloaded config.
func (w *Watcher) OnConfig(fn func(*Config)) {
	w.mu.Lock()
	w.configHandlers = append(w.configHandlers, fn)
	w.mu.Unlock()
}

// OnPolicy registers a handler called when a .rego file changes.
func (w *Watcher) OnPolicy(fn func() error) {
	w.mu.Lock()
	w.policyHandlers = append(w.policyHandlers, fn)
	w.mu.Unlock()
}

// Current returns the last config that loaded and validated.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches until ctx is done. Editors often replace files rather than
// write them in place, so the parent directory is watched.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if w.policyDir != "" {
		if err := w.watcher.Add(w.policyDir); err != nil {
			w.logger.Warn("Policy directory not watched", zap.String("dir", w.policyDir), zap.Error(err))
		}
	}
	w.logger.Info("Configuration watcher started",
		zap.String("config", w.path),
		zap.String("policy_dir", w.policyDir),
	)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Configuration watcher stopped")
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	switch {
	case filepath.Clean(ev.Name) == filepath.Clean(w.path):
		if ev.Op&fsnotify.Remove != 0 {
			w.logger.Warn("Config file removed; keeping last good config", zap.String("file", ev.Name))
			return
		}
		time.Sleep(w.debounce)
		w.reloadConfig()
	case strings.HasSuffix(ev.Name, ".rego"):
		time.Sleep(w.debounce)
		w.reloadPolicies(ev.Name)
	}
}

func (w *Watcher) reloadConfig() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload rejected", zap.String("file", w.path), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = cfg
	handlers := append([]func(*Config){}, w.configHandlers...)
	w.mu.Unlock()

	for _, fn := range handlers {
		fn(cfg)
	}
	w.logger.Info("Configuration reloaded",
		zap.Int("simple_max_iterations", cfg.Loop.Simple.MaxIterations),
		zap.Int("complex_max_iterations", cfg.Loop.Complex.MaxIterations),
	)
}

func (w *Watcher) reloadPolicies(file string) {
	w.mu.RLock()
	handlers := append([]func() error{}, w.policyHandlers...)
	w.mu.RUnlock()
	for _, fn := range handlers {
		if err := fn(); err != nil {
			w.logger.Error("Policy reload failed", zap.String("file", file), zap.Error(err))
		}
	}
}
