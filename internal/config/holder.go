package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"condor/internal/logger"
	"condor/internal/types"

	"github.com/fsnotify/fsnotify"
)

// Holder owns the live configuration. Risk limits are served as an immutable
// snapshot; Reload swaps the snapshot only after a successful re-parse, so
// orders already evaluated keep the limits they saw and later orders see the
// new ones.
type Holder struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	onReload func(types.RiskLimits)
}

func NewHolder(path string, cfg *Config) *Holder {
	return &Holder{path: path, cfg: cfg}
}

func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *Holder) Limits() types.RiskLimits {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.Limits()
}

// OnReload registers a hook run after each successful reload, for components
// holding derived state (the pipeline's rate window).
func (h *Holder) OnReload(fn func(types.RiskLimits)) {
	h.mu.Lock()
	h.onReload = fn
	h.mu.Unlock()
}

// Reload re-reads the config file. A parse or validation failure leaves the
// running configuration untouched.
func (h *Holder) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.cfg = cfg
	fn := h.onReload
	h.mu.Unlock()
	logger.Infof("config: reloaded %s", h.path)
	if fn != nil {
		fn(cfg.Limits())
	}
	return nil
}

// Watch reloads on file changes until ctx ends. Editors often emit bursts of
// write events, so changes are debounced.
func (h *Holder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		return err
	}

	var pending <-chan time.Time
	target := filepath.Clean(h.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(500 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("config: watcher error: %v", err)
		case <-pending:
			pending = nil
			if err := h.Reload(); err != nil {
				logger.Errorf("config: reload failed, keeping previous config: %v", err)
			}
		}
	}
}
