package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// HotConfig wraps Config with hot-reload support
type HotConfig struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
	subs []func(*Config)
}

func NewHotConfig(path string) (*HotConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &HotConfig{cfg: cfg, path: path}, nil
}

func (hc *HotConfig) Get() *Config {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.cfg
}

// OnReload registers a callback for config changes. Register before Watch.
func (hc *HotConfig) OnReload(fn func(*Config)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.subs = append(hc.subs, fn)
}

// Reload re-reads the file. A broken file keeps the previous config.
func (hc *HotConfig) Reload() error {
	cfg, err := Load(hc.path)
	if err != nil {
		return err
	}
	hc.mu.Lock()
	hc.cfg = cfg
	subs := append([]func(*Config){}, hc.subs...)
	hc.mu.Unlock()

	slog.Info("🔄 config reloaded", "path", hc.path)
	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}

// Watch reloads the config whenever the file is written or replaced.
// Blocks until ctx is cancelled.
func (hc *HotConfig) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that rename-and-replace are still seen.
	if err := watcher.Add(filepath.Dir(hc.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	target := filepath.Clean(hc.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := hc.Reload(); err != nil {
					slog.Error("config reload failed", "err", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config watcher error", "err", err)
		}
	}
}
