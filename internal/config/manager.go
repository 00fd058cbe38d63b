package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// reloadDebounce absorbs the editor/provisioning pattern of several write
// events per save.
const reloadDebounce = 300 * time.Millisecond

// Manager owns the live configuration. Workers call Snapshot at the top of
// every pass, so a swapped config takes effect without restarts; the local
// UI calls Update, which also persists the file.
type Manager struct {
	mu        sync.RWMutex
	cfg       Config
	path      string
	logger    zerolog.Logger
	listeners []func(Config)
}

// NewManager wraps an already loaded config and the path it came from.
func NewManager(cfg Config, path string, logger zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, path: path, logger: logger}
}

// Snapshot returns a copy of the current configuration.
func (m *Manager) Snapshot() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Path returns the config file location.
func (m *Manager) Path() string {
	return m.path
}

// OnChange registers fn to run (on the reloader goroutine) after every
// successful swap. Register before Watch/Update to avoid races.
func (m *Manager) OnChange(fn func(Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Update applies mutate to a copy of the current config, clamps it, writes
// it to disk, and swaps it in. The saved file keeps env-free values; env
// overrides re-apply on the next full Load.
func (m *Manager) Update(mutate func(*Config)) (Config, error) {
	m.mu.Lock()
	next := m.cfg
	mutate(&next)
	next.Clamp()
	if err := Save(m.path, next); err != nil {
		m.mu.Unlock()
		return Config{}, err
	}
	m.cfg = next
	listeners := append([]func(Config){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return next, nil
}

// Watch reloads the config whenever the file changes on disk and blocks
// until ctx is done. A parse failure keeps the previous config live.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: atomic saves replace the file by rename, which
	// would orphan a watch on the file itself.
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	m.logger.Debug().Str("event", "config.watch").Str("dir", dir).Str("file", base).Msg("watching config file")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn().Str("event", "config.watch_error").Err(err).Msg("config watcher error")
		case <-fire:
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	next, err := Load(m.path)
	if err != nil {
		m.logger.Warn().Str("event", "config.reload_failed").Err(err).Msg("keeping previous config")
		return
	}

	m.mu.Lock()
	if next == m.cfg {
		m.mu.Unlock()
		return
	}
	m.cfg = next
	listeners := append([]func(Config){}, m.listeners...)
	m.mu.Unlock()

	m.logger.Info().Str("event", "config.reloaded").Str("path", m.path).Msg("configuration reloaded")
	for _, fn := range listeners {
		fn(next)
	}
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}
