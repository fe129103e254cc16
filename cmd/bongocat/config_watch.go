package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigChange is delivered to subscribers after a successful reload.
type ConfigChange struct {
	Old Config
	New Config
}

// ConfigProvider hands out the current configuration and change notifications.
type ConfigProvider interface {
	Current() Config
	Subscribe(buf int) (<-chan ConfigChange, func())
}

// reloadDebounce collapses the burst of events editors produce on save.
const reloadDebounce = 200 * time.Millisecond

// ConfigStore holds the live configuration and reloads it when the file changes.
//
// Subscribers get their own buffered channel. Delivery never blocks the store: when
// a subscriber's buffer is full the oldest pending change is dropped (latest wins).
type ConfigStore struct {
	mu   sync.RWMutex
	cfg  Config
	subs map[int]chan ConfigChange
	next int

	path      string // empty: no file, nothing to watch
	overrides FlagOverrides
	logger    *slog.Logger
}

// NewConfigStore creates a store seeded with an already validated config.
func NewConfigStore(cfg Config, path string, overrides FlagOverrides, logger *slog.Logger) *ConfigStore {
	if logger == nil {
		logger = discardLogger()
	}
	return &ConfigStore{
		cfg:       cfg,
		subs:      make(map[int]chan ConfigChange),
		path:      path,
		overrides: overrides,
		logger:    logger,
	}
}

// Current returns a copy of the active configuration.
func (s *ConfigStore) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Subscribe registers for change notifications. The returned function
// unsubscribes and closes the channel.
func (s *ConfigStore) Subscribe(buf int) (<-chan ConfigChange, func()) {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan ConfigChange, buf)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Reload re-reads the file, applies flag overrides and validates. On any error the
// current configuration is kept.
func (s *ConfigStore) Reload() error {
	if s.path == "" {
		return nil
	}
	cfg, err := LoadConfigFile(s.path)
	if err != nil {
		return err
	}
	s.overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	s.Set(cfg)
	return nil
}

// Set replaces the configuration and notifies subscribers if anything changed.
func (s *ConfigStore) Set(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	if reflect.DeepEqual(old, cfg) {
		return
	}
	s.cfg = cfg

	change := ConfigChange{Old: old, New: cfg}
	for _, ch := range s.subs {
		deliverLatest(ch, change)
	}
}

// deliverLatest sends without blocking, evicting a stale pending change if needed.
func deliverLatest(ch chan ConfigChange, change ConfigChange) {
	for i := 0; i < 2; i++ {
		select {
		case ch <- change:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Run watches the config file until ctx is canceled.
//
// The parent directory is watched rather than the file so that editors which save
// by rename-over are picked up.
func (s *ConfigStore) Run(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	path := ExpandPath(s.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	s.logger.Info("watching config file", "path", path)

	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("config watcher stopping (context canceled)")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn("config reload failed, keeping previous config", "error", err)
				continue
			}
			s.logger.Info("config reloaded", "path", path)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", "error", err)
		}
	}
}
