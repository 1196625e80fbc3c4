// Copyright 2025 Lynkr
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"lynkr/gateway/shared/logger"
)

var cfgLog = logger.New("config")

// debounce coalesces editor write bursts into one reload.
const debounce = 300 * time.Millisecond

// Store holds the live configuration snapshot. Readers get a
// consistent *Config; the watcher swaps in new snapshots on file
// change.
type Store struct {
	path    string
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)

	watcher *fsnotify.Watcher
	stop    chan struct{}
	once    sync.Once
}

// NewStore wraps an already-loaded configuration.
func NewStore(path string, cfg *Config) *Store {
	s := &Store{path: path, stop: make(chan struct{})}
	s.current.Store(cfg)
	return s
}

// Current returns the live snapshot.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// OnReload registers a callback invoked with each new snapshot.
func (s *Store) OnReload(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Watch starts the file watcher. Reloads apply only the mutable
// subset: provider credentials and model ids, and the log level. A
// reload that changes topology logs a warning and keeps the startup
// topology.
func (s *Store) Watch() error {
	if s.path == "" {
		return fmt.Errorf("config: no file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory so atomic rename-into-place saves are seen.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	s.watcher = watcher

	go s.loop()
	return nil
}

// Close stops the watcher.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.stop)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}

func (s *Store) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-s.stop:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			cfgLog.Warn("", "", "config watcher error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (s *Store) reload() {
	next, err := Load(s.path)
	if err != nil {
		cfgLog.Warn("", "", "config reload failed, keeping current config", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	merged := s.merge(s.Current(), next)
	s.current.Store(merged)

	cfgLog.Info("", "", "config reloaded", map[string]interface{}{
		"providers": len(merged.Providers),
		"log_level": merged.Logging.Level,
	})

	s.mu.Lock()
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(merged)
	}
}

// merge applies the mutable fields of next onto a copy of cur.
func (s *Store) merge(cur, next *Config) *Config {
	merged := *cur
	merged.Logging = next.Logging

	merged.Providers = make([]ProviderConfig, len(cur.Providers))
	copy(merged.Providers, cur.Providers)

	byName := make(map[string]ProviderConfig, len(next.Providers))
	for _, p := range next.Providers {
		byName[p.Name] = p
	}
	seen := make(map[string]bool, len(cur.Providers))
	for i, p := range merged.Providers {
		seen[p.Name] = true
		np, ok := byName[p.Name]
		if !ok {
			cfgLog.Warn("", "", "provider removal ignored until restart", map[string]interface{}{
				"provider": p.Name,
			})
			continue
		}
		merged.Providers[i].APIKey = np.APIKey
		merged.Providers[i].DefaultModel = np.DefaultModel
	}
	for name := range byName {
		if !seen[name] {
			cfgLog.Warn("", "", "provider addition ignored until restart", map[string]interface{}{
				"provider": name,
			})
		}
	}
	return &merged
}
