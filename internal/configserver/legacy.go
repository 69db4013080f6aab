// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: June 2026
//
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

package configserver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LegacyWatcher converts hand-written YAML configs from a legacy directory
// into the active JSON config dir. Files are tracked by modification time;
// fsnotify events prompt a re-check and a slow rescan covers filesystems
// without notification support.
type LegacyWatcher struct {
	logger    *zap.Logger
	legacyDir string
	targetDir string

	mu       sync.Mutex
	modTimes map[string]time.Time

	rescanInterval time.Duration
	stop           chan struct{}
	wg             sync.WaitGroup
}

func NewLegacyWatcher(logger *zap.Logger, legacyDir, targetDir string) *LegacyWatcher {
	return &LegacyWatcher{
		logger:         logger,
		legacyDir:      legacyDir,
		targetDir:      targetDir,
		modTimes:       make(map[string]time.Time),
		rescanInterval: 30 * time.Second,
		stop:           make(chan struct{}),
	}
}

// Start performs an initial conversion pass and begins watching.
func (w *LegacyWatcher) Start() error {
	if err := os.MkdirAll(w.targetDir, 0o755); err != nil {
		return err
	}
	w.scan()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, falling back to periodic rescan", zap.Error(err))
		watcher = nil
	} else if err := watcher.Add(w.legacyDir); err != nil {
		w.logger.Warn("failed to watch legacy config dir, falling back to periodic rescan",
			zap.String("dir", w.legacyDir), zap.Error(err))
		watcher.Close()
		watcher = nil
	}

	w.wg.Add(1)
	go w.loop(watcher)
	return nil
}

func (w *LegacyWatcher) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *LegacyWatcher) loop(watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	if watcher != nil {
		defer watcher.Close()
	}
	ticker := time.NewTicker(w.rescanInterval)
	defer ticker.Stop()
	for {
		if watcher != nil {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.scan()
			case ev, ok := <-watcher.Events:
				if !ok {
					watcher = nil
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
					w.scan()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					watcher = nil
				}
			}
		} else {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.scan()
			}
		}
	}
}

// scan converts every *.yml whose mod time advanced since the last pass.
func (w *LegacyWatcher) scan() {
	entries, err := os.ReadDir(w.legacyDir)
	if err != nil {
		return
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml")) {
			continue
		}
		seen[name] = struct{}{}
		info, err := e.Info()
		if err != nil {
			continue
		}
		w.mu.Lock()
		prev, known := w.modTimes[name]
		w.mu.Unlock()
		if known && !info.ModTime().After(prev) {
			continue
		}
		if w.convert(name) {
			w.mu.Lock()
			w.modTimes[name] = info.ModTime()
			w.mu.Unlock()
		}
	}
	// Forget vanished files so their recreation is picked up.
	w.mu.Lock()
	for name := range w.modTimes {
		if _, ok := seen[name]; !ok {
			delete(w.modTimes, name)
		}
	}
	w.mu.Unlock()
}

// convert rewrites one YAML config as JSON into the active dir, atomically.
func (w *LegacyWatcher) convert(name string) bool {
	data, err := os.ReadFile(filepath.Join(w.legacyDir, name))
	if err != nil {
		return false
	}
	var detail map[string]any
	if err := yaml.Unmarshal(data, &detail); err != nil {
		w.logger.Warn("failed to parse legacy config",
			zap.String("file", name), zap.Error(err))
		return false
	}
	out, err := json.MarshalIndent(detail, "", "    ")
	if err != nil {
		return false
	}
	base := strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
	target := filepath.Join(w.targetDir, base+".json")
	tmp := target + ".new"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return false
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return false
	}
	w.logger.Info("converted legacy config", zap.String("file", name))
	return true
}
