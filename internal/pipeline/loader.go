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

// Package pipeline turns the JSON files in the active config directory into
// running pipelines: a process queue, its flushers and their sender queues,
// and optionally a scrape job. Processor plugins live behind the process
// queue and are outside this package's concern.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gleaner/internal/checkpoint"
	"gleaner/internal/client"
	"gleaner/internal/configserver"
	"gleaner/internal/flusher"
	"gleaner/internal/limiter"
	"gleaner/internal/model"
	"gleaner/internal/queue"
	"gleaner/internal/scrape"
	"gleaner/internal/telemetry"
)

// configFile is the shape of one <name>.json pipeline config.
type configFile struct {
	Version  int64  `json:"version"`
	Priority uint32 `json:"priority"`

	Queue struct {
		Type     string `json:"type"`     // "bounded" (default) | "circular"
		Capacity int    `json:"capacity"` // circular only, in events
	} `json:"queue"`

	// ExactlyOnce switches the pipeline onto the checkpoint-backed queue
	// pair: one sender slot per persisted range checkpoint.
	ExactlyOnce struct {
		Enabled         bool `json:"enabled"`
		CheckpointCount int  `json:"checkpoint_count"`
	} `json:"exactly_once"`

	Flushers []flusherConfig `json:"flushers"`

	ScrapeJob json.RawMessage `json:"scrape_job"`
}

type flusherConfig struct {
	Type string `json:"type"` // "logservice" | "pushgateway"

	// log-service fields
	Region       string   `json:"region"`
	Project      string   `json:"project"`
	Logstore     string   `json:"logstore"`
	Endpoints    []string `json:"endpoints"`
	CompressType string   `json:"compress_type"`
	MaxSendRate  uint32   `json:"max_send_rate"`

	// pushgateway fields
	Endpoint string `json:"endpoint"`
	Job      string `json:"job"`
}

// stoppable is the slice of flusher surface the loader retains.
type stoppable interface {
	Stop()
	QueueKey() queue.QueueKey
}

// StatusFeedback receives apply outcomes (the config-server provider).
type StatusFeedback interface {
	FeedbackPipelineConfigStatus(name string, status configserver.ConfigStatus)
}

// Deps collects the loader's collaborators.
type Deps struct {
	Keys           *queue.KeyRegistry
	Pipelines      *model.PipelineRegistry
	ProcessMgr     *queue.ProcessQueueManager
	SenderMgr      *queue.SenderQueueManager
	ExactlyOnceMgr *queue.ExactlyOnceQueueManager
	Checkpoints    checkpoint.Store
	Clients        *client.Manager
	Alarms         *telemetry.AlarmManager
	Limiters       *flusher.LimiterRegistry
	PackIDs        *flusher.PackIDManager
	Scheduler      *scrape.Scheduler // may be nil
	Feedback       StatusFeedback    // may be nil
	Dispatcher     flusher.Dispatcher
}

// Loader scans the config directory and reconciles running pipelines with
// the on-disk state.
type Loader struct {
	logger *zap.Logger
	dir    string
	deps   Deps

	mu       sync.Mutex
	applied  map[string]int64 // name → version
	flushers map[string][]stoppable

	scanInterval time.Duration
	stop         chan struct{}
	wg           sync.WaitGroup
}

func NewLoader(logger *zap.Logger, dir string, deps Deps) *Loader {
	return &Loader{
		logger:       logger,
		dir:          dir,
		deps:         deps,
		applied:      make(map[string]int64),
		flushers:     make(map[string][]stoppable),
		scanInterval: 10 * time.Second,
		stop:         make(chan struct{}),
	}
}

// Start applies the current directory contents and begins reconciling.
func (l *Loader) Start() {
	l.Scan()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.Scan()
			}
		}
	}()
}

func (l *Loader) Stop() {
	close(l.stop)
	l.wg.Wait()
}

// Scan reconciles once: changed versions reload, vanished files unload.
func (l *Loader) Scan() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		configName := strings.TrimSuffix(name, ".json")
		seen[configName] = struct{}{}
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			continue
		}
		var cfg configFile
		if err := json.Unmarshal(data, &cfg); err != nil {
			l.logger.Warn("invalid pipeline config", zap.String("config", configName), zap.Error(err))
			l.feedback(configName, configserver.StatusFailed)
			continue
		}
		l.mu.Lock()
		prev, ok := l.applied[configName]
		l.mu.Unlock()
		if ok && prev == cfg.Version {
			continue
		}
		if err := l.apply(configName, &cfg); err != nil {
			l.logger.Warn("failed to apply pipeline config",
				zap.String("config", configName),
				zap.Error(err))
			l.feedback(configName, configserver.StatusFailed)
			continue
		}
		l.mu.Lock()
		l.applied[configName] = cfg.Version
		l.mu.Unlock()
		l.feedback(configName, configserver.StatusApplied)
	}
	for configName := range l.cloneApplied() {
		if _, ok := seen[configName]; !ok {
			l.unload(configName)
		}
	}
}

func (l *Loader) cloneApplied() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.applied))
	for k, v := range l.applied {
		out[k] = v
	}
	return out
}

// apply builds or rebuilds one pipeline. Pop stays invalid for the duration
// so outstanding items rebind cleanly to the new instance.
func (l *Loader) apply(configName string, cfg *configFile) error {
	if len(cfg.Flushers) == 0 && len(cfg.ScrapeJob) == 0 {
		return fmt.Errorf("config has neither flushers nor a scrape job")
	}
	if cfg.Priority > queue.MaxPriority {
		cfg.Priority = queue.MaxPriority
	}

	exactlyOnce := cfg.ExactlyOnce.Enabled
	if exactlyOnce {
		if l.deps.ExactlyOnceMgr == nil || l.deps.Checkpoints == nil {
			return fmt.Errorf("exactly-once requested but no checkpoint store is wired")
		}
		if cfg.Queue.Type == "circular" {
			return fmt.Errorf("exactly-once requires a bounded queue")
		}
	}

	l.deps.Pipelines.Register(&model.Pipeline{
		Name:     configName,
		Version:  cfg.Version,
		Priority: cfg.Priority,
	})
	l.deps.ProcessMgr.InvalidatePop(configName)
	defer l.deps.ProcessMgr.ValidatePop(configName)

	key := l.deps.Keys.GetKey(configName)
	if !exactlyOnce {
		switch cfg.Queue.Type {
		case "circular":
			capacity := cfg.Queue.Capacity
			if capacity <= 0 {
				capacity = 1024
			}
			l.deps.ProcessMgr.CreateOrUpdateCircularQueue(key, cfg.Priority, capacity, configName)
		default:
			l.deps.ProcessMgr.CreateOrUpdateBoundedQueue(key, cfg.Priority, configName)
		}
	}

	// Replace flushers: mark the old generation's queues deleted, then
	// create the new one. A reused queue key cancels its pending deletion.
	l.mu.Lock()
	old := l.flushers[configName]
	l.mu.Unlock()
	for _, f := range old {
		f.Stop()
	}

	var created []stoppable
	var senders []*queue.SenderQueue
	var eoLimiters []*limiter.Concurrency
	var eoMaxRate uint32
	for i, fc := range cfg.Flushers {
		flusherID := fmt.Sprintf("%s/flusher_%d", configName, i)
		switch fc.Type {
		case "logservice":
			f := flusher.NewLogService(flusher.LogServiceConfig{
				ConfigName:   configName,
				FlusherID:    flusherID,
				Region:       fc.Region,
				Project:      fc.Project,
				Stream:       fc.Logstore,
				CompressType: fc.CompressType,
				MaxSendRate:  fc.MaxSendRate,
			}, l.logger, l.deps.Alarms, l.deps.Clients, l.deps.Keys, l.deps.SenderMgr, l.deps.Limiters, l.deps.PackIDs)
			f.SetDispatcher(l.deps.Dispatcher)
			if len(fc.Endpoints) > 0 {
				l.deps.Clients.SetEndpoints(fc.Region, fc.Endpoints)
			}
			l.deps.SenderMgr.ReuseQueue(f.QueueKey())
			if eoLimiters == nil {
				eoLimiters = []*limiter.Concurrency{
					l.deps.Limiters.Region(fc.Region),
					l.deps.Limiters.Project(fc.Project),
				}
				eoMaxRate = fc.MaxSendRate
			}
			created = append(created, f)
		case "pushgateway":
			f := flusher.NewPushGateway(flusher.PushGatewayConfig{
				ConfigName:   configName,
				FlusherID:    flusherID,
				Endpoint:     fc.Endpoint,
				Job:          fc.Job,
				MaxSendRate:  fc.MaxSendRate,
				CompressType: fc.CompressType,
			}, l.logger, l.deps.Alarms, l.deps.Keys, l.deps.SenderMgr)
			f.SetDispatcher(l.deps.Dispatcher)
			l.deps.SenderMgr.ReuseQueue(f.QueueKey())
			created = append(created, f)
		default:
			return fmt.Errorf("unknown flusher type: %s", fc.Type)
		}
		if sq := l.deps.SenderMgr.GetQueue(created[len(created)-1].QueueKey()); sq != nil {
			senders = append(senders, sq)
		}
	}
	if exactlyOnce {
		if eoLimiters == nil {
			return fmt.Errorf("exactly-once requires a logservice flusher")
		}
		count := cfg.ExactlyOnce.CheckpointCount
		if count <= 0 {
			count = defaultCheckpointCount
		}
		checkpoints, err := l.loadCheckpoints(configName, key, count)
		if err != nil {
			return err
		}
		if !l.deps.ExactlyOnceMgr.CreateOrUpdateQueue(key, cfg.Priority, configName, checkpoints, eoLimiters, eoMaxRate) {
			return fmt.Errorf("failed to create exactly-once queue pair")
		}
	} else {
		l.deps.ProcessMgr.SetDownstreamQueues(key, senders)
	}

	if len(cfg.ScrapeJob) > 0 && l.deps.Scheduler != nil {
		scfg, err := scrape.ParseConfig(cfg.ScrapeJob)
		if err != nil {
			return err
		}
		l.deps.Scheduler.UpdateJob(configName, scfg, key, 0)
	} else if l.deps.Scheduler != nil {
		l.deps.Scheduler.RemoveJob(configName)
	}

	l.mu.Lock()
	l.flushers[configName] = created
	l.mu.Unlock()
	l.logger.Info("pipeline applied",
		zap.String("config", configName),
		zap.Int64("version", cfg.Version),
		zap.Int("flushers", len(created)))
	return nil
}

// defaultCheckpointCount sizes the exactly-once slot set when the config
// leaves it unset; it bounds the file reader's in-flight range count.
const defaultCheckpointCount = 8

// loadCheckpoints restores one pipeline's persisted range checkpoints,
// allocating fresh slots (with new hash keys) for positions never seen
// before. A restored checkpoint keeps its sequence id and committed state so
// a replay after a crash resends the same range under the same identity.
func (l *Loader) loadCheckpoints(configName string, key queue.QueueKey, count int) ([]*checkpoint.RangeCheckpoint, error) {
	checkpoints := make([]*checkpoint.RangeCheckpoint, 0, count)
	for i := 0; i < count; i++ {
		cptKey := fmt.Sprintf("%s-range-%d", configName, i)
		cpt, err := l.deps.Checkpoints.Load(cptKey)
		switch {
		case err == nil:
			cpt.Index = i
			cpt.FeedbackKey = int64(key)
			if cpt.HashKey == "" {
				cpt.HashKey = uuid.NewString()
			}
		case errors.Is(err, checkpoint.ErrNotFound):
			cpt = &checkpoint.RangeCheckpoint{
				Index:       i,
				Key:         cptKey,
				FeedbackKey: int64(key),
				HashKey:     uuid.NewString(),
			}
			cpt.Bind(l.deps.Checkpoints)
		default:
			return nil, fmt.Errorf("load checkpoint %s: %w", cptKey, err)
		}
		checkpoints = append(checkpoints, cpt)
	}
	return checkpoints, nil
}

// unload tears one pipeline down: scrape job first, then the process queue,
// then the flushers (their sender queues drain out under GC grace).
func (l *Loader) unload(configName string) {
	if l.deps.Scheduler != nil {
		l.deps.Scheduler.RemoveJob(configName)
	}
	l.deps.ProcessMgr.InvalidatePop(configName)
	if l.deps.Keys.HasKey(configName) {
		key := l.deps.Keys.GetKey(configName)
		if !l.deps.ProcessMgr.DeleteQueue(key) && l.deps.ExactlyOnceMgr != nil {
			// Exactly-once pairs drain out under their own GC grace.
			l.deps.ExactlyOnceMgr.DeleteQueue(key)
		}
	}
	l.mu.Lock()
	old := l.flushers[configName]
	delete(l.flushers, configName)
	delete(l.applied, configName)
	l.mu.Unlock()
	for _, f := range old {
		f.Stop()
	}
	l.deps.Pipelines.Unregister(configName)
	l.logger.Info("pipeline unloaded", zap.String("config", configName))
}

func (l *Loader) feedback(name string, status configserver.ConfigStatus) {
	if l.deps.Feedback != nil {
		l.deps.Feedback.FeedbackPipelineConfigStatus(name, status)
	}
}
