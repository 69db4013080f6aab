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

package scrape

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"gleaner/internal/queue"
)

// Job runs one target-discovery loop: every refresh tick it lists the
// operator's targets, relabels them, and diffs the surviving identities
// against the running works — new identities start, vanished ones stop,
// unchanged ones keep their loop (and their scrape phase).
type Job struct {
	logger   *zap.Logger
	cfg      *Config
	operator *OperatorClient
	pusher   Pusher

	queueKey     queue.QueueKey
	inputIndex   int
	unRegisterMs int64

	mu    sync.Mutex
	works map[string]*Work

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewJob(logger *zap.Logger, cfg *Config, operator *OperatorClient, pusher Pusher, queueKey queue.QueueKey, inputIndex int, unRegisterMs int64) *Job {
	return &Job{
		logger:       logger,
		cfg:          cfg,
		operator:     operator,
		pusher:       pusher,
		queueKey:     queueKey,
		inputIndex:   inputIndex,
		unRegisterMs: unRegisterMs,
		works:        make(map[string]*Work),
		stop:         make(chan struct{}),
	}
}

// Start launches the discovery loop.
func (j *Job) Start() {
	j.wg.Add(1)
	go j.discoveryLoop()
}

// Stop halts discovery and every target's scrape loop.
func (j *Job) Stop() {
	j.once.Do(func() { close(j.stop) })
	j.wg.Wait()
	j.mu.Lock()
	for hash, w := range j.works {
		w.Stop()
		delete(j.works, hash)
	}
	j.mu.Unlock()
}

func (j *Job) discoveryLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(refreshIntervalSeconds * time.Second)
	defer ticker.Stop()
	j.discoverOnce()
	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			j.discoverOnce()
		}
	}
}

func (j *Job) discoverOnce() {
	groups, err := j.operator.FetchTargets(j.cfg.JobName)
	if err != nil {
		j.logger.Warn("target discovery failed",
			zap.String("job", j.cfg.JobName),
			zap.Error(err))
		return
	}
	fresh := make(map[string]*Target, len(groups))
	for _, group := range groups {
		target, keep := buildTarget(j.cfg, group)
		if !keep {
			continue
		}
		fresh[target.Hash] = target
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	for hash, w := range j.works {
		if _, ok := fresh[hash]; !ok {
			w.Stop()
			delete(j.works, hash)
		}
	}
	for hash, target := range fresh {
		if _, ok := j.works[hash]; ok {
			continue
		}
		w := NewWork(j.logger, j.cfg, target, j.queueKey, j.inputIndex, j.pusher, j.unRegisterMs)
		j.works[hash] = w
		w.Start()
	}
}

// TargetCount reports the live work count (status surface, tests).
func (j *Job) TargetCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.works)
}
