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
	"context"
	"sync"

	"go.uber.org/zap"

	"gleaner/internal/queue"
)

// Scheduler owns the collector registration and one Job per input. It is the
// entry point the pipeline layer talks to.
type Scheduler struct {
	logger   *zap.Logger
	operator *OperatorClient
	pusher   Pusher

	mu           sync.Mutex
	jobs         map[string]*Job // input name → job
	unRegisterMs int64
	started      bool

	cancel context.CancelFunc
}

func NewScheduler(logger *zap.Logger, operator *OperatorClient, pusher Pusher) *Scheduler {
	return &Scheduler{
		logger:   logger,
		operator: operator,
		pusher:   pusher,
		jobs:     make(map[string]*Job),
	}
}

// Start registers the collector (blocking until the operator accepts) and
// starts any jobs queued up before registration completed.
func (s *Scheduler) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	deadline, err := s.operator.Register(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.unRegisterMs = deadline
	s.started = true
	for _, job := range s.jobs {
		job.unRegisterMs = deadline
		job.Start()
	}
	s.mu.Unlock()
	return nil
}

// UpdateJob replaces the job registered under an input name. A changed job
// restarts all of its works; target-level churn is the job's own concern.
func (s *Scheduler) UpdateJob(inputName string, cfg *Config, queueKey queue.QueueKey, inputIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[inputName]; ok {
		old.Stop()
	}
	job := NewJob(s.logger, cfg, s.operator, s.pusher, queueKey, inputIndex, s.unRegisterMs)
	s.jobs[inputName] = job
	if s.started {
		job.Start()
	}
}

// RemoveJob stops and forgets an input's job.
func (s *Scheduler) RemoveJob(inputName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[inputName]; ok {
		job.Stop()
		delete(s.jobs, inputName)
	}
}

// HasJobs reports whether any scrape input is registered.
func (s *Scheduler) HasJobs() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs) > 0
}

// Stop unregisters the collector and stops every job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.jobs = make(map[string]*Job)
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.operator.Unregister()
	for _, job := range jobs {
		job.Stop()
	}
}
