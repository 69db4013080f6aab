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

package model

import "sync"

// Pipeline is the live configuration instance behind a config name. Queue
// items keep a pointer to the pipeline that produced them; on hot reload the
// registry hands out the new instance and queues rebind outstanding items so
// the retry path never dangles.
type Pipeline struct {
	Name    string
	Version int64

	// Priority of the pipeline's process queue, 0 (highest) to 3.
	Priority uint32
}

// PipelineRegistry maps config names to their current pipeline instance.
// It is the lookup used when a queue rebinds items after a reload.
type PipelineRegistry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

func NewPipelineRegistry() *PipelineRegistry {
	return &PipelineRegistry{pipelines: make(map[string]*Pipeline)}
}

// Register publishes a pipeline instance, replacing any previous version.
func (r *PipelineRegistry) Register(p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Name] = p
}

// Unregister removes a pipeline by name.
func (r *PipelineRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pipelines, name)
}

// Find returns the current instance for a config name, or nil.
func (r *PipelineRegistry) Find(name string) *Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pipelines[name]
}
