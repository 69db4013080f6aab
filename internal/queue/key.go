// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: May 2026
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

// Package queue implements the two-stage queue system at the heart of the
// delivery path: per-pipeline process queues feeding per-destination sender
// queues, with watermark-driven backpressure, priority-fair popping and an
// exactly-once variant whose slots are bound to range checkpoints.
//
// Queues themselves are not safe for concurrent use; their manager serializes
// all access under a single mutex. The key registry and the managers are
// thread-safe.
package queue

import "sync"

// QueueKey identifies one queue process-wide. Keys are compared only for
// equality; their numeric order carries no meaning.
type QueueKey int64

// Feedback is a backpressure notification: the queue identified by key has
// transitioned back to pushable. Feedback is a plain function so queues never
// hold pointers to one another.
type Feedback func(key QueueKey)

// KeyRegistry interns queue names ("config-flusherType-target") as keys.
// A name and key are 1:1 while the key exists; once removed, re-interning the
// same name yields a fresh key.
type KeyRegistry struct {
	mu      sync.Mutex
	next    QueueKey
	nameKey map[string]QueueKey
	keyName map[QueueKey]string
}

func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{
		nameKey: make(map[string]QueueKey),
		keyName: make(map[QueueKey]string),
	}
}

// GetKey returns the key for name, assigning the next unused integer on
// first sight.
func (r *KeyRegistry) GetKey(name string) QueueKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.nameKey[name]; ok {
		return k
	}
	k := r.next
	r.next++
	r.nameKey[name] = k
	r.keyName[k] = name
	return k
}

// HasKey reports whether name is currently interned.
func (r *KeyRegistry) HasKey(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.nameKey[name]
	return ok
}

// RemoveKey frees both mappings. Returns false if the key is unknown.
func (r *KeyRegistry) RemoveKey(key QueueKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.keyName[key]
	if !ok {
		return false
	}
	delete(r.nameKey, name)
	delete(r.keyName, key)
	return true
}

// GetName returns the interned name for key, or "".
func (r *KeyRegistry) GetName(key QueueKey) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keyName[key]
}
