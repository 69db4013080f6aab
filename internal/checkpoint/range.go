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

// Package checkpoint implements range checkpoints for exactly-once delivery.
// A range checkpoint ties a region of an input file to one reserved slot of
// an exactly-once sender queue; its sequence id advances only after a
// successful commit, so a replay after a crash resends the same range with
// the same sequence id.
package checkpoint

import "sync"

// Position records one (offset, length) region covered by a checkpoint
// between two commits.
type Position struct {
	Offset uint64
	Length uint64
}

// RangeCheckpoint is the persisted state of one exactly-once queue slot.
//
// A checkpoint is "complete" once its HashKey is bound; an item carrying an
// incomplete checkpoint is assigned a slot (and the slot's hash key) on push.
type RangeCheckpoint struct {
	// Index selects the owning slot in [0, N).
	Index int

	// Key identifies the checkpoint in the store.
	Key string

	// FeedbackKey is the queue key of the owning process queue, used to
	// wake the file reader when the slot frees.
	FeedbackKey int64

	// HashKey routes the payload to a fixed shard; generated once per slot.
	HashKey string

	// SequenceID is monotonically increasing per hash key. It advances only
	// after a successful commit.
	SequenceID int64

	ReadOffset uint64
	ReadLength uint64
	Committed  bool

	Positions []Position

	mu    sync.Mutex
	store Store
}

// Bind attaches the persistence store. Checkpoints constructed by loaders
// are bound before use; an unbound checkpoint persists nowhere (tests).
func (c *RangeCheckpoint) Bind(store Store) { c.store = store }

// IsComplete reports whether the checkpoint is bound to a slot hash key.
func (c *RangeCheckpoint) IsComplete() bool { return c.HashKey != "" }

// Prepare resets the commit state before a fresh send: positions are cleared,
// committed is lowered, and the state is persisted.
func (c *RangeCheckpoint) Prepare() {
	c.mu.Lock()
	c.Positions = c.Positions[:0]
	c.Committed = false
	c.mu.Unlock()
	c.save()
}

// Commit marks the range as delivered and persists.
func (c *RangeCheckpoint) Commit() {
	c.mu.Lock()
	c.Committed = true
	c.mu.Unlock()
	c.save()
}

// IncreaseSequenceID advances the per-hash-key sequence. Callers invoke it
// only after Commit.
func (c *RangeCheckpoint) IncreaseSequenceID() {
	c.mu.Lock()
	c.SequenceID++
	c.mu.Unlock()
	c.save()
}

func (c *RangeCheckpoint) save() {
	if c.store != nil {
		// Persistence failures must not stall the send path; the store
		// logs and the checkpoint is rewritten on the next transition.
		_ = c.store.Save(c)
	}
}
