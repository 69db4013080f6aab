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

package queue

import (
	"fmt"
	"testing"

	"gleaner/internal/checkpoint"
)

func slotCheckpoints(n int) []*checkpoint.RangeCheckpoint {
	cpts := make([]*checkpoint.RangeCheckpoint, n)
	for i := 0; i < n; i++ {
		cpts[i] = &checkpoint.RangeCheckpoint{
			Index:   i,
			Key:     fmt.Sprintf("cpt-%d", i),
			HashKey: fmt.Sprintf("hash-%d", i),
		}
	}
	return cpts
}

func eoItem(cpt *checkpoint.RangeCheckpoint) *SenderQueueItem {
	item := newSenderItem(1)
	item.Checkpoint = cpt
	return item
}

func TestExactlyOnceQueue_PushWithCompleteCheckpoint(t *testing.T) {
	q := NewExactlyOnceSenderQueue(slotCheckpoints(2), 0)
	q.setFeedback(func(QueueKey) {})

	replay := eoItem(&checkpoint.RangeCheckpoint{Index: 1, HashKey: "k"})
	if !q.Push(replay) {
		t.Fatalf("replay push should succeed")
	}
	if q.slots[0] != nil || q.slots[1] != replay {
		t.Fatalf("replay must land in its recorded slot")
	}
	if q.write != 0 {
		t.Fatalf("replay push must not advance the write cursor, got %d", q.write)
	}

	dup := eoItem(&checkpoint.RangeCheckpoint{Index: 1, HashKey: "k"})
	if q.Push(dup) {
		t.Fatalf("pushing into an occupied slot is a caller logic error")
	}
}

func TestExactlyOnceQueue_PushBindsUnboundCheckpoint(t *testing.T) {
	q := NewExactlyOnceSenderQueue(slotCheckpoints(2), 0)
	q.setFeedback(func(QueueKey) {})

	item := eoItem(&checkpoint.RangeCheckpoint{ReadOffset: 0, ReadLength: 10})
	if !q.Push(item) {
		t.Fatalf("push should succeed")
	}
	if q.slots[0] != item {
		t.Fatalf("first free slot (0) must win")
	}
	cpt := item.Checkpoint
	if cpt != q.checkpoints[0] {
		t.Fatalf("item must adopt the slot's pre-allocated checkpoint")
	}
	if cpt.ReadOffset != 0 || cpt.ReadLength != 10 {
		t.Fatalf("slot checkpoint must copy the transient read range")
	}
	if item.ShardHashKey != "hash-0" {
		t.Fatalf("item must adopt the slot's hash key, got %q", item.ShardHashKey)
	}
	if cpt.Committed {
		t.Fatalf("Prepare must lower committed")
	}
}

func TestExactlyOnceQueue_ExtraBufferDeferredPlacement(t *testing.T) {
	q := NewExactlyOnceSenderQueue(slotCheckpoints(2), 0)
	feedbacks := 0
	q.setFeedback(func(QueueKey) { feedbacks++ })

	a := eoItem(&checkpoint.RangeCheckpoint{ReadLength: 1})
	b := eoItem(&checkpoint.RangeCheckpoint{ReadLength: 2})
	c := eoItem(&checkpoint.RangeCheckpoint{ReadLength: 3})
	q.Push(a)
	q.Push(b)
	if q.IsValidToPush() {
		t.Fatalf("full slot set must block pushes")
	}
	if !q.Push(c) {
		t.Fatalf("deferred placement still returns ok")
	}
	if len(q.extra) != 1 {
		t.Fatalf("item without a free slot must wait in the extra buffer")
	}

	if !q.Remove(a) {
		t.Fatalf("remove should succeed")
	}
	if len(q.extra) != 0 {
		t.Fatalf("remove must immediately place the deferred item")
	}
	if q.slots[0] == nil || q.slots[0].Checkpoint.ReadLength != 3 {
		t.Fatalf("deferred item must claim the freed slot")
	}

	// Slot bijection: every non-empty slot maps to a distinct hash key.
	seen := map[string]bool{}
	n := 0
	for _, item := range q.slots {
		if item == nil {
			continue
		}
		n++
		if seen[item.ShardHashKey] {
			t.Fatalf("duplicate hash key %q across slots", item.ShardHashKey)
		}
		seen[item.ShardHashKey] = true
	}
	if n != q.size || n != 2 {
		t.Fatalf("size accounting mismatch: slots=%d size=%d", n, q.size)
	}
}

func TestExactlyOnceQueue_SequenceAdvancesOnlyOnCommit(t *testing.T) {
	cpts := slotCheckpoints(1)
	q := NewExactlyOnceSenderQueue(cpts, 0)
	q.setFeedback(func(QueueKey) {})

	var last int64 = -1
	for round := 0; round < 3; round++ {
		item := eoItem(&checkpoint.RangeCheckpoint{ReadLength: uint64(round)})
		if !q.Push(item) {
			t.Fatalf("push round %d failed", round)
		}
		// Successful send path: commit, advance, remove.
		item.Checkpoint.Commit()
		item.Checkpoint.IncreaseSequenceID()
		if item.Checkpoint.SequenceID <= last {
			t.Fatalf("sequence id must strictly increase: %d after %d", item.Checkpoint.SequenceID, last)
		}
		last = item.Checkpoint.SequenceID
		if !q.Remove(item) {
			t.Fatalf("remove round %d failed", round)
		}
	}
}
