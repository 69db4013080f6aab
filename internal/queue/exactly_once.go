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
	"time"

	"gleaner/internal/checkpoint"
	"gleaner/internal/limiter"
	"gleaner/internal/telemetry"
)

// ExactlyOnceSenderQueue holds exactly one slot per persisted range
// checkpoint. Capacity is the checkpoint count N, watermarks are fixed at
// (N-1, N). An item whose checkpoint is already complete (replay from disk)
// goes to its recorded slot; a fresh item claims the first free slot and
// adopts that slot's pre-allocated checkpoint and hash key.
type ExactlyOnceSenderQueue struct {
	key QueueKey
	wm  watermark

	slots []*SenderQueueItem
	write int
	size  int

	checkpoints []*checkpoint.RangeCheckpoint

	extra []*SenderQueueItem

	rate        *limiter.Rate
	concurrency []*limiter.Concurrency

	feedback Feedback
}

func NewExactlyOnceSenderQueue(checkpoints []*checkpoint.RangeCheckpoint, key QueueKey) *ExactlyOnceSenderQueue {
	n := len(checkpoints)
	return &ExactlyOnceSenderQueue{
		key:         key,
		wm:          newWatermark(n-1, n),
		slots:       make([]*SenderQueueItem, n),
		checkpoints: checkpoints,
	}
}

func (q *ExactlyOnceSenderQueue) SetRateLimiter(maxBytesPerSecond uint32) {
	if maxBytesPerSecond > 0 {
		q.rate = limiter.NewRate(maxBytesPerSecond)
	} else {
		q.rate = nil
	}
}

func (q *ExactlyOnceSenderQueue) SetConcurrencyLimiters(limiters []*limiter.Concurrency) {
	q.concurrency = q.concurrency[:0]
	for _, l := range limiters {
		if l == nil {
			// should not happen
			continue
		}
		q.concurrency = append(q.concurrency, l)
	}
}

func (q *ExactlyOnceSenderQueue) setFeedback(f Feedback) { q.feedback = f }

func (q *ExactlyOnceSenderQueue) IsValidToPush() bool { return q.wm.validToPush }

func (q *ExactlyOnceSenderQueue) Empty() bool { return q.size+len(q.extra) == 0 }

func (q *ExactlyOnceSenderQueue) Push(item *SenderQueueItem) bool {
	if item == nil || item.Checkpoint == nil {
		return false
	}
	cpt := item.Checkpoint
	if cpt.IsComplete() {
		// Replay: the slot is dictated by the persisted checkpoint.
		if cpt.Index >= len(q.slots) || q.slots[cpt.Index] != nil {
			// should not happen
			return false
		}
		item.EnqueueTime = time.Now()
		q.slots[cpt.Index] = item
	} else {
		placed := false
		for i := 0; i < len(q.slots); i++ {
			idx := q.write % len(q.slots)
			if q.slots[idx] != nil {
				q.write++
				continue
			}
			item.EnqueueTime = time.Now()
			q.slots[idx] = item
			slotCpt := q.checkpoints[idx]
			slotCpt.ReadOffset = cpt.ReadOffset
			slotCpt.ReadLength = cpt.ReadLength
			item.Checkpoint = slotCpt
			item.ShardHashKey = slotCpt.HashKey
			q.write++
			placed = true
			break
		}
		if !placed {
			item.EnqueueTime = time.Now()
			q.extra = append(q.extra, item)
			return true
		}
	}
	item.Checkpoint.Prepare()
	q.size++
	q.wm.afterPush(q.size)
	return true
}

// Remove clears the item's slot and immediately re-pushes the oldest
// deferred item, which now finds a free slot.
func (q *ExactlyOnceSenderQueue) Remove(item *SenderQueueItem) bool {
	if item == nil || item.Checkpoint == nil {
		return false
	}
	idx := item.Checkpoint.Index
	if idx >= len(q.slots) || q.slots[idx] == nil {
		// should not happen
		return false
	}
	q.slots[idx] = nil
	q.size--

	if len(q.extra) > 0 {
		next := q.extra[0]
		q.extra = q.extra[1:]
		q.Push(next)
		return true
	}
	if q.wm.afterPop(q.size) {
		q.giveFeedback()
	}
	return true
}

func (q *ExactlyOnceSenderQueue) GetAvailableItems(dst *[]*SenderQueueItem, limit int, withLimits bool) {
	if q.size == 0 {
		return
	}
	examined := 0
	for idx := range q.slots {
		item := q.slots[idx]
		if item == nil {
			continue
		}
		if withLimits {
			if q.rate != nil && !q.rate.IsValidToPop() {
				telemetry.QueueFetchRejectedByRate.Inc()
				return
			}
			for _, l := range q.concurrency {
				if !l.IsValidToPop() {
					telemetry.QueueFetchRejectedByConcurrency.Inc()
					return
				}
			}
		}
		if item.Status() == SendingStatusIdle {
			item.SetStatus(SendingStatusSending)
			*dst = append(*dst, item)
			if withLimits {
				for _, l := range q.concurrency {
					l.PostPop()
				}
				if q.rate != nil {
					q.rate.PostPop(item.RawSize)
				}
			}
		}
		examined++
		if limit > 0 && examined >= limit {
			return
		}
	}
}

func (q *ExactlyOnceSenderQueue) DecreaseSendingCnt() {
	for _, l := range q.concurrency {
		l.OnSendDone()
	}
}

func (q *ExactlyOnceSenderQueue) giveFeedback() {
	if q.feedback != nil {
		q.feedback(q.key)
	}
}

// Reset swaps in a new checkpoint set when the owning reader restarts.
func (q *ExactlyOnceSenderQueue) Reset(checkpoints []*checkpoint.RangeCheckpoint) {
	n := len(checkpoints)
	q.wm.reset(n-1, n)
	q.slots = make([]*SenderQueueItem, n)
	q.checkpoints = checkpoints
	q.write = 0
	q.size = 0
	q.extra = nil
	q.rate = nil
	q.concurrency = nil
}
