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

	"gleaner/internal/limiter"
	"gleaner/internal/telemetry"
)

// senderQueue is the surface shared by the bounded and exactly-once sender
// queues, as seen by their manager and the flusher runner.
type senderQueue interface {
	downstreamGate
	Push(item *SenderQueueItem) bool
	Remove(item *SenderQueueItem) bool
	GetAvailableItems(dst *[]*SenderQueueItem, limit int, withLimits bool)
	Empty() bool
	DecreaseSendingCnt()
}

// SenderQueue is the bounded per-destination queue of serialized payloads.
// Pushes never drop data: when the ring is full, items overflow into an
// unbounded extra buffer while validToPush goes false to produce
// backpressure quickly.
type SenderQueue struct {
	key       QueueKey
	flusherID string
	wm        watermark

	ring  []*SenderQueueItem
	read  int // monotonically increasing cursors; slot = cursor % cap
	write int
	size  int

	extra []*SenderQueueItem

	rate        *limiter.Rate
	concurrency []*limiter.Concurrency

	// feedback is the single shared callback keyed by queue key; the
	// flusher runner uses it to wake.
	feedback Feedback
}

func NewSenderQueue(param BoundedQueueParam, key QueueKey, flusherID string) *SenderQueue {
	return &SenderQueue{
		key:       key,
		flusherID: flusherID,
		wm:        newWatermark(param.LowWatermark, param.HighWatermark),
		ring:      make([]*SenderQueueItem, param.Capacity),
	}
}

// SetRateLimiter attaches a bytes-per-second cap; zero disables it.
func (q *SenderQueue) SetRateLimiter(maxBytesPerSecond uint32) {
	if maxBytesPerSecond > 0 {
		q.rate = limiter.NewRate(maxBytesPerSecond)
	} else {
		q.rate = nil
	}
}

// SetConcurrencyLimiters attaches the target-tier limiters (region, project).
func (q *SenderQueue) SetConcurrencyLimiters(limiters []*limiter.Concurrency) {
	q.concurrency = q.concurrency[:0]
	for _, l := range limiters {
		if l == nil {
			// should not happen
			continue
		}
		q.concurrency = append(q.concurrency, l)
	}
}

func (q *SenderQueue) setFeedback(f Feedback) { q.feedback = f }

func (q *SenderQueue) IsValidToPush() bool { return q.wm.validToPush }

func (q *SenderQueue) Empty() bool { return q.size+len(q.extra) == 0 }

// Push accepts the item unconditionally. A full ring routes it to the extra
// buffer; the watermark state still flips so upstream stalls.
func (q *SenderQueue) Push(item *SenderQueueItem) bool {
	item.EnqueueTime = time.Now()
	if q.size == len(q.ring) {
		q.extra = append(q.extra, item)
		q.wm.afterPush(q.size)
		return true
	}
	q.place(item)
	q.wm.afterPush(q.size)
	return true
}

// place fills the first hole in [read, write), or appends at the write
// cursor. Only appends extend the window, so write-read never exceeds the
// ring capacity and iteration visits each slot once.
func (q *SenderQueue) place(item *SenderQueueItem) {
	for cursor := q.read; cursor < q.write; cursor++ {
		idx := cursor % len(q.ring)
		if q.ring[idx] == nil {
			q.ring[idx] = item
			q.size++
			return
		}
	}
	q.ring[q.write%len(q.ring)] = item
	q.write++
	q.size++
}

// Remove deletes an acknowledged (or discarded) item, promotes one overflow
// item into the ring, and fires feedback when the low watermark is reached.
func (q *SenderQueue) Remove(item *SenderQueueItem) bool {
	if item == nil {
		return false
	}
	removed := false
	for idx := range q.ring {
		if q.ring[idx] == item {
			q.ring[idx] = nil
			q.size--
			removed = true
			break
		}
	}
	if !removed {
		// should not happen
		return false
	}
	for q.read < q.write && q.ring[q.read%len(q.ring)] == nil {
		q.read++
	}
	if len(q.extra) > 0 {
		next := q.extra[0]
		q.extra = q.extra[1:]
		q.place(next)
		return true
	}
	if q.wm.afterPop(q.size) {
		q.giveFeedback()
	}
	return true
}

// GetAvailableItems selects idle items in insertion order, honoring the rate
// and concurrency limiters, flipping each selection to SENDING.
func (q *SenderQueue) GetAvailableItems(dst *[]*SenderQueueItem, limit int, withLimits bool) {
	if q.size == 0 {
		return
	}
	examined := 0
	for cursor := q.read; cursor < q.write; cursor++ {
		item := q.ring[cursor%len(q.ring)]
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

// DecreaseSendingCnt releases one slot on every attached concurrency limiter
// after a send completes.
func (q *SenderQueue) DecreaseSendingCnt() {
	for _, l := range q.concurrency {
		l.OnSendDone()
	}
}

func (q *SenderQueue) giveFeedback() {
	if q.feedback != nil {
		q.feedback(q.key)
	}
}

// Reset reapplies the watermarks from param and detaches the rate and
// concurrency limiters. The ring keeps its original capacity and contents;
// any items in the overflow buffer are dropped.
func (q *SenderQueue) Reset(param BoundedQueueParam) {
	q.extra = nil
	q.rate = nil
	q.concurrency = nil
	q.wm.reset(param.LowWatermark, param.HighWatermark)
}
