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
	"gleaner/internal/model"
	"gleaner/internal/telemetry"
)

// downstreamGate is the one thing a process queue needs to know about the
// sender queues it feeds: whether they currently accept pushes.
type downstreamGate interface {
	IsValidToPush() bool
}

// ProcessQueue is the interface shared by the bounded and circular variants.
// Not thread-safe; the owning manager serializes access.
type ProcessQueue interface {
	Key() QueueKey
	ConfigName() string
	SetConfigName(string)
	Priority() uint32
	SetPriority(uint32)

	Push(item *ProcessQueueItem) bool
	Pop() (*ProcessQueueItem, bool)
	Empty() bool

	InvalidatePop(current *model.Pipeline)
	ValidatePop()

	SetDownstreamQueues(gates []downstreamGate)
}

// processQueueBase holds the state common to both variants.
type processQueueBase struct {
	key        QueueKey
	configName string
	priority   uint32

	validToPop bool
	downstream []downstreamGate
}

func (b *processQueueBase) Key() QueueKey          { return b.key }
func (b *processQueueBase) ConfigName() string     { return b.configName }
func (b *processQueueBase) SetConfigName(n string) { b.configName = n }
func (b *processQueueBase) Priority() uint32       { return b.priority }
func (b *processQueueBase) SetPriority(p uint32)   { b.priority = p }
func (b *processQueueBase) ValidatePop()           { b.validToPop = true }

func (b *processQueueBase) SetDownstreamQueues(gates []downstreamGate) {
	b.downstream = b.downstream[:0]
	for _, g := range gates {
		if g == nil {
			// should not happen
			continue
		}
		b.downstream = append(b.downstream, g)
	}
}

func (b *processQueueBase) downstreamValidToPush() bool {
	for _, g := range b.downstream {
		if !g.IsValidToPush() {
			return false
		}
	}
	return true
}

// BoundedProcessQueue is the FIFO process queue with watermark backpressure.
// Pop is additionally gated on the push-validity of every downstream sender
// queue, which propagates backpressure through the pipeline without
// cross-queue locks.
type BoundedProcessQueue struct {
	processQueueBase
	wm    watermark
	items []*ProcessQueueItem

	upstream []Feedback
}

func NewBoundedProcessQueue(param BoundedQueueParam, key QueueKey, priority uint32, configName string) *BoundedProcessQueue {
	q := &BoundedProcessQueue{
		processQueueBase: processQueueBase{key: key, configName: configName, priority: priority, validToPop: true},
		wm:               newWatermark(param.LowWatermark, param.HighWatermark),
	}
	return q
}

// SetUpstreamFeedbacks registers the callbacks fired when the queue drops
// back to its low watermark (typically the file reader's wakeup).
func (q *BoundedProcessQueue) SetUpstreamFeedbacks(feedbacks []Feedback) {
	q.upstream = q.upstream[:0]
	for _, f := range feedbacks {
		if f == nil {
			// should not happen
			continue
		}
		q.upstream = append(q.upstream, f)
	}
}

func (q *BoundedProcessQueue) IsValidToPush() bool { return q.wm.validToPush }

func (q *BoundedProcessQueue) Push(item *ProcessQueueItem) bool {
	if !q.wm.validToPush {
		return false
	}
	q.items = append(q.items, item)
	q.wm.afterPush(len(q.items))
	return true
}

func (q *BoundedProcessQueue) Pop() (*ProcessQueueItem, bool) {
	if !q.validToPop || len(q.items) == 0 || !q.downstreamValidToPush() {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if q.wm.afterPop(len(q.items)) {
		q.giveFeedback()
	}
	return item, true
}

func (q *BoundedProcessQueue) Empty() bool { return len(q.items) == 0 }

// InvalidatePop blocks popping during a reload and rebinds outstanding items
// to the current pipeline instance so the flush path never dangles.
func (q *BoundedProcessQueue) InvalidatePop(current *model.Pipeline) {
	q.validToPop = false
	if current == nil {
		return
	}
	for _, item := range q.items {
		item.Pipeline = current
	}
}

func (q *BoundedProcessQueue) giveFeedback() {
	for _, f := range q.upstream {
		f(q.key)
	}
}

// CircularProcessQueue accounts capacity in events and overwrites the oldest
// groups when full. Push never exerts backpressure; it is the lossy variant
// used by ephemeral metric pipelines.
type CircularProcessQueue struct {
	processQueueBase
	capacity int // in events
	items    []*ProcessQueueItem
	eventCnt int
}

func NewCircularProcessQueue(capacity int, key QueueKey, priority uint32, configName string) *CircularProcessQueue {
	return &CircularProcessQueue{
		processQueueBase: processQueueBase{key: key, configName: configName, priority: priority, validToPop: true},
		capacity:         capacity,
	}
}

func (q *CircularProcessQueue) Push(item *ProcessQueueItem) bool {
	newCnt := item.Group.EventCount()
	for len(q.items) > 0 && q.eventCnt+newCnt > q.capacity {
		q.eventCnt -= q.items[0].Group.EventCount()
		telemetry.QueueDroppedEvents.Add(float64(q.items[0].Group.EventCount()))
		q.items = q.items[1:]
	}
	if q.eventCnt+newCnt > q.capacity {
		return false
	}
	q.items = append(q.items, item)
	q.eventCnt += newCnt
	return true
}

func (q *CircularProcessQueue) Pop() (*ProcessQueueItem, bool) {
	if !q.validToPop || len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.eventCnt -= item.Group.EventCount()
	return item, true
}

func (q *CircularProcessQueue) Empty() bool { return len(q.items) == 0 }

func (q *CircularProcessQueue) InvalidatePop(current *model.Pipeline) {
	q.validToPop = false
	if current == nil {
		return
	}
	for _, item := range q.items {
		item.Pipeline = current
	}
}

// Reset shrinks or grows the event capacity on reload. Extra groups beyond a
// smaller capacity are discarded oldest-first.
func (q *CircularProcessQueue) Reset(capacity int) {
	for len(q.items) > 0 && q.eventCnt > capacity {
		q.eventCnt -= q.items[0].Group.EventCount()
		telemetry.QueueDroppedEvents.Add(float64(q.items[0].Group.EventCount()))
		q.items = q.items[1:]
	}
	q.capacity = capacity
	q.downstream = nil
	q.validToPop = true
}
