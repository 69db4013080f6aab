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
	"testing"

	"gleaner/internal/model"
)

func groupOfEvents(n int) *model.PipelineEventGroup {
	g := &model.PipelineEventGroup{}
	for i := 0; i < n; i++ {
		g.Events = append(g.Events, &model.LogEvent{})
	}
	return g
}

func newProcessItem(n int) *ProcessQueueItem {
	return &ProcessQueueItem{Group: groupOfEvents(n)}
}

type stubGate struct{ valid bool }

func (g *stubGate) IsValidToPush() bool { return g.valid }

func TestBoundedProcessQueue_WatermarkAndFeedback(t *testing.T) {
	q := NewBoundedProcessQueue(BoundedQueueParam{Capacity: 5, LowWatermark: 2, HighWatermark: 4}, 0, 0, "cfg")
	q.SetDownstreamQueues([]downstreamGate{&stubGate{valid: true}})

	feedbacks := 0
	q.SetUpstreamFeedbacks([]Feedback{func(QueueKey) { feedbacks++ }})

	for i := 0; i < 4; i++ {
		if !q.Push(newProcessItem(1)) {
			t.Fatalf("push %d should succeed before high watermark", i)
		}
	}
	if q.IsValidToPush() {
		t.Fatalf("reaching high watermark must flip validToPush to false")
	}
	if q.Push(newProcessItem(1)) {
		t.Fatalf("push must fail while invalid")
	}

	if _, ok := q.Pop(); !ok {
		t.Fatalf("pop should succeed with poppable queue")
	}
	if q.IsValidToPush() || feedbacks != 0 {
		t.Fatalf("no state change until size reaches low watermark")
	}
	if _, ok := q.Pop(); !ok {
		t.Fatalf("second pop should succeed")
	}
	if !q.IsValidToPush() {
		t.Fatalf("dropping to low watermark must restore validToPush")
	}
	if feedbacks != 1 {
		t.Fatalf("exactly one feedback must fire, got %d", feedbacks)
	}
}

func TestBoundedProcessQueue_PopGatedOnDownstream(t *testing.T) {
	q := NewBoundedProcessQueue(DefaultProcessQueueParam(), 0, 0, "cfg")
	gate := &stubGate{valid: false}
	q.SetDownstreamQueues([]downstreamGate{&stubGate{valid: true}, gate})
	q.Push(newProcessItem(1))

	if _, ok := q.Pop(); ok {
		t.Fatalf("pop must fail while any downstream queue rejects pushes")
	}
	gate.valid = true
	if _, ok := q.Pop(); !ok {
		t.Fatalf("pop should succeed once all downstream queues accept")
	}
}

func TestBoundedProcessQueue_InvalidatePopRebindsPipeline(t *testing.T) {
	q := NewBoundedProcessQueue(DefaultProcessQueueParam(), 0, 0, "cfg")
	q.SetDownstreamQueues([]downstreamGate{&stubGate{valid: true}})
	oldP := &model.Pipeline{Name: "cfg", Version: 1}
	item := newProcessItem(1)
	item.Pipeline = oldP
	q.Push(item)

	newP := &model.Pipeline{Name: "cfg", Version: 2}
	q.InvalidatePop(newP)
	if _, ok := q.Pop(); ok {
		t.Fatalf("pop must fail while invalidated")
	}
	q.ValidatePop()
	got, ok := q.Pop()
	if !ok {
		t.Fatalf("pop should succeed after ValidatePop")
	}
	if got.Pipeline != newP {
		t.Fatalf("outstanding item must be rebound to the new pipeline")
	}
}

func TestCircularProcessQueue_DropsOldestByEventCount(t *testing.T) {
	q := NewCircularProcessQueue(10, 0, 0, "cfg")
	q.Push(newProcessItem(4)) // A
	q.Push(newProcessItem(4)) // B
	if !q.Push(newProcessItem(4)) {
		t.Fatalf("push must always be permitted while the item fits alone")
	}
	// A was dropped: remaining events = 8.
	if q.eventCnt != 8 {
		t.Fatalf("expected 8 events after overwrite, got %d", q.eventCnt)
	}
	got, ok := q.Pop()
	if !ok || got.Group.EventCount() != 4 {
		t.Fatalf("expected to pop group B first")
	}
}

func TestCircularProcessQueue_OversizedGroupRejected(t *testing.T) {
	q := NewCircularProcessQueue(3, 0, 0, "cfg")
	if q.Push(newProcessItem(4)) {
		t.Fatalf("a group larger than capacity cannot be admitted")
	}
}
