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
	"container/list"
	"sync"
	"time"

	"gleaner/internal/model"
)

// MaxPriority is the lowest (numerically highest) process-queue priority.
const MaxPriority uint32 = 3

// QueueType discriminates the process queue variants tracked by the manager.
type QueueType int

const (
	QueueTypeBounded QueueType = iota
	QueueTypeCircular
)

type processEntry struct {
	elem  *list.Element
	qtype QueueType
}

// ProcessQueueManager owns every per-pipeline process queue, indexes them by
// priority for fair popping, and fronts the exactly-once manager for keys it
// does not know. Pop walks priorities 0→3; within a priority a round-robin
// cursor resumes where the previous pop left off.
type ProcessQueueManager struct {
	param BoundedQueueParam

	mu       sync.Mutex
	queues   map[QueueKey]processEntry
	priority [MaxPriority + 1]*list.List

	curPriority uint32
	curElem     *list.Element

	trig *trigger

	keys     *KeyRegistry
	registry *model.PipelineRegistry
	eo       *ExactlyOnceQueueManager

	// threadCount shards exactly-once pipelines across processing threads.
	threadCount int64
}

func NewProcessQueueManager(keys *KeyRegistry, registry *model.PipelineRegistry, eo *ExactlyOnceQueueManager, threadCount int) *ProcessQueueManager {
	if threadCount < 1 {
		threadCount = 1
	}
	m := &ProcessQueueManager{
		param:       DefaultProcessQueueParam(),
		queues:      make(map[QueueKey]processEntry),
		trig:        newTrigger(),
		keys:        keys,
		registry:    registry,
		eo:          eo,
		threadCount: int64(threadCount),
	}
	for i := range m.priority {
		m.priority[i] = list.New()
	}
	m.resetCursor()
	return m
}

// Feedback wakes a processing thread when a downstream sender queue drains.
func (m *ProcessQueueManager) Feedback(QueueKey) { m.Trigger() }

// CreateOrUpdateBoundedQueue creates the queue or adjusts its priority.
// Returns false when nothing changed.
func (m *ProcessQueueManager) CreateOrUpdateBoundedQueue(key QueueKey, priority uint32, configName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.queues[key]; ok {
		if entry.qtype != QueueTypeBounded {
			// A queue type change means every input plugin changed; old
			// unprocessed data may be discarded with the pipeline.
			m.deleteEntryLocked(entry.elem)
			m.createBoundedLocked(key, priority, configName)
		} else {
			q := entry.elem.Value.(ProcessQueue)
			q.SetConfigName(configName)
			if q.Priority() == priority {
				return false
			}
			m.adjustPriorityLocked(entry.elem, priority)
		}
	} else {
		m.createBoundedLocked(key, priority, configName)
	}
	m.normalizeCursorLocked()
	return true
}

// CreateOrUpdateCircularQueue is the lossy-variant counterpart; capacity is
// counted in events.
func (m *ProcessQueueManager) CreateOrUpdateCircularQueue(key QueueKey, priority uint32, capacity int, configName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.queues[key]; ok {
		if entry.qtype != QueueTypeCircular {
			m.deleteEntryLocked(entry.elem)
			m.createCircularLocked(key, priority, capacity, configName)
		} else {
			q := entry.elem.Value.(*CircularProcessQueue)
			q.Reset(capacity)
			q.SetConfigName(configName)
			if q.Priority() == priority {
				return false
			}
			m.adjustPriorityLocked(entry.elem, priority)
		}
	} else {
		m.createCircularLocked(key, priority, capacity, configName)
	}
	m.normalizeCursorLocked()
	return true
}

// DeleteQueue removes the queue immediately (process queues drain with their
// pipeline; no GC grace is needed) and frees the key.
func (m *ProcessQueueManager) DeleteQueue(key QueueKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.queues[key]
	if !ok {
		return false
	}
	m.deleteEntryLocked(entry.elem)
	delete(m.queues, key)
	m.keys.RemoveKey(key)
	return true
}

// IsValidToPush reports push validity; circular queues always accept.
func (m *ProcessQueueManager) IsValidToPush(key QueueKey) bool {
	m.mu.Lock()
	entry, ok := m.queues[key]
	if ok {
		valid := true
		if entry.qtype == QueueTypeBounded {
			valid = entry.elem.Value.(*BoundedProcessQueue).IsValidToPush()
		}
		m.mu.Unlock()
		return valid
	}
	m.mu.Unlock()
	return m.eo.IsValidToPushProcessQueue(key)
}

// PushQueue routes a group to its pipeline's queue.
func (m *ProcessQueueManager) PushQueue(key QueueKey, item *ProcessQueueItem) PushResult {
	res := func() PushResult {
		m.mu.Lock()
		defer m.mu.Unlock()
		if entry, ok := m.queues[key]; ok {
			if !entry.elem.Value.(ProcessQueue).Push(item) {
				return PushFull
			}
			return PushOK
		}
		return m.eo.PushProcessQueue(key, item)
	}()
	if res == PushOK {
		m.Trigger()
	}
	return res
}

// PopItem returns the next item for a processing thread, walking priorities
// high to low with round-robin fairness within a priority, then the
// exactly-once queues pinned to this thread.
func (m *ProcessQueueManager) PopItem(threadNo int64) (*ProcessQueueItem, string, bool) {
	m.mu.Lock()
	for prio := uint32(0); prio <= MaxPriority; prio++ {
		var popped *ProcessQueueItem
		var configName string
		var at *list.Element

		if m.curPriority == prio && m.curElem != nil {
			for elem := m.curElem; elem != nil; elem = elem.Next() {
				if item, ok := elem.Value.(ProcessQueue).Pop(); ok {
					popped, configName, at = item, elem.Value.(ProcessQueue).ConfigName(), elem
					break
				}
			}
			if popped == nil {
				for elem := m.priority[prio].Front(); elem != nil && elem != m.curElem; elem = elem.Next() {
					if item, ok := elem.Value.(ProcessQueue).Pop(); ok {
						popped, configName, at = item, elem.Value.(ProcessQueue).ConfigName(), elem
						break
					}
				}
			}
		} else {
			for elem := m.priority[prio].Front(); elem != nil; elem = elem.Next() {
				if item, ok := elem.Value.(ProcessQueue).Pop(); ok {
					popped, configName, at = item, elem.Value.(ProcessQueue).ConfigName(), elem
					break
				}
			}
		}
		if popped != nil {
			m.curPriority = prio
			m.curElem = at.Next()
			if m.curElem == nil {
				m.curElem = m.priority[prio].Front()
			}
			m.mu.Unlock()
			return popped, configName, true
		}

		// Exactly-once queues of this priority, pinned to this thread.
		if item, cfg, ok := m.eo.PopProcessItem(prio, threadNo, m.threadCount); ok {
			m.resetCursor()
			m.mu.Unlock()
			return item, cfg, true
		}
	}
	m.resetCursor()
	m.mu.Unlock()
	m.trig.Disarm()
	return nil, "", false
}

// IsAllQueueEmpty covers both regular and exactly-once process queues.
func (m *ProcessQueueManager) IsAllQueueEmpty() bool {
	m.mu.Lock()
	for _, entry := range m.queues {
		if !entry.elem.Value.(ProcessQueue).Empty() {
			m.mu.Unlock()
			return false
		}
	}
	m.mu.Unlock()
	return m.eo.IsAllProcessQueueEmpty()
}

// SetDownstreamQueues binds the sender queues whose push-validity gates this
// queue's pop.
func (m *ProcessQueueManager) SetDownstreamQueues(key QueueKey, senders []*SenderQueue) bool {
	gates := make([]downstreamGate, 0, len(senders))
	for _, s := range senders {
		if s != nil {
			gates = append(gates, s)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.queues[key]
	if !ok {
		return false
	}
	entry.elem.Value.(ProcessQueue).SetDownstreamQueues(gates)
	return true
}

// SetUpstreamFeedbacks registers reader wakeups; only bounded queues exert
// backpressure, so circular queues reject the call.
func (m *ProcessQueueManager) SetUpstreamFeedbacks(key QueueKey, feedbacks []Feedback) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.queues[key]
	if !ok || entry.qtype != QueueTypeBounded {
		return false
	}
	entry.elem.Value.(*BoundedProcessQueue).SetUpstreamFeedbacks(feedbacks)
	return true
}

// InvalidatePop pauses a config's queue during reload, rebinding outstanding
// items to the current pipeline instance. A key interned under the config
// name but owned by the exactly-once manager falls through to it.
func (m *ProcessQueueManager) InvalidatePop(configName string) {
	current := m.registry.Find(configName)
	if m.keys.HasKey(configName) {
		key := m.keys.GetKey(configName)
		m.mu.Lock()
		if entry, ok := m.queues[key]; ok {
			entry.elem.Value.(ProcessQueue).InvalidatePop(current)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}
	m.eo.DisablePopProcessQueue(configName, false, current)
}

func (m *ProcessQueueManager) ValidatePop(configName string) {
	if m.keys.HasKey(configName) {
		key := m.keys.GetKey(configName)
		m.mu.Lock()
		if entry, ok := m.queues[key]; ok {
			entry.elem.Value.(ProcessQueue).ValidatePop()
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}
	m.eo.EnablePopProcessQueue(configName)
}

// Wait parks a processing thread until work arrives or timeout passes.
func (m *ProcessQueueManager) Wait(timeout time.Duration) bool { return m.trig.Wait(timeout) }

// Trigger wakes processing threads.
func (m *ProcessQueueManager) Trigger() { m.trig.Trigger() }

func (m *ProcessQueueManager) createBoundedLocked(key QueueKey, priority uint32, configName string) {
	q := NewBoundedProcessQueue(m.param, key, priority, configName)
	elem := m.priority[priority].PushBack(ProcessQueue(q))
	m.queues[key] = processEntry{elem: elem, qtype: QueueTypeBounded}
}

func (m *ProcessQueueManager) createCircularLocked(key QueueKey, priority uint32, capacity int, configName string) {
	q := NewCircularProcessQueue(capacity, key, priority, configName)
	elem := m.priority[priority].PushBack(ProcessQueue(q))
	m.queues[key] = processEntry{elem: elem, qtype: QueueTypeCircular}
}

// adjustPriorityLocked moves the element to the tail of its new priority
// list, stepping the cursor off it first.
func (m *ProcessQueueManager) adjustPriorityLocked(elem *list.Element, priority uint32) {
	q := elem.Value.(ProcessQueue)
	old := q.Priority()
	if m.curPriority == old && m.curElem == elem {
		m.curElem = elem.Next()
		if m.curElem == nil {
			m.curElem = m.priority[old].Front()
			if m.curElem == elem {
				m.curElem = nil
			}
		}
	}
	m.priority[old].Remove(elem)
	q.SetPriority(priority)
	newElem := m.priority[priority].PushBack(q)
	for key, entry := range m.queues {
		if entry.elem == elem {
			m.queues[key] = processEntry{elem: newElem, qtype: entry.qtype}
			break
		}
	}
}

func (m *ProcessQueueManager) deleteEntryLocked(elem *list.Element) {
	q := elem.Value.(ProcessQueue)
	prio := q.Priority()
	if m.curPriority == prio && m.curElem == elem {
		m.curElem = elem.Next()
	}
	m.priority[prio].Remove(elem)
	if m.curElem == nil && m.curPriority == prio {
		m.curElem = m.priority[prio].Front()
	}
}

func (m *ProcessQueueManager) normalizeCursorLocked() {
	if m.curElem == nil {
		m.curElem = m.priority[m.curPriority].Front()
	}
}

func (m *ProcessQueueManager) resetCursor() {
	m.curPriority = 0
	m.curElem = m.priority[0].Front()
}
