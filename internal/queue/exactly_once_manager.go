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

	"gleaner/internal/checkpoint"
	"gleaner/internal/limiter"
	"gleaner/internal/model"
)

// ExactlyOnceQueueManager pairs one bounded process queue with one slot
// (checkpoint-backed) sender queue per opted-in pipeline input. Process
// queues are sharded to processing threads by key so a file's events stay on
// one thread and their append order is preserved.
type ExactlyOnceQueueManager struct {
	processParam BoundedQueueParam
	gcGrace      time.Duration

	processMu       sync.Mutex
	processQueues   map[QueueKey]*list.Element
	processPriority [MaxPriority + 1]*list.List

	senderMu     sync.Mutex
	senderQueues map[QueueKey]*ExactlyOnceSenderQueue

	gcMu         sync.Mutex
	deletionTime map[QueueKey]time.Time

	keys     *KeyRegistry
	feedback Feedback // wakes the flusher runner; set by the sender manager owner
}

func NewExactlyOnceQueueManager(keys *KeyRegistry) *ExactlyOnceQueueManager {
	m := &ExactlyOnceQueueManager{
		processParam:  DefaultProcessQueueParam(),
		gcGrace:       defaultSenderQueueGCGrace,
		processQueues: make(map[QueueKey]*list.Element),
		senderQueues:  make(map[QueueKey]*ExactlyOnceSenderQueue),
		deletionTime:  make(map[QueueKey]time.Time),
		keys:          keys,
	}
	for i := range m.processPriority {
		m.processPriority[i] = list.New()
	}
	return m
}

// SetFeedback wires the runner wakeup used by sender queues on watermark
// recovery.
func (m *ExactlyOnceQueueManager) SetFeedback(f Feedback) { m.feedback = f }

// CreateOrUpdateQueue builds (or rebuilds) the queue pair for key with one
// sender slot per checkpoint.
func (m *ExactlyOnceQueueManager) CreateOrUpdateQueue(key QueueKey, priority uint32, configName string, checkpoints []*checkpoint.RangeCheckpoint, limiters []*limiter.Concurrency, maxRate uint32) bool {
	if len(checkpoints) == 0 {
		return false
	}
	m.gcMu.Lock()
	delete(m.deletionTime, key)
	m.gcMu.Unlock()

	m.senderMu.Lock()
	if q, ok := m.senderQueues[key]; ok {
		q.Reset(checkpoints)
		q.SetConcurrencyLimiters(limiters)
		q.SetRateLimiter(maxRate)
	} else {
		q = NewExactlyOnceSenderQueue(checkpoints, key)
		q.setFeedback(m.feedback)
		q.SetConcurrencyLimiters(limiters)
		q.SetRateLimiter(maxRate)
		m.senderQueues[key] = q
	}
	senderGate := m.senderQueues[key]
	m.senderMu.Unlock()

	m.processMu.Lock()
	defer m.processMu.Unlock()
	if elem, ok := m.processQueues[key]; ok {
		pq := elem.Value.(*BoundedProcessQueue)
		if pq.Priority() != priority {
			m.processPriority[priority].PushBack(pq)
			m.processPriority[pq.Priority()].Remove(elem)
			pq.SetPriority(priority)
			m.processQueues[key] = m.processPriority[priority].Back()
		}
		pq.SetDownstreamQueues([]downstreamGate{senderGate})
		return true
	}
	pq := NewBoundedProcessQueue(m.processParam, key, priority, configName)
	pq.SetDownstreamQueues([]downstreamGate{senderGate})
	elem := m.processPriority[priority].PushBack(pq)
	m.processQueues[key] = elem
	return true
}

// DeleteQueue marks the pair for reclamation by ClearTimeoutQueues.
func (m *ExactlyOnceQueueManager) DeleteQueue(key QueueKey) bool {
	m.processMu.Lock()
	_, ok := m.processQueues[key]
	m.processMu.Unlock()
	if !ok {
		return false
	}
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	if _, marked := m.deletionTime[key]; marked {
		return false
	}
	m.deletionTime[key] = time.Now()
	return true
}

func (m *ExactlyOnceQueueManager) IsValidToPushProcessQueue(key QueueKey) bool {
	m.processMu.Lock()
	defer m.processMu.Unlock()
	elem, ok := m.processQueues[key]
	if !ok {
		return false
	}
	return elem.Value.(*BoundedProcessQueue).IsValidToPush()
}

func (m *ExactlyOnceQueueManager) PushProcessQueue(key QueueKey, item *ProcessQueueItem) PushResult {
	m.processMu.Lock()
	defer m.processMu.Unlock()
	elem, ok := m.processQueues[key]
	if !ok {
		return PushQueueNotFound
	}
	if !elem.Value.(*BoundedProcessQueue).Push(item) {
		return PushFull
	}
	return PushOK
}

// PopProcessItem pops from the first poppable queue of the given priority
// assigned to threadNo (key % threadCount == threadNo).
func (m *ExactlyOnceQueueManager) PopProcessItem(priority uint32, threadNo, threadCount int64) (*ProcessQueueItem, string, bool) {
	m.processMu.Lock()
	defer m.processMu.Unlock()
	for elem := m.processPriority[priority].Front(); elem != nil; elem = elem.Next() {
		pq := elem.Value.(*BoundedProcessQueue)
		if threadCount > 0 && int64(pq.Key())%threadCount != threadNo {
			continue
		}
		if item, ok := pq.Pop(); ok {
			return item, pq.ConfigName(), true
		}
	}
	return nil, "", false
}

func (m *ExactlyOnceQueueManager) IsAllProcessQueueEmpty() bool {
	m.processMu.Lock()
	defer m.processMu.Unlock()
	for _, elem := range m.processQueues {
		if !elem.Value.(*BoundedProcessQueue).Empty() {
			return false
		}
	}
	return true
}

// DisablePopProcessQueue pauses popping for a config during reload,
// rebinding in-flight items unless the pipeline is being removed.
func (m *ExactlyOnceQueueManager) DisablePopProcessQueue(configName string, removing bool, current *model.Pipeline) {
	m.processMu.Lock()
	defer m.processMu.Unlock()
	for _, elem := range m.processQueues {
		pq := elem.Value.(*BoundedProcessQueue)
		if pq.ConfigName() != configName {
			continue
		}
		if removing {
			pq.InvalidatePop(nil)
		} else {
			pq.InvalidatePop(current)
		}
	}
}

func (m *ExactlyOnceQueueManager) EnablePopProcessQueue(configName string) {
	m.processMu.Lock()
	defer m.processMu.Unlock()
	for _, elem := range m.processQueues {
		pq := elem.Value.(*BoundedProcessQueue)
		if pq.ConfigName() == configName {
			pq.ValidatePop()
		}
	}
}

func (m *ExactlyOnceQueueManager) PushSenderQueue(key QueueKey, item *SenderQueueItem) PushResult {
	m.senderMu.Lock()
	defer m.senderMu.Unlock()
	q, ok := m.senderQueues[key]
	if !ok {
		return PushQueueNotFound
	}
	if !q.Push(item) {
		return PushFull
	}
	return PushOK
}

func (m *ExactlyOnceQueueManager) GetAvailableSenderQueueItems(dst *[]*SenderQueueItem, limit int, withLimits bool) {
	m.senderMu.Lock()
	defer m.senderMu.Unlock()
	for _, q := range m.senderQueues {
		q.GetAvailableItems(dst, limit, withLimits)
	}
}

func (m *ExactlyOnceQueueManager) RemoveSenderQueueItem(key QueueKey, item *SenderQueueItem) bool {
	m.senderMu.Lock()
	defer m.senderMu.Unlock()
	q, ok := m.senderQueues[key]
	if !ok {
		return false
	}
	return q.Remove(item)
}

func (m *ExactlyOnceQueueManager) DecreaseSendingCnt(key QueueKey) {
	m.senderMu.Lock()
	defer m.senderMu.Unlock()
	if q, ok := m.senderQueues[key]; ok {
		q.DecreaseSendingCnt()
	}
}

func (m *ExactlyOnceQueueManager) IsAllSenderQueueEmpty() bool {
	m.senderMu.Lock()
	defer m.senderMu.Unlock()
	for _, q := range m.senderQueues {
		if !q.Empty() {
			return false
		}
	}
	return true
}

// ClearTimeoutQueues reclaims drained marked-deleted queue pairs after the
// grace interval and frees their keys.
func (m *ExactlyOnceQueueManager) ClearTimeoutQueues() {
	now := time.Now()
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	for key, t := range m.deletionTime {
		if now.Sub(t) < m.gcGrace {
			continue
		}
		m.senderMu.Lock()
		if q, ok := m.senderQueues[key]; ok && !q.Empty() {
			m.senderMu.Unlock()
			continue
		}
		m.processMu.Lock()
		if elem, ok := m.processQueues[key]; ok {
			pq := elem.Value.(*BoundedProcessQueue)
			if !pq.Empty() {
				m.processMu.Unlock()
				m.senderMu.Unlock()
				continue
			}
			m.processPriority[pq.Priority()].Remove(elem)
			delete(m.processQueues, key)
		}
		m.processMu.Unlock()
		delete(m.senderQueues, key)
		m.senderMu.Unlock()
		m.keys.RemoveKey(key)
		delete(m.deletionTime, key)
	}
}
