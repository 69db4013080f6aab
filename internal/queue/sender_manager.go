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
	"sync"
	"time"

	"gleaner/internal/limiter"
)

// defaultSenderQueueGCGrace is how long a marked-deleted sender queue must
// stay drained before it is reclaimed.
const defaultSenderQueueGCGrace = 30 * time.Second

// SenderQueueManager owns every bounded sender queue and fronts the
// exactly-once manager for keys it does not know. All queue access funnels
// through its mutex; queues carry no locks of their own.
type SenderQueueManager struct {
	param      BoundedQueueParam
	fetchLimit int
	gcGrace    time.Duration

	mu     sync.Mutex
	queues map[QueueKey]*SenderQueue

	gcMu         sync.Mutex
	deletionTime map[QueueKey]time.Time

	trig *trigger

	keys *KeyRegistry
	eo   *ExactlyOnceQueueManager
}

// SenderQueueManagerOptions tunes manager construction.
type SenderQueueManagerOptions struct {
	QueueCapacity int           // ring size per queue (default 10)
	FetchLimit    int           // per-queue item examination cap per drain (default 80)
	GCGrace       time.Duration // deletion grace period
}

func NewSenderQueueManager(keys *KeyRegistry, eo *ExactlyOnceQueueManager, opts SenderQueueManagerOptions) *SenderQueueManager {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 10
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 80
	}
	if opts.GCGrace <= 0 {
		opts.GCGrace = defaultSenderQueueGCGrace
	}
	return &SenderQueueManager{
		param:        DefaultSenderQueueParam(opts.QueueCapacity),
		fetchLimit:   opts.FetchLimit,
		gcGrace:      opts.GCGrace,
		queues:       make(map[QueueKey]*SenderQueue),
		deletionTime: make(map[QueueKey]time.Time),
		trig:         newTrigger(),
		keys:         keys,
		eo:           eo,
	}
}

// Feedback wakes the flusher runner; it is the single shared callback handed
// to every sender queue.
func (m *SenderQueueManager) Feedback(QueueKey) { m.Trigger() }

// CreateQueue creates or reconfigures the queue for key.
func (m *SenderQueueManager) CreateQueue(key QueueKey, flusherID string, limiters []*limiter.Concurrency, maxRate uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = NewSenderQueue(m.param, key, flusherID)
		q.setFeedback(m.Feedback)
		m.queues[key] = q
	}
	q.SetConcurrencyLimiters(limiters)
	q.SetRateLimiter(maxRate)
}

// GetQueue returns the bounded queue for key, or nil.
func (m *SenderQueueManager) GetQueue(key QueueKey) *SenderQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[key]
}

// DeleteQueue marks a queue for removal. Reclamation happens in
// ClearUnusedQueues once it has drained and the grace interval elapsed.
func (m *SenderQueueManager) DeleteQueue(key QueueKey) bool {
	m.mu.Lock()
	_, ok := m.queues[key]
	m.mu.Unlock()
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

// ReuseQueue cancels a pending deletion when a reload recreates the flusher.
func (m *SenderQueueManager) ReuseQueue(key QueueKey) bool {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	if _, ok := m.deletionTime[key]; !ok {
		return false
	}
	delete(m.deletionTime, key)
	return true
}

// PushQueue routes an item to its destination queue, falling back to the
// exactly-once manager for unknown keys.
func (m *SenderQueueManager) PushQueue(key QueueKey, item *SenderQueueItem) PushResult {
	res := func() PushResult {
		m.mu.Lock()
		defer m.mu.Unlock()
		if q, ok := m.queues[key]; ok {
			if !q.Push(item) {
				return PushFull
			}
			return PushOK
		}
		return m.eo.PushSenderQueue(key, item)
	}()
	if res == PushOK {
		m.Trigger()
	}
	return res
}

// GetAllAvailableItems drains every queue's ready items into dst.
// withLimits=false (process exit) ignores the rate/concurrency gates.
func (m *SenderQueueManager) GetAllAvailableItems(dst *[]*SenderQueueItem, withLimits bool) {
	m.mu.Lock()
	for _, q := range m.queues {
		q.GetAvailableItems(dst, m.fetchLimit, withLimits)
	}
	m.mu.Unlock()
	m.eo.GetAvailableSenderQueueItems(dst, m.fetchLimit, withLimits)
}

// RemoveItem deletes an item after ack or terminal discard.
func (m *SenderQueueManager) RemoveItem(key QueueKey, item *SenderQueueItem) bool {
	m.mu.Lock()
	if q, ok := m.queues[key]; ok {
		removed := q.Remove(item)
		m.mu.Unlock()
		return removed
	}
	m.mu.Unlock()
	return m.eo.RemoveSenderQueueItem(key, item)
}

// DecreaseSendingCnt releases the concurrency slots taken when an item was
// fetched from the queue identified by key.
func (m *SenderQueueManager) DecreaseSendingCnt(key QueueKey) {
	m.mu.Lock()
	if q, ok := m.queues[key]; ok {
		q.DecreaseSendingCnt()
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.eo.DecreaseSendingCnt(key)
}

// IsValidToPush lets upstream components probe backpressure by key.
func (m *SenderQueueManager) IsValidToPush(key QueueKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[key]; ok {
		return q.IsValidToPush()
	}
	// should not happen
	return false
}

// IsAllQueueEmpty reports whether every queue (bounded and exactly-once) has
// fully drained; the shutdown path polls it in full-drain mode.
func (m *SenderQueueManager) IsAllQueueEmpty() bool {
	m.mu.Lock()
	for _, q := range m.queues {
		if !q.Empty() {
			m.mu.Unlock()
			return false
		}
	}
	m.mu.Unlock()
	return m.eo.IsAllSenderQueueEmpty()
}

// ClearUnusedQueues reclaims drained queues whose deletion grace elapsed and
// frees their keys for reuse.
func (m *SenderQueueManager) ClearUnusedQueues() {
	now := time.Now()
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	for key, t := range m.deletionTime {
		if now.Sub(t) < m.gcGrace {
			continue
		}
		m.mu.Lock()
		q, ok := m.queues[key]
		if !ok {
			// should not happen
			m.mu.Unlock()
			delete(m.deletionTime, key)
			continue
		}
		if !q.Empty() {
			m.mu.Unlock()
			continue
		}
		delete(m.queues, key)
		m.mu.Unlock()
		m.keys.RemoveKey(key)
		delete(m.deletionTime, key)
	}
}

// IsQueueMarkedDeleted reports deletion state (tests and reload logic).
func (m *SenderQueueManager) IsQueueMarkedDeleted(key QueueKey) bool {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	_, ok := m.deletionTime[key]
	return ok
}

// Wait parks the flusher runner until new work arrives or timeout passes.
func (m *SenderQueueManager) Wait(timeout time.Duration) bool { return m.trig.Wait(timeout) }

// Trigger wakes the flusher runner.
func (m *SenderQueueManager) Trigger() { m.trig.Trigger() }
