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
	"sync/atomic"
	"time"

	"gleaner/internal/checkpoint"
	"gleaner/internal/model"
)

// PushResult is the tri-state outcome of a manager-level push.
type PushResult int

const (
	PushOK PushResult = iota
	PushFull
	PushQueueNotFound
)

// Flusher is the minimal surface the queue layer needs from the component
// that owns a sender queue. The runner narrows it to the HTTP contract.
type Flusher interface {
	Name() string
	ConfigName() string
}

// ProcessQueueItem wraps one event group on its way through a process queue.
type ProcessQueueItem struct {
	Group      *model.PipelineEventGroup
	InputIndex int

	// Pipeline is the instance that produced the group. Rebound on reload.
	Pipeline *model.Pipeline
}

// SendingStatus tracks whether a sender queue item is currently in flight.
type SendingStatus int32

const (
	SendingStatusIdle SendingStatus = iota
	SendingStatusSending
)

// SenderQueueItem is one serialized payload awaiting network dispatch.
// It is owned by exactly one sender queue from Push until Remove; the sink
// and retry policy only borrow it.
type SenderQueueItem struct {
	Data    []byte
	RawSize int // pre-compression size

	Flusher  Flusher
	Pipeline *model.Pipeline
	Key      QueueKey // destination queue key

	EnqueueTime  time.Time
	LastSendTime time.Time
	TryCount     uint32

	// BufferOrNot selects RETRY_LATER (true) or DISCARD (false) for
	// network/server errors.
	BufferOrNot bool

	// ShardHashKey routes the payload to a fixed shard when set.
	ShardHashKey string

	// Stream is the destination sub-resource (log store) within the
	// flusher's project.
	Stream string

	// Checkpoint is non-nil for exactly-once items.
	Checkpoint *checkpoint.RangeCheckpoint

	// CurrentEndpoint records the endpoint used by the last attempt.
	CurrentEndpoint string

	// LastWarnTime throttles per-item retry warnings (unix seconds).
	LastWarnTime int64

	status atomic.Int32
}

// NewSenderQueueItem constructs an idle item with the invariant try count.
func NewSenderQueueItem(data []byte, rawSize int, flusher Flusher, key QueueKey, stream string) *SenderQueueItem {
	return &SenderQueueItem{
		Data:        data,
		RawSize:     rawSize,
		Flusher:     flusher,
		Key:         key,
		Stream:      stream,
		BufferOrNot: true,
	}
}

func (i *SenderQueueItem) Status() SendingStatus {
	return SendingStatus(i.status.Load())
}

func (i *SenderQueueItem) SetStatus(s SendingStatus) {
	i.status.Store(int32(s))
}
