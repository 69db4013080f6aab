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

// Package flusher converts event batches into wire payloads and owns the
// retry policy for each destination. The log-service flusher is the primary
// path (exactly-once capable); the pushgateway flusher serializes metric
// events to the Prometheus text format.
package flusher

import (
	"time"

	"gleaner/internal/queue"
	"gleaner/internal/sink"
)

// HTTPFlusher is the contract the flusher runner dispatches on: build a
// request for an item, and decide the item's fate when the exchange
// completes.
type HTTPFlusher interface {
	queue.Flusher
	QueueKey() queue.QueueKey
	BuildRequest(item *queue.SenderQueueItem) (*sink.Request, error)
	OnSendDone(resp *sink.Response, item *queue.SenderQueueItem)
}

// pushToQueueRetries and pushToQueueInterval pace the bounded retry loop
// used when a sender queue is momentarily full.
const (
	pushToQueueRetries  = 500
	pushToQueueInterval = 10 * time.Millisecond
)
