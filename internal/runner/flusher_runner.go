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

// Package runner hosts the flusher runner: the single goroutine that drains
// ready items from every sender queue, honors the limiter protocol, and
// hands requests to the HTTP sink.
package runner

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gleaner/internal/buffer"
	"gleaner/internal/flusher"
	"gleaner/internal/queue"
	"gleaner/internal/sink"
	"gleaner/internal/telemetry"
)

const (
	// waitTimeout bounds each park on the manager's trigger so housekeeping
	// still progresses on an idle agent.
	waitTimeout = time.Second

	// housekeepingInterval paces queue GC and pack-id GC.
	housekeepingInterval = 10 * time.Minute
)

// Housekeeper is an optional periodic hook (idle client purge, etc.).
type Housekeeper interface {
	Housekeeping()
}

// FlusherRunner drains sender queues into the HTTP sink.
type FlusherRunner struct {
	logger *zap.Logger

	senderMgr *queue.SenderQueueManager
	eoMgr     *queue.ExactlyOnceQueueManager
	httpSink  *sink.HTTPSink
	spill     buffer.Writer
	packIDs   *flusher.PackIDManager

	housekeepers []Housekeeper

	// fullDrainOnStop keeps draining queues at shutdown instead of spilling
	// to the disk buffer.
	fullDrainOnStop bool

	exiting atomic.Bool
	stopped chan struct{}
	wg      sync.WaitGroup
}

// Options wires the runner's collaborators.
type Options struct {
	SenderManager   *queue.SenderQueueManager
	ExactlyOnceMgr  *queue.ExactlyOnceQueueManager
	Sink            *sink.HTTPSink
	Spill           buffer.Writer
	PackIDs         *flusher.PackIDManager
	Housekeepers    []Housekeeper
	FullDrainOnStop bool
}

func New(logger *zap.Logger, opts Options) *FlusherRunner {
	return &FlusherRunner{
		logger:          logger,
		senderMgr:       opts.SenderManager,
		eoMgr:           opts.ExactlyOnceMgr,
		httpSink:        opts.Sink,
		spill:           opts.Spill,
		packIDs:         opts.PackIDs,
		housekeepers:    opts.Housekeepers,
		fullDrainOnStop: opts.FullDrainOnStop,
		stopped:         make(chan struct{}),
	}
}

// Start launches the drain loop.
func (r *FlusherRunner) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info("flusher runner started")
}

// Stop signals the loop and waits up to 10s for it to exit.
func (r *FlusherRunner) Stop() {
	r.exiting.Store(true)
	close(r.stopped)
	r.senderMgr.Trigger()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("flusher runner stopped successfully")
	case <-time.After(10 * time.Second):
		r.logger.Warn("flusher runner forced to stop")
	}
}

func (r *FlusherRunner) run() {
	defer r.wg.Done()
	lastHousekeeping := time.Now()
	for {
		var items []*queue.SenderQueueItem
		r.senderMgr.GetAllAvailableItems(&items, !r.exiting.Load())
		if len(items) == 0 {
			if r.drainedAndStopping() {
				return
			}
			r.senderMgr.Wait(waitTimeout)
		} else {
			telemetry.RunnerInItems.Add(float64(len(items)))
			telemetry.RunnerWaitingItems.Add(float64(len(items)))
			for _, item := range items {
				telemetry.RunnerInDataSizeBytes.Add(float64(len(item.Data)))
				telemetry.RunnerInRawSizeBytes.Add(float64(item.RawSize))
			}
			for _, item := range items {
				r.dispatch(item)
				telemetry.RunnerWaitingItems.Dec()
				telemetry.RunnerOutItems.Inc()
			}
		}

		if time.Since(lastHousekeeping) >= housekeepingInterval {
			r.housekeeping()
			lastHousekeeping = time.Now()
		}
	}
}

// drainedAndStopping reports whether the loop may exit: stop was requested
// and, in full-drain mode, every queue is empty.
func (r *FlusherRunner) drainedAndStopping() bool {
	select {
	case <-r.stopped:
	default:
		return false
	}
	if r.fullDrainOnStop {
		return r.senderMgr.IsAllQueueEmpty()
	}
	return true
}

// dispatch hands one fetched item to its sink type.
func (r *FlusherRunner) dispatch(item *queue.SenderQueueItem) {
	hf, ok := item.Flusher.(flusher.HTTPFlusher)
	if !ok {
		// In-process sinks (tests) complete synchronously.
		r.senderMgr.RemoveItem(item.Key, item)
		r.senderMgr.DecreaseSendingCnt(item.Key)
		return
	}

	// At exit without full drain, log-service payloads spill to the disk
	// buffer instead of racing the shutdown clock.
	if r.exiting.Load() && !r.fullDrainOnStop && r.spill != nil && item.Flusher.Name() == "flusher_logservice" {
		r.spill.PushToDiskBuffer(item, 3)
		r.senderMgr.RemoveItem(item.Key, item)
		r.senderMgr.DecreaseSendingCnt(item.Key)
		return
	}

	r.pushRequest(hf, item)
}

// PushToSink re-enters the send path for immediate retries; the item stays
// SENDING in its queue and is not re-popped.
func (r *FlusherRunner) PushToSink(item *queue.SenderQueueItem, withLimit bool) {
	hf, ok := item.Flusher.(flusher.HTTPFlusher)
	if !ok {
		// should not happen
		r.senderMgr.RemoveItem(item.Key, item)
		r.senderMgr.DecreaseSendingCnt(item.Key)
		return
	}
	r.pushRequest(hf, item)
}

func (r *FlusherRunner) pushRequest(hf flusher.HTTPFlusher, item *queue.SenderQueueItem) {
	req, err := hf.BuildRequest(item)
	if err != nil {
		r.logger.Error("failed to build request, put sender queue item back to sender queue",
			zap.String("config-flusher-dst", hf.ConfigName()),
			zap.Error(err))
		item.SetStatus(queue.SendingStatusIdle)
		r.senderMgr.DecreaseSendingCnt(item.Key)
		return
	}
	req.Done = func(resp *sink.Response) {
		hf.OnSendDone(resp, item)
		r.senderMgr.Trigger()
	}
	r.httpSink.AddRequest(req)
}

// housekeeping runs the periodic sweeps piggy-backed on the drain loop.
func (r *FlusherRunner) housekeeping() {
	if r.packIDs != nil {
		r.packIDs.GC()
	}
	r.senderMgr.ClearUnusedQueues()
	if r.eoMgr != nil {
		r.eoMgr.ClearTimeoutQueues()
	}
	for _, h := range r.housekeepers {
		h.Housekeeping()
	}
}
