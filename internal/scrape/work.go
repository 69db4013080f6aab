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

package scrape

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"gleaner/internal/model"
	"gleaner/internal/queue"
	"gleaner/internal/telemetry"
)

// Pusher delivers parsed samples to the owning pipeline's process queue.
type Pusher interface {
	PushQueue(key queue.QueueKey, item *queue.ProcessQueueItem) queue.PushResult
}

const (
	pushRetries       = 1000
	pushRetryInterval = 10 * time.Millisecond
)

// Work is one target's scrape loop.
type Work struct {
	logger *zap.Logger
	cfg    *Config
	target *Target

	queueKey   queue.QueueKey
	inputIndex int
	pusher     Pusher
	client     *http.Client

	// unRegisterMs is the collector's replacement deadline; an expired
	// deadline skips the initial stagger so the replacement scrapes
	// immediately.
	unRegisterMs int64

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewWork(logger *zap.Logger, cfg *Config, target *Target, queueKey queue.QueueKey, inputIndex int, pusher Pusher, unRegisterMs int64) *Work {
	return &Work{
		logger:       logger,
		cfg:          cfg,
		target:       target,
		queueKey:     queueKey,
		inputIndex:   inputIndex,
		pusher:       pusher,
		client:       &http.Client{Timeout: cfg.Timeout()},
		unRegisterMs: unRegisterMs,
		stop:         make(chan struct{}),
	}
}

// Start launches the scrape loop.
func (w *Work) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the loop; it does not wait for an in-flight scrape.
func (w *Work) Stop() {
	w.once.Do(func() { close(w.stop) })
}

func (w *Work) loop() {
	defer w.wg.Done()
	w.logger.Info("start scrape loop", zap.String("target", w.target.Hash))

	offset := w.initialOffset()
	// Zero-cost upgrade: when the predecessor's registration already
	// expired, scrape once immediately instead of waiting out the stagger.
	if w.unRegisterMs != 0 &&
		time.Now().UnixNano()+offset.Nanoseconds() > w.unRegisterMs*int64(time.Millisecond)+w.cfg.Interval().Nanoseconds() {
		w.scrapeAndPush()
		offset = w.initialOffset()
	}

	select {
	case <-w.stop:
		return
	case <-time.After(offset):
	}

	interval := w.cfg.Interval()
	for {
		start := time.Now()
		w.scrapeAndPush()
		elapsed := time.Since(start)
		wait := interval - elapsed%interval
		select {
		case <-w.stop:
			return
		case <-time.After(wait):
		}
	}
}

// initialOffset derives the first-scrape stagger deterministically from the
// target identity, then aligns it to the wall-clock interval grid.
func (w *Work) initialOffset() time.Duration {
	intervalNs := uint64(w.cfg.Interval().Nanoseconds())
	h := xxhash.Sum64String(w.target.Hash)
	offset := uint64(float64(intervalNs) * (float64(h) / float64(^uint64(0))))
	sleepOffset := uint64(time.Now().UnixNano()) % intervalNs
	if offset < sleepOffset {
		offset += intervalNs
	}
	offset -= sleepOffset
	return time.Duration(offset)
}

func (w *Work) scrapeAndPush() {
	defaultTime := time.Now()
	body, status, err := w.scrape()
	if err != nil || status != http.StatusOK {
		telemetry.ScrapeFailuresTotal.Inc()
		w.logger.Warn("scrape failed",
			zap.Int("statusCode", status),
			zap.String("target", w.target.Hash),
			zap.Error(err))
		return
	}
	events, err := ParseExposition(body, defaultTime, w.target.Labels)
	if err != nil {
		w.logger.Warn("failed to parse scraped metrics",
			zap.String("target", w.target.Hash),
			zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}
	telemetry.ScrapeSamplesTotal.Add(float64(len(events)))
	group := &model.PipelineEventGroup{
		Tags:   map[string]string{labelJob: w.cfg.JobName, labelInstance: w.target.Labels[labelInstance]},
		Events: events,
	}
	w.pushEventGroup(group)
}

func (w *Work) scrape() (string, int, error) {
	req, err := http.NewRequest(http.MethodGet, w.target.URL, nil)
	if err != nil {
		return "", 0, err
	}
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

// pushEventGroup delivers the batch, backing off briefly while the process
// queue rides its high watermark.
func (w *Work) pushEventGroup(group *model.PipelineEventGroup) {
	item := &queue.ProcessQueueItem{Group: group, InputIndex: w.inputIndex}
	for i := 0; i < pushRetries; i++ {
		if w.pusher.PushQueue(w.queueKey, item) == queue.PushOK {
			return
		}
		time.Sleep(pushRetryInterval)
	}
	w.logger.Info("push event group failed", zap.String("target", w.target.Hash))
}
