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

// Package sink drives outbound HTTP. The sink multiplexes concurrent
// requests over a shared client, retries transport-level failures
// transparently, and reports every completion to the request's Done
// callback — the flusher's retry policy decides from there.
package sink

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"gleaner/internal/queue"
	"gleaner/internal/telemetry"
)

// maxTransportRetries bounds the transparent re-sends performed for
// transport-level errors (DNS, connect, TLS, timeout) before the failure is
// surfaced to the flusher.
const maxTransportRetries = 3

// Request is one outbound HTTP exchange owned by the sink from AddRequest
// until its Done callback runs.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration

	// Item is the sender queue item this request carries, nil for requests
	// that bypass the queue system.
	Item *queue.SenderQueueItem

	// Done receives the completion exactly once.
	Done func(*Response)

	EnqueueTime  time.Time
	LastSendTime time.Time
	tryCount     int
}

// Response is the typed completion handed to Done. A transport failure after
// all transparent retries carries Err and a zero StatusCode.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// HTTPSink fans requests out over a bounded number of concurrent transfers.
// AddRequest blocks only while the intake channel is full; the concurrency
// ceiling is enforced with a counting semaphore released as each transfer
// completes.
type HTTPSink struct {
	logger *zap.Logger
	client *http.Client

	in   chan *Request
	sem  chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	inFlight sync.WaitGroup
}

// Options configures the sink.
type Options struct {
	// Concurrency caps simultaneous outbound transfers (default 10).
	Concurrency int
	// QueueDepth sizes the intake channel (default 4×concurrency).
	QueueDepth int
	// Client overrides the HTTP client (tests); nil builds a default with
	// sane transport limits.
	Client *http.Client
}

func New(logger *zap.Logger, opts Options) *HTTPSink {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 4 * opts.Concurrency
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        opts.Concurrency * 2,
				MaxIdleConnsPerHost: opts.Concurrency,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPSink{
		logger: logger,
		client: client,
		in:     make(chan *Request, opts.QueueDepth),
		sem:    make(chan struct{}, opts.Concurrency),
		stop:   make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (s *HTTPSink) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop drains in-flight transfers, waiting up to the grace period.
func (s *HTTPSink) Stop(grace time.Duration) {
	close(s.stop)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("http sink stopped")
	case <-time.After(grace):
		s.logger.Warn("http sink forced to stop")
	}
}

// AddRequest enqueues a request for sending. It never blocks the caller
// beyond the intake channel; the concurrency ceiling is applied inside the
// dispatch loop.
func (s *HTTPSink) AddRequest(req *Request) {
	req.EnqueueTime = time.Now()
	select {
	case s.in <- req:
	case <-s.stop:
		// Late arrivals during shutdown are still attempted synchronously
		// so their Done callbacks run and queue slots are released.
		s.dispatch(req)
	}
}

func (s *HTTPSink) run() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.in:
			s.sem <- struct{}{}
			s.inFlight.Add(1)
			telemetry.SinkInFlightRequests.Inc()
			go func(r *Request) {
				defer func() {
					<-s.sem
					s.inFlight.Done()
					telemetry.SinkInFlightRequests.Dec()
				}()
				s.perform(r)
			}(req)
		case <-s.stop:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case req := <-s.in:
					s.inFlight.Add(1)
					go func(r *Request) {
						defer s.inFlight.Done()
						s.perform(r)
					}(req)
				default:
					return
				}
			}
		}
	}
}

// dispatch runs a request synchronously (shutdown path).
func (s *HTTPSink) dispatch(req *Request) {
	s.perform(req)
}

// perform executes the exchange with transparent transport retries.
func (s *HTTPSink) perform(req *Request) {
	var lastErr error
	for {
		req.LastSendTime = time.Now()
		resp, err := s.doOnce(req)
		if err == nil {
			req.Done(resp)
			return
		}
		lastErr = err
		req.tryCount++
		if req.tryCount >= maxTransportRetries {
			break
		}
		telemetry.SinkTransportRetries.Inc()
		s.logger.Warn("failed to send request, retry immediately",
			zap.Int("retryCnt", req.tryCount),
			zap.String("url", req.URL),
			zap.Error(err))
	}
	req.Done(&Response{Err: lastErr})
}

// Housekeeping drops idle connections; the flusher runner calls it on its
// periodic sweep.
func (s *HTTPSink) Housekeeping() {
	if t, ok := s.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

func (s *HTTPSink) doOnce(req *Request) (*Response, error) {
	ctx := context.Background()
	cancel := func() {}
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		// A malformed URL is not retryable; report as transport error with
		// retries exhausted.
		req.tryCount = maxTransportRetries
		return nil, err
	}
	for k, v := range req.Headers {
		if k == "Host" {
			httpReq.Host = v
			continue
		}
		httpReq.Header.Set(k, v)
	}
	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}, nil
}
