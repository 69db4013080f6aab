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

// Package telemetry exposes the agent's self-monitoring surface: Prometheus
// metrics for the queue/runner/sink hot paths and a rate-limited alarm
// emitter for user-visible delivery failures.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Global metrics only — no per-queue label cardinality on the hot path.
var (
	QueueFetchRejectedByRate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_queue_fetch_rejected_by_rate_limiter_total",
		Help: "Fetch attempts stopped by a sender queue's byte rate limiter",
	})
	QueueFetchRejectedByConcurrency = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_queue_fetch_rejected_by_concurrency_limiter_total",
		Help: "Fetch attempts stopped by a concurrency limiter",
	})
	QueueDroppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_queue_dropped_events_total",
		Help: "Events dropped by circular process queues on overwrite",
	})
	RunnerInItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_flusher_runner_in_items_total",
		Help: "Items fetched from sender queues by the flusher runner",
	})
	RunnerOutItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_flusher_runner_out_items_total",
		Help: "Items dispatched to sinks by the flusher runner",
	})
	RunnerInDataSizeBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_flusher_runner_in_size_bytes_total",
		Help: "Serialized bytes fetched from sender queues",
	})
	RunnerInRawSizeBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_flusher_runner_in_raw_size_bytes_total",
		Help: "Pre-compression bytes fetched from sender queues",
	})
	RunnerWaitingItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gleaner_flusher_runner_waiting_items",
		Help: "Items fetched but not yet handed to a sink",
	})
	SinkInFlightRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gleaner_http_sink_in_flight_requests",
		Help: "Outbound HTTP requests currently in flight",
	})
	SinkTransportRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_http_sink_transport_retries_total",
		Help: "Transport-level retries performed transparently by the sink",
	})
	SendSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_send_success_total",
		Help: "Payloads acknowledged by a destination",
	})
	SendDiscardTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_send_discard_total",
		Help: "Payloads discarded after the retry policy gave up",
	})
	ConfigApplyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_config_apply_total",
		Help: "Remote config updates written to the local config directory",
	})
	ScrapeSamplesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_scrape_samples_total",
		Help: "Metric samples parsed from scraped targets",
	})
	ScrapeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gleaner_scrape_failures_total",
		Help: "Scrapes that returned a non-200 status or transport error",
	})
)

func init() {
	prometheus.MustRegister(
		QueueFetchRejectedByRate,
		QueueFetchRejectedByConcurrency,
		QueueDroppedEvents,
		RunnerInItems,
		RunnerOutItems,
		RunnerInDataSizeBytes,
		RunnerInRawSizeBytes,
		RunnerWaitingItems,
		SinkInFlightRequests,
		SinkTransportRetries,
		SendSuccessTotal,
		SendDiscardTotal,
		ConfigApplyTotal,
		ScrapeSamplesTotal,
		ScrapeFailuresTotal,
	)
}
