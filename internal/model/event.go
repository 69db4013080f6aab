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

// Package model defines the in-memory event representation shared by inputs,
// processors and flushers: individual log/metric events, the event group that
// travels through the queues, and the pipeline registry used to rebind
// in-flight items across hot reloads.
package model

import (
	"time"

	"gleaner/internal/checkpoint"
)

// EventType discriminates the concrete event kinds carried by a group.
type EventType int

const (
	EventTypeLog EventType = iota
	EventTypeMetric
)

// Event is one ingested record. Events are immutable once their group is
// enqueued.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// KV is a single log field.
type KV struct {
	Key   string
	Value string
}

// LogEvent is one log record: a timestamp plus ordered key/value contents.
type LogEvent struct {
	Time     time.Time
	Contents []KV
}

func (e *LogEvent) Type() EventType      { return EventTypeLog }
func (e *LogEvent) Timestamp() time.Time { return e.Time }

// MetricEvent is one sample: a metric name, a value and its label set.
type MetricEvent struct {
	Name   string
	Value  float64
	Time   time.Time
	Labels map[string]string
}

func (e *MetricEvent) Type() EventType      { return EventTypeMetric }
func (e *MetricEvent) Timestamp() time.Time { return e.Time }

// PipelineEventGroup is a batch of events sharing tags and provenance.
// A group is immutable once pushed into a process queue.
type PipelineEventGroup struct {
	Tags   map[string]string
	Events []Event

	// PackIDPrefix, when set, seeds the per-source pack sequence used to
	// stamp outgoing payloads.
	PackIDPrefix string

	// Checkpoint is non-nil only for file-sourced groups that opted into
	// exactly-once delivery.
	Checkpoint *checkpoint.RangeCheckpoint
}

// EventCount reports the number of events in the group. Circular process
// queues account capacity in events rather than groups.
func (g *PipelineEventGroup) EventCount() int { return len(g.Events) }
