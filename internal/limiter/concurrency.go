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

// Package limiter provides the two gates applied when items are fetched from
// a sender queue: an adaptive concurrency limiter per logical target and a
// bytes-per-second rate limiter per queue.
package limiter

import "sync"

const (
	defaultMinConcurrency = 1
	defaultMaxConcurrency = 80
)

// Concurrency is an AIMD limiter capping in-flight sends for one logical
// target (a region, a project). Successes grow the limit additively toward
// max; overload failures halve it toward min.
type Concurrency struct {
	mu        sync.Mutex
	current   int
	min       int
	max       int
	inSending int
}

// NewConcurrency returns a limiter starting at its maximum.
func NewConcurrency() *Concurrency {
	return NewConcurrencyWithRange(defaultMinConcurrency, defaultMaxConcurrency)
}

// NewConcurrencyWithRange returns a limiter with explicit bounds.
func NewConcurrencyWithRange(min, max int) *Concurrency {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &Concurrency{current: max, min: min, max: max}
}

// IsValidToPop reports whether another send may start.
func (c *Concurrency) IsValidToPop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inSending < c.current
}

// PostPop accounts a fetched item.
func (c *Concurrency) PostPop() {
	c.mu.Lock()
	c.inSending++
	c.mu.Unlock()
}

// OnSendDone releases the slot taken by PostPop.
func (c *Concurrency) OnSendDone() {
	c.mu.Lock()
	if c.inSending > 0 {
		c.inSending--
	}
	c.mu.Unlock()
}

// OnSuccess grows the limit additively.
func (c *Concurrency) OnSuccess() {
	c.mu.Lock()
	if c.current < c.max {
		c.current++
	}
	c.mu.Unlock()
}

// OnFail halves the limit. Call it only for failures classified as server
// overload or network error; client-side errors carry no congestion signal.
func (c *Concurrency) OnFail() {
	c.mu.Lock()
	c.current /= 2
	if c.current < c.min {
		c.current = c.min
	}
	c.mu.Unlock()
}

// CurrentLimit exposes the adaptive limit for telemetry.
func (c *Concurrency) CurrentLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// InSendingCount exposes the in-flight count for telemetry.
func (c *Concurrency) InSendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inSending
}
