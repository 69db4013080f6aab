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

package limiter

import "time"

// Rate caps the bytes fetched from one sender queue per wall-clock second.
// The bucket resets whenever the current second advances; the item that
// crosses the boundary is still admitted, so the bound is max + one item.
type Rate struct {
	maxBytesPerSecond uint32
	lastSecond        int64
	lastSecondBytes   uint64

	now func() time.Time // injected in tests
}

// NewRate returns a limiter allowing maxBytesPerSecond per rolling second.
func NewRate(maxBytesPerSecond uint32) *Rate {
	return &Rate{maxBytesPerSecond: maxBytesPerSecond, now: time.Now}
}

// NewRateWithClock injects the clock; tests pin the wall second.
func NewRateWithClock(maxBytesPerSecond uint32, now func() time.Time) *Rate {
	return &Rate{maxBytesPerSecond: maxBytesPerSecond, now: now}
}

// IsValidToPop reports whether the current second still has budget.
func (r *Rate) IsValidToPop() bool {
	sec := r.now().Unix()
	if sec > r.lastSecond {
		r.lastSecond = sec
		r.lastSecondBytes = 0
		return true
	}
	return r.lastSecondBytes < uint64(r.maxBytesPerSecond)
}

// PostPop adds a fetched item's size to the current bucket.
func (r *Rate) PostPop(size int) {
	r.lastSecondBytes += uint64(size)
}
