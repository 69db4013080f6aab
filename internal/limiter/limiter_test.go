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

import (
	"testing"
	"time"
)

func TestConcurrency_AIMD(t *testing.T) {
	l := NewConcurrencyWithRange(1, 8)
	if l.CurrentLimit() != 8 {
		t.Fatalf("limiter starts at max, got %d", l.CurrentLimit())
	}
	l.OnFail()
	if l.CurrentLimit() != 4 {
		t.Fatalf("failure must halve the limit, got %d", l.CurrentLimit())
	}
	l.OnFail()
	l.OnFail()
	l.OnFail()
	if l.CurrentLimit() != 1 {
		t.Fatalf("limit must floor at min, got %d", l.CurrentLimit())
	}
	for i := 0; i < 20; i++ {
		l.OnSuccess()
	}
	if l.CurrentLimit() != 8 {
		t.Fatalf("successes grow additively to max, got %d", l.CurrentLimit())
	}
}

func TestConcurrency_InFlightBound(t *testing.T) {
	l := NewConcurrencyWithRange(1, 3)
	admitted := 0
	for l.IsValidToPop() {
		l.PostPop()
		admitted++
		if admitted > 3 {
			t.Fatalf("in_sending_count exceeded current_limit")
		}
	}
	if admitted != 3 {
		t.Fatalf("expected 3 admissions, got %d", admitted)
	}
	l.OnSendDone()
	if !l.IsValidToPop() {
		t.Fatalf("a released slot must re-admit")
	}
}

func TestRate_WindowRoll(t *testing.T) {
	sec := int64(100)
	r := NewRateWithClock(10, func() time.Time { return time.Unix(sec, 0) })
	if !r.IsValidToPop() {
		t.Fatalf("fresh second must admit")
	}
	r.PostPop(10)
	if r.IsValidToPop() {
		t.Fatalf("saturated bucket must deny")
	}
	sec++
	if !r.IsValidToPop() {
		t.Fatalf("window roll must reset the bucket")
	}
	r.PostPop(4)
	if !r.IsValidToPop() {
		t.Fatalf("partial bucket must admit")
	}
}
