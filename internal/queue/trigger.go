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
	"sync"
	"time"
)

// trigger is the condition the runners sleep on between drains. Wait returns
// true when woken by a Trigger, false on timeout; the armed flag is consumed
// by a successful wait.
type trigger struct {
	mu    sync.Mutex
	cond  *sync.Cond
	armed bool
}

func newTrigger() *trigger {
	t := &trigger{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *trigger) Wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.armed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		// sync.Cond has no timed wait; arm a timer that broadcasts.
		timer := time.AfterFunc(remaining, func() {
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		})
		t.cond.Wait()
		timer.Stop()
	}
	t.armed = false
	return true
}

func (t *trigger) Trigger() {
	t.mu.Lock()
	t.armed = true
	t.mu.Unlock()
	t.cond.Signal()
}

// Disarm clears a pending wakeup (used when a full scan found nothing).
func (t *trigger) Disarm() {
	t.mu.Lock()
	t.armed = false
	t.mu.Unlock()
}
