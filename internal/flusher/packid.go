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

package flusher

import (
	"fmt"
	"sync"
	"time"
)

// PackIDManager hands out the monotonically increasing pack sequence per
// source. Entries idle past the expiry are purged by runner housekeeping so
// rotated sources do not accumulate.
type PackIDManager struct {
	mu     sync.Mutex
	seqs   map[string]*packSeq
	expiry time.Duration
}

type packSeq struct {
	next     uint64
	lastUsed time.Time
}

func NewPackIDManager(expiry time.Duration) *PackIDManager {
	if expiry <= 0 {
		expiry = 10 * time.Minute
	}
	return &PackIDManager{seqs: make(map[string]*packSeq), expiry: expiry}
}

// NextPackID renders "<prefix>-<seq hex>" and advances the source's counter.
func (m *PackIDManager) NextPackID(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.seqs[prefix]
	if !ok {
		s = &packSeq{}
		m.seqs[prefix] = s
	}
	s.lastUsed = time.Now()
	id := s.next
	s.next++
	return fmt.Sprintf("%s-%X", prefix, id)
}

// GC drops sequences unused for the expiry interval.
func (m *PackIDManager) GC() {
	cutoff := time.Now().Add(-m.expiry)
	m.mu.Lock()
	defer m.mu.Unlock()
	for prefix, s := range m.seqs {
		if s.lastUsed.Before(cutoff) {
			delete(m.seqs, prefix)
		}
	}
}
