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

package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Alarm categories. The set mirrors the failure taxonomy of the send path.
const (
	AlarmSendDataFail     = "SEND_DATA_FAIL"
	AlarmSendQuotaExceed  = "SEND_QUOTA_EXCEED"
	AlarmExactlyOnce      = "EXACTLY_ONCE"
	AlarmCompressFail     = "COMPRESS_FAIL"
	AlarmSerializeFail    = "SERIALIZE_FAIL"
	AlarmDiscardData      = "DISCARD_DATA"
	AlarmSendBlockedLong  = "SENDING_COSTS_TOO_MUCH_TIME"
	AlarmConfigUpdateFail = "CONFIG_UPDATE_FAIL"
)

var alarmsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gleaner_alarms_total",
	Help: "Alarm events emitted, by category",
}, []string{"category"})

func init() {
	prometheus.MustRegister(alarmsTotal)
}

// AlarmManager emits user-visible failure events, rate-limited per distinct
// (category, key) so a flapping destination cannot flood the log stream.
type AlarmManager struct {
	logger   *zap.Logger
	interval time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time

	now func() time.Time
}

// NewAlarmManager returns a manager that suppresses repeats of the same
// alarm key within interval (default 10s when zero).
func NewAlarmManager(logger *zap.Logger, interval time.Duration) *AlarmManager {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &AlarmManager{
		logger:   logger,
		interval: interval,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Send emits one alarm unless an identical (category, key) fired within the
// rate-limit interval. The counter always advances; only the log line is
// suppressed.
func (m *AlarmManager) Send(category, key, message string, fields ...zap.Field) {
	alarmsTotal.WithLabelValues(category).Inc()

	m.mu.Lock()
	now := m.now()
	k := category + "\x00" + key
	last, seen := m.lastSent[k]
	if seen && now.Sub(last) < m.interval {
		m.mu.Unlock()
		return
	}
	m.lastSent[k] = now
	m.mu.Unlock()

	fields = append([]zap.Field{zap.String("category", category), zap.String("message", message)}, fields...)
	m.logger.Warn("alarm", fields...)
}
