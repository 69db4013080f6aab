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

// BoundedQueueParam carries the capacity and watermarks applied to bounded
// queues created by a manager.
type BoundedQueueParam struct {
	Capacity      int
	LowWatermark  int
	HighWatermark int
}

// DefaultProcessQueueParam mirrors the historical defaults for per-pipeline
// process queues.
func DefaultProcessQueueParam() BoundedQueueParam {
	return BoundedQueueParam{Capacity: 20, LowWatermark: 10, HighWatermark: 15}
}

// DefaultSenderQueueParam derives watermarks from a ring capacity: high at
// capacity, low at half. With the overflow buffer absorbing bursts, the ring
// itself is the high watermark.
func DefaultSenderQueueParam(capacity int) BoundedQueueParam {
	low := capacity / 2
	if low < 1 {
		low = 1
	}
	return BoundedQueueParam{Capacity: capacity, LowWatermark: low, HighWatermark: capacity}
}

// watermark implements the push-validity hysteresis shared by every bounded
// queue: validToPush drops when size reaches the high watermark and recovers
// only when size falls back to the low watermark.
type watermark struct {
	low, high   int
	validToPush bool
}

func newWatermark(low, high int) watermark {
	return watermark{low: low, high: high, validToPush: true}
}

// afterPush updates state after a size increase; reports a state change.
func (w *watermark) afterPush(size int) bool {
	if size == w.high {
		w.validToPush = false
		return true
	}
	return false
}

// afterPop updates state after a size decrease; reports a state change,
// which is the moment upstream feedback fires.
func (w *watermark) afterPop(size int) bool {
	if !w.validToPush && size == w.low {
		w.validToPush = true
		return true
	}
	return false
}

func (w *watermark) reset(low, high int) {
	w.low = low
	w.high = high
	w.validToPush = true
}
