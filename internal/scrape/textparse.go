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

package scrape

import (
	"fmt"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"gleaner/internal/model"
)

// ParseExposition parses text exposition format into one metric event per
// sample. Samples without an explicit timestamp get defaultTime; extraLabels
// (the target's relabeled set) are merged under each sample's own labels.
func ParseExposition(body string, defaultTime time.Time, extraLabels map[string]string) ([]model.Event, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse exposition format: %w", err)
	}
	var events []model.Event
	for name, family := range families {
		for _, m := range family.GetMetric() {
			ts := defaultTime
			if m.GetTimestampMs() != 0 {
				ts = time.UnixMilli(m.GetTimestampMs())
			}
			labels := make(map[string]string, len(m.GetLabel())+len(extraLabels))
			for k, v := range extraLabels {
				labels[k] = v
			}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				events = append(events, newSample(name, m.GetCounter().GetValue(), ts, labels))
			case dto.MetricType_GAUGE:
				events = append(events, newSample(name, m.GetGauge().GetValue(), ts, labels))
			case dto.MetricType_SUMMARY:
				s := m.GetSummary()
				for _, q := range s.GetQuantile() {
					ql := cloneLabels(labels)
					ql["quantile"] = formatFloat(q.GetQuantile())
					events = append(events, newSample(name, q.GetValue(), ts, ql))
				}
				events = append(events, newSample(name+"_sum", s.GetSampleSum(), ts, labels))
				events = append(events, newSample(name+"_count", float64(s.GetSampleCount()), ts, labels))
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				for _, b := range h.GetBucket() {
					bl := cloneLabels(labels)
					bl["le"] = formatFloat(b.GetUpperBound())
					events = append(events, newSample(name+"_bucket", float64(b.GetCumulativeCount()), ts, bl))
				}
				events = append(events, newSample(name+"_sum", h.GetSampleSum(), ts, labels))
				events = append(events, newSample(name+"_count", float64(h.GetSampleCount()), ts, labels))
			default:
				events = append(events, newSample(name, m.GetUntyped().GetValue(), ts, labels))
			}
		}
	}
	return events, nil
}

func newSample(name string, value float64, ts time.Time, labels map[string]string) *model.MetricEvent {
	return &model.MetricEvent{Name: name, Value: value, Time: ts, Labels: labels}
}

func cloneLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func formatFloat(f float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%g", f), ".0")
}
