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
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/common/model"
)

// Synthetic label names injected before relabeling.
const (
	labelAddress        = "__address__"
	labelScheme         = "__scheme__"
	labelMetricsPath    = "__metrics_path__"
	labelScrapeInterval = "__scrape_interval__"
	labelScrapeTimeout  = "__scrape_timeout__"
	labelParamPrefix    = "__param_"
	labelJob            = "job"
	labelInstance       = "instance"
)

// Target is one relabeled scrape endpoint.
type Target struct {
	Hash   string
	Host   string
	Port   int
	URL    string
	Labels map[string]string
}

// buildTarget assembles the synthetic + returned label set, runs the relabel
// pipeline and computes the target identity. ok=false means the target was
// dropped.
func buildTarget(cfg *Config, group TargetGroup) (*Target, bool) {
	if len(group.Targets) == 0 {
		return nil, false
	}
	labels := model.LabelSet{
		labelJob:            model.LabelValue(cfg.JobName),
		labelAddress:        model.LabelValue(group.Targets[0]),
		labelScheme:         model.LabelValue(cfg.Scheme),
		labelMetricsPath:    model.LabelValue(cfg.MetricsPath),
		labelScrapeInterval: model.LabelValue(cfg.IntervalString()),
		labelScrapeTimeout:  model.LabelValue(cfg.TimeoutString()),
	}
	for param, values := range cfg.Params {
		if len(values) > 0 {
			labels[model.LabelName(labelParamPrefix+param)] = model.LabelValue(values[0])
		}
	}
	for k, v := range group.Labels {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}

	relabeled, keep := Process(labels, cfg.RelabelConfigs)
	if !keep {
		return nil, false
	}

	address := string(relabeled[labelAddress])
	host, port := splitHostPort(address, cfg.Scheme)
	if host == "" {
		return nil, false
	}
	if _, ok := relabeled[labelInstance]; !ok {
		relabeled[labelInstance] = model.LabelValue(address)
	}

	final := RemoveMetaLabels(relabeled)
	if len(final) == 0 {
		return nil, false
	}

	targetURL := cfg.Scheme + "://" + host + ":" + strconv.Itoa(port) + cfg.MetricsPath
	if qs := cfg.QueryString(); qs != "" {
		targetURL += "?" + qs
	}

	out := make(map[string]string, len(final))
	for k, v := range final {
		out[string(k)] = string(v)
	}
	return &Target{
		Hash:   targetHash(cfg.JobName, targetURL, out),
		Host:   host,
		Port:   port,
		URL:    targetURL,
		Labels: out,
	}, true
}

// targetHash derives the target identity from job, URL and the final label
// set; equal inputs hash equally across processes.
func targetHash(jobName, targetURL string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(jobName)
	b.WriteByte(0)
	b.WriteString(targetURL)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return fmt.Sprintf("%s%s%x", jobName, targetURL, xxhash.Sum64String(b.String()))
}

func splitHostPort(address, scheme string) (string, int) {
	if address == "" {
		return "", 0
	}
	if idx := strings.LastIndex(address, ":"); idx >= 0 {
		port, err := strconv.Atoi(address[idx+1:])
		if err == nil {
			return address[:idx], port
		}
	}
	if scheme == "https" {
		return address, 443
	}
	return address, 80
}
