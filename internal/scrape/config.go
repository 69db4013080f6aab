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

// Package scrape discovers Prometheus-style targets from an HTTP operator
// and runs one scrape loop per surviving target, delivering parsed samples
// into the owning pipeline's process queue.
package scrape

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Config is one scrape job's configuration, parsed from the pipeline detail.
type Config struct {
	JobName        string              `json:"job_name"`
	Scheme         string              `json:"scheme"`
	MetricsPath    string              `json:"metrics_path"`
	ScrapeInterval int                 `json:"scrape_interval"` // seconds
	ScrapeTimeout  int                 `json:"scrape_timeout"`  // seconds
	Params         map[string][]string `json:"params"`
	Headers        map[string]string   `json:"headers"`
	RelabelConfigs []RelabelConfig     `json:"relabel_configs"`
}

// ParseConfig decodes and validates one job config.
func ParseConfig(detail []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(detail, cfg); err != nil {
		return nil, fmt.Errorf("parse scrape config: %w", err)
	}
	if cfg.JobName == "" {
		return nil, fmt.Errorf("scrape config requires job_name")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ScrapeInterval <= 0 {
		cfg.ScrapeInterval = 30
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 10
	}
	for i := range cfg.RelabelConfigs {
		if err := cfg.RelabelConfigs[i].init(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Interval returns the scrape interval as a duration.
func (c *Config) Interval() time.Duration { return time.Duration(c.ScrapeInterval) * time.Second }

// Timeout returns the scrape timeout as a duration.
func (c *Config) Timeout() time.Duration { return time.Duration(c.ScrapeTimeout) * time.Second }

// QueryString renders the configured params, stable for signing and hashing.
func (c *Config) QueryString() string {
	if len(c.Params) == 0 {
		return ""
	}
	values := url.Values(c.Params)
	return values.Encode()
}

// IntervalString formats the interval as "Nm" for whole minutes, else "Ns" —
// the form advertised in synthetic labels.
func (c *Config) IntervalString() string { return formatSeconds(c.ScrapeInterval) }

// TimeoutString is the synthetic-label form of the timeout.
func (c *Config) TimeoutString() string { return formatSeconds(c.ScrapeTimeout) }

func formatSeconds(secs int) string {
	if secs%60 == 0 {
		return fmt.Sprintf("%dm", secs/60)
	}
	return fmt.Sprintf("%ds", secs)
}
