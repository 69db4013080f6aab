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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// refreshIntervalSeconds is the operator's target-list refresh cadence,
// advertised in the discovery request headers.
const refreshIntervalSeconds = 5

// TargetGroup is one entry of the operator's target listing.
type TargetGroup struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels"`
}

// OperatorClient talks to the scrape operator: collector registration and
// per-job target discovery.
type OperatorClient struct {
	logger  *zap.Logger
	host    string
	port    int
	podName string
	client  *http.Client
}

// NewOperatorClientFromEnv reads OPERATOR_HOST, OPERATOR_PORT and POD_NAME.
func NewOperatorClientFromEnv(logger *zap.Logger) *OperatorClient {
	port := 8888
	if portStr := os.Getenv("OPERATOR_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		} else {
			logger.Error("operator port invalid, using default", zap.String("port", portStr))
		}
	}
	return &OperatorClient{
		logger:  logger,
		host:    os.Getenv("OPERATOR_HOST"),
		port:    port,
		podName: os.Getenv("POD_NAME"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func NewOperatorClient(logger *zap.Logger, host string, port int, podName string) *OperatorClient {
	return &OperatorClient{
		logger:  logger,
		host:    host,
		port:    port,
		podName: podName,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *OperatorClient) url(path, query string) string {
	u := fmt.Sprintf("http://%s:%d%s", c.host, c.port, path)
	if query != "" {
		u += "?" + query
	}
	return u
}

// Register announces this collector and returns the unregister deadline
// (millisecond epoch) used for zero-downtime replacement. It retries until
// the operator answers 200 or ctx is cancelled.
func (c *OperatorClient) Register(ctx context.Context) (int64, error) {
	var deadline int64
	operation := func() error {
		resp, err := c.client.Get(c.url("/register_collector", "pod_name="+url.QueryEscape(c.podName)))
		if err != nil {
			c.logger.Error("register collector failed", zap.Error(err))
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			c.logger.Error("register collector failed", zap.Int("statusCode", resp.StatusCode))
			return fmt.Errorf("register: status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil || len(body) == 0 {
			c.logger.Error("register collector returned empty body")
			return fmt.Errorf("register: empty body")
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
		if err != nil {
			c.logger.Error("register collector returned invalid deadline", zap.ByteString("body", body))
			return err
		}
		deadline = ms
		return nil
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(time.Second), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return 0, err
	}
	c.logger.Info("register success", zap.String("podName", c.podName))
	return deadline, nil
}

// Unregister withdraws the collector, trying up to 3 times.
func (c *OperatorClient) Unregister() {
	for retry := 0; retry < 3; retry++ {
		resp, err := c.client.Get(c.url("/unregister_collector", "pod_name="+url.QueryEscape(c.podName)))
		if err != nil {
			c.logger.Error("unregister collector failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			c.logger.Info("unregister success", zap.String("podName", c.podName))
			return
		}
		c.logger.Error("unregister collector failed", zap.Int("statusCode", resp.StatusCode))
		time.Sleep(time.Second)
	}
}

// FetchTargets lists the current targets of one job.
func (c *OperatorClient) FetchTargets(jobName string) ([]TargetGroup, error) {
	req, err := http.NewRequest(http.MethodGet,
		c.url("/jobs/"+url.PathEscape(jobName)+"/targets", "collector_id="+url.QueryEscape(c.podName)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Prometheus-Refresh-Interval-Seconds", strconv.Itoa(refreshIntervalSeconds))
	req.Header.Set("User-Agent", "matrix_prometheus_"+c.podName)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("target discovery from operator failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("target discovery from operator failed: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var groups []TargetGroup
	if err := json.Unmarshal(body, &groups); err != nil {
		return nil, fmt.Errorf("target discovery from operator failed: %w", err)
	}
	return groups, nil
}
