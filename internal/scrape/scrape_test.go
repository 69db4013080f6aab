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
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	gmodel "gleaner/internal/model"
	"gleaner/internal/queue"
)

func testConfig(t *testing.T, relabels ...RelabelConfig) *Config {
	t.Helper()
	for i := range relabels {
		require.NoError(t, relabels[i].init())
	}
	return &Config{
		JobName:        "node",
		Scheme:         "http",
		MetricsPath:    "/metrics",
		ScrapeInterval: 30,
		ScrapeTimeout:  10,
		RelabelConfigs: relabels,
	}
}

func TestRelabel_KeepDrop(t *testing.T) {
	labels := model.LabelSet{"env": "prod", "__address__": "10.0.0.1:9100"}

	_, keep := Process(labels, []RelabelConfig{mustRelabel(t, RelabelConfig{
		SourceLabels: []string{"env"}, Regex: "prod", Action: "keep",
	})})
	assert.True(t, keep)

	_, keep = Process(labels, []RelabelConfig{mustRelabel(t, RelabelConfig{
		SourceLabels: []string{"env"}, Regex: "prod", Action: "drop",
	})})
	assert.False(t, keep)
}

func TestRelabel_ReplaceAndHashmod(t *testing.T) {
	labels := model.LabelSet{"__address__": "10.0.0.1:9100"}
	out, keep := Process(labels, []RelabelConfig{mustRelabel(t, RelabelConfig{
		SourceLabels: []string{"__address__"},
		Regex:        "([^:]+):.*",
		TargetLabel:  "host",
		Replacement:  "$1",
		Action:       "replace",
	})})
	require.True(t, keep)
	assert.Equal(t, model.LabelValue("10.0.0.1"), out["host"])

	out, keep = Process(labels, []RelabelConfig{mustRelabel(t, RelabelConfig{
		SourceLabels: []string{"__address__"},
		Modulus:      4,
		TargetLabel:  "shard",
		Action:       "hashmod",
	})})
	require.True(t, keep)
	shard, err := strconv.Atoi(string(out["shard"]))
	require.NoError(t, err)
	assert.Less(t, shard, 4)
}

func mustRelabel(t *testing.T, cfg RelabelConfig) RelabelConfig {
	t.Helper()
	require.NoError(t, cfg.init())
	return cfg
}

func TestBuildTarget_SyntheticLabelsAndInstance(t *testing.T) {
	cfg := testConfig(t)
	target, keep := buildTarget(cfg, TargetGroup{
		Targets: []string{"10.0.0.1:9100"},
		Labels:  map[string]string{"zone": "a"},
	})
	require.True(t, keep)
	assert.Equal(t, "10.0.0.1", target.Host)
	assert.Equal(t, 9100, target.Port)
	assert.Equal(t, "http://10.0.0.1:9100/metrics", target.URL)
	assert.Equal(t, "node", target.Labels["job"])
	assert.Equal(t, "10.0.0.1:9100", target.Labels["instance"])
	assert.Equal(t, "a", target.Labels["zone"])
	assert.NotContains(t, target.Labels, "__address__", "meta labels are stripped")
}

func TestBuildTarget_DropsViaRelabel(t *testing.T) {
	cfg := testConfig(t, RelabelConfig{
		SourceLabels: []string{"zone"}, Regex: "b", Action: "drop",
	})
	_, keep := buildTarget(cfg, TargetGroup{
		Targets: []string{"10.0.0.1:9100"},
		Labels:  map[string]string{"zone": "b"},
	})
	assert.False(t, keep)
}

func TestTargetHash_Deterministic(t *testing.T) {
	cfg := testConfig(t)
	group := TargetGroup{Targets: []string{"10.0.0.1:9100"}, Labels: map[string]string{"zone": "a"}}
	t1, _ := buildTarget(cfg, group)
	t2, _ := buildTarget(cfg, group)
	assert.Equal(t, t1.Hash, t2.Hash, "identical targets hash identically")
}

func TestWork_InitialOffsetDeterministic(t *testing.T) {
	cfg := testConfig(t)
	target, _ := buildTarget(cfg, TargetGroup{Targets: []string{"10.0.0.1:9100"}})
	w1 := NewWork(zap.NewNop(), cfg, target, 0, 0, nil, 0)
	w2 := NewWork(zap.NewNop(), cfg, target, 0, 0, nil, 0)

	o1 := w1.initialOffset()
	o2 := w2.initialOffset()
	diff := o1 - o2
	if diff < 0 {
		diff = -diff
	}
	// Computed back to back, the wall-clock alignment term cancels out.
	assert.Less(t, diff, 100*time.Millisecond)
	assert.Less(t, o1, cfg.Interval()+100*time.Millisecond)
}

type recordingPusher struct {
	mu    sync.Mutex
	items []*queue.ProcessQueueItem
	full  bool
}

func (p *recordingPusher) PushQueue(key queue.QueueKey, item *queue.ProcessQueueItem) queue.PushResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return queue.PushFull
	}
	p.items = append(p.items, item)
	return queue.PushOK
}

func TestWork_ScrapeAndPush(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# TYPE up gauge\nup 1\nhttp_requests_total{code=\"200\"} 42\n"))
	}))
	defer server.Close()

	cfg := testConfig(t)
	u, _ := url.Parse(server.URL)
	port, _ := strconv.Atoi(u.Port())
	target := &Target{
		Hash: "t1", Host: u.Hostname(), Port: port,
		URL:    server.URL,
		Labels: map[string]string{"instance": u.Host, "job": "node"},
	}
	pusher := &recordingPusher{}
	w := NewWork(zap.NewNop(), cfg, target, 5, 2, pusher, 0)
	w.scrapeAndPush()

	require.Len(t, pusher.items, 1)
	item := pusher.items[0]
	assert.Equal(t, 2, item.InputIndex)
	require.Len(t, item.Group.Events, 2)
	names := map[string]bool{}
	for _, ev := range item.Group.Events {
		m := ev.(*gmodel.MetricEvent)
		names[m.Name] = true
		assert.Equal(t, "node", m.Labels["job"], "target labels ride every sample")
	}
	assert.True(t, names["up"] && names["http_requests_total"])
}

func TestWork_Non200SkipsParse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	cfg := testConfig(t)
	pusher := &recordingPusher{}
	w := NewWork(zap.NewNop(), cfg, &Target{Hash: "t", URL: server.URL, Labels: map[string]string{}}, 0, 0, pusher, 0)
	w.scrapeAndPush()
	assert.Empty(t, pusher.items)
}

func TestJob_TargetDiff(t *testing.T) {
	var mu sync.Mutex
	targets := []string{"10.0.0.1:9100", "10.0.0.2:9100"}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		var groups []TargetGroup
		for _, target := range targets {
			groups = append(groups, TargetGroup{Targets: []string{target}})
		}
		json.NewEncoder(w).Encode(groups)
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	port, _ := strconv.Atoi(u.Port())
	operator := NewOperatorClient(zap.NewNop(), u.Hostname(), port, "pod-1")

	job := NewJob(zap.NewNop(), testConfig(t), operator, &recordingPusher{full: true}, 0, 0, 0)
	defer job.Stop()

	job.discoverOnce()
	require.Equal(t, 2, job.TargetCount(), "T1 and T2 start")
	t2, _ := buildTarget(testConfig(t), TargetGroup{Targets: []string{"10.0.0.2:9100"}})
	job.mu.Lock()
	keptWork := job.works[t2.Hash]
	job.mu.Unlock()
	require.NotNil(t, keptWork)

	mu.Lock()
	targets = []string{"10.0.0.2:9100", "10.0.0.3:9100"}
	mu.Unlock()
	job.discoverOnce()
	assert.Equal(t, 2, job.TargetCount(), "T1 stops, T2 keeps, T3 starts")

	t1, _ := buildTarget(testConfig(t), TargetGroup{Targets: []string{"10.0.0.1:9100"}})
	t3, _ := buildTarget(testConfig(t), TargetGroup{Targets: []string{"10.0.0.3:9100"}})
	job.mu.Lock()
	_, hasT1 := job.works[t1.Hash]
	sameT2 := job.works[t2.Hash]
	_, hasT3 := job.works[t3.Hash]
	job.mu.Unlock()
	assert.False(t, hasT1, "vanished target stops")
	assert.Same(t, keptWork, sameT2, "unchanged target keeps its work")
	assert.True(t, hasT3, "new target starts")
}

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestParseExposition_HistogramExpansion(t *testing.T) {
	body := `# TYPE rpc_duration histogram
rpc_duration_bucket{le="0.5"} 3
rpc_duration_bucket{le="+Inf"} 5
rpc_duration_sum 7.5
rpc_duration_count 5
`
	events, err := ParseExposition(body, time.Unix(1000, 0), map[string]string{"job": "j"})
	require.NoError(t, err)
	names := map[string]int{}
	for _, ev := range events {
		names[ev.(*gmodel.MetricEvent).Name]++
	}
	assert.Equal(t, 2, names["rpc_duration_bucket"])
	assert.Equal(t, 1, names["rpc_duration_sum"])
	assert.Equal(t, 1, names["rpc_duration_count"])
}

func TestOperator_RegisterParsesDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/register_collector", r.URL.Path)
		assert.Equal(t, "pod-1", r.URL.Query().Get("pod_name"))
		w.Write([]byte("1750000000000"))
	}))
	defer server.Close()
	u, _ := url.Parse(server.URL)
	port, _ := strconv.Atoi(u.Port())
	operator := NewOperatorClient(zap.NewNop(), u.Hostname(), port, "pod-1")

	deadline, err := operator.Register(contextWithTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, int64(1750000000000), deadline)
}
