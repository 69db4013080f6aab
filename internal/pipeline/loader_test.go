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

package pipeline

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gleaner/internal/checkpoint"
	"gleaner/internal/client"
	"gleaner/internal/configserver"
	"gleaner/internal/flusher"
	"gleaner/internal/model"
	"gleaner/internal/queue"
	"gleaner/internal/telemetry"
)

type nopDispatcher struct{}

func (nopDispatcher) PushToSink(*queue.SenderQueueItem, bool) {}

type recordingFeedback struct {
	mu     sync.Mutex
	status map[string]configserver.ConfigStatus
}

func (r *recordingFeedback) FeedbackPipelineConfigStatus(name string, status configserver.ConfigStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == nil {
		r.status = map[string]configserver.ConfigStatus{}
	}
	r.status[name] = status
}

type loaderHarness struct {
	loader     *Loader
	dir        string
	keys       *queue.KeyRegistry
	processMgr *queue.ProcessQueueManager
	senderMgr  *queue.SenderQueueManager
	eoMgr      *queue.ExactlyOnceQueueManager
	store      checkpoint.Store
	feedback   *recordingFeedback
}

func newLoaderHarness(t *testing.T) *loaderHarness {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()
	keys := queue.NewKeyRegistry()
	registry := model.NewPipelineRegistry()
	eo := queue.NewExactlyOnceQueueManager(keys)
	senderMgr := queue.NewSenderQueueManager(keys, eo, queue.SenderQueueManagerOptions{})
	eo.SetFeedback(senderMgr.Feedback)
	processMgr := queue.NewProcessQueueManager(keys, registry, eo, 1)
	clients := client.NewManager(logger, "test", client.StaticCredentials{})
	store, err := checkpoint.NewDiskStore(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	fb := &recordingFeedback{}
	l := NewLoader(logger, dir, Deps{
		Keys:           keys,
		Pipelines:      registry,
		ProcessMgr:     processMgr,
		SenderMgr:      senderMgr,
		ExactlyOnceMgr: eo,
		Checkpoints:    store,
		Clients:        clients,
		Alarms:         telemetry.NewAlarmManager(logger, 0),
		Limiters:       flusher.NewLimiterRegistry(),
		PackIDs:        flusher.NewPackIDManager(0),
		Feedback:       fb,
		Dispatcher:     nopDispatcher{},
	})
	return &loaderHarness{
		loader:     l,
		dir:        dir,
		keys:       keys,
		processMgr: processMgr,
		senderMgr:  senderMgr,
		eoMgr:      eo,
		store:      store,
		feedback:   fb,
	}
}

const sampleConfig = `{
  "version": 1,
  "priority": 1,
  "flushers": [
    {"type": "logservice", "region": "r1", "project": "p", "logstore": "s",
     "endpoints": ["log.example.com"]}
  ]
}`

const exactlyOnceConfig = `{
  "version": 1,
  "exactly_once": {"enabled": true, "checkpoint_count": 2},
  "flushers": [
    {"type": "logservice", "region": "r1", "project": "p", "logstore": "s",
     "endpoints": ["log.example.com"]}
  ]
}`

func TestLoader_AppliesConfig(t *testing.T) {
	h := newLoaderHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "app.json"), []byte(sampleConfig), 0o644))

	h.loader.Scan()

	require.True(t, h.keys.HasKey("app"), "process queue key interned")
	key := h.keys.GetKey("app")
	assert.True(t, h.processMgr.IsValidToPush(key), "process queue exists and accepts")
	assert.True(t, h.keys.HasKey("app-flusher_logservice-p#s"), "sender queue key interned")
	assert.Equal(t, configserver.StatusApplied, h.feedback.status["app"])

	// Pushes flow once the pipeline is up.
	item := &queue.ProcessQueueItem{Group: &model.PipelineEventGroup{Events: []model.Event{&model.LogEvent{}}}}
	assert.Equal(t, queue.PushOK, h.processMgr.PushQueue(key, item))
}

func TestLoader_SameVersionIsIdempotent(t *testing.T) {
	h := newLoaderHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "app.json"), []byte(sampleConfig), 0o644))
	h.loader.Scan()
	h.feedback.mu.Lock()
	h.feedback.status = nil
	h.feedback.mu.Unlock()

	h.loader.Scan()
	h.feedback.mu.Lock()
	defer h.feedback.mu.Unlock()
	assert.Empty(t, h.feedback.status, "unchanged version must not re-apply")
}

func TestLoader_InvalidConfigFeedsBackFailure(t *testing.T) {
	h := newLoaderHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "bad.json"), []byte("{"), 0o644))
	h.loader.Scan()
	assert.Equal(t, configserver.StatusFailed, h.feedback.status["bad"])
}

func TestLoader_UnloadOnRemoval(t *testing.T) {
	h := newLoaderHarness(t)
	path := filepath.Join(h.dir, "app.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	h.loader.Scan()
	require.True(t, h.keys.HasKey("app"))

	require.NoError(t, os.Remove(path))
	h.loader.Scan()
	assert.False(t, h.keys.HasKey("app"), "process queue key freed on unload")
}

func TestLoader_ExactlyOnceWiresQueuePair(t *testing.T) {
	h := newLoaderHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "eo.json"), []byte(exactlyOnceConfig), 0o644))

	h.loader.Scan()

	require.Equal(t, configserver.StatusApplied, h.feedback.status["eo"])
	require.True(t, h.keys.HasKey("eo"))
	key := h.keys.GetKey("eo")

	// The pair lives in the exactly-once manager, not the regular one.
	assert.True(t, h.processMgr.IsValidToPush(key), "exactly-once process queue accepts")
	item := &queue.ProcessQueueItem{Group: &model.PipelineEventGroup{Events: []model.Event{&model.LogEvent{}}}}
	assert.Equal(t, queue.PushOK, h.processMgr.PushQueue(key, item))

	// A checkpointed payload routed by its feedback key finds its slot —
	// the path every exactly-once group takes through the flusher.
	sendItem := queue.NewSenderQueueItem([]byte("x"), 1, nil, key, "s")
	sendItem.Checkpoint = &checkpoint.RangeCheckpoint{ReadOffset: 0, ReadLength: 10}
	require.Equal(t, queue.PushOK, h.senderMgr.PushQueue(key, sendItem))
	assert.True(t, sendItem.Checkpoint.IsComplete(), "item adopts a slot checkpoint with a hash key")
	assert.Equal(t, sendItem.Checkpoint.HashKey, sendItem.ShardHashKey)
	assert.Equal(t, int64(key), sendItem.Checkpoint.FeedbackKey)

	// Prepare persisted the claimed slot.
	loaded, err := h.store.Load(sendItem.Checkpoint.Key)
	require.NoError(t, err)
	assert.False(t, loaded.Committed)
}

func TestLoader_ExactlyOnceRestoresPersistedCheckpoints(t *testing.T) {
	h := newLoaderHarness(t)

	// A previous incarnation left a committed checkpoint behind.
	prior := &checkpoint.RangeCheckpoint{
		Index:      0,
		Key:        "eo-range-0",
		HashKey:    "stable-hash",
		SequenceID: 5,
		Committed:  true,
	}
	prior.Bind(h.store)
	prior.Commit()

	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "eo.json"), []byte(exactlyOnceConfig), 0o644))
	h.loader.Scan()

	key := h.keys.GetKey("eo")
	checkpoints, err := h.loader.loadCheckpoints("eo", key, 2)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, "stable-hash", checkpoints[0].HashKey, "restored slot keeps its identity")
	assert.Equal(t, int64(5), checkpoints[0].SequenceID, "restored slot keeps its sequence")
	assert.Equal(t, int64(key), checkpoints[0].FeedbackKey)
	assert.NotEmpty(t, checkpoints[1].HashKey, "unseen slot gets a fresh hash key")
}

func TestLoader_ExactlyOnceRequiresLogserviceFlusher(t *testing.T) {
	h := newLoaderHarness(t)
	bad := `{
  "version": 1,
  "exactly_once": {"enabled": true},
  "flushers": [{"type": "pushgateway", "endpoint": "http://gw:9091", "job": "j"}]
}`
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "eo.json"), []byte(bad), 0o644))
	h.loader.Scan()
	assert.Equal(t, configserver.StatusFailed, h.feedback.status["eo"])
}
