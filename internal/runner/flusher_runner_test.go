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

package runner

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"gleaner/internal/flusher"
	"gleaner/internal/queue"
	"gleaner/internal/sink"
)

// inProcessFlusher satisfies only the narrow queue contract: the runner
// treats it as a non-HTTP sink and completes items synchronously.
type inProcessFlusher struct{}

func (inProcessFlusher) Name() string       { return "flusher_inproc" }
func (inProcessFlusher) ConfigName() string { return "cfg" }

// httpEcho is a minimal HTTP flusher driving the real sink.
type httpEcho struct {
	url       string
	senderMgr *queue.SenderQueueManager
	key       queue.QueueKey
	succeeded atomic.Int32
}

func (f *httpEcho) Name() string             { return "flusher_echo" }
func (f *httpEcho) ConfigName() string       { return "cfg" }
func (f *httpEcho) QueueKey() queue.QueueKey { return f.key }

func (f *httpEcho) BuildRequest(item *queue.SenderQueueItem) (*sink.Request, error) {
	item.TryCount++
	return &sink.Request{Method: "POST", URL: f.url, Body: item.Data, Item: item}, nil
}

func (f *httpEcho) OnSendDone(resp *sink.Response, item *queue.SenderQueueItem) {
	if resp.Err == nil && resp.StatusCode == 200 {
		f.succeeded.Add(1)
	}
	f.senderMgr.RemoveItem(item.Key, item)
	f.senderMgr.DecreaseSendingCnt(item.Key)
}

var _ flusher.HTTPFlusher = (*httpEcho)(nil)

func newRunnerHarness(t *testing.T) (*queue.KeyRegistry, *queue.SenderQueueManager, *sink.HTTPSink, *FlusherRunner) {
	t.Helper()
	keys := queue.NewKeyRegistry()
	eo := queue.NewExactlyOnceQueueManager(keys)
	senderMgr := queue.NewSenderQueueManager(keys, eo, queue.SenderQueueManagerOptions{})
	eo.SetFeedback(senderMgr.Feedback)
	httpSink := sink.New(zap.NewNop(), sink.Options{Concurrency: 2})
	httpSink.Start()
	r := New(zap.NewNop(), Options{
		SenderManager:  senderMgr,
		ExactlyOnceMgr: eo,
		Sink:           httpSink,
	})
	return keys, senderMgr, httpSink, r
}

func TestFlusherRunner_DrainsToHTTPSink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer server.Close()

	keys, senderMgr, httpSink, r := newRunnerHarness(t)
	key := keys.GetKey("cfg-flusher_echo-dst")
	senderMgr.CreateQueue(key, "f0", nil, 0)
	echo := &httpEcho{url: server.URL, senderMgr: senderMgr, key: key}

	for i := 0; i < 3; i++ {
		item := queue.NewSenderQueueItem([]byte("x"), 1, echo, key, "store")
		if senderMgr.PushQueue(key, item) != queue.PushOK {
			t.Fatalf("push %d failed", i)
		}
	}

	r.Start()
	defer func() {
		r.Stop()
		httpSink.Stop(time.Second)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if senderMgr.IsAllQueueEmpty() && echo.succeeded.Load() == 3 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("runner did not drain: succeeded=%d empty=%v", echo.succeeded.Load(), senderMgr.IsAllQueueEmpty())
}

func TestFlusherRunner_InProcessSinkCompletesSynchronously(t *testing.T) {
	keys, senderMgr, httpSink, r := newRunnerHarness(t)
	defer httpSink.Stop(time.Second)
	key := keys.GetKey("cfg-flusher_inproc-dst")
	senderMgr.CreateQueue(key, "f0", nil, 0)
	item := queue.NewSenderQueueItem([]byte("x"), 1, inProcessFlusher{}, key, "store")
	senderMgr.PushQueue(key, item)

	var items []*queue.SenderQueueItem
	senderMgr.GetAllAvailableItems(&items, true)
	if len(items) != 1 {
		t.Fatalf("expected one fetched item, got %d", len(items))
	}
	r.dispatch(items[0])
	if !senderMgr.IsAllQueueEmpty() {
		t.Fatalf("in-process dispatch must remove the item")
	}
}
