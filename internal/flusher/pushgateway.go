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
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gleaner/internal/limiter"
	"gleaner/internal/model"
	"gleaner/internal/queue"
	"gleaner/internal/sink"
	"gleaner/internal/telemetry"
)

// PushGatewayConfig configures the Prometheus-style push flusher.
type PushGatewayConfig struct {
	ConfigName string
	FlusherID  string

	// Endpoint is the push target base URL, e.g. "http://gw:9091".
	Endpoint string
	Job      string

	CompressType string // gzip default; "none" to disable
	MaxSendRate  uint32
}

// PushGateway serializes metric events into the text exposition format and
// POSTs them to a pushgateway-compatible target. It is the second sink type
// the runner dispatches on, with a deliberately simpler retry policy.
type PushGateway struct {
	cfg PushGatewayConfig

	logger     *zap.Logger
	alarms     *telemetry.AlarmManager
	senderMgr  *queue.SenderQueueManager
	dispatcher Dispatcher

	queueKey queue.QueueKey
}

func NewPushGateway(cfg PushGatewayConfig, logger *zap.Logger, alarms *telemetry.AlarmManager, keys *queue.KeyRegistry, senderMgr *queue.SenderQueueManager) *PushGateway {
	if cfg.CompressType == "" {
		cfg.CompressType = CompressGzip
	}
	f := &PushGateway{
		cfg:       cfg,
		logger:    logger,
		alarms:    alarms,
		senderMgr: senderMgr,
	}
	f.queueKey = keys.GetKey(cfg.ConfigName + "-" + f.Name() + "-" + cfg.Endpoint)
	senderMgr.CreateQueue(f.queueKey, cfg.FlusherID, []*limiter.Concurrency{}, cfg.MaxSendRate)
	return f
}

func (f *PushGateway) SetDispatcher(d Dispatcher) { f.dispatcher = d }

func (f *PushGateway) Name() string             { return "flusher_pushgateway" }
func (f *PushGateway) ConfigName() string       { return f.cfg.ConfigName }
func (f *PushGateway) QueueKey() queue.QueueKey { return f.queueKey }

func (f *PushGateway) Stop() {
	f.senderMgr.DeleteQueue(f.queueKey)
}

// SendGroup renders the group's metric events and enqueues the payload.
// Non-metric events are skipped.
func (f *PushGateway) SendGroup(group *model.PipelineEventGroup) bool {
	raw := serializeExposition(group)
	if len(raw) == 0 {
		return true
	}
	body, err := Compress(raw, f.cfg.CompressType)
	if err != nil {
		f.logger.Warn("failed to compress data, discard data",
			zap.String("plugin", f.Name()),
			zap.String("config", f.cfg.ConfigName),
			zap.Error(err))
		f.alarms.Send(telemetry.AlarmCompressFail, f.cfg.ConfigName, err.Error())
		return false
	}
	item := queue.NewSenderQueueItem(body, len(raw), f, f.queueKey, f.cfg.Job)
	return f.pushToQueue(item)
}

func (f *PushGateway) pushToQueue(item *queue.SenderQueueItem) bool {
	for i := 0; i < pushToQueueRetries; i++ {
		switch f.senderMgr.PushQueue(item.Key, item) {
		case queue.PushOK:
			return true
		case queue.PushQueueNotFound:
			// should not happen
			return false
		case queue.PushFull:
			time.Sleep(pushToQueueInterval)
		}
	}
	f.alarms.Send(telemetry.AlarmDiscardData, f.cfg.ConfigName,
		"failed to push data to sender queue: queue full")
	return false
}

func (f *PushGateway) BuildRequest(item *queue.SenderQueueItem) (*sink.Request, error) {
	item.TryCount++
	item.LastSendTime = time.Now()

	headers := map[string]string{
		"Content-Type": "text/plain; version=0.0.4",
	}
	if f.cfg.CompressType == CompressGzip {
		headers["Content-Encoding"] = "gzip"
	}
	return &sink.Request{
		Method:  "POST",
		URL:     strings.TrimRight(f.cfg.Endpoint, "/") + "/metrics/job/" + url.PathEscape(f.cfg.Job),
		Headers: headers,
		Body:    item.Data,
		Timeout: defaultSendTimeout,
		Item:    item,
	}, nil
}

func (f *PushGateway) OnSendDone(resp *sink.Response, item *queue.SenderQueueItem) {
	if resp.Err == nil && (resp.StatusCode == 200 || resp.StatusCode == 202) {
		telemetry.SendSuccessTotal.Inc()
		f.dealAfterSend(item, false)
		return
	}
	var op operation
	switch {
	case resp.Err != nil || resp.StatusCode >= 500:
		op = opRetryLater
	default:
		op = defaultOperation(item.TryCount)
	}
	if time.Since(item.EnqueueTime) > discardFailInterval {
		op = opDiscard
	}
	switch op {
	case opRetryNow:
		f.dispatcher.PushToSink(item, false)
	case opRetryLater:
		now := time.Now().Unix()
		if now-item.LastWarnTime > onFailWarnInterval {
			f.logger.Warn("failed to push metrics",
				zap.Int("statusCode", resp.StatusCode),
				zap.String("config", f.cfg.ConfigName),
				zap.Uint32("tryCnt", item.TryCount),
				zap.Error(resp.Err))
			item.LastWarnTime = now
		}
		f.dealAfterSend(item, true)
	case opDiscard:
		f.alarms.Send(telemetry.AlarmSendDataFail, f.cfg.ConfigName,
			fmt.Sprintf("failed to push metrics: status %d", resp.StatusCode))
		telemetry.SendDiscardTotal.Inc()
		f.dealAfterSend(item, false)
	}
}

func (f *PushGateway) dealAfterSend(item *queue.SenderQueueItem, keep bool) {
	if keep {
		item.SetStatus(queue.SendingStatusIdle)
	} else {
		f.senderMgr.RemoveItem(item.Key, item)
	}
	f.senderMgr.DecreaseSendingCnt(item.Key)
}

// serializeExposition renders metric events in the text exposition format,
// one sample per line with sorted labels and millisecond timestamps.
func serializeExposition(group *model.PipelineEventGroup) []byte {
	var b strings.Builder
	for _, ev := range group.Events {
		m, ok := ev.(*model.MetricEvent)
		if !ok {
			continue
		}
		b.WriteString(m.Name)
		if len(m.Labels) > 0 {
			keys := make([]string, 0, len(m.Labels))
			for k := range m.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteByte('{')
			for i, k := range keys {
				if i > 0 {
					b.WriteByte(',')
				}
				b.WriteString(k)
				b.WriteString(`="`)
				b.WriteString(escapeLabelValue(m.Labels[k]))
				b.WriteByte('"')
			}
			b.WriteByte('}')
		}
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(m.Value, 'g', -1, 64))
		if !m.Time.IsZero() {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatInt(m.Time.UnixMilli(), 10))
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func escapeLabelValue(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return r.Replace(v)
}
