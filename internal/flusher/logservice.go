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
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gleaner/internal/client"
	"gleaner/internal/limiter"
	"gleaner/internal/model"
	"gleaner/internal/queue"
	"gleaner/internal/sink"
	"gleaner/internal/telemetry"
)

// Retry ceilings and intervals of the send failure policy.
const (
	unknownErrorTryMax  = 5
	unauthorizedTryMax  = 5
	profileDataTryMax   = 5
	discardFailInterval = 6 * time.Hour
	onFailWarnInterval  = 10 // seconds
	timeSyncSampleEvery = 10000
	defaultSendTimeout  = 15 * time.Second
)

// operation is the retry policy's verdict for one failed exchange.
type operation int

const (
	opRetryNow operation = iota
	opRetryLater
	opDiscard
)

func (o operation) String() string {
	switch o {
	case opRetryNow:
		return "retry now"
	case opRetryLater:
		return "retry later"
	default:
		return "discard data"
	}
}

// defaultOperation is the schedule for unknown errors: one immediate retry,
// then deferred retries, then discard past the ceiling.
func defaultOperation(tryCnt uint32) operation {
	switch {
	case tryCnt == 1:
		return opRetryNow
	case tryCnt > unknownErrorTryMax:
		return opDiscard
	default:
		return opRetryLater
	}
}

// Dispatcher re-enters the send path for immediate retries, bypassing sender
// queue reordering. The flusher runner implements it.
type Dispatcher interface {
	PushToSink(item *queue.SenderQueueItem, withLimit bool)
}

// LimiterRegistry shares the per-region and per-project concurrency limiters
// across every log-service flusher in the process.
type LimiterRegistry struct {
	mu       sync.Mutex
	regions  map[string]*limiter.Concurrency
	projects map[string]*limiter.Concurrency
}

func NewLimiterRegistry() *LimiterRegistry {
	return &LimiterRegistry{
		regions:  make(map[string]*limiter.Concurrency),
		projects: make(map[string]*limiter.Concurrency),
	}
}

func (r *LimiterRegistry) Region(region string) *limiter.Concurrency {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.regions[region]
	if !ok {
		l = limiter.NewConcurrency()
		r.regions[region] = l
	}
	return l
}

func (r *LimiterRegistry) Project(project string) *limiter.Concurrency {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.projects[project]
	if !ok {
		l = limiter.NewConcurrency()
		r.projects[project] = l
	}
	return l
}

// LogServiceConfig is the static configuration of one log-service flusher.
type LogServiceConfig struct {
	ConfigName string
	FlusherID  string

	Region  string
	Project string
	Stream  string
	Scheme  string // "https" default

	CompressType string // lz4 default
	MaxSendRate  uint32 // bytes/second, 0 = unlimited

	// EnableTimeSync adjusts payload timestamps by the observed server
	// clock delta and retries time-expired requests immediately.
	EnableTimeSync bool

	// IsProfileData marks self-telemetry payloads: their discards are not
	// alarmed and their retries are capped tighter.
	IsProfileData bool
}

// LogService flushes serialized log groups to the log-service HTTP API and
// owns their retry policy.
type LogService struct {
	cfg LogServiceConfig

	logger     *zap.Logger
	alarms     *telemetry.AlarmManager
	clients    *client.Manager
	senderMgr  *queue.SenderQueueManager
	limiters   *LimiterRegistry
	packIDs    *PackIDManager
	dispatcher Dispatcher

	queueKey queue.QueueKey

	timeSyncCounter atomic.Uint64
}

// NewLogService wires a flusher and registers its sender queue.
func NewLogService(cfg LogServiceConfig, logger *zap.Logger, alarms *telemetry.AlarmManager, clients *client.Manager, keys *queue.KeyRegistry, senderMgr *queue.SenderQueueManager, limiters *LimiterRegistry, packIDs *PackIDManager) *LogService {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.CompressType == "" {
		cfg.CompressType = CompressLZ4
	}
	f := &LogService{
		cfg:       cfg,
		logger:    logger,
		alarms:    alarms,
		clients:   clients,
		senderMgr: senderMgr,
		limiters:  limiters,
		packIDs:   packIDs,
	}
	f.queueKey = keys.GetKey(cfg.ConfigName + "-" + f.Name() + "-" + cfg.Project + "#" + cfg.Stream)
	senderMgr.CreateQueue(f.queueKey, cfg.FlusherID,
		[]*limiter.Concurrency{limiters.Region(cfg.Region), limiters.Project(cfg.Project)},
		cfg.MaxSendRate)
	return f
}

// SetDispatcher injects the runner's immediate-retry path after wiring.
func (f *LogService) SetDispatcher(d Dispatcher) { f.dispatcher = d }

func (f *LogService) Name() string             { return "flusher_logservice" }
func (f *LogService) ConfigName() string       { return f.cfg.ConfigName }
func (f *LogService) QueueKey() queue.QueueKey { return f.queueKey }

// Stop marks the sender queue for deletion; the manager reclaims it once it
// drains past the grace interval.
func (f *LogService) Stop() {
	f.senderMgr.DeleteQueue(f.queueKey)
}

// SendGroup serializes, compresses and enqueues one event group. Exactly-once
// groups route to their checkpoint's queue pair; everything else goes to this
// flusher's bounded queue. Serialization or compression failure discards the
// group with an alarm.
func (f *LogService) SendGroup(group *model.PipelineEventGroup, source string) bool {
	var packID string
	if group.PackIDPrefix != "" {
		packID = f.packIDs.NextPackID(group.PackIDPrefix)
	}
	var timeDelta int64
	if f.cfg.EnableTimeSync {
		timeDelta = f.clients.TimeDelta()
	}
	raw, err := SerializeLogGroup(group, source, packID, timeDelta)
	if err != nil {
		f.logger.Warn("failed to serialize data, discard data",
			zap.String("plugin", f.Name()),
			zap.String("config", f.cfg.ConfigName),
			zap.Error(err))
		f.alarms.Send(telemetry.AlarmSerializeFail, f.cfg.ConfigName, err.Error(),
			zap.String("plugin", f.Name()), zap.String("config", f.cfg.ConfigName))
		return false
	}
	body, err := Compress(raw, f.cfg.CompressType)
	if err != nil {
		f.logger.Warn("failed to compress data, discard data",
			zap.String("plugin", f.Name()),
			zap.String("config", f.cfg.ConfigName),
			zap.Error(err))
		f.alarms.Send(telemetry.AlarmCompressFail, f.cfg.ConfigName, err.Error(),
			zap.String("plugin", f.Name()), zap.String("config", f.cfg.ConfigName))
		return false
	}

	item := queue.NewSenderQueueItem(body, len(raw), f, f.queueKey, f.cfg.Stream)
	if group.Checkpoint != nil {
		// Exactly-once: the queue pair shares the checkpoint's feedback key.
		item.Checkpoint = group.Checkpoint
		item.Key = queue.QueueKey(group.Checkpoint.FeedbackKey)
		item.ShardHashKey = group.Checkpoint.HashKey
	}
	return f.pushToQueue(item)
}

func (f *LogService) pushToQueue(item *queue.SenderQueueItem) bool {
	for i := 0; i < pushToQueueRetries; i++ {
		switch f.senderMgr.PushQueue(item.Key, item) {
		case queue.PushOK:
			return true
		case queue.PushQueueNotFound:
			// should not happen
			f.logger.Error("failed to push data to sender queue, queue not found, discard data",
				zap.String("config-flusher-dst", f.cfg.ConfigName))
			f.alarms.Send(telemetry.AlarmDiscardData, f.cfg.ConfigName,
				"failed to push data to sender queue: queue not found")
			return false
		case queue.PushFull:
			if i%100 == 0 {
				f.logger.Warn("push attempts to sender queue continuously failed for the past second, retry again",
					zap.String("config-flusher-dst", f.cfg.ConfigName))
			}
			time.Sleep(pushToQueueInterval)
		}
	}
	f.logger.Warn("failed to push data to sender queue, queue full, discard data",
		zap.String("config-flusher-dst", f.cfg.ConfigName))
	f.alarms.Send(telemetry.AlarmDiscardData, f.cfg.ConfigName,
		"failed to push data to sender queue: queue full")
	return false
}

// BuildRequest signs a POST for one item. Each call counts one dispatch:
// the item's try count advances here.
func (f *LogService) BuildRequest(item *queue.SenderQueueItem) (*sink.Request, error) {
	endpoint := f.clients.GetEndpoint(f.cfg.Region)
	if endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured for region %s", f.cfg.Region)
	}
	item.TryCount++
	item.LastSendTime = time.Now()
	item.CurrentEndpoint = endpoint

	resource := "/logstores/" + item.Stream + "/shards/lb"
	if item.ShardHashKey != "" {
		resource = "/logstores/" + item.Stream + "/shards/route?key=" + url.QueryEscape(item.ShardHashKey)
		if item.Checkpoint != nil {
			resource += "&seqid=" + strconv.FormatInt(item.Checkpoint.SequenceID, 10)
		}
	}
	headers := f.clients.BuildHeaders("POST", resource, "application/x-protobuf", item.Data, item.RawSize, f.cfg.CompressType)
	headers[client.HeaderHost] = f.cfg.Project + "." + endpoint

	return &sink.Request{
		Method:  "POST",
		URL:     f.cfg.Scheme + "://" + f.cfg.Project + "." + endpoint + resource,
		Headers: headers,
		Body:    item.Data,
		Timeout: defaultSendTimeout,
		Item:    item,
	}, nil
}

// OnSendDone applies the retry policy to one completed exchange.
func (f *LogService) OnSendDone(resp *sink.Response, item *queue.SenderQueueItem) {
	sr := ParseServiceResponse(resp)

	if f.cfg.EnableTimeSync {
		n := f.timeSyncCounter.Add(1)
		if (n-1)%timeSyncSampleEvery == 0 || sr.ErrorCode == ErrCodeRequestTimeExpired {
			if sr.ServerTime > 0 {
				f.clients.UpdateServerTime(sr.ServerTime)
			}
		}
	}

	now := time.Now()
	if sr.StatusCode == 200 {
		if item.Checkpoint != nil {
			item.Checkpoint.Commit()
			item.Checkpoint.IncreaseSequenceID()
		}
		f.limiters.Region(f.cfg.Region).OnSuccess()
		f.clients.UpdateEndpointStatus(f.cfg.Region, item.CurrentEndpoint, true)
		telemetry.SendSuccessTotal.Inc()
		f.dealAfterSend(item, false)
		return
	}

	var op operation
	result := ConvertErrorCode(sr.ErrorCode)
	var failDetail string

	switch result {
	case SendResultNetworkError, SendResultServerError:
		if result == SendResultNetworkError {
			failDetail = "network error"
			f.clients.UpdateEndpointStatus(f.cfg.Region, item.CurrentEndpoint, false)
		} else {
			failDetail = "server error"
		}
		f.limiters.Region(f.cfg.Region).OnFail()
		if item.BufferOrNot {
			op = opRetryLater
		} else {
			op = opDiscard
		}
	case SendResultQuotaExceed:
		if sr.ErrorCode == ErrCodeShardWriteQuotaExceed {
			failDetail = "shard write quota exceed"
		} else {
			failDetail = "project write quota exceed"
		}
		f.alarms.Send(telemetry.AlarmSendQuotaExceed, f.cfg.Project+"#"+item.Stream,
			"error_code: "+sr.ErrorCode+", error_message: "+sr.ErrorMsg+", request_id: "+sr.RequestID,
			zap.String("project", f.cfg.Project),
			zap.String("logstore", item.Stream),
			zap.String("region", f.cfg.Region))
		op = opRetryLater
	case SendResultUnauthorized:
		failDetail = "write unauthorized"
		if item.TryCount > unauthorizedTryMax {
			op = opDiscard
		} else if f.clients.RefreshCredentials() {
			op = opRetryNow
		} else {
			op = opRetryLater
		}
	case SendResultParameterInvalid:
		failDetail = "invalid parameters"
		op = defaultOperation(item.TryCount)
	case SendResultInvalidSequenceID:
		failDetail = "invalid exactly-once sequence id"
		if item.Checkpoint == nil {
			// should not happen
			f.alarms.Send(telemetry.AlarmExactlyOnce, f.cfg.ConfigName,
				"drop exactly once log group because of invalid sequence id, request id: "+sr.RequestID)
			op = opDiscard
			break
		}
		// Hash keys come from a UUID source, so a sequence conflict means a
		// collision too rare to recover; commit and drop this group.
		item.Checkpoint.Commit()
		f.alarms.Send(telemetry.AlarmExactlyOnce, f.cfg.ConfigName,
			"drop exactly once log group because of invalid sequence id, checkpoint: "+item.Checkpoint.Key+
				", request id: "+sr.RequestID,
			zap.String("project", f.cfg.Project),
			zap.String("logstore", item.Stream))
		item.Checkpoint.IncreaseSequenceID()
		op = opDiscard
	case SendResultTimeExpired:
		if f.cfg.EnableTimeSync {
			failDetail = "write request expired, will retry"
			op = opRetryNow
			break
		}
		failDetail = "other error"
		op = defaultOperation(item.TryCount)
	default:
		failDetail = "other error"
		op = defaultOperation(item.TryCount)
	}

	if now.Sub(item.EnqueueTime) > discardFailInterval {
		op = opDiscard
	}
	if f.cfg.IsProfileData && item.TryCount >= profileDataTryMax {
		op = opDiscard
	}

	logFields := []zap.Field{
		zap.String("failDetail", failDetail),
		zap.String("operation", op.String()),
		zap.String("requestId", sr.RequestID),
		zap.Int("statusCode", sr.StatusCode),
		zap.String("errorCode", sr.ErrorCode),
		zap.String("errMsg", sr.ErrorMsg),
		zap.String("config", f.cfg.ConfigName),
		zap.String("region", f.cfg.Region),
		zap.String("project", f.cfg.Project),
		zap.String("logstore", item.Stream),
		zap.Uint32("tryCnt", item.TryCount),
		zap.String("endpoint", item.CurrentEndpoint),
	}

	switch op {
	case opRetryNow:
		f.dispatcher.PushToSink(item, false)
	case opRetryLater:
		if sr.ErrorCode == ErrCodeRequestTimeout || now.Unix()-item.LastWarnTime > onFailWarnInterval {
			f.logger.Warn("failed to send request", logFields...)
			item.LastWarnTime = now.Unix()
		}
		f.dealAfterSend(item, true)
	case opDiscard:
		f.logger.Warn("failed to send request", logFields...)
		if !f.cfg.IsProfileData {
			f.alarms.Send(telemetry.AlarmSendDataFail, f.cfg.ConfigName,
				"failed to send request: "+failDetail+", operation: "+op.String()+
					", requestId: "+sr.RequestID+", errorCode: "+sr.ErrorCode,
				zap.String("project", f.cfg.Project),
				zap.String("logstore", item.Stream),
				zap.String("region", f.cfg.Region))
		}
		telemetry.SendDiscardTotal.Inc()
		f.dealAfterSend(item, false)
	}
}

// dealAfterSend finishes one fetched-item cycle: either the item goes back
// to IDLE for a later attempt, or it leaves its queue. Both paths release
// the concurrency slots taken when the item was fetched.
func (f *LogService) dealAfterSend(item *queue.SenderQueueItem, keep bool) {
	if keep {
		item.SetStatus(queue.SendingStatusIdle)
	} else {
		f.senderMgr.RemoveItem(item.Key, item)
	}
	f.senderMgr.DecreaseSendingCnt(item.Key)
}
