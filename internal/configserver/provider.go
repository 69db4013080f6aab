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

package configserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gleaner/internal/hostinfo"
	"gleaner/internal/telemetry"
)

const (
	operationPrefix      = "/ConfigServerAgent"
	opHeartbeat          = operationPrefix + "/Heartbeat"
	opFetchPipelineConf  = operationPrefix + "/FetchPipelineConfig"
	opFetchInstanceConf  = operationPrefix + "/FetchInstanceConfig"
	contentTypeProtobuf  = "application/x-protobuf"
	headerRequestID      = "X-Log-Request-Id"
	defaultHeartbeatSecs = 10
	checkTick            = 3 * time.Second
	requestTimeout       = 10 * time.Second

	// versionKey is the field embedded into every dumped config detail.
	versionKey = "version"
)

// Address is one config-server endpoint.
type Address struct {
	Host string
	Port int
}

// Options configures the provider.
type Options struct {
	Addresses         []Address
	HeartbeatInterval time.Duration
	PipelineConfigDir string
	InstanceConfigDir string
	InstanceID        string
	StartupTime       int64
	Tags              map[string]string
	Host              hostinfo.Info
	HTTPClient        *http.Client // tests
}

// Provider runs the v2 heartbeat+fetch+apply loop against one server set.
type Provider struct {
	logger *zap.Logger
	opts   Options

	client *http.Client

	seqNum uint64

	addrMu sync.Mutex
	addrID int

	pipelineMu    sync.Mutex
	pipelineInfos map[string]ConfigInfo

	instanceMu    sync.Mutex
	instanceInfos map[string]ConfigInfo

	commandMu sync.Mutex
	commands  map[string]CommandInfo

	available bool

	// retryBackoff paces heartbeats after a failed cycle so an unreachable
	// server set is not hammered at the regular interval.
	retryBackoff backoff.BackOff

	stop chan struct{}
	wg   sync.WaitGroup
	rng  *rand.Rand
}

func NewProvider(logger *zap.Logger, opts Options) *Provider {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatSecs * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0
	return &Provider{
		logger:        logger,
		opts:          opts,
		client:        client,
		pipelineInfos: make(map[string]ConfigInfo),
		instanceInfos: make(map[string]ConfigInfo),
		commands:      make(map[string]CommandInfo),
		available:     len(opts.Addresses) > 0,
		retryBackoff:  bo,
		stop:          make(chan struct{}),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start re-registers on-disk configs and launches the update worker.
func (p *Provider) Start() {
	p.loadConfigFiles()
	p.wg.Add(1)
	go p.checkUpdateLoop()
}

// Stop signals the worker and waits briefly.
func (p *Provider) Stop() {
	close(p.stop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("config provider stopped")
	case <-time.After(time.Second):
		p.logger.Warn("config provider forced to stop")
	}
}

// loadConfigFiles re-registers every <name>.json from both config dirs with
// status APPLYING so the server learns what survived the restart.
func (p *Provider) loadConfigFiles() {
	scan := func(dir string, store map[string]ConfigInfo, mu *sync.Mutex) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			var detail map[string]any
			if err := json.Unmarshal(data, &detail); err != nil {
				continue
			}
			info := ConfigInfo{
				Name:   strings.TrimSuffix(e.Name(), ".json"),
				Status: StatusApplying,
				Detail: string(data),
			}
			if v, ok := detail[versionKey].(float64); ok {
				info.Version = int64(v)
			}
			mu.Lock()
			store[info.Name] = info
			mu.Unlock()
		}
	}
	scan(p.opts.PipelineConfigDir, p.pipelineInfos, &p.pipelineMu)
	scan(p.opts.InstanceConfigDir, p.instanceInfos, &p.instanceMu)
}

func (p *Provider) checkUpdateLoop() {
	defer p.wg.Done()
	// Stagger startup so a fleet does not heartbeat in lockstep.
	select {
	case <-time.After(time.Duration(p.rng.Intn(10)) * 100 * time.Millisecond):
	case <-p.stop:
		return
	}
	next := time.Now().Add(p.opts.HeartbeatInterval)
	ticker := time.NewTicker(checkTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Now().Before(next) {
				continue
			}
			if p.GetConfigUpdate() {
				p.retryBackoff.Reset()
				next = time.Now().Add(p.opts.HeartbeatInterval)
			} else {
				next = time.Now().Add(p.retryBackoff.NextBackOff())
			}
		case <-p.stop:
			return
		}
	}
}

// GetOneAddress picks the active config-server address. With change=true it
// selects a different random index (when more than one exists).
func (p *Provider) GetOneAddress(change bool) (Address, bool) {
	p.addrMu.Lock()
	defer p.addrMu.Unlock()
	if len(p.opts.Addresses) == 0 {
		return Address{}, false
	}
	if change && len(p.opts.Addresses) > 1 {
		next := p.rng.Intn(len(p.opts.Addresses))
		for next == p.addrID {
			next = p.rng.Intn(len(p.opts.Addresses))
		}
		p.addrID = next
	}
	return p.opts.Addresses[p.addrID], true
}

// GetConfigUpdate runs one heartbeat cycle. A false return means the server
// could not be reached (or answered garbage) and the caller should back off.
func (p *Provider) GetConfigUpdate() bool {
	if !p.available {
		return false
	}
	req := p.prepareHeartbeat()
	resp, ok := p.sendHeartbeat(req)
	if !ok {
		return false
	}
	if updates, ok := p.fetchPipelineConfig(resp); ok && len(updates) > 0 {
		p.updateRemotePipelineConfig(updates)
	}
	if updates, ok := p.fetchInstanceConfig(resp); ok && len(updates) > 0 {
		p.updateRemoteInstanceConfig(updates)
	}
	p.seqNum++
	return true
}

func (p *Provider) prepareHeartbeat() *HeartbeatRequest {
	req := &HeartbeatRequest{
		RequestID:    uuid.NewString(),
		SequenceNum:  p.seqNum,
		Capabilities: CapAcceptsPipelineConfig | CapAcceptsInstanceConfig,
		InstanceID:   p.opts.InstanceID,
		AgentType:    hostinfo.Product,
		Attributes: AgentAttributes{
			Version:  hostinfo.Version,
			IP:       p.opts.Host.IP,
			Hostname: p.opts.Host.Hostname,
			Extras:   map[string]string{"osDetail": p.opts.Host.OSDetail},
		},
		RunningStatus: "running",
		StartupTime:   p.opts.StartupTime,
	}
	for k, v := range p.opts.Tags {
		req.Tags = append(req.Tags, AgentGroupTag{Name: k, Value: v})
	}
	p.pipelineMu.Lock()
	for _, info := range p.pipelineInfos {
		req.PipelineConfigs = append(req.PipelineConfigs, info)
	}
	p.pipelineMu.Unlock()
	p.instanceMu.Lock()
	for _, info := range p.instanceInfos {
		req.InstanceConfigs = append(req.InstanceConfigs, info)
	}
	p.instanceMu.Unlock()
	p.commandMu.Lock()
	for _, cmd := range p.commands {
		req.CustomCommands = append(req.CustomCommands, cmd)
	}
	p.commandMu.Unlock()
	return req
}

func (p *Provider) sendHeartbeat(req *HeartbeatRequest) (*HeartbeatResponse, bool) {
	body, ok := p.sendRequest(opHeartbeat, MarshalHeartbeatRequest(req), req.RequestID, "SendHeartbeat")
	if !ok {
		return nil, false
	}
	resp, err := UnmarshalHeartbeatResponse(body)
	if err != nil {
		p.logger.Warn("failed to decode heartbeat response", zap.Error(err))
		return nil, false
	}
	return resp, true
}

// sendRequest posts one protobuf body; a network failure rotates the server
// for the next cycle.
func (p *Provider) sendRequest(operation string, body []byte, requestID, what string) ([]byte, bool) {
	addr, ok := p.GetOneAddress(false)
	if !ok {
		return nil, false
	}
	url := fmt.Sprintf("http://%s:%d%s", addr.Host, addr.Port, operation)
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	httpReq.Header.Set("Content-Type", contentTypeProtobuf)
	httpReq.Header.Set(headerRequestID, requestID)
	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.logger.Warn(what+" failed",
			zap.String("host", addr.Host),
			zap.Int("port", addr.Port),
			zap.Error(err))
		p.GetOneAddress(true)
		return nil, false
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		p.logger.Warn(what+" failed",
			zap.Int("statusCode", resp.StatusCode),
			zap.String("host", addr.Host),
			zap.Error(err))
		return nil, false
	}
	return data, true
}

// fetchPipelineConfig resolves the pipeline updates: inline unless the
// response flags a detail fetch.
func (p *Provider) fetchPipelineConfig(resp *HeartbeatResponse) ([]ConfigDetail, bool) {
	if resp.Flags&FlagFetchPipelineConfigDetail != 0 {
		return p.fetchFromServer(opFetchPipelineConf, resp.PipelineConfigUpdates)
	}
	return resp.PipelineConfigUpdates, true
}

func (p *Provider) fetchInstanceConfig(resp *HeartbeatResponse) ([]ConfigDetail, bool) {
	if resp.Flags&FlagFetchInstanceConfigDetail != 0 {
		return p.fetchFromServer(opFetchInstanceConf, resp.InstanceConfigUpdates)
	}
	return resp.InstanceConfigUpdates, true
}

func (p *Provider) fetchFromServer(operation string, updates []ConfigDetail) ([]ConfigDetail, bool) {
	req := &FetchConfigRequest{
		RequestID:  uuid.NewString(),
		InstanceID: p.opts.InstanceID,
	}
	for _, u := range updates {
		req.ReqConfigs = append(req.ReqConfigs, ConfigInfo{Name: u.Name, Version: u.Version})
	}
	body, ok := p.sendRequest(operation, MarshalFetchConfigRequest(req), req.RequestID, "FetchConfig")
	if !ok {
		return nil, false
	}
	resp, err := UnmarshalFetchConfigResponse(body)
	if err != nil {
		p.logger.Warn("failed to decode fetch config response", zap.Error(err))
		return nil, false
	}
	return resp.ConfigDetails, true
}

// dumpConfigFile writes the detail (with version embedded) via temp file and
// atomic rename; a failure leaves the previous file intact.
func (p *Provider) dumpConfigFile(config ConfigDetail, dir string) bool {
	var detail map[string]any
	if err := json.Unmarshal(config.Detail, &detail); err != nil {
		p.logger.Warn("failed to parse config detail",
			zap.String("name", config.Name),
			zap.Error(err))
		return false
	}
	detail[versionKey] = config.Version
	data, err := json.MarshalIndent(detail, "", "    ")
	if err != nil {
		return false
	}
	target := filepath.Join(dir, config.Name+".json")
	tmp := target + ".new"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		p.logger.Warn("failed to write config file", zap.String("path", tmp), zap.Error(err))
		return false
	}
	if err := os.Rename(tmp, target); err != nil {
		p.logger.Warn("failed to dump config file", zap.String("path", target), zap.Error(err))
		os.Remove(tmp)
		return false
	}
	return true
}

func (p *Provider) updateRemotePipelineConfig(configs []ConfigDetail) {
	dir := p.opts.PipelineConfigDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.available = false
		p.logger.Error("failed to create dir for remote configs, stop receiving configs",
			zap.String("dir", dir), zap.Error(err))
		return
	}
	p.pipelineMu.Lock()
	defer p.pipelineMu.Unlock()
	for _, config := range configs {
		path := filepath.Join(dir, config.Name+".json")
		if config.Version == -1 {
			delete(p.pipelineInfos, config.Name)
			os.Remove(path)
			continue
		}
		if !p.dumpConfigFile(config, dir) {
			p.pipelineInfos[config.Name] = ConfigInfo{
				Name: config.Name, Version: config.Version,
				Status: StatusFailed, Detail: string(config.Detail),
			}
			continue
		}
		p.pipelineInfos[config.Name] = ConfigInfo{
			Name: config.Name, Version: config.Version,
			Status: StatusApplying, Detail: string(config.Detail),
		}
		telemetry.ConfigApplyTotal.Inc()
	}
}

func (p *Provider) updateRemoteInstanceConfig(configs []ConfigDetail) {
	dir := p.opts.InstanceConfigDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.available = false
		p.logger.Error("failed to create dir for remote configs, stop receiving configs",
			zap.String("dir", dir), zap.Error(err))
		return
	}
	p.instanceMu.Lock()
	defer p.instanceMu.Unlock()
	for _, config := range configs {
		path := filepath.Join(dir, config.Name+".json")
		if config.Version == -1 {
			delete(p.instanceInfos, config.Name)
			os.Remove(path)
			continue
		}
		if !p.dumpConfigFile(config, dir) {
			p.instanceInfos[config.Name] = ConfigInfo{
				Name: config.Name, Version: config.Version,
				Status: StatusFailed, Detail: string(config.Detail),
			}
			continue
		}
		p.instanceInfos[config.Name] = ConfigInfo{
			Name: config.Name, Version: config.Version,
			Status: StatusApplying, Detail: string(config.Detail),
		}
		telemetry.ConfigApplyTotal.Inc()
	}
}

// FeedbackPipelineConfigStatus records the apply outcome reported by the
// pipeline loader; it rides the next heartbeat.
func (p *Provider) FeedbackPipelineConfigStatus(name string, status ConfigStatus) {
	p.pipelineMu.Lock()
	defer p.pipelineMu.Unlock()
	if info, ok := p.pipelineInfos[name]; ok {
		info.Status = status
		p.pipelineInfos[name] = info
	}
}

// FeedbackInstanceConfigStatus is the instance-config counterpart.
func (p *Provider) FeedbackInstanceConfigStatus(name string, status ConfigStatus) {
	p.instanceMu.Lock()
	defer p.instanceMu.Unlock()
	if info, ok := p.instanceInfos[name]; ok {
		info.Status = status
		p.instanceInfos[name] = info
	}
}

// PipelineConfigInfo returns a copy of the local record (tests, status API).
func (p *Provider) PipelineConfigInfo(name string) (ConfigInfo, bool) {
	p.pipelineMu.Lock()
	defer p.pipelineMu.Unlock()
	info, ok := p.pipelineInfos[name]
	return info, ok
}

// InstanceConfigInfo returns a copy of the local record.
func (p *Provider) InstanceConfigInfo(name string) (ConfigInfo, bool) {
	p.instanceMu.Lock()
	defer p.instanceMu.Unlock()
	info, ok := p.instanceInfos[name]
	return info, ok
}
