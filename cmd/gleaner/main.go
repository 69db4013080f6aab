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

// Command gleaner runs the collection agent: it wires the queue managers,
// the flusher runner and HTTP sink, the config-server provider and the
// scrape scheduler, then waits for a signal.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"gleaner/internal/buffer"
	"gleaner/internal/checkpoint"
	"gleaner/internal/client"
	"gleaner/internal/configserver"
	"gleaner/internal/flusher"
	"gleaner/internal/hostinfo"
	"gleaner/internal/model"
	"gleaner/internal/pipeline"
	"gleaner/internal/queue"
	"gleaner/internal/runner"
	"gleaner/internal/scrape"
	"gleaner/internal/sink"
	"gleaner/internal/telemetry"
)

// agentConfig is the on-disk agent configuration.
type agentConfig struct {
	DataDir string `yaml:"data_dir"`

	ConfigServer struct {
		Endpoints         []string          `yaml:"endpoints"` // host:port
		HeartbeatInterval int               `yaml:"heartbeat_interval_seconds"`
		Tags              map[string]string `yaml:"tags"`
	} `yaml:"config_server"`

	Send struct {
		RequestConcurrency int  `yaml:"request_concurrency"`
		FullDrainOnStop    bool `yaml:"full_drain_on_stop"`
	} `yaml:"send"`

	Checkpoint struct {
		Backend   string `yaml:"backend"` // disk | redis
		RedisAddr string `yaml:"redis_addr"`
	} `yaml:"checkpoint"`

	Credentials struct {
		AccessKeyID     string `yaml:"access_key_id"`
		AccessKeySecret string `yaml:"access_key_secret"`
	} `yaml:"credentials"`

	PreferredCIDRs  []string `yaml:"preferred_cidrs"`
	CustomUserAgent string   `yaml:"custom_user_agent"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	ProcessThreads  int      `yaml:"process_threads"`
}

func loadConfig(path string) (*agentConfig, error) {
	cfg := &agentConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Send.RequestConcurrency <= 0 {
		cfg.Send.RequestConcurrency = 10
	}
	if cfg.ProcessThreads <= 0 {
		cfg.ProcessThreads = 2
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9105"
	}
	return cfg, nil
}

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to the agent config file (YAML)")
	devLogging := pflag.Bool("dev-logging", false, "Use the console-friendly development logger")
	pflag.Parse()

	var logger *zap.Logger
	var err error
	if *devLogging {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	host := hostinfo.Collect(cfg.PreferredCIDRs, nil)
	logger.Info("starting agent",
		zap.String("version", hostinfo.Version),
		zap.String("hostname", host.Hostname),
		zap.String("ip", host.IP),
		zap.String("env", host.Env))

	// Core registries and managers. Everything is an owned component handed
	// down by reference; nothing global.
	keys := queue.NewKeyRegistry()
	pipelines := model.NewPipelineRegistry()
	eoMgr := queue.NewExactlyOnceQueueManager(keys)
	senderMgr := queue.NewSenderQueueManager(keys, eoMgr, queue.SenderQueueManagerOptions{})
	eoMgr.SetFeedback(senderMgr.Feedback)
	processMgr := queue.NewProcessQueueManager(keys, pipelines, eoMgr, cfg.ProcessThreads)

	alarms := telemetry.NewAlarmManager(logger, 0)

	creds := client.StaticCredentials{C: client.Credentials{
		AccessKeyID:     cfg.Credentials.AccessKeyID,
		AccessKeySecret: cfg.Credentials.AccessKeySecret,
	}}
	clients := client.NewManager(logger, host.UserAgent(cfg.CustomUserAgent), creds)

	// Checkpoint store construction fails hard: a broken store would
	// silently void the exactly-once guarantee.
	cptStore, err := checkpoint.BuildStore(checkpoint.Options{
		Backend: cfg.Checkpoint.Backend,
		Dir:     cfg.DataDir + "/checkpoints",
		Redis:   checkpoint.RedisOptions{Addr: cfg.Checkpoint.RedisAddr},
	})
	if err != nil {
		logger.Fatal("failed to init checkpoint store", zap.Error(err))
	}

	httpSink := sink.New(logger, sink.Options{Concurrency: cfg.Send.RequestConcurrency})
	httpSink.Start()

	spill, err := buffer.NewFileWriter(cfg.DataDir+"/buffer", keys)
	if err != nil {
		logger.Fatal("failed to init disk buffer", zap.Error(err))
	}

	packIDs := flusher.NewPackIDManager(0)
	flusherRunner := runner.New(logger, runner.Options{
		SenderManager:   senderMgr,
		ExactlyOnceMgr:  eoMgr,
		Sink:            httpSink,
		Spill:           spill,
		PackIDs:         packIDs,
		Housekeepers:    []runner.Housekeeper{httpSink},
		FullDrainOnStop: cfg.Send.FullDrainOnStop,
	})
	flusherRunner.Start()

	// Remote configuration.
	var provider *configserver.Provider
	if len(cfg.ConfigServer.Endpoints) > 0 {
		var addrs []configserver.Address
		for _, ep := range cfg.ConfigServer.Endpoints {
			hostPart, portPart, found := strings.Cut(ep, ":")
			if !found {
				logger.Warn("ignoring config server endpoint without port", zap.String("endpoint", ep))
				continue
			}
			port, err := strconv.Atoi(portPart)
			if err != nil {
				logger.Warn("ignoring config server endpoint with invalid port", zap.String("endpoint", ep))
				continue
			}
			addrs = append(addrs, configserver.Address{Host: hostPart, Port: port})
		}
		provider = configserver.NewProvider(logger, configserver.Options{
			Addresses:         addrs,
			HeartbeatInterval: time.Duration(cfg.ConfigServer.HeartbeatInterval) * time.Second,
			PipelineConfigDir: cfg.DataDir + "/pipeline_config",
			InstanceConfigDir: cfg.DataDir + "/instance_config",
			InstanceID:        uuid.NewString(),
			StartupTime:       time.Now().Unix(),
			Tags:              cfg.ConfigServer.Tags,
			Host:              host,
		})
		provider.Start()
	}

	legacy := configserver.NewLegacyWatcher(logger, cfg.DataDir+"/legacy_config", cfg.DataDir+"/pipeline_config")
	if err := legacy.Start(); err != nil {
		logger.Warn("legacy config watcher disabled", zap.Error(err))
		legacy = nil
	}

	// Scrape scheduling is active only when an operator is configured.
	var scheduler *scrape.Scheduler
	if os.Getenv("OPERATOR_HOST") != "" {
		operator := scrape.NewOperatorClientFromEnv(logger)
		scheduler = scrape.NewScheduler(logger, operator, processMgr)
		go func() {
			if err := scheduler.Start(); err != nil {
				logger.Error("scrape scheduler failed to start", zap.Error(err))
			}
		}()
	}

	// Pipeline reconciliation over the active config directory.
	var feedback pipeline.StatusFeedback
	if provider != nil {
		feedback = provider
	}
	loader := pipeline.NewLoader(logger, cfg.DataDir+"/pipeline_config", pipeline.Deps{
		Keys:           keys,
		Pipelines:      pipelines,
		ProcessMgr:     processMgr,
		SenderMgr:      senderMgr,
		ExactlyOnceMgr: eoMgr,
		Checkpoints:    cptStore,
		Clients:        clients,
		Alarms:         alarms,
		Limiters:       flusher.NewLimiterRegistry(),
		PackIDs:        packIDs,
		Scheduler:      scheduler,
		Feedback:       feedback,
		Dispatcher:     flusherRunner,
	})
	loader.Start()

	// Self-telemetry endpoint.
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	loader.Stop()
	if scheduler != nil {
		scheduler.Stop()
	}
	if legacy != nil {
		legacy.Stop()
	}
	if provider != nil {
		provider.Stop()
	}
	flusherRunner.Stop()
	httpSink.Stop(5 * time.Second)
	spill.Close()
	metricsServer.Close()
	logger.Info("agent stopped")
}
