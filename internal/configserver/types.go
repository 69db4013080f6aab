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

// Package configserver maintains the agent's pipeline and instance config
// directories from a control-plane server: a heartbeat reports local config
// state, the response (inline or via a follow-up fetch) carries updates, and
// each update is written atomically as <name>.json with its version embedded.
package configserver

// ConfigStatus is the lifecycle state reported for each local config.
type ConfigStatus int32

const (
	StatusUnset ConfigStatus = iota
	StatusApplying
	StatusApplied
	StatusFailed
	StatusDeleted
)

func (s ConfigStatus) String() string {
	switch s {
	case StatusApplying:
		return "APPLYING"
	case StatusApplied:
		return "APPLIED"
	case StatusFailed:
		return "FAILED"
	case StatusDeleted:
		return "DELETED"
	default:
		return "UNSET"
	}
}

// ConfigInfo is the local record of one named config.
type ConfigInfo struct {
	Name    string
	Version int64
	Status  ConfigStatus
	Detail  string
	Message string
}

// CommandInfo mirrors a one-shot command acknowledged through heartbeats.
type CommandInfo struct {
	Type    string
	Name    string
	Status  ConfigStatus
	Message string
}

// Capability bits advertised in heartbeats.
const (
	CapAcceptsPipelineConfig uint64 = 1 << 0
	CapAcceptsInstanceConfig uint64 = 1 << 1
)

// Response flag bits.
const (
	FlagFetchPipelineConfigDetail uint64 = 1 << 0
	FlagFetchInstanceConfigDetail uint64 = 1 << 1
)

// AgentGroupTag labels this agent for server-side grouping.
type AgentGroupTag struct {
	Name  string
	Value string
}

// AgentAttributes carries host identity in heartbeats.
type AgentAttributes struct {
	Version  string
	IP       string
	Hostname string
	Extras   map[string]string
}

// HeartbeatRequest is the agent→server report.
type HeartbeatRequest struct {
	RequestID       string
	SequenceNum     uint64
	Capabilities    uint64
	InstanceID      string
	AgentType       string
	Attributes      AgentAttributes
	Tags            []AgentGroupTag
	RunningStatus   string
	StartupTime     int64
	PipelineConfigs []ConfigInfo
	InstanceConfigs []ConfigInfo
	CustomCommands  []CommandInfo
}

// ConfigDetail is one config update delivered by the server. Version -1
// instructs deletion.
type ConfigDetail struct {
	Name    string
	Version int64
	Detail  []byte
}

// HeartbeatResponse is the server→agent reply.
type HeartbeatResponse struct {
	RequestID             string
	Flags                 uint64
	PipelineConfigUpdates []ConfigDetail
	InstanceConfigUpdates []ConfigDetail
}

// FetchConfigRequest lists the (name, version) pairs whose details the agent
// wants after a flagged heartbeat.
type FetchConfigRequest struct {
	RequestID  string
	InstanceID string
	ReqConfigs []ConfigInfo
}

// FetchConfigResponse carries the requested details.
type FetchConfigResponse struct {
	RequestID     string
	ConfigDetails []ConfigDetail
}
