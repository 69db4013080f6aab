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

// The heartbeat protocol bodies are protobuf. The message set is small and
// versioned by hand, so the codec below encodes with protowire directly
// instead of carrying generated code.
//
// Field numbers:
//
//	AgentGroupTag     { name=1; value=2 }
//	ConfigInfo        { name=1; version=2; status=3; message=4 }
//	CommandInfo       { type=1; name=2; status=3; message=4 }
//	AgentAttributes   { version=1; ip=2; hostname=3; extras=100 (map<string,string>) }
//	HeartbeatRequest  { request_id=1; sequence_num=2; capabilities=3;
//	                    instance_id=4; agent_type=5; attributes=6; tags=7;
//	                    running_status=8; startup_time=9; pipeline_configs=10;
//	                    instance_configs=11; custom_commands=12 }
//	ConfigDetail      { name=1; version=2; detail=3 }
//	HeartbeatResponse { request_id=1; flags=2; pipeline_config_updates=3;
//	                    instance_config_updates=4 }
//	FetchConfigRequest  { request_id=1; instance_id=2; req_configs=3 }
//	FetchConfigResponse { request_id=1; config_details=2 }

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendString(buf []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

func appendBytesField(buf []byte, num protowire.Number, b []byte) []byte {
	if len(b) == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, b)
}

func appendUint(buf []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

func appendInt(buf []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(v))
}

func marshalConfigInfo(c ConfigInfo) []byte {
	var buf []byte
	buf = appendString(buf, 1, c.Name)
	buf = appendInt(buf, 2, c.Version)
	buf = appendInt(buf, 3, int64(c.Status))
	buf = appendString(buf, 4, c.Message)
	return buf
}

func marshalCommandInfo(c CommandInfo) []byte {
	var buf []byte
	buf = appendString(buf, 1, c.Type)
	buf = appendString(buf, 2, c.Name)
	buf = appendInt(buf, 3, int64(c.Status))
	buf = appendString(buf, 4, c.Message)
	return buf
}

func marshalAttributes(a AgentAttributes) []byte {
	var buf []byte
	buf = appendString(buf, 1, a.Version)
	buf = appendString(buf, 2, a.IP)
	buf = appendString(buf, 3, a.Hostname)
	for k, v := range a.Extras {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, v)
		buf = appendBytesField(buf, 100, entry)
	}
	return buf
}

// MarshalHeartbeatRequest encodes the heartbeat body.
func MarshalHeartbeatRequest(r *HeartbeatRequest) []byte {
	var buf []byte
	buf = appendString(buf, 1, r.RequestID)
	buf = appendUint(buf, 2, r.SequenceNum)
	buf = appendUint(buf, 3, r.Capabilities)
	buf = appendString(buf, 4, r.InstanceID)
	buf = appendString(buf, 5, r.AgentType)
	buf = appendBytesField(buf, 6, marshalAttributes(r.Attributes))
	for _, t := range r.Tags {
		var tag []byte
		tag = appendString(tag, 1, t.Name)
		tag = appendString(tag, 2, t.Value)
		buf = appendBytesField(buf, 7, tag)
	}
	buf = appendString(buf, 8, r.RunningStatus)
	buf = appendInt(buf, 9, r.StartupTime)
	for _, c := range r.PipelineConfigs {
		buf = appendBytesField(buf, 10, marshalConfigInfo(c))
	}
	for _, c := range r.InstanceConfigs {
		buf = appendBytesField(buf, 11, marshalConfigInfo(c))
	}
	for _, c := range r.CustomCommands {
		buf = appendBytesField(buf, 12, marshalCommandInfo(c))
	}
	return buf
}

// MarshalFetchConfigRequest encodes the detail-fetch body.
func MarshalFetchConfigRequest(r *FetchConfigRequest) []byte {
	var buf []byte
	buf = appendString(buf, 1, r.RequestID)
	buf = appendString(buf, 2, r.InstanceID)
	for _, c := range r.ReqConfigs {
		buf = appendBytesField(buf, 3, marshalConfigInfo(c))
	}
	return buf
}

// scanFields walks one message's fields.
func scanFields(data []byte, visit func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := visit(num, typ, nil, v); err != nil {
				return err
			}
			data = data[n:]
		case protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := visit(num, typ, b, 0); err != nil {
				return err
			}
			data = data[n:]
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		case protowire.Fixed64Type:
			_, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		default:
			return fmt.Errorf("configserver: unsupported wire type %d", typ)
		}
	}
	return nil
}

func unmarshalConfigDetail(data []byte) (ConfigDetail, error) {
	var d ConfigDetail
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) error {
		switch num {
		case 1:
			d.Name = string(payload)
		case 2:
			d.Version = int64(varint)
		case 3:
			d.Detail = append([]byte(nil), payload...)
		}
		return nil
	})
	return d, err
}

// UnmarshalHeartbeatResponse decodes the server reply.
func UnmarshalHeartbeatResponse(data []byte) (*HeartbeatResponse, error) {
	resp := &HeartbeatResponse{}
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) error {
		switch num {
		case 1:
			resp.RequestID = string(payload)
		case 2:
			resp.Flags = varint
		case 3:
			d, err := unmarshalConfigDetail(payload)
			if err != nil {
				return err
			}
			resp.PipelineConfigUpdates = append(resp.PipelineConfigUpdates, d)
		case 4:
			d, err := unmarshalConfigDetail(payload)
			if err != nil {
				return err
			}
			resp.InstanceConfigUpdates = append(resp.InstanceConfigUpdates, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode heartbeat response: %w", err)
	}
	return resp, nil
}

// UnmarshalFetchConfigResponse decodes a detail-fetch reply.
func UnmarshalFetchConfigResponse(data []byte) (*FetchConfigResponse, error) {
	resp := &FetchConfigResponse{}
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) error {
		switch num {
		case 1:
			resp.RequestID = string(payload)
		case 2:
			d, err := unmarshalConfigDetail(payload)
			if err != nil {
				return err
			}
			resp.ConfigDetails = append(resp.ConfigDetails, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode fetch config response: %w", err)
	}
	return resp, nil
}
