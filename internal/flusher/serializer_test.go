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
	"testing"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"gleaner/internal/model"
)

// decodeLogGroup walks the serialized payload and extracts log timestamps,
// contents and tags for verification.
func decodeLogGroup(t *testing.T, data []byte) (logs []map[string]string, tags map[string]string) {
	t.Helper()
	tags = map[string]string{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		require.GreaterOrEqual(t, n, 0)
		data = data[n:]
		require.Equal(t, protowire.BytesType, typ)
		payload, n := protowire.ConsumeBytes(data)
		require.GreaterOrEqual(t, n, 0)
		data = data[n:]
		switch num {
		case fieldLogGroupLogs:
			logs = append(logs, decodeLog(t, payload))
		case fieldLogGroupTags:
			k, v := decodeKV(t, payload)
			tags[k] = v
		}
	}
	return logs, tags
}

func decodeLog(t *testing.T, data []byte) map[string]string {
	t.Helper()
	contents := map[string]string{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		require.GreaterOrEqual(t, n, 0)
		data = data[n:]
		if typ == protowire.VarintType {
			_, n := protowire.ConsumeVarint(data)
			require.GreaterOrEqual(t, n, 0)
			data = data[n:]
			continue
		}
		payload, n := protowire.ConsumeBytes(data)
		require.GreaterOrEqual(t, n, 0)
		data = data[n:]
		if num == fieldLogContents {
			k, v := decodeKV(t, payload)
			contents[k] = v
		}
	}
	return contents
}

func decodeKV(t *testing.T, data []byte) (string, string) {
	t.Helper()
	var key, value string
	for len(data) > 0 {
		num, _, n := protowire.ConsumeTag(data)
		require.GreaterOrEqual(t, n, 0)
		data = data[n:]
		payload, n := protowire.ConsumeBytes(data)
		require.GreaterOrEqual(t, n, 0)
		data = data[n:]
		switch num {
		case fieldKVKey:
			key = string(payload)
		case fieldKVValue:
			value = string(payload)
		}
	}
	return key, value
}

func TestSerializeLogGroup(t *testing.T) {
	group := &model.PipelineEventGroup{
		Tags: map[string]string{"__topic__": "app", "host": "web-1"},
		Events: []model.Event{
			&model.LogEvent{Time: time.Unix(1700000000, 0), Contents: []model.KV{{Key: "level", Value: "info"}}},
			&model.MetricEvent{Name: "rps", Value: 42.5, Time: time.Unix(1700000001, 0),
				Labels: map[string]string{"path": "/api"}},
		},
	}
	data, err := SerializeLogGroup(group, "10.0.0.1", "ABCD-1", 0)
	require.NoError(t, err)

	logs, tags := decodeLogGroup(t, data)
	require.Len(t, logs, 2)
	assert.Equal(t, "info", logs[0]["level"])
	assert.Equal(t, "rps", logs[1]["__name__"])
	assert.Equal(t, "42.5", logs[1]["__value__"])
	assert.Equal(t, "/api", logs[1]["path"])
	assert.Equal(t, "web-1", tags["host"])
	assert.Equal(t, "ABCD-1", tags[tagPackID])
	assert.NotContains(t, tags, "__topic__", "topic rides its own field, not a tag")
}

func TestSerializeLogGroup_EmptyGroup(t *testing.T) {
	_, err := SerializeLogGroup(&model.PipelineEventGroup{}, "", "", 0)
	assert.Error(t, err)
}

func TestCompress_LZ4RoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeatedly and compressibly: " +
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	compressed, err := Compress(payload, CompressLZ4)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(payload))

	out := make([]byte, len(payload))
	n, err := lz4.UncompressBlock(compressed, out)
	require.NoError(t, err)
	assert.Equal(t, payload, out[:n])
}

func TestCompress_UnknownType(t *testing.T) {
	_, err := Compress([]byte("x"), "brotli")
	assert.Error(t, err)
}

func TestPackIDManager(t *testing.T) {
	m := NewPackIDManager(time.Minute)
	first := m.NextPackID("SRC")
	second := m.NextPackID("SRC")
	assert.Equal(t, "SRC-0", first)
	assert.Equal(t, "SRC-1", second)
	assert.Equal(t, "OTHER-0", m.NextPackID("OTHER"))
}

func TestPackIDManager_GC(t *testing.T) {
	m := NewPackIDManager(time.Nanosecond)
	m.NextPackID("SRC")
	time.Sleep(time.Millisecond)
	m.GC()
	assert.Equal(t, "SRC-0", m.NextPackID("SRC"), "an expired sequence restarts")
}
