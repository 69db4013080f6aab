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
	"bytes"
	"fmt"
	"strconv"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"google.golang.org/protobuf/encoding/protowire"

	"gleaner/internal/model"
)

// Compression selectors accepted by the log-service flusher.
const (
	CompressLZ4  = "lz4"
	CompressZstd = "zstd"
	CompressGzip = "gzip"
	CompressNone = "none"
)

// Log-group wire schema field numbers. The payload is a protobuf LogGroup:
//
//	LogGroup  { repeated Log logs=1; string category=2; string topic=3;
//	            string source=4; string machine_uuid=5; repeated LogTag tags=6; }
//	Log       { uint32 time=1; repeated Content contents=2; }
//	Content   { string key=1; string value=2; }
//	LogTag    { string key=1; string value=2; }
//
// Encoding goes through protowire directly; the schema is small and frozen,
// so generated code would buy nothing over a hand-rolled appender.
const (
	fieldLogGroupLogs   = 1
	fieldLogGroupTopic  = 3
	fieldLogGroupSource = 4
	fieldLogGroupTags   = 6

	fieldLogTime     = 1
	fieldLogContents = 2

	fieldKVKey   = 1
	fieldKVValue = 2
)

// tagPackID is the tag key carrying the pack identity of a payload.
const tagPackID = "__pack_id__"

// SerializeLogGroup encodes a group's events into the log-group payload.
// timeDelta (seconds) adjusts event timestamps for server clock skew.
// Metric events are flattened into logs with __name__/__value__ contents so
// mixed pipelines serialize uniformly.
func SerializeLogGroup(group *model.PipelineEventGroup, source, packID string, timeDelta int64) ([]byte, error) {
	if len(group.Events) == 0 {
		return nil, fmt.Errorf("serialize: empty event group")
	}
	var buf []byte
	for _, ev := range group.Events {
		logBytes, err := serializeEvent(ev, timeDelta)
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, fieldLogGroupLogs, protowire.BytesType)
		buf = protowire.AppendBytes(buf, logBytes)
	}
	if topic, ok := group.Tags["__topic__"]; ok {
		buf = protowire.AppendTag(buf, fieldLogGroupTopic, protowire.BytesType)
		buf = protowire.AppendString(buf, topic)
	}
	if source != "" {
		buf = protowire.AppendTag(buf, fieldLogGroupSource, protowire.BytesType)
		buf = protowire.AppendString(buf, source)
	}
	for k, v := range group.Tags {
		if k == "__topic__" {
			continue
		}
		buf = appendTag(buf, fieldLogGroupTags, k, v)
	}
	if packID != "" {
		buf = appendTag(buf, fieldLogGroupTags, tagPackID, packID)
	}
	return buf, nil
}

func serializeEvent(ev model.Event, timeDelta int64) ([]byte, error) {
	var buf []byte
	ts := ev.Timestamp().Unix() + timeDelta
	buf = protowire.AppendTag(buf, fieldLogTime, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(ts))

	switch e := ev.(type) {
	case *model.LogEvent:
		for _, kv := range e.Contents {
			buf = appendContent(buf, fieldLogContents, kv.Key, kv.Value)
		}
	case *model.MetricEvent:
		buf = appendContent(buf, fieldLogContents, "__name__", e.Name)
		buf = appendContent(buf, fieldLogContents, "__value__", strconv.FormatFloat(e.Value, 'g', -1, 64))
		for k, v := range e.Labels {
			buf = appendContent(buf, fieldLogContents, k, v)
		}
	default:
		return nil, fmt.Errorf("serialize: unsupported event type %d", ev.Type())
	}
	return buf, nil
}

func appendContent(buf []byte, field protowire.Number, key, value string) []byte {
	var kv []byte
	kv = protowire.AppendTag(kv, fieldKVKey, protowire.BytesType)
	kv = protowire.AppendString(kv, key)
	kv = protowire.AppendTag(kv, fieldKVValue, protowire.BytesType)
	kv = protowire.AppendString(kv, value)
	buf = protowire.AppendTag(buf, field, protowire.BytesType)
	buf = protowire.AppendBytes(buf, kv)
	return buf
}

func appendTag(buf []byte, field protowire.Number, key, value string) []byte {
	return appendContent(buf, field, key, value)
}

// Compress applies the selected codec. The lz4 path uses the block format
// the log service expects; zstd and gzip use their framed formats.
func Compress(data []byte, compressType string) ([]byte, error) {
	switch compressType {
	case CompressLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		var c lz4.Compressor
		n, err := c.CompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible data is shipped raw-in-block.
			return data, nil
		}
		return dst[:n], nil
	case CompressZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd compress: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CompressGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	case CompressNone, "":
		return data, nil
	default:
		return nil, fmt.Errorf("unknown compress type: %s", compressType)
	}
}
