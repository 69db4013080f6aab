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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

func marshalConfigDetail(d ConfigDetail) []byte {
	var buf []byte
	buf = appendString(buf, 1, d.Name)
	buf = appendInt(buf, 2, d.Version)
	buf = appendBytesField(buf, 3, d.Detail)
	return buf
}

func marshalHeartbeatResponse(r *HeartbeatResponse) []byte {
	var buf []byte
	buf = appendString(buf, 1, r.RequestID)
	buf = appendUint(buf, 2, r.Flags)
	for _, d := range r.PipelineConfigUpdates {
		buf = appendBytesField(buf, 3, marshalConfigDetail(d))
	}
	for _, d := range r.InstanceConfigUpdates {
		buf = appendBytesField(buf, 4, marshalConfigDetail(d))
	}
	return buf
}

func marshalFetchConfigResponse(r *FetchConfigResponse) []byte {
	var buf []byte
	buf = appendString(buf, 1, r.RequestID)
	for _, d := range r.ConfigDetails {
		buf = appendBytesField(buf, 2, marshalConfigDetail(d))
	}
	return buf
}

func newTestProvider(t *testing.T, server *httptest.Server) *Provider {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	dir := t.TempDir()
	return NewProvider(zap.NewNop(), Options{
		Addresses:         []Address{{Host: u.Hostname(), Port: port}},
		PipelineConfigDir: filepath.Join(dir, "pipeline_config"),
		InstanceConfigDir: filepath.Join(dir, "instance_config"),
		InstanceID:        "inst-1",
		HTTPClient:        server.Client(),
	})
}

func TestProvider_HeartbeatAppliesInlineUpdate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))
		require.NotEmpty(t, r.Header.Get("X-Log-Request-Id"))
		w.Write(marshalHeartbeatResponse(&HeartbeatResponse{
			RequestID: "resp-1",
			PipelineConfigUpdates: []ConfigDetail{
				{Name: "P", Version: 7, Detail: []byte(`{"a":1}`)},
			},
		}))
	}))
	defer server.Close()

	p := newTestProvider(t, server)
	p.GetConfigUpdate()

	path := filepath.Join(p.opts.PipelineConfigDir, "P.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err, "config file must be written")
	var detail map[string]any
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Equal(t, float64(1), detail["a"])
	assert.Equal(t, float64(7), detail["version"], "version must be embedded")

	info, ok := p.PipelineConfigInfo("P")
	require.True(t, ok)
	assert.Equal(t, int64(7), info.Version)
	assert.Equal(t, StatusApplying, info.Status)
}

func TestProvider_DetailFetchFlagTriggersFollowUp(t *testing.T) {
	var fetchCalled bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case opHeartbeat:
			w.Write(marshalHeartbeatResponse(&HeartbeatResponse{
				Flags: FlagFetchPipelineConfigDetail,
				PipelineConfigUpdates: []ConfigDetail{
					{Name: "P", Version: 3},
				},
			}))
		case opFetchPipelineConf:
			fetchCalled = true
			body, _ := io.ReadAll(r.Body)
			require.NotEmpty(t, body)
			w.Write(marshalFetchConfigResponse(&FetchConfigResponse{
				ConfigDetails: []ConfigDetail{
					{Name: "P", Version: 3, Detail: []byte(`{"b":2}`)},
				},
			}))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	p := newTestProvider(t, server)
	p.GetConfigUpdate()

	require.True(t, fetchCalled, "flagged response must trigger a detail fetch")
	data, err := os.ReadFile(filepath.Join(p.opts.PipelineConfigDir, "P.json"))
	require.NoError(t, err)
	var detail map[string]any
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Equal(t, float64(2), detail["b"])
}

func TestProvider_VersionMinusOneDeletes(t *testing.T) {
	responses := []*HeartbeatResponse{
		{PipelineConfigUpdates: []ConfigDetail{{Name: "P", Version: 1, Detail: []byte(`{}`)}}},
		{PipelineConfigUpdates: []ConfigDetail{{Name: "P", Version: -1}}},
	}
	i := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(marshalHeartbeatResponse(responses[i]))
		if i < len(responses)-1 {
			i++
		}
	}))
	defer server.Close()

	p := newTestProvider(t, server)
	p.GetConfigUpdate()
	path := filepath.Join(p.opts.PipelineConfigDir, "P.json")
	_, err := os.Stat(path)
	require.NoError(t, err)

	p.GetConfigUpdate()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "version -1 must delete the file")
	_, ok := p.PipelineConfigInfo("P")
	assert.False(t, ok, "local map entry must be removed")
}

func TestProvider_LoadConfigFilesOnStartup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(marshalHeartbeatResponse(&HeartbeatResponse{}))
	}))
	defer server.Close()
	p := newTestProvider(t, server)
	require.NoError(t, os.MkdirAll(p.opts.PipelineConfigDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(p.opts.PipelineConfigDir, "old.json"),
		[]byte(`{"x":1,"version":4}`), 0o644))

	p.loadConfigFiles()
	info, ok := p.PipelineConfigInfo("old")
	require.True(t, ok)
	assert.Equal(t, int64(4), info.Version)
	assert.Equal(t, StatusApplying, info.Status)
}

func TestProvider_FailedCycleReportsAndBacksOff(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := newTestProvider(t, server)
	assert.False(t, p.GetConfigUpdate(), "a failed heartbeat must report failure")
	assert.Equal(t, 1, calls)

	// The retry pacer must keep producing positive, finite delays.
	first := p.retryBackoff.NextBackOff()
	second := p.retryBackoff.NextBackOff()
	require.Greater(t, first, time.Duration(0))
	require.Greater(t, second, time.Duration(0))
	p.retryBackoff.Reset()
	assert.Greater(t, p.retryBackoff.NextBackOff(), time.Duration(0))

	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(marshalHeartbeatResponse(&HeartbeatResponse{}))
	}))
	defer okServer.Close()
	ok := newTestProvider(t, okServer)
	assert.True(t, ok.GetConfigUpdate(), "a clean cycle must report success")
}

func TestProvider_AddressSwitchAvoidsCurrent(t *testing.T) {
	p := NewProvider(zap.NewNop(), Options{Addresses: []Address{
		{Host: "a", Port: 1}, {Host: "b", Port: 1}, {Host: "c", Port: 1},
	}})
	current, _ := p.GetOneAddress(false)
	for i := 0; i < 20; i++ {
		next, ok := p.GetOneAddress(true)
		require.True(t, ok)
		assert.NotEqual(t, current, next, "switch must pick a different address")
		current = next
	}
}

func TestWire_HeartbeatRequestFields(t *testing.T) {
	req := &HeartbeatRequest{
		RequestID:    "r1",
		SequenceNum:  9,
		Capabilities: CapAcceptsPipelineConfig | CapAcceptsInstanceConfig,
		InstanceID:   "inst",
		AgentType:    "gleaner",
		Attributes:   AgentAttributes{Version: "1.3.0", IP: "10.0.0.1", Hostname: "h1"},
		Tags:         []AgentGroupTag{{Name: "env", Value: "prod"}},
		PipelineConfigs: []ConfigInfo{
			{Name: "P", Version: 7, Status: StatusApplied},
		},
	}
	data := MarshalHeartbeatRequest(req)
	seen := map[protowire.Number]int{}
	var requestID string
	var seq uint64
	err := scanFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) error {
		seen[num]++
		switch num {
		case 1:
			requestID = string(payload)
		case 2:
			seq = varint
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", requestID)
	assert.Equal(t, uint64(9), seq)
	assert.Equal(t, 1, seen[6], "attributes submessage present")
	assert.Equal(t, 1, seen[7], "tag present")
	assert.Equal(t, 1, seen[10], "pipeline config info present")
}

func TestWire_ConfigDetailRoundTrip(t *testing.T) {
	in := ConfigDetail{Name: "P", Version: -1, Detail: []byte(`{"a":1}`)}
	out, err := unmarshalConfigDetail(marshalConfigDetail(in))
	require.NoError(t, err)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, int64(-1), out.Version, "deletion sentinel survives varint encoding")
	assert.Equal(t, in.Detail, out.Detail)
}
