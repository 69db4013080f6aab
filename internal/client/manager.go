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

// Package client manages the shared state behind every log-service request:
// per-region endpoint health, credentials, the server clock delta, and the
// signed header set stamped on outgoing payloads.
package client

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// API constants of the log-service wire protocol.
const (
	APIVersion      = "0.6.0"
	SignatureMethod = "hmac-sha1"

	HeaderAPIVersion      = "x-log-apiversion"
	HeaderSignatureMethod = "x-log-signaturemethod"
	HeaderBodyRawSize     = "x-log-bodyrawsize"
	HeaderCompressType    = "x-log-compresstype"
	HeaderContentMD5      = "Content-MD5"
	HeaderContentType     = "Content-Type"
	HeaderContentLength   = "Content-Length"
	HeaderDate            = "Date"
	HeaderHost            = "Host"
	HeaderUserAgent       = "User-Agent"
	HeaderSecurityToken   = "x-acs-security-token"
	HeaderHashKey         = "x-log-hashkey"
	HeaderRequestID       = "x-log-requestid"
	HeaderMode            = "x-log-mode"
)

// Credentials carries the signing identity for one account.
type Credentials struct {
	AccessKeyID     string
	AccessKeySecret string
	SecurityToken   string
}

// CredentialsProvider supplies and refreshes credentials. Refresh reports
// whether newer credentials were obtained — the unauthorized retry branch
// retries immediately only when they advanced.
type CredentialsProvider interface {
	Get() Credentials
	Refresh() bool
}

// StaticCredentials is the fixed-key provider; Refresh never advances.
type StaticCredentials struct{ C Credentials }

func (s StaticCredentials) Get() Credentials { return s.C }
func (s StaticCredentials) Refresh() bool    { return false }

// endpointState tracks the health of one endpoint in a region.
type endpointState struct {
	host  string
	valid bool
}

// Manager owns the cross-flusher client state. One instance serves every
// log-service flusher in the process.
type Manager struct {
	logger    *zap.Logger
	userAgent string
	provider  CredentialsProvider

	mu        sync.Mutex
	endpoints map[string][]*endpointState // region → candidates
	current   map[string]int              // region → index

	// timeDelta is the signed offset (seconds) between server and local
	// clocks, applied to payload timestamps when time-sync is enabled.
	timeDelta atomic.Int64
}

func NewManager(logger *zap.Logger, userAgent string, provider CredentialsProvider) *Manager {
	return &Manager{
		logger:    logger,
		userAgent: userAgent,
		provider:  provider,
		endpoints: make(map[string][]*endpointState),
		current:   make(map[string]int),
	}
}

// SetEndpoints registers the candidate endpoints for a region.
func (m *Manager) SetEndpoints(region string, hosts []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make([]*endpointState, 0, len(hosts))
	for _, h := range hosts {
		states = append(states, &endpointState{host: h, valid: true})
	}
	m.endpoints[region] = states
	m.current[region] = 0
}

// GetEndpoint returns the region's current endpoint, preferring healthy
// candidates.
func (m *Manager) GetEndpoint(region string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := m.endpoints[region]
	if len(states) == 0 {
		return ""
	}
	idx := m.current[region]
	for i := 0; i < len(states); i++ {
		s := states[(idx+i)%len(states)]
		if s.valid {
			m.current[region] = (idx + i) % len(states)
			return s.host
		}
	}
	// All marked down: fall back to the recorded current one.
	return states[idx%len(states)].host
}

// UpdateEndpointStatus records an endpoint's health after a send; a failure
// rotates the region to the next candidate.
func (m *Manager) UpdateEndpointStatus(region, host string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := m.endpoints[region]
	for i, s := range states {
		if s.host != host {
			continue
		}
		s.valid = ok
		if !ok && m.current[region] == i && len(states) > 1 {
			m.current[region] = (i + 1) % len(states)
			m.logger.Info("endpoint marked down, switching",
				zap.String("region", region),
				zap.String("from", host),
				zap.String("to", states[m.current[region]].host))
		}
		return
	}
}

// RefreshCredentials asks the provider for newer keys; reports advancement.
func (m *Manager) RefreshCredentials() bool { return m.provider.Refresh() }

// TimeDelta returns the current server-local clock offset in seconds.
func (m *Manager) TimeDelta() int64 { return m.timeDelta.Load() }

// UpdateServerTime records a server timestamp observed on a response and
// refreshes the clock delta.
func (m *Manager) UpdateServerTime(serverUnix int64) {
	delta := serverUnix - time.Now().Unix()
	m.timeDelta.Store(delta)
	m.logger.Info("server time delta updated", zap.Int64("deltaSeconds", delta))
}

// UserAgent exposes the canonical identity string.
func (m *Manager) UserAgent() string { return m.userAgent }

// BuildHeaders assembles and signs the header set for one payload POST.
// resource is the URI path plus canonical query (e.g. "/logstores/x/shards/lb").
func (m *Manager) BuildHeaders(method, resource, contentType string, body []byte, rawSize int, compressType string) map[string]string {
	creds := m.provider.Get()
	date := time.Now().UTC().Format(time.RFC1123)
	// The Date header must say GMT, not UTC.
	date = strings.Replace(date, "UTC", "GMT", 1)

	md5sum := fmt.Sprintf("%X", md5.Sum(body))
	headers := map[string]string{
		HeaderAPIVersion:      APIVersion,
		HeaderSignatureMethod: SignatureMethod,
		HeaderBodyRawSize:     fmt.Sprintf("%d", rawSize),
		HeaderContentMD5:      md5sum,
		HeaderContentType:     contentType,
		HeaderContentLength:   fmt.Sprintf("%d", len(body)),
		HeaderDate:            date,
		HeaderUserAgent:       m.userAgent,
	}
	if compressType != "" {
		headers[HeaderCompressType] = compressType
	}
	if creds.SecurityToken != "" {
		headers[HeaderSecurityToken] = creds.SecurityToken
	}
	headers["Authorization"] = "LOG " + creds.AccessKeyID + ":" + sign(creds.AccessKeySecret, method, md5sum, contentType, date, headers, resource)
	return headers
}

// sign computes the hmac-sha1 request signature over the canonical string.
func sign(secret, method, contentMD5, contentType, date string, headers map[string]string, resource string) string {
	var canonical []string
	for k, v := range headers {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-log-") || strings.HasPrefix(lk, "x-acs-") {
			canonical = append(canonical, lk+":"+v)
		}
	}
	sort.Strings(canonical)

	signString := method + "\n" + contentMD5 + "\n" + contentType + "\n" + date + "\n" +
		strings.Join(canonical, "\n") + "\n" + resource

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(signString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
