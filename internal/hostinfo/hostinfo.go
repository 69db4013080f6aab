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

// Package hostinfo gathers the identity facts stamped on heartbeats and the
// outbound user-agent: hostname, a preferred host IP, OS detail, and the
// runtime environment class.
package hostinfo

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
)

// Product and Version identify the agent on the wire.
const (
	Product = "gleaner"
	Version = "1.3.0"
)

// Info is a snapshot of host identity, computed once at startup.
type Info struct {
	Hostname string
	IP       string
	OSDetail string
	Env      string
}

// Probe abstracts the cloud-metadata reachability check used by environment
// classification, injectable in tests.
type Probe func(endpoint string) bool

// metadataEndpoint is the cloud metadata service probed to distinguish
// managed-Kubernetes sidecars and cloud VMs from bare hosts.
const metadataEndpoint = "http://100.100.100.200/latest/meta-data"

// Collect gathers host identity. preferredCIDRs orders candidate interface
// addresses; the first address inside an earlier CIDR wins. An empty list
// falls back to the first global unicast address.
func Collect(preferredCIDRs []string, probe Probe) Info {
	hostname, _ := os.Hostname()
	return Info{
		Hostname: hostname,
		IP:       HostIP(preferredCIDRs),
		OSDetail: OSDetail(),
		Env:      classifyEnvironment(probe),
	}
}

// HostIP selects the host's outward-facing IP. The preference list replaces
// the fixed private-network ordering of older agents with an operator
// configurable allow-list.
func HostIP(preferredCIDRs []string) string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	var candidates []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil {
			continue
		}
		candidates = append(candidates, ip)
	}
	for _, cidr := range preferredCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		for _, ip := range candidates {
			if network.Contains(ip) {
				return ip.String()
			}
		}
	}
	for _, ip := range candidates {
		if ip.IsGlobalUnicast() {
			return ip.String()
		}
	}
	return ""
}

// OSDetail renders "<os>; <arch>" the way the send path labels itself.
func OSDetail() string {
	osName := runtime.GOOS
	if len(osName) > 0 {
		osName = strings.ToUpper(osName[:1]) + osName[1:]
	}
	return fmt.Sprintf("%s; %s", osName, runtime.GOARCH)
}

// classifyEnvironment buckets the runtime for the user-agent string.
func classifyEnvironment(probe Probe) string {
	if probe == nil {
		probe = func(string) bool { return false }
	}
	switch {
	case os.Getenv("ALIYUN_LOG_STATIC_CONTAINER_INFO") != "":
		return "ECI"
	case os.Getenv("ACK_NODE_LOCAL_DNS_ADMISSION_CONTROLLER_SERVICE_HOST") != "":
		return "ACK-Daemonset"
	case os.Getenv("KUBERNETES_SERVICE_HOST") != "":
		if isDaemonsetMode() {
			return "K8S-Daemonset"
		}
		if probe(metadataEndpoint) {
			// Cannot distinguish managed Kubernetes from self-built on
			// cloud VMs here.
			return "ACK-Sidecar"
		}
		return "K8S-Sidecar"
	case isDaemonsetMode() || os.Getenv("ALIYUN_LOGTAIL_CONFIG") != "":
		return "Docker"
	case probe(metadataEndpoint):
		return "ECS"
	default:
		return "Others"
	}
}

// isDaemonsetMode reports whether the agent collects for the whole node
// rather than a single pod.
func isDaemonsetMode() bool {
	return os.Getenv("GLEANER_PURAGE_CONTAINER_MODE") == "true"
}

// UserAgent renders the canonical outbound identity:
// "<product>/<version> (<os_detail>) ip/<ip> env/<env>" with an optional
// custom suffix.
func (i Info) UserAgent(customSuffix string) string {
	ua := fmt.Sprintf("%s/%s (%s) ip/%s env/%s", Product, Version, i.OSDetail, i.IP, i.Env)
	if customSuffix != "" {
		ua += " " + customSuffix
	}
	return ua
}
