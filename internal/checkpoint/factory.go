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

package checkpoint

import "fmt"

// Options selects and configures a checkpoint store backend.
type Options struct {
	Backend string // "disk" (default) or "redis"
	Dir     string // disk: directory for per-key JSON files
	Redis   RedisOptions
}

// BuildStore constructs a Store from a backend selector.
//
// Supported backends:
//   - "", "disk": one JSON file per checkpoint under Options.Dir
//   - "redis": a redis hash, for nodes without durable local disk
func BuildStore(opts Options) (Store, error) {
	switch opts.Backend {
	case "", "disk":
		if opts.Dir == "" {
			return nil, fmt.Errorf("checkpoint: disk backend requires a directory")
		}
		return NewDiskStore(opts.Dir)
	case "redis":
		if opts.Redis.Addr == "" {
			return nil, fmt.Errorf("checkpoint: redis backend requires an address")
		}
		return NewRedisStore(opts.Redis), nil
	default:
		return nil, fmt.Errorf("checkpoint: unknown store backend: %s", opts.Backend)
	}
}
