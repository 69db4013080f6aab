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

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints in a redis hash, one field per key. It exists
// for fleets whose nodes have no durable local disk; the disk store remains
// the default.
type RedisStore struct {
	client  redis.Cmdable
	hashKey string
	timeout time.Duration
}

// RedisOptions configures the redis-backed store.
type RedisOptions struct {
	Addr    string
	HashKey string        // redis key holding the checkpoint hash
	Timeout time.Duration // per-command budget
}

func NewRedisStore(opts RedisOptions) *RedisStore {
	if opts.HashKey == "" {
		opts.HashKey = "gleaner:checkpoints"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	return &RedisStore{
		client:  redis.NewClient(&redis.Options{Addr: opts.Addr}),
		hashKey: opts.HashKey,
		timeout: opts.Timeout,
	}
}

// NewRedisStoreWithClient wires an externally constructed client (tests).
func NewRedisStoreWithClient(client redis.Cmdable, hashKey string) *RedisStore {
	if hashKey == "" {
		hashKey = "gleaner:checkpoints"
	}
	return &RedisStore{client: client, hashKey: hashKey, timeout: 3 * time.Second}
}

func (s *RedisStore) Save(c *RangeCheckpoint) error {
	data, err := json.Marshal(toRecord(c))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.HSet(ctx, s.hashKey, c.Key, string(data)).Err(); err != nil {
		return fmt.Errorf("redis save checkpoint %s: %w", c.Key, err)
	}
	return nil
}

func (s *RedisStore) Load(key string) (*RangeCheckpoint, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	data, err := s.client.HGet(ctx, s.hashKey, key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load checkpoint %s: %w", key, err)
	}
	var r record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	cpt := fromRecord(key, r)
	cpt.store = s
	return cpt, nil
}

func (s *RedisStore) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.HDel(ctx, s.hashKey, key).Err()
}
