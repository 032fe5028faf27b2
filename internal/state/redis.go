// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
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

package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of github.com/redis/go-redis/v9.
// All keys are plain string keys; batches use a TxPipeline so the coupled
// cooldown/status writes of the unknown-entity tracker land together.
type RedisStore struct {
	c *redis.Client
}

// NewRedisStore connects to the given address ("127.0.0.1:6379").
func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{c: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisStoreFromClient wraps an existing client. Useful when the caller
// shares one client between the state store and the refresh queue.
func NewRedisStoreFromClient(c *redis.Client) *RedisStore {
	return &RedisStore{c: c}
}

// Client exposes the underlying client for components that need richer
// commands (the refresh queue uses lists on the same connection).
func (s *RedisStore) Client() *redis.Client { return s.c }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, expire time.Duration) error {
	if expire < 0 {
		expire = 0
	}
	if err := s.c.Set(ctx, key, value, expire).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetMulti(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := s.c.TxPipeline()
	for _, e := range entries {
		expire := e.Expire
		if expire < 0 {
			expire = 0
		}
		pipe.Set(ctx, e.Key, e.Value, expire)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline set (%d entries): %w", len(entries), err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.c.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.c.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.c.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	ttl, ok := ttlReply(d)
	return ttl, ok, nil
}

// ttlReply maps a go-redis TTL result onto the Store contract. The client
// passes the Redis sentinels through as raw durations: -2 (nanoseconds, not
// seconds) for a missing key and -1 for a key with no expiration; only
// positive replies are scaled to real durations.
func ttlReply(d time.Duration) (time.Duration, bool) {
	switch {
	case d == -2:
		return 0, false
	case d < 0:
		// -1 and any other negative: the key exists without an expiry.
		return 0, true
	default:
		return d, true
	}
}
