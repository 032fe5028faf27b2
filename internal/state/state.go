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

// Package state defines the shared key-value state port and its backends.
//
// The store is the cross-process shared memory of the service: the throttle
// controller keeps its delay and penalty timestamps here, the SWR cache keeps
// response envelopes here, and the unknown-entity tracker keeps its
// cooldown/status record pairs here. The backing store provides last-write-wins
// per key; callers are designed to tolerate that (see the throttle and cache
// packages).
package state

import (
	"context"
	"time"
)

// Entry is a single key/value write, optionally with an expiration.
// Expire <= 0 means the key does not expire.
type Entry struct {
	Key    string
	Value  []byte
	Expire time.Duration
}

// Store is the minimal surface the core needs from a shared key-value store.
//
// Get reports ok=false for an absent key; an error indicates the store itself
// was unreachable, which callers are expected to absorb at the call site and
// degrade to a miss or no-op.
//
// TTL reports the remaining lifetime of a key, 0 if the key exists without an
// expiration, and ok=false if the key does not exist.
//
// SetMulti writes all entries as a single batch. Backends that support
// pipelining or transactions should issue the batch atomically; callers
// tolerate partial application on backends that cannot.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, expire time.Duration) error
	SetMulti(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
}
