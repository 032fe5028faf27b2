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

// Package cache implements the stale-while-revalidate response cache.
//
// Every cached payload is wrapped in an Envelope that records when it was
// stored and how long it stays fresh. A stale-but-present envelope inside the
// SWR grace window is still served, and the manager schedules a deduplicated
// background refresh for it; beyond the grace window the entry is a miss even
// if the key still physically exists.
//
// Cache unavailability never fails a request: store errors on any path are
// logged and degrade to a miss or a dropped write.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"overcache/internal/state"
	"overcache/internal/telemetry"
)

// Envelope wraps a pre-serialized payload with freshness metadata. The
// payload is opaque to the cache layer; it is never re-parsed here.
type Envelope struct {
	Payload              string `json:"payload"`
	StoredAt             int64  `json:"stored_at"`
	StalenessThreshold   int64  `json:"staleness_threshold"`
	StaleWhileRevalidate int64  `json:"stale_while_revalidate"`
}

// TaskQueue is the external queue the manager uses to deduplicate background
// refresh work. At most one job per dedup job id may be outstanding.
type TaskQueue interface {
	// Enqueue submits a task under the given dedup job id and returns the
	// queue's own record id for it.
	Enqueue(ctx context.Context, task, jobID string, args ...string) (string, error)
	IsJobPendingOrRunning(ctx context.Context, jobID string) (bool, error)
}

// RefreshJobID is the deterministic dedup id for a background refresh of one
// entity. Two concurrent requests observing the same stale entry compute the
// same id and at most one refresh is enqueued.
func RefreshJobID(entityType, entityID string) string {
	return fmt.Sprintf("refresh:%s:%s", entityType, entityID)
}

// TaskRefreshEntity names the refresh task as seen by queue consumers.
const TaskRefreshEntity = "refresh_entity"

// Manager reads and writes envelopes in the shared state store and gates
// background refresh scheduling through the task queue.
type Manager struct {
	store state.Store
	queue TaskQueue
	now   func() time.Time
}

// NewManager builds a cache manager over the given store and queue.
func NewManager(store state.Store, queue TaskQueue) *Manager {
	return &Manager{store: store, queue: queue, now: time.Now}
}

// SetClock replaces the manager's clock. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Get returns the envelope for key, or nil on a miss. Absent keys, corrupt
// envelopes, entries beyond the SWR outer bound, and store failures are all
// misses; none of them produce an error.
func (m *Manager) Get(ctx context.Context, key string) *Envelope {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil {
		log.Printf("cache: get %s failed, treating as miss: %v", key, err)
		telemetry.CacheMisses.Inc()
		return nil
	}
	if !ok {
		telemetry.CacheMisses.Inc()
		return nil
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("cache: corrupt envelope at %s, treating as miss: %v", key, err)
		telemetry.CacheMisses.Inc()
		return nil
	}
	age := m.now().Unix() - env.StoredAt
	if age > env.StalenessThreshold+env.StaleWhileRevalidate {
		// Physically present but past the servable bound.
		telemetry.CacheMisses.Inc()
		return nil
	}
	if age > env.StalenessThreshold {
		telemetry.CacheHits.WithLabelValues("stale").Inc()
	} else {
		telemetry.CacheHits.WithLabelValues("fresh").Inc()
	}
	return &env
}

// Put stores payload under key with StoredAt = now. The outer ttl should be
// at least staleness + swr so the store expires entries in step with the
// envelope's servable bound.
func (m *Manager) Put(ctx context.Context, key, payload string, ttl, staleness, swr time.Duration) {
	m.PutAt(ctx, key, payload, m.now(), ttl, staleness, swr)
}

// PutAt stores payload with an explicit StoredAt. Used when repopulating the
// cache from persistent storage, where the data's real age is the storage
// row's update time rather than the moment of the cache write.
func (m *Manager) PutAt(ctx context.Context, key, payload string, storedAt time.Time, ttl, staleness, swr time.Duration) {
	env := Envelope{
		Payload:              payload,
		StoredAt:             storedAt.Unix(),
		StalenessThreshold:   int64(staleness.Seconds()),
		StaleWhileRevalidate: int64(swr.Seconds()),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		log.Printf("cache: encode envelope for %s failed: %v", key, err)
		return
	}
	if err := m.store.Set(ctx, key, raw, ttl); err != nil {
		log.Printf("cache: put %s failed, dropping write: %v", key, err)
	}
}

// IsStale reports whether the envelope is past its staleness threshold.
func (m *Manager) IsStale(env *Envelope) bool {
	return m.now().Unix()-env.StoredAt > env.StalenessThreshold
}

// ScheduleRefreshIfNeeded enqueues a background refresh for the entity unless
// one is already pending or running. The existence check plus enqueue is
// best-effort: a narrow race can enqueue twice, which is acceptable because
// refresh is idempotent. Queue failures are logged and dropped.
func (m *Manager) ScheduleRefreshIfNeeded(ctx context.Context, entityType, entityID string) {
	jobID := RefreshJobID(entityType, entityID)
	pending, err := m.queue.IsJobPendingOrRunning(ctx, jobID)
	if err != nil {
		log.Printf("cache: refresh dedup check for %s failed: %v", jobID, err)
		return
	}
	if pending {
		return
	}
	if _, err := m.queue.Enqueue(ctx, TaskRefreshEntity, jobID, entityType, entityID); err != nil {
		log.Printf("cache: enqueue refresh %s failed: %v", jobID, err)
		return
	}
	telemetry.RefreshEnqueued.Inc()
}
