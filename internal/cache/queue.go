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

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Job is one unit of background work as it travels through the queue.
// ID is the queue's own record id; JobID is the deterministic dedup id.
type Job struct {
	ID         string   `json:"id"`
	JobID      string   `json:"job_id"`
	Task       string   `json:"task"`
	Args       []string `json:"args,omitempty"`
	EnqueuedAt int64    `json:"enqueued_at"`
}

// RedisQueue is a Redis list plus per-job marker keys.
//
// Enqueue sets a marker with SETNX before pushing: if the marker is already
// held the job is pending or running and the push is skipped, so the marker
// doubles as the dedup gate. Workers delete the marker in Complete once the
// job finishes. The marker carries a TTL as leak protection in case a worker
// dies mid-job; choose it comfortably larger than the longest refresh.
type RedisQueue struct {
	c         *redis.Client
	listKey   string
	markerTTL time.Duration
	now       func() time.Time
}

// NewRedisQueue builds a queue over the given client. A markerTTL <= 0
// defaults to one hour.
func NewRedisQueue(c *redis.Client, markerTTL time.Duration) *RedisQueue {
	if markerTTL <= 0 {
		markerTTL = time.Hour
	}
	return &RedisQueue{c: c, listKey: "queue:tasks", markerTTL: markerTTL, now: time.Now}
}

func jobMarkerKey(jobID string) string { return "job:" + jobID }

// Enqueue pushes a job unless its dedup marker is already held. It returns
// the queue record id, or the empty string when the job was suppressed as a
// duplicate.
func (q *RedisQueue) Enqueue(ctx context.Context, task, jobID string, args ...string) (string, error) {
	set, err := q.c.SetNX(ctx, jobMarkerKey(jobID), 1, q.markerTTL).Result()
	if err != nil {
		return "", fmt.Errorf("queue marker %s: %w", jobID, err)
	}
	if !set {
		return "", nil
	}
	job := Job{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Task:       task,
		Args:       args,
		EnqueuedAt: q.now().Unix(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue encode %s: %w", jobID, err)
	}
	if err := q.c.RPush(ctx, q.listKey, raw).Err(); err != nil {
		// Roll the marker back so a later attempt is not suppressed by a
		// job that never made it onto the list. If the rollback also fails
		// the marker TTL is the backstop; say so in the log.
		if derr := q.c.Del(ctx, jobMarkerKey(jobID)).Err(); derr != nil {
			log.Printf("queue: marker rollback %s failed, refreshes suppressed until marker TTL: %v", jobID, derr)
		}
		return "", fmt.Errorf("queue push %s: %w", jobID, err)
	}
	return job.ID, nil
}

// IsJobPendingOrRunning reports whether the dedup marker for jobID is held.
func (q *RedisQueue) IsJobPendingOrRunning(ctx context.Context, jobID string) (bool, error) {
	n, err := q.c.Exists(ctx, jobMarkerKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("queue exists %s: %w", jobID, err)
	}
	return n > 0, nil
}

// Dequeue pops the oldest job, or returns nil when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	raw, err := q.c.LPop(ctx, q.listKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue pop: %w", err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("queue decode: %w", err)
	}
	return &job, nil
}

// Complete releases the dedup marker after a job finishes (in success or
// failure) so the next staleness observation can schedule a fresh refresh.
func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	if err := q.c.Del(ctx, jobMarkerKey(jobID)).Err(); err != nil {
		return fmt.Errorf("queue complete %s: %w", jobID, err)
	}
	return nil
}
