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

// Package worker runs the background maintenance loops: draining the refresh
// queue, evicting old profile rows, and publishing storage statistics.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"overcache/internal/cache"
	"overcache/internal/storage"
	"overcache/internal/telemetry"
)

// Refresher executes one background refresh job. Satisfied by
// service.Service.
type Refresher interface {
	RefreshEntity(ctx context.Context, entityType, entityID string) error
}

// Consumer is the worker-side slice of the task queue.
type Consumer interface {
	Dequeue(ctx context.Context) (*cache.Job, error)
	Complete(ctx context.Context, jobID string) error
}

// Worker manages the background maintenance tasks. Run one per worker
// process; multiple workers may share the same queue.
type Worker struct {
	refresher        Refresher
	queue            Consumer
	store            *storage.Store
	pollDelay        time.Duration
	profileMaxAge    time.Duration
	evictionInterval time.Duration
	statsInterval    time.Duration
	stopChan         chan struct{}
	wg               sync.WaitGroup
	stopped          uint32
}

// New creates and configures a background worker.
//
// pollDelay: how long to sleep when the queue is empty.
// profileMaxAge: profile rows older than this are deleted.
// evictionInterval: how often the eviction cycle runs.
// statsInterval: how often storage statistics are published. Set 0 to disable.
func New(refresher Refresher, queue Consumer, store *storage.Store, pollDelay, profileMaxAge, evictionInterval, statsInterval time.Duration) *Worker {
	return &Worker{
		refresher:        refresher,
		queue:            queue,
		store:            store,
		pollDelay:        pollDelay,
		profileMaxAge:    profileMaxAge,
		evictionInterval: evictionInterval,
		statsInterval:    statsInterval,
		stopChan:         make(chan struct{}),
	}
}

// Start launches the background goroutines for the worker.
func (w *Worker) Start() {
	fmt.Println("Starting background worker...")
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.refreshLoop()
	}()
	go func() {
		defer w.wg.Done()
		w.evictionLoop()
	}()
	if w.statsInterval > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.statsLoop()
		}()
	}
}

// Stop gracefully stops the background worker. The in-flight refresh job, if
// any, runs to completion.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	fmt.Println("Stopping background worker...")
	close(w.stopChan)
	w.wg.Wait()
}

// refreshLoop drains the refresh queue. The queue is polled rather than
// blocked on so the loop notices stop promptly; the poll delay only applies
// when the queue turns up empty.
func (w *Worker) refreshLoop() {
	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		ran, err := w.RunOneJob(context.Background())
		if err != nil {
			fmt.Printf("ERROR: Refresh job failed: %v\n", err)
		}
		if ran {
			continue
		}

		select {
		case <-time.After(w.pollDelay):
		case <-w.stopChan:
			return
		}
	}
}

// RunOneJob pops and executes a single job from the queue. It reports whether
// a job was found. The dedup marker is always released, in success or
// failure, so the next staleness observation can schedule a fresh attempt.
func (w *Worker) RunOneJob(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	defer func() {
		if cerr := w.queue.Complete(ctx, job.JobID); cerr != nil {
			fmt.Printf("ERROR: Failed to release job marker %s: %v\n", job.JobID, cerr)
		}
	}()

	switch job.Task {
	case cache.TaskRefreshEntity:
		if len(job.Args) != 2 {
			return true, fmt.Errorf("refresh job %s: want 2 args, got %d", job.JobID, len(job.Args))
		}
		if err := w.refresher.RefreshEntity(ctx, job.Args[0], job.Args[1]); err != nil {
			return true, fmt.Errorf("refresh %s/%s: %w", job.Args[0], job.Args[1], err)
		}
		return true, nil
	default:
		return true, fmt.Errorf("unknown task %q in job %s", job.Task, job.JobID)
	}
}

// evictionLoop periodically removes profile rows past the retention bound.
func (w *Worker) evictionLoop() {
	ticker := time.NewTicker(w.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunEvictionCycle(context.Background())
		case <-w.stopChan:
			return
		}
	}
}

// RunEvictionCycle deletes profile rows older than the retention bound and
// returns the number removed.
func (w *Worker) RunEvictionCycle(ctx context.Context) int64 {
	n, err := w.store.DeleteOldPlayerProfiles(ctx, w.profileMaxAge)
	if err != nil {
		telemetry.StorageErrors.Inc()
		fmt.Printf("ERROR: Eviction cycle failed: %v\n", err)
		return 0
	}
	if n > 0 {
		fmt.Printf("Evicted %d old player profiles...\n", n)
		telemetry.ProfilesEvicted.Add(float64(n))
	}
	return n
}

// statsLoop periodically publishes storage statistics as gauges.
func (w *Worker) statsLoop() {
	ticker := time.NewTicker(w.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.PublishStats(context.Background())
		case <-w.stopChan:
			return
		}
	}
}

// PublishStats snapshots the store and updates the storage gauges.
func (w *Worker) PublishStats(ctx context.Context) storage.Stats {
	st := w.store.Stats(ctx)
	telemetry.StorageSizeBytes.Set(float64(st.SizeBytes))
	telemetry.StoredProfiles.Set(float64(st.ProfileCount))
	telemetry.StoredStatic.Set(float64(st.StaticCount))
	telemetry.ProfileAgeSeconds.WithLabelValues("0.5").Set(st.ProfileAgeP50.Seconds())
	telemetry.ProfileAgeSeconds.WithLabelValues("0.9").Set(st.ProfileAgeP90.Seconds())
	telemetry.ProfileAgeSeconds.WithLabelValues("0.99").Set(st.ProfileAgeP99.Seconds())
	return st
}
