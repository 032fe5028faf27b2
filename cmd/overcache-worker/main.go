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

// Package main is the entry point for the overcache maintenance worker.
//
// The worker drains the shared refresh queue (executing the throttle-gated
// upstream fetches that API processes schedule when they observe stale
// entries), evicts profile rows past the retention bound, and publishes
// storage statistics. It shares the Redis-backed throttle with the API
// fleet, so its background fetches and the APIs' live fetches pace upstream
// as one client.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"overcache/internal/cache"
	"overcache/internal/config"
	"overcache/internal/service"
	"overcache/internal/state"
	"overcache/internal/storage"
	"overcache/internal/telemetry"
	"overcache/internal/throttle"
	"overcache/internal/unknown"
	"overcache/internal/upstream"
	"overcache/internal/worker"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	redisAddr := flag.String("redis_addr", cfg.RedisAddr, "Redis address for shared throttle/cache/queue state")
	dbPath := flag.String("db_path", cfg.DBPath, "SQLite database path")
	metricsAddr := flag.String("metrics_addr", cfg.MetricsAddr, "If non-empty, expose Prometheus /metrics on this address (e.g., :9091)")
	flag.Parse()

	// 2. Initialize the shared components: the same wiring as the API
	// process, minus the HTTP surface.
	kv := state.NewRedisStore(*redisAddr)
	queue := cache.NewRedisQueue(kv.Client(), cfg.JobMarkerTTL)
	cm := cache.NewManager(kv, queue)

	pacer := throttle.New(kv, throttle.Config{
		MinDelay:          cfg.MinDelay,
		MaxDelay:          cfg.MaxDelay,
		StartDelay:        cfg.StartDelay,
		PenaltyFloor:      cfg.PenaltyFloor,
		PenaltyDuration:   cfg.PenaltyDuration,
		TargetConcurrency: cfg.TargetConcurrency,
	}, telemetry.PenaltyNotifier{})

	store, err := storage.Open(*dbPath)
	if err != nil {
		log.Fatalf("Could not open storage at %s: %v", *dbPath, err)
	}
	defer store.Close()

	fetcher := upstream.NewHTTPFetcher(cfg.UpstreamTimeout, cfg.UpstreamUserAgent)
	tracker := unknown.NewTracker(kv)
	svc := service.New(cfg, cm, store, pacer, fetcher, tracker)

	telemetry.ServeMetrics(*metricsAddr)

	// 3. Create and start the background worker.
	w := worker.New(svc, queue, store, cfg.QueuePollDelay, cfg.ProfileMaxAge, cfg.EvictionInterval, cfg.StatsInterval)
	w.Start()

	// 4. Wait for an OS signal, then stop. The in-flight refresh job, if
	// any, runs to completion before Stop returns.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\nShutting down worker...")
	w.Stop()
	fmt.Println("Worker gracefully stopped.")
}
