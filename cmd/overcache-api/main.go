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

// Package main is the entry point for the overcache API server.
//
// The API process serves player profiles and static reference data through
// the layered read path (cache, persistent storage, throttle-gated upstream
// fetch). It shares its Redis-backed throttle and refresh queue with any
// number of sibling API and worker processes, so the whole fleet paces
// upstream requests as one client.
//
// This file is responsible for orchestrating the service:
// 1. Loading configuration from the environment.
// 2. Initializing the shared state store, queue, throttle, and storage.
// 3. Starting the HTTP API server.
// 4. Managing graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"overcache/internal/api"
	"overcache/internal/cache"
	"overcache/internal/config"
	"overcache/internal/service"
	"overcache/internal/state"
	"overcache/internal/storage"
	"overcache/internal/telemetry"
	"overcache/internal/throttle"
	"overcache/internal/unknown"
	"overcache/internal/upstream"
)

func main() {
	// 1. Load configuration. The environment is authoritative; the flags
	// below override the most commonly changed knobs for local runs.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	httpAddr := flag.String("http_addr", cfg.HTTPAddr, "HTTP listen address (e.g., :8080)")
	redisAddr := flag.String("redis_addr", cfg.RedisAddr, "Redis address for shared throttle/cache/queue state")
	dbPath := flag.String("db_path", cfg.DBPath, "SQLite database path")
	metricsAddr := flag.String("metrics_addr", cfg.MetricsAddr, "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	flag.Parse()

	// 2. Initialize the shared components. One Redis client backs the state
	// store, the throttle keys, and the refresh queue.
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

	// 3. Start the HTTP server in a separate goroutine so it doesn't block.
	apiServer := api.NewServer(svc, store)
	httpServer := &http.Server{
		Addr:         *httpAddr,
		Handler:      apiServer.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		fmt.Printf("API server listening on %s\n", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", *httpAddr, err)
		}
	}()

	// 4. Wait for an OS signal, then shut down gracefully.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\nShutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}

	fmt.Println("Server gracefully stopped.")
}
