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

// Package telemetry holds the process-wide Prometheus metrics and the
// penalty notifier. Metrics are registered eagerly; if no /metrics endpoint
// is exposed the registration is harmless.
package telemetry

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overcache_cache_hits_total",
		Help: "Cache hits by freshness state (fresh or stale)",
	}, []string{"state"})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "overcache_cache_misses_total",
		Help: "Cache misses, including corrupt envelopes and store failures",
	})
	RefreshEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "overcache_refresh_enqueued_total",
		Help: "Background refresh jobs enqueued after the dedup check",
	})
	PenaltiesActivated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "overcache_throttle_penalties_total",
		Help: "Penalty windows opened after an explicit upstream rejection",
	})
	UpstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "overcache_upstream_requests_total",
		Help: "Completed upstream requests by coarse status class",
	}, []string{"class"})
	UpstreamLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "overcache_upstream_latency_seconds",
		Help:    "Observed upstream response latency",
		Buckets: prometheus.DefBuckets,
	})
	StorageErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "overcache_storage_errors_total",
		Help: "Persistent storage operations that failed",
	})
	ProfilesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "overcache_profiles_evicted_total",
		Help: "Player profile rows deleted by the maintenance worker",
	})
	ThrottleDelaySeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "overcache_throttle_delay_seconds",
		Help: "Shared pacing delay as last written by this process",
	})
	StorageSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "overcache_storage_size_bytes",
		Help: "Approximate on-disk size of the persistent store",
	})
	StoredProfiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "overcache_stored_profiles",
		Help: "Player profile rows currently in the persistent store",
	})
	StoredStatic = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "overcache_stored_static_entries",
		Help: "Static data rows currently in the persistent store",
	})
	ProfileAgeSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "overcache_profile_age_seconds",
		Help: "Profile age percentiles over a bounded recent sample",
	}, []string{"quantile"})
)

func init() {
	prometheus.MustRegister(
		CacheHits, CacheMisses, RefreshEnqueued, PenaltiesActivated,
		UpstreamRequests, UpstreamLatency, StorageErrors, ProfilesEvicted,
		ThrottleDelaySeconds, StorageSizeBytes, StoredProfiles, StoredStatic,
		ProfileAgeSeconds,
	)
}

// StatusClass buckets an HTTP status code for the upstream request counter.
func StatusClass(code int) string {
	switch {
	case code == 403 || code == 429:
		return "blocked"
	case code >= 200 && code < 300:
		return "success"
	case code == 404:
		return "not_found"
	default:
		return "error"
	}
}

// PenaltyNotifier satisfies the throttle's notification port: fire-and-forget
// alerting when a penalty window opens.
type PenaltyNotifier struct{}

func (PenaltyNotifier) PenaltyActivated(retryAfter time.Duration) {
	PenaltiesActivated.Inc()
	log.Printf("telemetry: penalty window opened, outbound requests blocked for %s", retryAfter)
}

// ServeMetrics exposes /metrics on addr in a background goroutine. Pass an
// empty addr to disable. Errors are logged, never fatal.
func ServeMetrics(addr string) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("telemetry: metrics server on %s stopped: %v", addr, err)
		}
	}()
}
