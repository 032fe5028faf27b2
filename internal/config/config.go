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

// Package config loads service configuration from the environment. Every
// tunable lives here; components receive their slice of it explicitly at
// construction instead of reading ambient state.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full tunable surface of the service.
type Config struct {
	HTTPAddr    string `env:"OVERCACHE_HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"OVERCACHE_METRICS_ADDR" envDefault:""`
	RedisAddr   string `env:"OVERCACHE_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	DBPath      string `env:"OVERCACHE_DB_PATH" envDefault:"overcache.db"`

	UpstreamBaseURL   string        `env:"OVERCACHE_UPSTREAM_BASE_URL" envDefault:"https://overwatch.blizzard.com"`
	UpstreamUserAgent string        `env:"OVERCACHE_UPSTREAM_USER_AGENT" envDefault:"overcache/1.0"`
	UpstreamTimeout   time.Duration `env:"OVERCACHE_UPSTREAM_TIMEOUT" envDefault:"30s"`

	// Throttle controller.
	MinDelay          time.Duration `env:"OVERCACHE_MIN_DELAY" envDefault:"250ms"`
	MaxDelay          time.Duration `env:"OVERCACHE_MAX_DELAY" envDefault:"60s"`
	StartDelay        time.Duration `env:"OVERCACHE_START_DELAY" envDefault:"1s"`
	PenaltyFloor      time.Duration `env:"OVERCACHE_PENALTY_FLOOR" envDefault:"5s"`
	PenaltyDuration   time.Duration `env:"OVERCACHE_PENALTY_DURATION" envDefault:"10m"`
	TargetConcurrency float64       `env:"OVERCACHE_TARGET_CONCURRENCY" envDefault:"2"`

	// SWR cache windows per entity type.
	PlayerStaleness time.Duration `env:"OVERCACHE_PLAYER_STALENESS" envDefault:"10m"`
	PlayerSWR       time.Duration `env:"OVERCACHE_PLAYER_SWR" envDefault:"50m"`
	StaticStaleness time.Duration `env:"OVERCACHE_STATIC_STALENESS" envDefault:"24h"`
	StaticSWR       time.Duration `env:"OVERCACHE_STATIC_SWR" envDefault:"72h"`

	// Unknown-entity backoff.
	UnknownRetryBase time.Duration `env:"OVERCACHE_UNKNOWN_RETRY_BASE" envDefault:"30s"`
	UnknownRetryMax  time.Duration `env:"OVERCACHE_UNKNOWN_RETRY_MAX" envDefault:"6h"`

	// Background maintenance.
	ProfileMaxAge    time.Duration `env:"OVERCACHE_PROFILE_MAX_AGE" envDefault:"2160h"` // 90 days
	EvictionInterval time.Duration `env:"OVERCACHE_EVICTION_INTERVAL" envDefault:"6h"`
	StatsInterval    time.Duration `env:"OVERCACHE_STATS_INTERVAL" envDefault:"15m"`
	QueuePollDelay   time.Duration `env:"OVERCACHE_QUEUE_POLL_DELAY" envDefault:"500ms"`
	JobMarkerTTL     time.Duration `env:"OVERCACHE_JOB_MARKER_TTL" envDefault:"1h"`
}

// Load parses the environment and validates the handful of invariants the
// components rely on.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the throttle and cache cannot operate on.
func (c Config) Validate() error {
	if c.MinDelay <= 0 || c.MaxDelay < c.MinDelay {
		return fmt.Errorf("delay bounds invalid: min=%s max=%s", c.MinDelay, c.MaxDelay)
	}
	if c.StartDelay < c.MinDelay || c.StartDelay > c.MaxDelay {
		return fmt.Errorf("start delay %s outside [%s, %s]", c.StartDelay, c.MinDelay, c.MaxDelay)
	}
	if c.TargetConcurrency <= 0 {
		return fmt.Errorf("target concurrency must be positive, got %g", c.TargetConcurrency)
	}
	if c.PenaltyDuration <= 0 {
		return fmt.Errorf("penalty duration must be positive, got %s", c.PenaltyDuration)
	}
	return nil
}

// PlayerTTL is the outer cache bound for player envelopes.
func (c Config) PlayerTTL() time.Duration { return c.PlayerStaleness + c.PlayerSWR }

// StaticTTL is the outer cache bound for static data envelopes.
func (c Config) StaticTTL() time.Duration { return c.StaticStaleness + c.StaticSWR }
