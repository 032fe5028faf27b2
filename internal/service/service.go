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

// Package service orchestrates the read path: SWR cache, then persistent
// storage, then a throttle-gated live fetch, repopulating the layers above
// on the way back out.
//
// The orchestrator owns no policy of its own beyond gluing the layers
// together in the order above; each layer's failure semantics live in that
// layer. The only errors it surfaces to the route layer are RateLimited
// (from the throttle), NotFound (including backoff-gated unknown entities),
// and upstream failures with no cached fallback.
package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"overcache/internal/cache"
	"overcache/internal/config"
	"overcache/internal/storage"
	"overcache/internal/telemetry"
	"overcache/internal/throttle"
	"overcache/internal/unknown"
	"overcache/internal/upstream"
)

// EntityTypePlayer and EntityTypeStatic partition the cache key and refresh
// job namespaces.
const (
	EntityTypePlayer = "player"
	EntityTypeStatic = "static"
)

// Result is a served payload plus whether it was past its staleness
// threshold when served.
type Result struct {
	Payload     string
	ServedStale bool
}

// NotFoundError covers both a confirmed upstream 404 and an unknown entity
// still inside its backoff cooldown; RetryAfter is zero for entities the
// caller may probe again immediately.
type NotFoundError struct {
	EntityID   string
	RetryAfter time.Duration
}

func (e *NotFoundError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("entity %s not found upstream, retry in %s", e.EntityID, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("entity %s not found upstream", e.EntityID)
}

// UpstreamError is a non-success, non-404 upstream response with no cached
// fallback to serve instead.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream responded %d", e.StatusCode)
}

// Pacer is the slice of the throttle controller the orchestrator needs.
type Pacer interface {
	WaitBeforeRequest(ctx context.Context) error
	AdjustDelay(ctx context.Context, latency time.Duration, statusCode int)
	IsRateLimited(ctx context.Context) time.Duration
}

// Service wires the layered read path. Construct one per process and share
// it between the HTTP layer and the background worker.
type Service struct {
	cfg     config.Config
	cache   *cache.Manager
	store   *storage.Store
	pacer   Pacer
	fetcher upstream.Fetcher
	unknown *unknown.Tracker
	now     func() time.Time
}

// New builds the orchestrator from its collaborators.
func New(cfg config.Config, cm *cache.Manager, st *storage.Store, pacer Pacer, fetcher upstream.Fetcher, tracker *unknown.Tracker) *Service {
	return &Service{
		cfg:     cfg,
		cache:   cm,
		store:   st,
		pacer:   pacer,
		fetcher: fetcher,
		unknown: tracker,
		now:     time.Now,
	}
}

// SetClock replaces the service clock. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func playerCacheKey(playerID string) string { return "player:" + playerID }

func staticCacheKey(category storage.Category, locale string) string {
	return fmt.Sprintf("static:%s:%s", category, locale)
}

func (s *Service) playerURL(playerID string) string {
	return fmt.Sprintf("%s/en-us/career/%s/", s.cfg.UpstreamBaseURL, playerID)
}

func (s *Service) staticURL(category storage.Category, locale string) string {
	return fmt.Sprintf("%s/%s/%s", s.cfg.UpstreamBaseURL, locale, category)
}

// Player serves a player profile through the full layered path.
func (s *Service) Player(ctx context.Context, playerID string) (*Result, error) {
	key := playerCacheKey(playerID)
	if env := s.cache.Get(ctx, key); env != nil {
		if s.cache.IsStale(env) {
			s.cache.ScheduleRefreshIfNeeded(ctx, EntityTypePlayer, playerID)
			return &Result{Payload: env.Payload, ServedStale: true}, nil
		}
		return &Result{Payload: env.Payload}, nil
	}

	// Cache miss: try durable storage before going upstream.
	rec, err := s.store.PlayerProfile(ctx, playerID)
	if err != nil {
		// Corrupt or unreachable storage; a live fetch repairs both.
		telemetry.StorageErrors.Inc()
		log.Printf("service: profile read %s failed, falling through to fetch: %v", playerID, err)
	}
	if rec != nil {
		payload := string(rec.Payload)
		s.cache.PutAt(ctx, key, payload, rec.UpdatedAt, s.cfg.PlayerTTL(), s.cfg.PlayerStaleness, s.cfg.PlayerSWR)
		age := s.now().Sub(rec.UpdatedAt)
		if age > s.cfg.PlayerStaleness {
			s.cache.ScheduleRefreshIfNeeded(ctx, EntityTypePlayer, playerID)
			return &Result{Payload: payload, ServedStale: true}, nil
		}
		return &Result{Payload: payload}, nil
	}

	// Nothing local: is this an entity we already know does not exist?
	if st, uerr := s.unknown.GetStatus(ctx, playerID); uerr != nil {
		log.Printf("service: unknown status read %s failed: %v", playerID, uerr)
	} else if st != nil && st.RetryAfter > 0 {
		return nil, &NotFoundError{EntityID: playerID, RetryAfter: st.RetryAfter}
	}

	return s.fetchPlayer(ctx, playerID)
}

// fetchPlayer performs the throttle-gated live fetch and repopulates both
// storage and cache on success.
func (s *Service) fetchPlayer(ctx context.Context, playerID string) (*Result, error) {
	resp, err := s.gatedFetch(ctx, s.playerURL(playerID))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		upd := storage.ProfileUpdate{
			PlayerID:    playerID,
			Payload:     resp.Body,
			DataVersion: 1,
		}
		if err := s.store.SetPlayerProfile(ctx, upd); err != nil {
			telemetry.StorageErrors.Inc()
			log.Printf("service: profile write %s failed, serving anyway: %v", playerID, err)
		}
		if err := s.unknown.ClearStatus(ctx, playerID); err != nil {
			log.Printf("service: unknown clear %s failed: %v", playerID, err)
		}
		payload := string(resp.Body)
		s.cache.Put(ctx, playerCacheKey(playerID), payload, s.cfg.PlayerTTL(), s.cfg.PlayerStaleness, s.cfg.PlayerSWR)
		return &Result{Payload: payload}, nil

	case resp.StatusCode == 404:
		return nil, s.recordUnknown(ctx, playerID)

	case resp.StatusCode == 403 || resp.StatusCode == 429:
		retry := s.pacer.IsRateLimited(ctx)
		if retry <= 0 {
			retry = s.cfg.PenaltyDuration
		}
		return nil, &throttle.RateLimitedError{RetryAfter: retry}

	default:
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}
}

// recordUnknown bumps the backoff state after a confirmed upstream 404.
func (s *Service) recordUnknown(ctx context.Context, playerID string) error {
	count := 1
	alias := ""
	if st, err := s.unknown.GetStatus(ctx, playerID); err == nil && st != nil {
		count = st.CheckCount + 1
		alias = st.Alias
	}
	retryAfter := unknown.NextRetryAfter(s.cfg.UnknownRetryBase, count, s.cfg.UnknownRetryMax)
	if err := s.unknown.SetStatus(ctx, playerID, count, retryAfter, alias); err != nil {
		log.Printf("service: unknown record %s failed: %v", playerID, err)
	}
	return &NotFoundError{EntityID: playerID, RetryAfter: retryAfter}
}

// StaticData serves one static reference category for a locale.
func (s *Service) StaticData(ctx context.Context, category storage.Category, locale string) (*Result, error) {
	key := staticCacheKey(category, locale)
	if env := s.cache.Get(ctx, key); env != nil {
		if s.cache.IsStale(env) {
			s.cache.ScheduleRefreshIfNeeded(ctx, EntityTypeStatic, staticEntityID(category, locale))
			return &Result{Payload: env.Payload, ServedStale: true}, nil
		}
		return &Result{Payload: env.Payload}, nil
	}

	rec, err := s.store.StaticData(ctx, string(category)+":"+locale)
	if err != nil {
		telemetry.StorageErrors.Inc()
		log.Printf("service: static read %s failed, falling through to fetch: %v", key, err)
	}
	if rec != nil {
		payload := string(rec.Data)
		s.cache.PutAt(ctx, key, payload, rec.UpdatedAt, s.cfg.StaticTTL(), s.cfg.StaticStaleness, s.cfg.StaticSWR)
		if s.now().Sub(rec.UpdatedAt) > s.cfg.StaticStaleness {
			s.cache.ScheduleRefreshIfNeeded(ctx, EntityTypeStatic, staticEntityID(category, locale))
			return &Result{Payload: payload, ServedStale: true}, nil
		}
		return &Result{Payload: payload}, nil
	}

	return s.fetchStatic(ctx, category, locale)
}

func (s *Service) fetchStatic(ctx context.Context, category storage.Category, locale string) (*Result, error) {
	resp, err := s.gatedFetch(ctx, s.staticURL(category, locale))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		storageKey := string(category) + ":" + locale
		if err := s.store.SetStaticData(ctx, storageKey, resp.Body, category, 1); err != nil {
			telemetry.StorageErrors.Inc()
			log.Printf("service: static write %s failed, serving anyway: %v", storageKey, err)
		}
		payload := string(resp.Body)
		s.cache.Put(ctx, staticCacheKey(category, locale), payload, s.cfg.StaticTTL(), s.cfg.StaticStaleness, s.cfg.StaticSWR)
		return &Result{Payload: payload}, nil

	case resp.StatusCode == 404:
		return nil, &NotFoundError{EntityID: staticEntityID(category, locale)}

	case resp.StatusCode == 403 || resp.StatusCode == 429:
		retry := s.pacer.IsRateLimited(ctx)
		if retry <= 0 {
			retry = s.cfg.PenaltyDuration
		}
		return nil, &throttle.RateLimitedError{RetryAfter: retry}

	default:
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}
}

// gatedFetch runs one upstream request under the throttle: wait out the
// pacing interval (or fail RateLimited), fetch, and feed the observed
// outcome back into the shared delay.
func (s *Service) gatedFetch(ctx context.Context, url string) (*upstream.Response, error) {
	if err := s.pacer.WaitBeforeRequest(ctx); err != nil {
		return nil, err
	}
	resp, err := s.fetcher.Fetch(ctx, url, nil, nil)
	if err != nil {
		// No response completed; there is no outcome to feed back.
		return nil, fmt.Errorf("upstream fetch: %w", err)
	}
	s.pacer.AdjustDelay(ctx, resp.Latency, resp.StatusCode)
	telemetry.UpstreamRequests.WithLabelValues(telemetry.StatusClass(resp.StatusCode)).Inc()
	telemetry.UpstreamLatency.Observe(resp.Latency.Seconds())
	return resp, nil
}

// staticEntityID is the refresh-job identity for a static category+locale.
func staticEntityID(category storage.Category, locale string) string {
	return fmt.Sprintf("%s:%s", category, locale)
}

// RefreshEntity executes one background refresh job: an unconditional
// throttle-gated fetch that repopulates storage and cache. It runs detached
// from whatever request observed the staleness.
func (s *Service) RefreshEntity(ctx context.Context, entityType, entityID string) error {
	switch entityType {
	case EntityTypePlayer:
		_, err := s.fetchPlayer(ctx, entityID)
		return err
	case EntityTypeStatic:
		category, locale, err := splitStaticEntityID(entityID)
		if err != nil {
			return err
		}
		_, ferr := s.fetchStatic(ctx, category, locale)
		return ferr
	default:
		return fmt.Errorf("unknown entity type %q", entityType)
	}
}

func splitStaticEntityID(entityID string) (storage.Category, string, error) {
	for i := len(entityID) - 1; i >= 0; i-- {
		if entityID[i] == ':' {
			return storage.Category(entityID[:i]), entityID[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed static entity id %q", entityID)
}
