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

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"overcache/internal/cache"
	"overcache/internal/config"
	"overcache/internal/state"
	"overcache/internal/storage"
	"overcache/internal/throttle"
	"overcache/internal/unknown"
	"overcache/internal/upstream"
)

// fakePacer admits every request unless limited is set, and records calls.
// When limitAfterAdjust is set, observing a blocked response opens a
// penalty the way the real controller does.
type fakePacer struct {
	mu               sync.Mutex
	waits            int
	adjusts          []int
	limited          time.Duration
	limitAfterAdjust time.Duration
}

func (p *fakePacer) WaitBeforeRequest(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limited > 0 {
		return &throttle.RateLimitedError{RetryAfter: p.limited}
	}
	p.waits++
	return nil
}

func (p *fakePacer) AdjustDelay(_ context.Context, _ time.Duration, status int) {
	p.mu.Lock()
	p.adjusts = append(p.adjusts, status)
	if (status == 403 || status == 429) && p.limitAfterAdjust > 0 {
		p.limited = p.limitAfterAdjust
	}
	p.mu.Unlock()
}

func (p *fakePacer) IsRateLimited(context.Context) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limited
}

// fakeFetcher serves canned responses per URL and counts fetches.
type fakeFetcher struct {
	mu      sync.Mutex
	resp    *upstream.Response
	err     error
	fetches []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _, _ map[string]string) (*upstream.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, url)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

// fakeQueue mirrors the Redis queue's marker-gated enqueue.
type fakeQueue struct {
	mu       sync.Mutex
	pending  map[string]bool
	enqueues []string
}

func newFakeQueue() *fakeQueue { return &fakeQueue{pending: make(map[string]bool)} }

func (q *fakeQueue) Enqueue(_ context.Context, task, jobID string, args ...string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[jobID] {
		return "", nil
	}
	q.pending[jobID] = true
	q.enqueues = append(q.enqueues, jobID)
	return "r1", nil
}

func (q *fakeQueue) IsJobPendingOrRunning(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[jobID], nil
}

type harness struct {
	svc     *Service
	cache   *cache.Manager
	store   *storage.Store
	kv      *state.MemoryStore
	pacer   *fakePacer
	fetcher *fakeFetcher
	queue   *fakeQueue
	cur     *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Config{
		UpstreamBaseURL:   "https://upstream.test",
		MinDelay:          100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		StartDelay:        time.Second,
		PenaltyFloor:      2 * time.Second,
		PenaltyDuration:   10 * time.Minute,
		TargetConcurrency: 2,
		PlayerStaleness:   10 * time.Minute,
		PlayerSWR:         50 * time.Minute,
		StaticStaleness:   24 * time.Hour,
		StaticSWR:         72 * time.Hour,
		UnknownRetryBase:  30 * time.Second,
		UnknownRetryMax:   time.Hour,
	}

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cur := &now

	kv := state.NewMemoryStore()
	kv.SetClock(func() time.Time { return *cur })
	queue := newFakeQueue()
	cm := cache.NewManager(kv, queue)
	cm.SetClock(func() time.Time { return *cur })

	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	st.SetClock(func() time.Time { return *cur })

	pacer := &fakePacer{}
	fetcher := &fakeFetcher{}
	tracker := unknown.NewTracker(kv)

	svc := New(cfg, cm, st, pacer, fetcher, tracker)
	svc.SetClock(func() time.Time { return *cur })
	return &harness{svc: svc, cache: cm, store: st, kv: kv, pacer: pacer, fetcher: fetcher, queue: queue, cur: cur}
}

func TestPlayer_FreshCacheHitSkipsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.cache.Put(ctx, "player:p1", "cached body", time.Hour, 10*time.Minute, 50*time.Minute)

	res, err := h.svc.Player(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Payload != "cached body" || res.ServedStale {
		t.Fatalf("expected fresh cached payload, got %+v", res)
	}
	if len(h.fetcher.fetches) != 0 || h.pacer.waits != 0 {
		t.Fatalf("fresh hit must not touch upstream: fetches=%v waits=%d", h.fetcher.fetches, h.pacer.waits)
	}
}

func TestPlayer_StaleCacheHitServesAndSchedulesRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.cache.Put(ctx, "player:p1", "stale body", time.Hour, 10*time.Minute, 50*time.Minute)
	*h.cur = h.cur.Add(15 * time.Minute)

	res, err := h.svc.Player(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Payload != "stale body" || !res.ServedStale {
		t.Fatalf("expected stale serve, got %+v", res)
	}
	if len(h.queue.enqueues) != 1 || h.queue.enqueues[0] != "refresh:player:p1" {
		t.Fatalf("expected one refresh job, got %v", h.queue.enqueues)
	}
	if len(h.fetcher.fetches) != 0 {
		t.Fatalf("stale serve must not fetch inline")
	}
}

func TestPlayer_StorageHitRepopulatesCacheWithOriginalAge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.store.SetPlayerProfile(ctx, storage.ProfileUpdate{PlayerID: "p2", Payload: []byte("stored body")}); err != nil {
		t.Fatalf("seed storage: %v", err)
	}

	res, err := h.svc.Player(ctx, "p2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Payload != "stored body" || res.ServedStale {
		t.Fatalf("expected fresh storage serve, got %+v", res)
	}
	if len(h.fetcher.fetches) != 0 {
		t.Fatalf("storage hit must not fetch")
	}

	// The cache envelope carries the storage row's age, not the serve time.
	env := h.cache.Get(ctx, "player:p2")
	if env == nil {
		t.Fatalf("cache should be repopulated")
	}
	if env.StoredAt != h.cur.Unix() {
		t.Fatalf("expected StoredAt from storage row (= now here), got %d", env.StoredAt)
	}
}

func TestPlayer_StaleStorageHitSchedulesRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.store.SetPlayerProfile(ctx, storage.ProfileUpdate{PlayerID: "p3", Payload: []byte("old body")}); err != nil {
		t.Fatalf("seed storage: %v", err)
	}
	*h.cur = h.cur.Add(30 * time.Minute)

	res, err := h.svc.Player(ctx, "p3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.ServedStale {
		t.Fatalf("expected stale serve from old storage row")
	}
	if len(h.queue.enqueues) != 1 || h.queue.enqueues[0] != "refresh:player:p3" {
		t.Fatalf("expected refresh job, got %v", h.queue.enqueues)
	}
}

func TestPlayer_LiveFetchPopulatesStorageAndCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.resp = &upstream.Response{StatusCode: 200, Latency: 500 * time.Millisecond, Body: []byte("live body")}

	res, err := h.svc.Player(ctx, "p4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Payload != "live body" || res.ServedStale {
		t.Fatalf("expected live payload, got %+v", res)
	}
	if h.pacer.waits != 1 {
		t.Fatalf("live fetch must be throttle-gated, waits=%d", h.pacer.waits)
	}
	if len(h.pacer.adjusts) != 1 || h.pacer.adjusts[0] != 200 {
		t.Fatalf("observed outcome must feed AdjustDelay, got %v", h.pacer.adjusts)
	}

	rec, err := h.store.PlayerProfile(ctx, "p4")
	if err != nil || rec == nil {
		t.Fatalf("storage should hold the profile: rec=%v err=%v", rec, err)
	}
	if string(rec.Payload) != "live body" {
		t.Fatalf("stored payload mismatch: %q", rec.Payload)
	}
	if env := h.cache.Get(ctx, "player:p4"); env == nil || env.Payload != "live body" {
		t.Fatalf("cache should hold the live payload")
	}
}

func TestPlayer_NotFoundBacksOffExponentially(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.resp = &upstream.Response{StatusCode: 404, Latency: 100 * time.Millisecond}

	_, err := h.svc.Player(ctx, "ghost")
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nfe.RetryAfter != 30*time.Second {
		t.Fatalf("first miss should back off by the base, got %v", nfe.RetryAfter)
	}
	if len(h.fetcher.fetches) != 1 {
		t.Fatalf("expected one fetch, got %d", len(h.fetcher.fetches))
	}

	// Within the cooldown the tracker gates the lookup with no fetch.
	_, err = h.svc.Player(ctx, "ghost")
	if !errors.As(err, &nfe) || nfe.RetryAfter <= 0 {
		t.Fatalf("expected cooldown-gated NotFoundError, got %v", err)
	}
	if len(h.fetcher.fetches) != 1 {
		t.Fatalf("cooldown must prevent a second fetch, got %d", len(h.fetcher.fetches))
	}

	// After the cooldown lapses the next 404 doubles the backoff.
	*h.cur = h.cur.Add(31 * time.Second)
	_, err = h.svc.Player(ctx, "ghost")
	if !errors.As(err, &nfe) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nfe.RetryAfter != time.Minute {
		t.Fatalf("second confirmed miss should double, got %v", nfe.RetryAfter)
	}
}

func TestPlayer_PromotionClearsBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.resp = &upstream.Response{StatusCode: 404, Latency: 100 * time.Millisecond}
	if _, err := h.svc.Player(ctx, "late"); err == nil {
		t.Fatalf("expected not found")
	}
	*h.cur = h.cur.Add(31 * time.Second)

	h.fetcher.resp = &upstream.Response{StatusCode: 200, Latency: 100 * time.Millisecond, Body: []byte("appeared")}
	res, err := h.svc.Player(ctx, "late")
	if err != nil || res.Payload != "appeared" {
		t.Fatalf("promotion failed: res=%v err=%v", res, err)
	}

	// The service's tracker and this one share the same key space.
	tracker := unknown.NewTracker(h.kv)
	st, err := tracker.GetStatus(ctx, "late")
	if err != nil || st != nil {
		t.Fatalf("backoff state should be cleared on promotion: st=%v err=%v", st, err)
	}
}

func TestPlayer_BlockedResponseSurfacesRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.resp = &upstream.Response{StatusCode: 403, Latency: 100 * time.Millisecond}
	h.pacer.limitAfterAdjust = 5 * time.Minute

	_, err := h.svc.Player(ctx, "p5")
	var rle *throttle.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rle.RetryAfter != 5*time.Minute {
		t.Fatalf("RetryAfter should reflect the open penalty, got %v", rle.RetryAfter)
	}
}

func TestPlayer_PacerRejectionShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.pacer.limited = 2 * time.Minute

	_, err := h.svc.Player(context.Background(), "p6")
	var rle *throttle.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if len(h.fetcher.fetches) != 0 {
		t.Fatalf("rate-limited request must not fetch")
	}
}

func TestStaticData_LiveFetchAndCachedServe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.resp = &upstream.Response{StatusCode: 200, Latency: 200 * time.Millisecond, Body: []byte(`[{"key":"ana"}]`)}

	res, err := h.svc.StaticData(ctx, storage.CategoryHero, "en-us")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Payload != `[{"key":"ana"}]` {
		t.Fatalf("payload mismatch: %q", res.Payload)
	}

	// Second read is a pure cache hit.
	res2, err := h.svc.StaticData(ctx, storage.CategoryHero, "en-us")
	if err != nil || res2.ServedStale {
		t.Fatalf("expected fresh cache hit: res=%v err=%v", res2, err)
	}
	if len(h.fetcher.fetches) != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", len(h.fetcher.fetches))
	}

	// And the durable copy exists independent of the cache.
	rec, err := h.store.StaticData(ctx, "hero:en-us")
	if err != nil || rec == nil {
		t.Fatalf("static row missing: rec=%v err=%v", rec, err)
	}
	if rec.Category != storage.CategoryHero {
		t.Fatalf("category mismatch: %q", rec.Category)
	}
}

func TestRefreshEntity_StaticRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.resp = &upstream.Response{StatusCode: 200, Latency: 100 * time.Millisecond, Body: []byte("maps!")}
	if err := h.svc.RefreshEntity(ctx, EntityTypeStatic, "map:en-us"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if env := h.cache.Get(ctx, "static:map:en-us"); env == nil || env.Payload != "maps!" {
		t.Fatalf("refresh should repopulate the cache")
	}
}

func TestRefreshEntity_UnknownTypeErrors(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.RefreshEntity(context.Background(), "widget", "w1"); err == nil {
		t.Fatalf("expected error for unknown entity type")
	}
}
