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

package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"overcache/internal/state"
)

func testConfig() Config {
	return Config{
		MinDelay:          100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		StartDelay:        time.Second,
		PenaltyFloor:      2 * time.Second,
		PenaltyDuration:   10 * time.Minute,
		TargetConcurrency: 2,
	}
}

// testController wires a controller to a memory store with a steppable clock.
func testController(cfg Config) (*Controller, *state.MemoryStore, *time.Time) {
	store := state.NewMemoryStore()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	cur := &now
	store.SetClock(func() time.Time { return *cur })
	c := New(store, cfg, nil)
	c.now = func() time.Time { return *cur }
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*cur = cur.Add(d)
		return nil
	}
	return c, store, cur
}

func TestCurrentDelay_DefaultsToStart(t *testing.T) {
	c, _, _ := testController(testConfig())
	if got := c.CurrentDelay(context.Background()); got != time.Second {
		t.Fatalf("expected start delay 1s, got %v", got)
	}
}

// TestAdjustDelay_Bounds drives a mixed sequence of outcomes and checks the
// delay never escapes [MinDelay, MaxDelay].
func TestAdjustDelay_Bounds(t *testing.T) {
	cfg := testConfig()
	c, _, cur := testController(cfg)
	ctx := context.Background()

	outcomes := []struct {
		latency time.Duration
		status  int
	}{
		{50 * time.Millisecond, 200},
		{time.Millisecond, 200},
		{time.Millisecond, 200},
		{time.Millisecond, 200},
		{200 * time.Millisecond, 403},
		{time.Minute, 500},
		{time.Minute, 403},
		{time.Minute, 403},
		{time.Millisecond, 200},
	}
	for i, o := range outcomes {
		c.AdjustDelay(ctx, o.latency, o.status)
		got := c.CurrentDelay(ctx)
		if got < cfg.MinDelay || got > cfg.MaxDelay {
			t.Fatalf("step %d: delay %v escaped [%v, %v]", i, got, cfg.MinDelay, cfg.MaxDelay)
		}
		// Step past any penalty so later successes adjust again.
		*cur = cur.Add(cfg.PenaltyDuration)
	}
}

// TestAdjustDelay_PenaltyMonotonicity checks the doubling-with-floor rule and
// that a success inside the penalty window leaves the delay untouched.
func TestAdjustDelay_PenaltyMonotonicity(t *testing.T) {
	cfg := testConfig()
	c, _, _ := testController(cfg)
	ctx := context.Background()

	// Current delay = start = 1s; 2*1s = 2s equals the floor.
	c.AdjustDelay(ctx, 200*time.Millisecond, 403)
	if got := c.CurrentDelay(ctx); got != 2*time.Second {
		t.Fatalf("after 403 expected max(2*1s, 2s floor) = 2s, got %v", got)
	}

	// Success while the penalty window is still open: no change.
	c.AdjustDelay(ctx, time.Millisecond, 200)
	if got := c.CurrentDelay(ctx); got != 2*time.Second {
		t.Fatalf("success during penalty must not change delay, got %v", got)
	}

	// A second 403 doubles again.
	c.AdjustDelay(ctx, 200*time.Millisecond, 403)
	if got := c.CurrentDelay(ctx); got != 4*time.Second {
		t.Fatalf("second 403 expected 4s, got %v", got)
	}
}

func TestIsRateLimited_ExpiryAndRemaining(t *testing.T) {
	cfg := testConfig()
	c, _, cur := testController(cfg)
	ctx := context.Background()

	if got := c.IsRateLimited(ctx); got != 0 {
		t.Fatalf("no penalty yet, got remaining %v", got)
	}

	c.AdjustDelay(ctx, 100*time.Millisecond, 403)
	if got := c.IsRateLimited(ctx); got != cfg.PenaltyDuration {
		t.Fatalf("freshly opened penalty should report full window, got %v", got)
	}

	*cur = cur.Add(cfg.PenaltyDuration - time.Second)
	got := c.IsRateLimited(ctx)
	if got < 500*time.Millisecond || got > 1500*time.Millisecond {
		t.Fatalf("expected ~1s remaining, got %v", got)
	}

	*cur = cur.Add(2 * time.Second)
	if got := c.IsRateLimited(ctx); got != 0 {
		t.Fatalf("penalty should have expired, got %v", got)
	}
}

// TestIsRateLimited_SharedFallback simulates a penalty recorded by a sibling
// process: only the shared key is set, the local fast path is empty.
func TestIsRateLimited_SharedFallback(t *testing.T) {
	cfg := testConfig()
	c, store, cur := testController(cfg)
	ctx := context.Background()

	other := New(store, cfg, nil)
	other.now = c.now
	other.AdjustDelay(ctx, 100*time.Millisecond, 403)

	if got := c.IsRateLimited(ctx); got != cfg.PenaltyDuration {
		t.Fatalf("expected shared penalty to be visible, got %v", got)
	}

	*cur = cur.Add(cfg.PenaltyDuration + time.Second)
	if got := c.IsRateLimited(ctx); got != 0 {
		t.Fatalf("shared penalty should have expired, got %v", got)
	}
}

func TestAdjustDelay_ConservativeNeverDecreases(t *testing.T) {
	cfg := testConfig()
	c, _, _ := testController(cfg)
	ctx := context.Background()

	before := c.CurrentDelay(ctx)
	// Fast 500: target (0.5ms) is far below current, no change allowed.
	c.AdjustDelay(ctx, time.Millisecond, 500)
	if got := c.CurrentDelay(ctx); got < before {
		t.Fatalf("non-success response lowered delay: %v -> %v", before, got)
	}

	// Slow 500: target above current, raised to target.
	c.AdjustDelay(ctx, 10*time.Second, 500)
	got := c.CurrentDelay(ctx)
	if got != 5*time.Second {
		t.Fatalf("expected raise to latency/target_concurrency = 5s, got %v", got)
	}
	// And never above MaxDelay.
	c.AdjustDelay(ctx, 10*time.Minute, 502)
	if got := c.CurrentDelay(ctx); got != cfg.MaxDelay {
		t.Fatalf("expected clamp to MaxDelay, got %v", got)
	}
}

// TestScenario_RecoveryAfterPenalty replays the end-to-end pacing story:
// a 403 doubles the delay, and after the window lapses a success converges
// gradually toward latency/target_concurrency rather than jumping there.
func TestScenario_RecoveryAfterPenalty(t *testing.T) {
	cfg := testConfig()
	c, _, cur := testController(cfg)
	ctx := context.Background()

	c.AdjustDelay(ctx, 200*time.Millisecond, 403)
	if got := c.CurrentDelay(ctx); got < 2*time.Second {
		t.Fatalf("403 should raise delay to >= max(2s, floor), got %v", got)
	}

	*cur = cur.Add(cfg.PenaltyDuration + time.Second)

	// latency 0.5s, target_concurrency 2 => target 0.25s.
	// Smoothing: max(0.25, (2.0+0.25)/2) = 1.125s.
	c.AdjustDelay(ctx, 500*time.Millisecond, 200)
	got := c.CurrentDelay(ctx)
	if got != 1125*time.Millisecond {
		t.Fatalf("expected smoothed delay 1.125s, got %v", got)
	}
	// A second success keeps converging downward, still above target.
	c.AdjustDelay(ctx, 500*time.Millisecond, 200)
	got2 := c.CurrentDelay(ctx)
	if got2 >= got || got2 < 250*time.Millisecond {
		t.Fatalf("expected further convergence toward 0.25s, got %v", got2)
	}
}

func TestWaitBeforeRequest_RateLimitedError(t *testing.T) {
	cfg := testConfig()
	c, _, _ := testController(cfg)
	ctx := context.Background()

	c.AdjustDelay(ctx, 100*time.Millisecond, 403)
	err := c.WaitBeforeRequest(ctx)
	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfter > cfg.PenaltyDuration {
		t.Fatalf("unexpected RetryAfter %v", rle.RetryAfter)
	}
}

func TestWaitBeforeRequest_PacesRequests(t *testing.T) {
	cfg := testConfig()
	c, _, _ := testController(cfg)
	ctx := context.Background()

	var slept time.Duration
	inner := c.sleep
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept += d
		return inner(ctx, d)
	}

	// First request: no last_request recorded, no wait.
	if err := c.WaitBeforeRequest(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slept != 0 {
		t.Fatalf("first request should not wait, slept %v", slept)
	}

	// Immediate second request must wait out the full delay (1s).
	if err := c.WaitBeforeRequest(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slept != time.Second {
		t.Fatalf("expected 1s pacing wait, slept %v", slept)
	}
}

func TestWaitBeforeRequest_CancelledLeavesNoState(t *testing.T) {
	cfg := testConfig()
	c, store, _ := testController(cfg)
	ctx := context.Background()

	if err := c.WaitBeforeRequest(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before, _, _ := store.Get(ctx, "throttle:last_request")

	c.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}
	if err := c.WaitBeforeRequest(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	after, _, _ := store.Get(ctx, "throttle:last_request")
	if string(before) != string(after) {
		t.Fatalf("aborted wait must not update last_request: %q -> %q", before, after)
	}
}

type recordingNotifier struct {
	calls []time.Duration
}

func (n *recordingNotifier) PenaltyActivated(r time.Duration) { n.calls = append(n.calls, r) }

func TestAdjustDelay_NotifiesOnPenalty(t *testing.T) {
	cfg := testConfig()
	c, _, _ := testController(cfg)
	n := &recordingNotifier{}
	c.notifier = n

	c.AdjustDelay(context.Background(), 100*time.Millisecond, 403)
	if len(n.calls) != 1 || n.calls[0] != cfg.PenaltyDuration {
		t.Fatalf("expected one penalty notification with %v, got %v", cfg.PenaltyDuration, n.calls)
	}
}
