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

// Package throttle implements the adaptive pacing controller that gates every
// outbound request to the upstream site.
//
// The controller keeps a single shared delay value in the state store and
// adjusts it after each observed response:
//
//   - On success it converges the delay toward latency/target_concurrency
//     (AutoThrottle), biased upward by averaging with the current delay.
//   - On an explicit rejection it doubles the delay (with a floor) and opens
//     a penalty window during which no outbound request may start.
//   - On any other failure it only ever raises the delay, never lowers it.
//
// The penalty window is tracked twice: a process-local monotonic timestamp
// gives a zero-I/O fast path, and the shared wall-clock timestamp catches
// penalties triggered by sibling processes. The local clock is monotonic on
// purpose; the shared one is wall clock so processes can compare it.
//
// Delay adjustment is a read-modify-write over the shared key. Two processes
// absorbing 403s at the same instant can lose one doubling; the next 403
// doubles again, so convergence is preserved.
package throttle

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"overcache/internal/state"
	"overcache/internal/telemetry"
)

// State store keys. One logical ThrottleState, three independent keys.
const (
	delayKey       = "throttle:delay"
	lastBlockedKey = "throttle:last_403"
	lastRequestKey = "throttle:last_request"
)

// Config holds the controller tunables. All durations are positive.
type Config struct {
	// MinDelay and MaxDelay clamp every delay write.
	MinDelay time.Duration
	MaxDelay time.Duration
	// StartDelay is used when the shared delay key is unset.
	StartDelay time.Duration
	// PenaltyFloor is the lowest delay allowed immediately after a rejection.
	PenaltyFloor time.Duration
	// PenaltyDuration is how long the penalty window stays open after a 403.
	PenaltyDuration time.Duration
	// TargetConcurrency is the desired number of in-flight-equivalent
	// requests; the convergence target is latency / TargetConcurrency.
	TargetConcurrency float64
}

// Notifier is told when a penalty window opens. Fire-and-forget: failures
// must not affect the controller.
type Notifier interface {
	PenaltyActivated(retryAfter time.Duration)
}

// RateLimitedError is returned by WaitBeforeRequest while a penalty window is
// open. It is the one condition the controller surfaces instead of absorbing,
// so the route layer can answer with a Retry-After.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

// Controller paces outbound requests using a delay shared across processes.
// Construct it once at startup and hand it to every upstream caller.
type Controller struct {
	store    state.Store
	cfg      Config
	notifier Notifier

	mu sync.Mutex
	// penaltyStart is the process-local penalty fast path. Go time.Time
	// values carry a monotonic reading, so elapsed time here is immune to
	// wall-clock jumps. Not authoritative: the shared last_403 key is.
	penaltyStart time.Time

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a controller. The notifier may be nil.
func New(store state.Store, cfg Config, notifier Notifier) *Controller {
	return &Controller{
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CurrentDelay reads the shared delay, falling back to StartDelay when the
// key is unset or the store is unreachable.
func (c *Controller) CurrentDelay(ctx context.Context) time.Duration {
	raw, ok, err := c.store.Get(ctx, delayKey)
	if err != nil {
		log.Printf("throttle: delay read failed, using start delay: %v", err)
		return c.cfg.StartDelay
	}
	if !ok {
		return c.cfg.StartDelay
	}
	seconds, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		log.Printf("throttle: corrupt delay value %q, using start delay", raw)
		return c.cfg.StartDelay
	}
	return secondsToDuration(seconds)
}

// IsRateLimited reports the remaining penalty window, zero when none is
// active. It checks the process-local monotonic timestamp first; only when
// that has lapsed (or was never set) does it consult the shared store.
func (c *Controller) IsRateLimited(ctx context.Context) time.Duration {
	c.mu.Lock()
	if !c.penaltyStart.IsZero() {
		elapsed := c.now().Sub(c.penaltyStart)
		if remaining := c.cfg.PenaltyDuration - elapsed; remaining > 0 {
			c.mu.Unlock()
			return remaining
		}
		c.penaltyStart = time.Time{}
	}
	c.mu.Unlock()

	// Another process may have taken the 403; the shared wall-clock
	// timestamp is authoritative across processes.
	raw, ok, err := c.store.Get(ctx, lastBlockedKey)
	if err != nil {
		log.Printf("throttle: penalty read failed, assuming none: %v", err)
		return 0
	}
	if !ok {
		return 0
	}
	blockedAt, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		log.Printf("throttle: corrupt last_403 value %q, assuming none", raw)
		return 0
	}
	elapsed := durationSince(c.now(), blockedAt)
	if remaining := c.cfg.PenaltyDuration - elapsed; remaining > 0 {
		return remaining
	}
	return 0
}

// WaitBeforeRequest blocks until the caller may start an outbound request.
//
// If a penalty window is open it fails immediately with *RateLimitedError.
// Otherwise it sleeps out the remainder of the pacing interval since the last
// recorded request start, then records this request's start time. The sleep
// is cancellable through ctx; an aborted wait writes nothing.
func (c *Controller) WaitBeforeRequest(ctx context.Context) error {
	if remaining := c.IsRateLimited(ctx); remaining > 0 {
		return &RateLimitedError{RetryAfter: remaining}
	}

	delay := c.CurrentDelay(ctx)
	var wait time.Duration
	raw, ok, err := c.store.Get(ctx, lastRequestKey)
	if err != nil {
		log.Printf("throttle: last_request read failed, pacing from zero: %v", err)
	} else if ok {
		if lastAt, perr := strconv.ParseFloat(string(raw), 64); perr == nil {
			wait = delay - durationSince(c.now(), lastAt)
		}
	}
	if wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	nowSec := unixSeconds(c.now())
	if err := c.store.Set(ctx, lastRequestKey, formatSeconds(nowSec), 0); err != nil {
		log.Printf("throttle: last_request write failed: %v", err)
	}
	return nil
}

// AdjustDelay feeds an observed upstream outcome back into the shared delay.
// It is called after every completed upstream response and never fails;
// store errors are logged and dropped.
func (c *Controller) AdjustDelay(ctx context.Context, latency time.Duration, statusCode int) {
	current := c.CurrentDelay(ctx)

	switch {
	case isBlocked(statusCode):
		c.handleBlocked(ctx, current)
	case statusCode >= 200 && statusCode < 300:
		if c.IsRateLimited(ctx) > 0 {
			// Penalty recovery is time-gated, not latency-gated.
			return
		}
		target := c.target(latency)
		// AutoThrottle: move toward the target, but never below the
		// midpoint, biasing upward for safety margin.
		next := math.Max(target.Seconds(), (current.Seconds()+target.Seconds())/2)
		c.writeDelay(ctx, secondsToDuration(next))
	default:
		// Conservative path: only ever raise.
		target := c.target(latency)
		if target > current {
			c.writeDelay(ctx, target)
		}
	}
}

func (c *Controller) handleBlocked(ctx context.Context, current time.Duration) {
	doubled := 2 * current
	if doubled < c.cfg.PenaltyFloor {
		doubled = c.cfg.PenaltyFloor
	}
	c.writeDelay(ctx, doubled)

	now := c.now()
	if err := c.store.Set(ctx, lastBlockedKey, formatSeconds(unixSeconds(now)), 0); err != nil {
		log.Printf("throttle: last_403 write failed: %v", err)
	}
	c.mu.Lock()
	c.penaltyStart = now
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.PenaltyActivated(c.cfg.PenaltyDuration)
	}
	log.Printf("throttle: upstream rejection, delay raised to %s, penalty open for %s",
		c.clamp(doubled), c.cfg.PenaltyDuration)
}

// target is the AutoThrottle convergence point for an observed latency.
func (c *Controller) target(latency time.Duration) time.Duration {
	tc := c.cfg.TargetConcurrency
	if tc <= 0 {
		tc = 1
	}
	return secondsToDuration(latency.Seconds() / tc)
}

func (c *Controller) clamp(d time.Duration) time.Duration {
	if d < c.cfg.MinDelay {
		return c.cfg.MinDelay
	}
	if d > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return d
}

func (c *Controller) writeDelay(ctx context.Context, d time.Duration) {
	clamped := c.clamp(d)
	if err := c.store.Set(ctx, delayKey, formatSeconds(clamped.Seconds()), 0); err != nil {
		log.Printf("throttle: delay write failed: %v", err)
		return
	}
	telemetry.ThrottleDelaySeconds.Set(clamped.Seconds())
}

// isBlocked reports whether a status code counts as an explicit rejection.
// 403 is the upstream's block signal; 429 is treated the same way.
func isBlocked(statusCode int) bool {
	return statusCode == 403 || statusCode == 429
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func durationSince(now time.Time, unixSec float64) time.Duration {
	return secondsToDuration(unixSeconds(now) - unixSec)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func formatSeconds(s float64) []byte {
	return []byte(strconv.FormatFloat(s, 'f', -1, 64))
}
