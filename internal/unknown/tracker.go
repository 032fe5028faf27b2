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

// Package unknown tracks entities that keep getting queried but do not exist
// upstream, so repeated lookups back off exponentially instead of burning
// paced upstream requests.
//
// Each entity is two coupled records in the shared state store:
//
//   - a cooldown record whose TTL equals retry_after; its mere existence is
//     the rejection gate, mirrored under an alias (battletag) when known;
//   - a status record with no TTL that preserves check_count across cooldown
//     expirations, so backoff keeps growing instead of resetting.
//
// Both are written in one batch. If the batch lands partially (status without
// cooldown) the entity is momentarily unblocked but its counter is intact,
// which is the safe side of the trade.
package unknown

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"overcache/internal/state"
)

func statusKey(id string) string   { return "unknown:status:" + id }
func cooldownKey(id string) string { return "unknown:cooldown:" + id }

// Status reports the backoff state of an unknown entity. RetryAfter is the
// remaining cooldown, zero when the entity is not currently blocked.
type Status struct {
	EntityID   string
	CheckCount int
	RetryAfter time.Duration
	Alias      string
}

type statusRecord struct {
	CheckCount int    `json:"check_count"`
	RetryAfter int64  `json:"retry_after"`
	Alias      string `json:"alias,omitempty"`
}

// Tracker stores and answers unknown-entity backoff state.
type Tracker struct {
	store state.Store
}

// NewTracker builds a tracker over the shared state store.
func NewTracker(store state.Store) *Tracker {
	return &Tracker{store: store}
}

// GetStatus returns the entity's backoff state, or nil when the entity has
// never been recorded. An unexpired cooldown carries the active RetryAfter
// through its remaining TTL; once it lapses the status record still reports
// the preserved check count with RetryAfter zero.
func (t *Tracker) GetStatus(ctx context.Context, entityID string) (*Status, error) {
	raw, ok, err := t.store.Get(ctx, statusKey(entityID))
	if err != nil {
		return nil, fmt.Errorf("unknown status read %s: %w", entityID, err)
	}
	if !ok {
		return nil, nil
	}
	var rec statusRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unknown status decode %s: %w", entityID, err)
	}

	st := &Status{EntityID: entityID, CheckCount: rec.CheckCount, Alias: rec.Alias}
	ttl, exists, err := t.store.TTL(ctx, cooldownKey(entityID))
	if err != nil {
		// Degrade to "not blocked": the counter is the part that must not
		// be lost, and we still have it.
		log.Printf("unknown: cooldown ttl read %s failed, reporting unblocked: %v", entityID, err)
		return st, nil
	}
	if exists && ttl > 0 {
		st.RetryAfter = ttl
	}
	return st, nil
}

// SetStatus records a failed lookup: the status record keeps check_count
// forever, the cooldown record blocks lookups for retryAfter, mirrored under
// alias when present so both identities are gated together. The writes go
// out as one batch.
func (t *Tracker) SetStatus(ctx context.Context, entityID string, checkCount int, retryAfter time.Duration, alias string) error {
	raw, err := json.Marshal(statusRecord{
		CheckCount: checkCount,
		RetryAfter: int64(retryAfter.Seconds()),
		Alias:      alias,
	})
	if err != nil {
		return fmt.Errorf("unknown status encode %s: %w", entityID, err)
	}

	entries := []state.Entry{
		{Key: statusKey(entityID), Value: raw},
		{Key: cooldownKey(entityID), Value: []byte("1"), Expire: retryAfter},
	}
	if alias != "" {
		entries = append(entries, state.Entry{Key: cooldownKey(alias), Value: []byte("1"), Expire: retryAfter})
	}
	if err := t.store.SetMulti(ctx, entries); err != nil {
		return fmt.Errorf("unknown status write %s: %w", entityID, err)
	}
	return nil
}

// ClearStatus removes all trace of an entity on promotion to a real profile:
// the status record, the cooldown by id, and the cooldown by alias. The alias
// must be read from the status record before it is deleted.
func (t *Tracker) ClearStatus(ctx context.Context, entityID string) error {
	st, err := t.GetStatus(ctx, entityID)
	if err != nil {
		return err
	}
	if err := t.store.Delete(ctx, statusKey(entityID)); err != nil {
		return fmt.Errorf("unknown status delete %s: %w", entityID, err)
	}
	if err := t.store.Delete(ctx, cooldownKey(entityID)); err != nil {
		return fmt.Errorf("unknown cooldown delete %s: %w", entityID, err)
	}
	if st != nil && st.Alias != "" {
		if err := t.store.Delete(ctx, cooldownKey(st.Alias)); err != nil {
			return fmt.Errorf("unknown alias cooldown delete %s: %w", st.Alias, err)
		}
	}
	return nil
}

// NextRetryAfter doubles the backoff per failed check, clamped to max.
// Callers pass the check count after incrementing it for the current miss.
func NextRetryAfter(base time.Duration, checkCount int, max time.Duration) time.Duration {
	if checkCount < 1 {
		checkCount = 1
	}
	d := base
	for i := 1; i < checkCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
