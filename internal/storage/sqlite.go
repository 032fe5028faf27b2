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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// statsSampleLimit bounds the percentile sample so Stats stays cheap on
// large profile tables.
const statsSampleLimit = 1000

const schema = `
CREATE TABLE IF NOT EXISTS static_data (
    key          TEXT PRIMARY KEY,
    category     TEXT NOT NULL,
    data         BLOB NOT NULL,
    data_version INTEGER NOT NULL DEFAULT 1,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_static_data_category ON static_data(category);

CREATE TABLE IF NOT EXISTS player_profiles (
    player_id             TEXT PRIMARY KEY,
    battletag             TEXT NOT NULL DEFAULT '',
    name                  TEXT NOT NULL DEFAULT '',
    payload               BLOB NOT NULL,
    summary               TEXT NOT NULL DEFAULT '',
    last_updated_upstream INTEGER NOT NULL DEFAULT 0,
    data_version          INTEGER NOT NULL DEFAULT 1,
    created_at            INTEGER NOT NULL,
    updated_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_player_profiles_updated ON player_profiles(updated_at);

CREATE TABLE IF NOT EXISTS battletag_index (
    battletag TEXT PRIMARY KEY,
    player_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_battletag_index_player ON battletag_index(player_id);
`

// Store persists static reference data and player profiles in SQLite.
// A single Store is safe for concurrent use; SQLite serializes writers and
// the WAL journal keeps readers off the write lock.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the store at path and applies the schema.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetClock replaces the store's clock. Intended for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func toMillis(t time.Time) int64   { return t.UTC().UnixMilli() }
func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// StaticData returns the record for key, or nil when absent.
func (s *Store) StaticData(ctx context.Context, key string) (*StaticDataRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, category, data, data_version, created_at, updated_at
		   FROM static_data WHERE key = ?`, key)
	var rec StaticDataRecord
	var created, updated int64
	err := row.Scan(&rec.Key, &rec.Category, &rec.Data, &rec.DataVersion, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select static %s: %w", key, err)
	}
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	return &rec, nil
}

// SetStaticData upserts one static record. created_at is preserved from the
// first insert; updated_at is refreshed on every write.
func (s *Store) SetStaticData(ctx context.Context, key string, data []byte, category Category, dataVersion int) error {
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO static_data (key, category, data, data_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		     category = excluded.category,
		     data = excluded.data,
		     data_version = excluded.data_version,
		     updated_at = excluded.updated_at`,
		key, string(category), data, dataVersion, now, now)
	if err != nil {
		return fmt.Errorf("upsert static %s: %w", key, err)
	}
	return nil
}

// PlayerProfile returns the profile for playerID, or nil when absent. The
// payload is decompressed before returning; corruption surfaces as a
// *DecompressionError. A legacy row with an empty summary gets a synthesized
// minimal one rather than a zero value.
func (s *Store) PlayerProfile(ctx context.Context, playerID string) (*PlayerProfileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT player_id, battletag, name, payload, summary, last_updated_upstream,
		        data_version, created_at, updated_at
		   FROM player_profiles WHERE player_id = ?`, playerID)
	var rec PlayerProfileRecord
	var compressed []byte
	var summaryJSON string
	var created, updated int64
	err := row.Scan(&rec.PlayerID, &rec.BattleTag, &rec.Name, &compressed, &summaryJSON,
		&rec.LastUpdatedUpstream, &rec.DataVersion, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select profile %s: %w", playerID, err)
	}
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)

	rec.Payload, err = decompress(playerID, compressed)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(summaryJSON) == "" {
		rec.Summary = ProfileSummary{
			Identity:            rec.PlayerID,
			LastUpdatedUpstream: rec.LastUpdatedUpstream,
		}
	} else if err := json.Unmarshal([]byte(summaryJSON), &rec.Summary); err != nil {
		return nil, fmt.Errorf("decode summary for %s: %w", playerID, err)
	}
	return &rec, nil
}

// PlayerIDByBattleTag resolves a battletag through the secondary index,
// returning the empty string when unknown.
func (s *Store) PlayerIDByBattleTag(ctx context.Context, battletag string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT player_id FROM battletag_index WHERE battletag = ?`, battletag)
	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select battletag %s: %w", battletag, err)
	}
	return id, nil
}

// SetPlayerProfile upserts a profile and its battletag index entry in one
// transaction. Summary-carried identity and freshness fields win over the
// explicit parameters; empty battletag/name coalesce against the prior row.
func (s *Store) SetPlayerProfile(ctx context.Context, upd ProfileUpdate) error {
	if upd.PlayerID == "" {
		return fmt.Errorf("player id is required")
	}

	battletag := upd.BattleTag
	name := upd.Name
	lastUpstream := upd.LastUpdatedUpstream
	summaryJSON := ""
	if upd.Summary != nil {
		sum := *upd.Summary
		if sum.Identity == "" {
			sum.Identity = upd.PlayerID
		}
		if sum.BattleTag != "" {
			battletag = sum.BattleTag
		}
		if sum.Name != "" {
			name = sum.Name
		}
		if sum.LastUpdatedUpstream != 0 {
			lastUpstream = sum.LastUpdatedUpstream
		}
		raw, err := json.Marshal(sum)
		if err != nil {
			return fmt.Errorf("encode summary for %s: %w", upd.PlayerID, err)
		}
		summaryJSON = string(raw)
	}

	compressed, err := compress(upd.Payload)
	if err != nil {
		return fmt.Errorf("compress payload for %s: %w", upd.PlayerID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin profile upsert: %w", err)
	}
	defer tx.Rollback()

	now := toMillis(s.now())
	_, err = tx.ExecContext(ctx,
		`INSERT INTO player_profiles
		     (player_id, battletag, name, payload, summary, last_updated_upstream,
		      data_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(player_id) DO UPDATE SET
		     battletag = CASE WHEN excluded.battletag <> '' THEN excluded.battletag ELSE player_profiles.battletag END,
		     name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE player_profiles.name END,
		     payload = excluded.payload,
		     summary = CASE WHEN excluded.summary <> '' THEN excluded.summary ELSE player_profiles.summary END,
		     last_updated_upstream = CASE WHEN excluded.last_updated_upstream <> 0 THEN excluded.last_updated_upstream ELSE player_profiles.last_updated_upstream END,
		     data_version = excluded.data_version,
		     updated_at = excluded.updated_at`,
		upd.PlayerID, battletag, name, compressed, summaryJSON, lastUpstream,
		upd.DataVersion, now, now)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", upd.PlayerID, err)
	}

	if battletag != "" {
		// Keep the index pointing at exactly one battletag per player.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM battletag_index WHERE player_id = ? AND battletag <> ?`,
			upd.PlayerID, battletag); err != nil {
			return fmt.Errorf("prune battletag index for %s: %w", upd.PlayerID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO battletag_index (battletag, player_id) VALUES (?, ?)
			 ON CONFLICT(battletag) DO UPDATE SET player_id = excluded.player_id`,
			battletag, upd.PlayerID); err != nil {
			return fmt.Errorf("upsert battletag index %s: %w", battletag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit profile upsert %s: %w", upd.PlayerID, err)
	}
	return nil
}

// DeletePlayerProfile removes a profile and cascades to its index entries.
func (s *Store) DeletePlayerProfile(ctx context.Context, playerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin profile delete: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM battletag_index WHERE player_id = ?`, playerID); err != nil {
		return fmt.Errorf("delete battletag index for %s: %w", playerID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM player_profiles WHERE player_id = ?`, playerID); err != nil {
		return fmt.Errorf("delete profile %s: %w", playerID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit profile delete %s: %w", playerID, err)
	}
	return nil
}

// DeleteOldPlayerProfiles removes profiles whose updated_at is older than
// maxAge and returns the number of rows deleted. Index entries cascade in
// the same transaction.
func (s *Store) DeleteOldPlayerProfiles(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := toMillis(s.now().Add(-maxAge))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin eviction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM battletag_index WHERE player_id IN
		     (SELECT player_id FROM player_profiles WHERE updated_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("evict battletag index: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM player_profiles WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict profiles: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict profiles count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit eviction: %w", err)
	}
	return count, nil
}

// Stats returns a best-effort snapshot: it logs and zero-fills on partial
// failure rather than erroring, so a broken stats query cannot take down a
// health endpoint.
func (s *Store) Stats(ctx context.Context) Stats {
	var st Stats

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		log.Printf("storage: stats page_count failed: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		log.Printf("storage: stats page_size failed: %v", err)
	}
	st.SizeBytes = pageCount * pageSize

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM static_data`).Scan(&st.StaticCount); err != nil {
		log.Printf("storage: stats static count failed: %v", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM player_profiles`).Scan(&st.ProfileCount); err != nil {
		log.Printf("storage: stats profile count failed: %v", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT updated_at FROM player_profiles ORDER BY updated_at DESC LIMIT ?`,
		statsSampleLimit)
	if err != nil {
		log.Printf("storage: stats age sample failed: %v", err)
		return st
	}
	defer rows.Close()

	now := s.now()
	var ages []time.Duration
	for rows.Next() {
		var updated int64
		if err := rows.Scan(&updated); err != nil {
			log.Printf("storage: stats age scan failed: %v", err)
			return st
		}
		ages = append(ages, now.Sub(fromMillis(updated)))
	}
	if err := rows.Err(); err != nil {
		log.Printf("storage: stats age iteration failed: %v", err)
		return st
	}
	if len(ages) == 0 {
		return st
	}
	sort.Slice(ages, func(i, j int) bool { return ages[i] < ages[j] })
	st.ProfileAgeP50 = percentile(ages, 0.50)
	st.ProfileAgeP90 = percentile(ages, 0.90)
	st.ProfileAgeP99 = percentile(ages, 0.99)
	return st
}

// percentile picks the nearest-rank percentile from a sorted sample.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
