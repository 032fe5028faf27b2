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

// Package storage is the durable layer behind the response cache: static
// reference data (heroes, maps, gamemodes, roles) and player profiles with
// gzip-compressed payloads and a battletag secondary index.
package storage

import "time"

// Category tags a static data record.
type Category string

const (
	CategoryHero      Category = "hero"
	CategoryMap       Category = "map"
	CategoryGamemode  Category = "gamemode"
	CategoryRole      Category = "role"
	CategoryHeroStats Category = "hero-stats"
)

// Valid reports whether c is one of the known static categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryHero, CategoryMap, CategoryGamemode, CategoryRole, CategoryHeroStats:
		return true
	}
	return false
}

// StaticDataRecord is one row of upstream reference data, keyed by a
// composite such as "hero:ana:en-us".
type StaticDataRecord struct {
	Key         string
	Category    Category
	Data        []byte
	DataVersion int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProfileSummary is the small structured digest extracted from a profile
// payload. LastUpdatedUpstream is the upstream's own freshness timestamp
// (unix seconds), distinct from the row's local UpdatedAt.
type ProfileSummary struct {
	Identity            string `json:"identity,omitempty"`
	BattleTag           string `json:"battletag,omitempty"`
	Name                string `json:"name,omitempty"`
	LastUpdatedUpstream int64  `json:"last_updated_upstream,omitempty"`
}

// PlayerProfileRecord is a stored player profile. Payload is the full
// (decompressed) upstream body.
type PlayerProfileRecord struct {
	PlayerID            string
	BattleTag           string
	Name                string
	Payload             []byte
	Summary             ProfileSummary
	LastUpdatedUpstream int64
	DataVersion         int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ProfileUpdate carries the fields of a profile upsert. Empty BattleTag and
// Name coalesce against the existing row rather than overwriting it. If
// Summary carries its own identity/freshness fields those win over the
// explicit parameters.
type ProfileUpdate struct {
	PlayerID            string
	Payload             []byte
	Summary             *ProfileSummary
	BattleTag           string
	Name                string
	LastUpdatedUpstream int64
	DataVersion         int
}

// Stats is a best-effort snapshot of the store for observability. Profile
// age percentiles are computed over a bounded recent sample, not a full
// scan.
type Stats struct {
	SizeBytes     int64
	StaticCount   int64
	ProfileCount  int64
	ProfileAgeP50 time.Duration
	ProfileAgeP90 time.Duration
	ProfileAgeP99 time.Duration
}
