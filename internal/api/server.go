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

// Package api implements the public-facing HTTP server. It translates the
// service layer's error taxonomy into HTTP statuses: rate limited becomes
// 429 with Retry-After, unknown entities become 404 (with Retry-After while
// their backoff cooldown is open), and upstream failures become 502.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"overcache/internal/service"
	"overcache/internal/storage"
	"overcache/internal/throttle"
)

// Server handles the HTTP requests for the profile cache service.
type Server struct {
	svc   *service.Service
	store *storage.Store
}

// NewServer creates and configures a new API server.
func NewServer(svc *service.Service, store *storage.Store) *Server {
	return &Server{svc: svc, store: store}
}

// Routes builds the chi router for the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/internal/stats", s.handleStats)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/players/{playerID}", s.handlePlayer)
		r.Get("/players/lookup", s.handleBattleTagLookup)
		r.Get("/static/{category}", s.handleStatic)
	})
	return r
}

// handlePlayer serves one player profile payload.
func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	if playerID == "" {
		http.Error(w, "player id is required", http.StatusBadRequest)
		return
	}

	res, err := s.svc.Player(r.Context(), playerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writePayload(w, res)
}

// handleBattleTagLookup resolves a battletag to its player id via the
// persistent index. It never fetches upstream; an unindexed battletag is a
// plain 404.
func (s *Server) handleBattleTagLookup(w http.ResponseWriter, r *http.Request) {
	battletag := r.URL.Query().Get("battletag")
	if battletag == "" {
		http.Error(w, "battletag query parameter is required", http.StatusBadRequest)
		return
	}

	playerID, err := s.store.PlayerIDByBattleTag(r.Context(), battletag)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if playerID == "" {
		http.Error(w, "battletag not indexed", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"player_id": playerID})
}

// handleStatic serves one static reference category for a locale.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	category := storage.Category(chi.URLParam(r, "category"))
	if !category.Valid() {
		http.Error(w, fmt.Sprintf("unknown category %q", category), http.StatusBadRequest)
		return
	}
	locale := r.URL.Query().Get("locale")
	if locale == "" {
		locale = "en-us"
	}

	res, err := s.svc.StaticData(r.Context(), category, locale)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writePayload(w, res)
}

// handleStats reports a best-effort snapshot of the persistent store.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.store.Stats(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"size_bytes":         st.SizeBytes,
		"static_count":       st.StaticCount,
		"profile_count":      st.ProfileCount,
		"profile_age_p50_ms": st.ProfileAgeP50.Milliseconds(),
		"profile_age_p90_ms": st.ProfileAgeP90.Milliseconds(),
		"profile_age_p99_ms": st.ProfileAgeP99.Milliseconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// writePayload emits a served result. The payload is upstream JSON passed
// through verbatim; X-Cache-State tells the client whether it was past its
// staleness threshold when served.
func writePayload(w http.ResponseWriter, res *service.Result) {
	w.Header().Set("Content-Type", "application/json")
	if res.ServedStale {
		w.Header().Set("X-Cache-State", "stale")
	} else {
		w.Header().Set("X-Cache-State", "fresh")
	}
	fmt.Fprint(w, res.Payload)
}

// writeError maps the service error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rle *throttle.RateLimitedError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rle.RetryAfter)))
		http.Error(w, "upstream rate limited", http.StatusTooManyRequests)
		return
	}

	var nfe *service.NotFoundError
	if errors.As(err, &nfe) {
		if nfe.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(nfe.RetryAfter)))
		}
		http.Error(w, "entity not found", http.StatusNotFound)
		return
	}

	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		http.Error(w, fmt.Sprintf("upstream responded %d", ue.StatusCode), http.StatusBadGateway)
		return
	}

	// Anything else is a degraded dependency (upstream unreachable, storage
	// failure with nothing cached to fall back on).
	http.Error(w, "service degraded", http.StatusServiceUnavailable)
}

// retryAfterSeconds rounds a cooldown up to whole seconds, never below 1.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ListenAndServe starts the HTTP server on the specified address.
func (s *Server) ListenAndServe(addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	fmt.Printf("API server listening on %s\n", addr)
	return httpServer.ListenAndServe()
}
