// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/anibridge/anibridge/internal/dbinterface"
)

// EpisodeKey identifies one episode in one language on one site.
type EpisodeKey struct {
	Site     string
	Slug     string
	Season   int
	Episode  int
	Language string
}

func (k EpisodeKey) String() string {
	return fmt.Sprintf("%s/%s/s%02de%02d/%s", k.Site, k.Slug, k.Season, k.Episode, k.Language)
}

// EpisodeAvailability is a cached probe result: whether the episode could be
// resolved to a playable stream, and what quality metadata the probe saw.
type EpisodeAvailability struct {
	EpisodeKey
	Available bool      `json:"available"`
	Height    *int      `json:"height,omitempty"`
	Codec     string    `json:"codec,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Extra     string    `json:"extra,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// AvailabilityStore owns the episode_availability cache table.
type AvailabilityStore struct {
	db dbinterface.Querier
}

func NewAvailabilityStore(db dbinterface.Querier) *AvailabilityStore {
	return &AvailabilityStore{db: db}
}

// Upsert records a probe result, replacing any earlier entry for the key.
func (s *AvailabilityStore) Upsert(ctx context.Context, a *EpisodeAvailability) error {
	if a == nil {
		return errors.New("availability is nil")
	}
	if a.CheckedAt.IsZero() {
		a.CheckedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episode_availability (site, slug, season, episode, language, available, height, codec, provider, extra, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site, slug, season, episode, language) DO UPDATE SET
			available = excluded.available,
			height = excluded.height,
			codec = excluded.codec,
			provider = excluded.provider,
			extra = excluded.extra,
			checked_at = excluded.checked_at,
			updated_at = CURRENT_TIMESTAMP
	`,
		a.Site, a.Slug, a.Season, a.Episode, a.Language, boolToInt(a.Available),
		nullInt(a.Height), nullString(a.Codec), nullString(a.Provider), nullString(a.Extra),
		a.CheckedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert availability: %w", err)
	}
	return nil
}

// GetFresh returns the cached entry for key when its age is within ttl.
// A ttl of zero means entries never expire. Returns (nil, nil) on a cache
// miss or a stale entry, so callers re-probe.
func (s *AvailabilityStore) GetFresh(ctx context.Context, key EpisodeKey, ttl time.Duration) (*EpisodeAvailability, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT site, slug, season, episode, language, available, height, codec, provider, extra, checked_at
		FROM episode_availability
		WHERE site = ? AND slug = ? AND season = ? AND episode = ? AND language = ?
	`, key.Site, key.Slug, key.Season, key.Episode, key.Language)

	a, err := scanAvailability(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get availability: %w", err)
	}

	if ttl > 0 && time.Since(a.CheckedAt) > ttl {
		return nil, nil
	}
	return a, nil
}

// ListFreshForSeason returns all fresh entries for a slug+season+language on
// a site, keyed by episode number. Season search uses it to avoid probing
// episodes one by one.
func (s *AvailabilityStore) ListFreshForSeason(ctx context.Context, site, slug string, season int, language string, ttl time.Duration) (map[int]*EpisodeAvailability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site, slug, season, episode, language, available, height, codec, provider, extra, checked_at
		FROM episode_availability
		WHERE site = ? AND slug = ? AND season = ? AND language = ?
	`, site, slug, season, language)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	defer rows.Close()

	out := make(map[int]*EpisodeAvailability)
	for rows.Next() {
		a, err := scanAvailability(rows)
		if err != nil {
			return nil, err
		}
		if ttl > 0 && time.Since(a.CheckedAt) > ttl {
			continue
		}
		out[a.Episode] = a
	}
	return out, rows.Err()
}

// DeleteOlderThan drops entries last checked before cutoff, regardless of
// the per-request TTL. Keeps the cache table bounded.
func (s *AvailabilityStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM episode_availability WHERE checked_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale availability: %w", err)
	}
	return res.RowsAffected()
}

func scanAvailability(row rowScanner) (*EpisodeAvailability, error) {
	var (
		a                      EpisodeAvailability
		available              int
		height                 sql.NullInt64
		codec, provider, extra sql.NullString
	)

	err := row.Scan(&a.Site, &a.Slug, &a.Season, &a.Episode, &a.Language, &available,
		&height, &codec, &provider, &extra, &a.CheckedAt)
	if err != nil {
		return nil, err
	}

	a.Available = available != 0
	a.Height = intOrNil(height)
	a.Codec = stringOrNil(codec)
	a.Provider = stringOrNil(provider)
	a.Extra = stringOrNil(extra)
	return &a, nil
}
