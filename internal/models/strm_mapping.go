// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anibridge/anibridge/internal/dbinterface"
)

// StrmURLMapping caches the resolved provider URL behind a STRM proxy
// endpoint, so playback does not re-resolve on every request.
type StrmURLMapping struct {
	EpisodeKey
	Provider       string            `json:"provider"`
	URL            string            `json:"url"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	ResolvedAt     time.Time         `json:"resolved_at"`
}

// StrmMappingStore owns the strm_url_mappings table.
type StrmMappingStore struct {
	db dbinterface.Querier
}

func NewStrmMappingStore(db dbinterface.Querier) *StrmMappingStore {
	return &StrmMappingStore{db: db}
}

// Upsert stores or refreshes a resolved URL for the episode+provider key.
// An empty provider means "any provider" per the resolver's order.
func (s *StrmMappingStore) Upsert(ctx context.Context, m *StrmURLMapping) error {
	if m == nil {
		return errors.New("strm mapping is nil")
	}
	if m.URL == "" {
		return errors.New("url is required")
	}
	if m.ResolvedAt.IsZero() {
		m.ResolvedAt = time.Now().UTC()
	}

	var headers sql.NullString
	if len(m.RequestHeaders) > 0 {
		b, err := json.Marshal(m.RequestHeaders)
		if err != nil {
			return fmt.Errorf("marshal request headers: %w", err)
		}
		headers = nullString(string(b))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strm_url_mappings (site, slug, season, episode, language, provider, url, request_headers, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site, slug, season, episode, language, provider) DO UPDATE SET
			url = excluded.url,
			request_headers = excluded.request_headers,
			resolved_at = excluded.resolved_at,
			updated_at = CURRENT_TIMESTAMP
	`,
		m.Site, m.Slug, m.Season, m.Episode, m.Language, m.Provider, m.URL, headers, m.ResolvedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert strm mapping: %w", err)
	}
	return nil
}

// GetFresh returns the mapping when its age is within ttl; ttl zero means
// never expire. (nil, nil) on miss or stale.
func (s *StrmMappingStore) GetFresh(ctx context.Context, key EpisodeKey, provider string, ttl time.Duration) (*StrmURLMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT site, slug, season, episode, language, provider, url, request_headers, resolved_at
		FROM strm_url_mappings
		WHERE site = ? AND slug = ? AND season = ? AND episode = ? AND language = ? AND provider = ?
	`, key.Site, key.Slug, key.Season, key.Episode, key.Language, provider)

	var (
		m       StrmURLMapping
		headers sql.NullString
	)
	err := row.Scan(&m.Site, &m.Slug, &m.Season, &m.Episode, &m.Language, &m.Provider, &m.URL, &headers, &m.ResolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get strm mapping: %w", err)
	}

	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &m.RequestHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal request headers: %w", err)
		}
	}

	if ttl > 0 && time.Since(m.ResolvedAt) > ttl {
		return nil, nil
	}
	return &m, nil
}

// Delete drops every cached URL for the episode across providers. Used when
// playback hits a dead link and forces a re-resolve.
func (s *StrmMappingStore) Delete(ctx context.Context, key EpisodeKey) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM strm_url_mappings
		WHERE site = ? AND slug = ? AND season = ? AND episode = ? AND language = ?
	`, key.Site, key.Slug, key.Season, key.Episode, key.Language)
	if err != nil {
		return fmt.Errorf("delete strm mapping: %w", err)
	}
	return nil
}

// DeleteOlderThan drops mappings resolved before cutoff.
func (s *StrmMappingStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM strm_url_mappings WHERE resolved_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale strm mappings: %w", err)
	}
	return res.RowsAffected()
}
