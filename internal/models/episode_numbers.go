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

// EpisodeNumberMapping maps an absolute episode number of a series to its
// season/episode pair, as external metadata (TVDB order) reports it.
type EpisodeNumberMapping struct {
	ID             int64     `json:"id"`
	Slug           string    `json:"slug"`
	AbsoluteNumber int       `json:"absolute_number"`
	Season         int       `json:"season"`
	Episode        int       `json:"episode"`
	Title          string    `json:"title,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EpisodeNumberStore owns the episode_number_mappings table. It needs a
// TxBeginner because metadata refreshes replace whole mapping sets.
type EpisodeNumberStore struct {
	db dbinterface.TxBeginner
}

func NewEpisodeNumberStore(db dbinterface.TxBeginner) *EpisodeNumberStore {
	return &EpisodeNumberStore{db: db}
}

// ReplaceForSlug swaps the full mapping set of a series in one transaction.
// Metadata refreshes always deliver the complete list.
func (s *EpisodeNumberStore) ReplaceForSlug(ctx context.Context, slug string, mappings []*EpisodeNumberMapping) error {
	if slug == "" {
		return errors.New("slug is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM episode_number_mappings WHERE slug = ?`, slug); err != nil {
		return fmt.Errorf("clear episode mappings: %w", err)
	}

	for _, m := range mappings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO episode_number_mappings (slug, absolute_number, season, episode, title)
			VALUES (?, ?, ?, ?, ?)
		`, slug, m.AbsoluteNumber, m.Season, m.Episode, nullString(m.Title))
		if err != nil {
			return fmt.Errorf("insert episode mapping: %w", err)
		}
	}

	return tx.Commit()
}

// ByAbsolute resolves an absolute number to its season/episode pair.
// (nil, nil) when the series has no mapping for it.
func (s *EpisodeNumberStore) ByAbsolute(ctx context.Context, slug string, absolute int) (*EpisodeNumberMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, absolute_number, season, episode, title, created_at, updated_at
		FROM episode_number_mappings
		WHERE slug = ? AND absolute_number = ?
	`, slug, absolute)
	return scanEpisodeMapping(row)
}

// BySeasonEpisode is the reverse lookup, used when naming releases with
// absolute numbers for anime categories.
func (s *EpisodeNumberStore) BySeasonEpisode(ctx context.Context, slug string, season, episode int) (*EpisodeNumberMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, absolute_number, season, episode, title, created_at, updated_at
		FROM episode_number_mappings
		WHERE slug = ? AND season = ? AND episode = ?
	`, slug, season, episode)
	return scanEpisodeMapping(row)
}

// CountForSlug reports how many mappings a series has; zero means the
// metadata fetch has not run yet.
func (s *EpisodeNumberStore) CountForSlug(ctx context.Context, slug string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episode_number_mappings WHERE slug = ?`, slug).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count episode mappings: %w", err)
	}
	return n, nil
}

func scanEpisodeMapping(row rowScanner) (*EpisodeNumberMapping, error) {
	var (
		m     EpisodeNumberMapping
		title sql.NullString
	)

	err := row.Scan(&m.ID, &m.Slug, &m.AbsoluteNumber, &m.Season, &m.Episode, &title, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	m.Title = stringOrNil(title)
	return &m, nil
}
