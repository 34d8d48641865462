// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package titles

import (
	"context"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/sites"
)

// DefaultMinConfidence rejects matches below this score unless configured
// otherwise.
const DefaultMinConfidence = 0.5

// resolveCacheTTL bounds how long a resolved query is reused. Season walks
// repeat the same query dozens of times within one indexer request.
const resolveCacheTTL = 5 * time.Minute

// Match is a resolved query: which site and slug, and how sure we are.
type Match struct {
	Site  *sites.Site
	Slug  string
	Title string
	Score float64
}

// Service resolves free-text queries across every enabled site index.
type Service struct {
	indexes       []*Index
	minConfidence float64
	resolved      *ttlcache.Cache[uint64, *Match]
}

// NewService builds a resolver over the given indexes. minConfidence at or
// below zero falls back to the default floor.
func NewService(indexes []*Index, minConfidence float64) *Service {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Service{
		indexes:       indexes,
		minConfidence: minConfidence,
		resolved:      ttlcache.New(ttlcache.Options[uint64, *Match]{}.SetDefaultTTL(resolveCacheTTL)),
	}
}

// Index returns the index for a site id, or nil.
func (s *Service) Index(siteID string) *Index {
	for _, idx := range s.indexes {
		if idx.site.ID == siteID {
			return idx
		}
	}
	return nil
}

// Resolve finds the best slug for a query across all sites. Returns nil
// when nothing clears the confidence floor; never errors, an empty index
// simply yields no match.
func (s *Service) Resolve(ctx context.Context, query string) *Match {
	key := resolveKey(query, "")
	if m, ok := s.resolved.Get(key); ok {
		return m
	}

	m := s.resolve(ctx, query, s.indexes)
	if m != nil {
		s.resolved.Set(key, m, ttlcache.DefaultTTL)
	}
	return m
}

// ResolveOnSite restricts resolution to one site.
func (s *Service) ResolveOnSite(ctx context.Context, query, siteID string) *Match {
	idx := s.Index(siteID)
	if idx == nil {
		return nil
	}

	key := resolveKey(query, siteID)
	if m, ok := s.resolved.Get(key); ok {
		return m
	}

	m := s.resolve(ctx, query, []*Index{idx})
	if m != nil {
		s.resolved.Set(key, m, ttlcache.DefaultTTL)
	}
	return m
}

// resolveKey hashes the normalized query and site scope. Misses are not
// cached; a cold index filling moments later must be able to match.
func resolveKey(query, scope string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(strings.ToLower(strings.TrimSpace(query)))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(scope)
	return d.Sum64()
}

func (s *Service) resolve(ctx context.Context, query string, indexes []*Index) *Match {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	var best *Match
	for _, idx := range indexes {
		for _, entry := range idx.Entries(ctx) {
			score := scoreEntry(queryTokens, entry)
			if score < s.minConfidence {
				continue
			}
			if best == nil || score > best.Score || (score == best.Score && beats(idx.site, entry.Slug, best)) {
				best = &Match{Site: idx.site, Slug: entry.Slug, Title: entry.Title, Score: score}
			}
		}
	}

	if best == nil {
		log.Debug().Str("query", query).Msg("[TITLES] No slug resolved")
		return nil
	}

	log.Debug().Str("query", query).Str("site", best.Site.ID).Str("slug", best.Slug).
		Float64("score", best.Score).Msg("[TITLES] Resolved query")
	return best
}

// beats breaks exact score ties deterministically: lower search priority
// wins, then the lexicographically smaller slug.
func beats(site *sites.Site, slug string, current *Match) bool {
	if site.SearchPriority != current.Site.SearchPriority {
		return site.SearchPriority < current.Site.SearchPriority
	}
	return slug < current.Slug
}
