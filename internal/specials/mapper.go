// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package specials cross-references a site's season-zero film catalogue
// with the metadata service's specials listing, so a request using
// metadata coordinates (S00E05) can drive a download of the site's film
// index (film 4) while the visible title keeps the metadata coordinates.
package specials

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/autobrr/autobrr/pkg/sharedhttp"
	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/buildinfo"
	"github.com/anibridge/anibridge/internal/metadata"
	"github.com/anibridge/anibridge/internal/sites"
)

// DefaultConfidenceThreshold rejects weak title pairings.
const DefaultConfidenceThreshold = 0.5

// Alias pairs one metadata special with one site film index.
type Alias struct {
	MetaSeason  int
	MetaEpisode int
	SiteSeason  int // always 0
	SiteEpisode int // the film index
	Title       string
	Score       float64
}

// SiteSpecial is one season-zero entry scraped from the series page.
type SiteSpecial struct {
	Index int
	Title string
}

// Mapper resolves special-episode aliases with a per-slug cache.
type Mapper struct {
	meta      *metadata.Client
	client    *http.Client
	threshold float64
	cache     *ttlcache.Cache[string, []Alias]
}

// New builds a mapper. threshold at or below zero uses the default;
// cacheTTL bounds how long computed alias sets are reused.
func New(meta *metadata.Client, threshold float64, cacheTTL time.Duration, client *http.Client) *Mapper {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second, Transport: sharedhttp.Transport}
	}
	return &Mapper{
		meta:      meta,
		client:    client,
		threshold: threshold,
		cache:     ttlcache.New(ttlcache.Options[string, []Alias]{}.SetDefaultTTL(cacheTTL)),
	}
}

// Aliases computes (or returns cached) special mappings for one series.
func (m *Mapper) Aliases(ctx context.Context, site *sites.Site, slug string, showID int) ([]Alias, error) {
	key := fmt.Sprintf("%s/%s/%d", site.ID, slug, showID)
	if cached, ok := m.cache.Get(key); ok {
		return cached, nil
	}

	eps, err := m.meta.Episodes(ctx, showID)
	if err != nil {
		return nil, err
	}
	metaSpecials := metadata.Specials(eps)
	if len(metaSpecials) == 0 {
		m.cache.Set(key, nil, ttlcache.DefaultTTL)
		return nil, nil
	}

	siteSpecials, err := m.fetchSiteSpecials(ctx, site, slug)
	if err != nil {
		return nil, err
	}

	aliases := matchSpecials(metaSpecials, siteSpecials, m.threshold)
	m.cache.Set(key, aliases, ttlcache.DefaultTTL)

	log.Debug().Str("slug", slug).Int("aliases", len(aliases)).Msg("[SPECIALS] Alias set computed")
	return aliases, nil
}

// ByMetaCoordinates finds the alias displaying as (season, episode).
func ByMetaCoordinates(aliases []Alias, season, episode int) *Alias {
	for i := range aliases {
		if aliases[i].MetaSeason == season && aliases[i].MetaEpisode == episode {
			return &aliases[i]
		}
	}
	return nil
}

// matchSpecials greedily pairs each metadata special with its best-scoring
// site film above the threshold. Each film index is used at most once.
func matchSpecials(metaSpecials []metadata.Episode, siteSpecials []SiteSpecial, threshold float64) []Alias {
	used := make(map[int]bool)

	var out []Alias
	for _, me := range metaSpecials {
		bestScore := 0.0
		var best *SiteSpecial
		for i := range siteSpecials {
			ss := &siteSpecials[i]
			if used[ss.Index] {
				continue
			}
			score := titleSimilarity(me.Name, ss.Title)
			if score > bestScore {
				bestScore, best = score, ss
			}
		}

		if best == nil || bestScore < threshold {
			continue
		}

		used[best.Index] = true
		out = append(out, Alias{
			MetaSeason:  me.Season,
			MetaEpisode: me.Number,
			SiteSeason:  0,
			SiteEpisode: best.Index,
			Title:       me.Name,
			Score:       bestScore,
		})
	}
	return out
}

// titleSimilarity is token-set Jaccard over lowercased alphanumerics.
func titleSimilarity(a, b string) float64 {
	ta, tb := titleTokens(a), titleTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(ta))
	for _, t := range ta {
		setA[t] = struct{}{}
	}

	var hits int
	setB := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		if _, dup := setB[t]; dup {
			continue
		}
		setB[t] = struct{}{}
		if _, ok := setA[t]; ok {
			hits++
		}
	}

	union := len(setA) + len(setB) - hits
	return float64(hits) / float64(union)
}

var fillerTokens = map[string]bool{
	"ova": true, "special": true, "movie": true, "film": true, "the": true,
}

func titleTokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if fillerTokens[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

var filmIndexRe = regexp.MustCompile(`/filme/film-(\d+)`)

// fetchSiteSpecials scrapes the season-zero film listing of a series.
func (m *Mapper) fetchSiteSpecials(ctx context.Context, site *sites.Site, slug string) ([]SiteSpecial, error) {
	url := site.SeriesURL(slug) + "/filme"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch specials listing %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("specials listing %s: status %d", url, resp.StatusCode)
	}

	return parseSiteSpecials(resp.Body)
}

func parseSiteSpecials(r io.Reader) ([]SiteSpecial, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var out []SiteSpecial
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		match := filmIndexRe.FindStringSubmatch(href)
		if match == nil {
			return
		}
		idx, err := strconv.Atoi(match[1])
		if err != nil || seen[idx] {
			return
		}

		title := strings.TrimSpace(sel.Text())
		if title == "" {
			return
		}

		seen[idx] = true
		out = append(out, SiteSpecial{Index: idx, Title: title})
	})

	return out, nil
}
