// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torznab serves the indexer side of the bridge: search verbs come
// in, synthetic releases backed by self-describing magnets go out as RSS.
package torznab

import (
	"context"
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/domain"
	"github.com/anibridge/anibridge/internal/metadata"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/resolver"
	"github.com/anibridge/anibridge/internal/sites"
	"github.com/anibridge/anibridge/internal/specials"
	"github.com/anibridge/anibridge/internal/titles"
)

const (
	defaultPageSize = 100
	maxPageSize     = 100
)

// Resolver probes an episode for a playable upstream URL.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (*resolver.Result, error)
}

// Prober inspects a resolved URL for height and codec. Optional; without
// it releases fall into the SD quality bucket.
type Prober interface {
	Probe(ctx context.Context, url string, headers map[string]string) (*resolver.MediaInfo, error)
}

// Config carries the indexer-facing knobs.
type Config struct {
	APIKey      string
	IndexerName string

	CatAnime  int
	CatMovies int

	FakeSeeders  int
	FakeLeechers int

	ReturnTestResult           bool
	SeasonMaxEpisodes          int
	SeasonMaxConsecutiveMisses int

	StrmMode        domain.StrmFilesMode
	AvailabilityTTL time.Duration

	SourceTag             string
	ReleaseGroupOverrides map[string]string
}

// Handler answers /torznab/api.
type Handler struct {
	cfg      Config
	registry *sites.Registry
	titles   *titles.Service
	avail    *models.AvailabilityStore
	resolver Resolver

	prober   Prober
	meta     *metadata.Client
	specials *specials.Mapper
	epnums   *models.EpisodeNumberStore

	now func() time.Time
}

// Option wires optional collaborators into the handler.
type Option func(*Handler)

// WithProber enables quality probing on availability checks.
func WithProber(p Prober) Option {
	return func(h *Handler) { h.prober = p }
}

// WithMetadata enables id-based lookups and metadata-driven season listings.
func WithMetadata(c *metadata.Client) Option {
	return func(h *Handler) { h.meta = c }
}

// WithSpecials enables season-zero alias mapping.
func WithSpecials(m *specials.Mapper) Option {
	return func(h *Handler) { h.specials = m }
}

// WithEpisodeNumbers enables absolute-number translation for shows the
// indexer requests in anime ordering.
func WithEpisodeNumbers(s *models.EpisodeNumberStore) Option {
	return func(h *Handler) { h.epnums = s }
}

func New(cfg Config, reg *sites.Registry, ts *titles.Service, avail *models.AvailabilityStore, res Resolver, opts ...Option) *Handler {
	if cfg.IndexerName == "" {
		cfg.IndexerName = "AniBridge"
	}
	if cfg.SeasonMaxEpisodes <= 0 {
		cfg.SeasonMaxEpisodes = 100
	}
	if cfg.SeasonMaxConsecutiveMisses <= 0 {
		cfg.SeasonMaxConsecutiveMisses = 3
	}
	if cfg.StrmMode == "" {
		cfg.StrmMode = domain.StrmFilesNo
	}

	h := &Handler{
		cfg:      cfg,
		registry: reg,
		titles:   ts,
		avail:    avail,
		resolver: res,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the Torznab API on a router group.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api", h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if h.cfg.APIKey != "" && q.Get("apikey") != h.cfg.APIKey {
		writeTorznabError(w, http.StatusUnauthorized, 100, "Incorrect user credentials")
		return
	}

	switch t := q.Get("t"); t {
	case "caps":
		h.writeCaps(w)
	case "search":
		h.writeFeed(w, h.search(r.Context(), q))
	case "tvsearch", "tv-search":
		h.writeFeed(w, h.tvSearch(r.Context(), q))
	case "movie", "movie-search":
		h.writeFeed(w, h.movieSearch(r.Context(), q))
	default:
		writeTorznabError(w, http.StatusBadRequest, 202, "No such function ("+t+")")
	}
}

func (h *Handler) writeFeed(w http.ResponseWriter, releases []Release) {
	w.Header().Set("Content-Type", rssMediaType)
	w.WriteHeader(http.StatusOK)
	writeXML(w, feed(h.cfg.IndexerName, releases))
}

func (h *Handler) writeCaps(w http.ResponseWriter) {
	doc := capsDoc{
		Server: capsServer{Title: h.cfg.IndexerName},
		Limits: capsLimits{Max: maxPageSize, Default: defaultPageSize},
		Searching: capsSearching{
			Search:      capsSearch{Available: "yes", SupportedParams: "q"},
			TVSearch:    capsSearch{Available: "yes", SupportedParams: "q,season,ep,tvdbid,imdbid"},
			MovieSearch: capsSearch{Available: "yes", SupportedParams: "q,imdbid"},
		},
		Categories: capsCategories{Categories: []capsCategory{
			{ID: h.cfg.CatAnime, Name: "TV/Anime"},
			{ID: h.cfg.CatMovies, Name: "Movies"},
		}},
	}

	w.Header().Set("Content-Type", capsMedia)
	w.WriteHeader(http.StatusOK)
	writeXML(w, doc)
}

// torznabError is the error element indexer clients understand.
type torznabError struct {
	XMLName     xml.Name `xml:"error"`
	Code        int      `xml:"code,attr"`
	Description string   `xml:"description,attr"`
}

func writeTorznabError(w http.ResponseWriter, status, code int, desc string) {
	w.Header().Set("Content-Type", capsMedia)
	w.WriteHeader(status)
	writeXML(w, torznabError{Code: code, Description: desc})
}

func writeXML(w http.ResponseWriter, doc any) {
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return
	}
	if err := xml.NewEncoder(w).Encode(doc); err != nil {
		log.Error().Err(err).Msg("[TORZNAB] Encoding response failed")
	}
}

// page applies offset/limit from the query to a release list.
func page(releases []Release, q map[string][]string) []Release {
	offset := intParam(q, "offset", 0)
	limit := intParam(q, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	if offset >= len(releases) {
		return nil
	}
	releases = releases[offset:]
	if len(releases) > limit {
		releases = releases[:limit]
	}
	return releases
}

func intParam(q map[string][]string, key string, fallback int) int {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return fallback
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// wantsMovies reports whether the cat parameter names the movie category.
func (h *Handler) wantsMovies(q map[string][]string) bool {
	vals, ok := q["cat"]
	if !ok || len(vals) == 0 {
		return false
	}
	for _, raw := range strings.Split(vals[0], ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n == h.cfg.CatMovies {
			return true
		}
	}
	return false
}
