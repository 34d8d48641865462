// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sites holds the registry of supported streaming sites. Each site
// is described declaratively; scraping and resolution build on top of the
// registry rather than on per-site code.
package sites

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Site ids. The registry is keyed by these.
const (
	AniWorld = "aniworld"
	STO      = "sto"
	Megakino = "megakino"
)

//go:embed sites.yaml
var sitesYAML []byte

// Site describes one supported streaming site.
type Site struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	BaseURL     string `yaml:"base_url"`
	IndexPath   string `yaml:"index_path"`
	SitemapPath string `yaml:"sitemap_path"`

	// SlugPattern matches the per-series path; capture group 1 is the slug.
	SlugPattern string `yaml:"slug_pattern"`

	// MagnetPrefix is the parameter prefix in self-describing magnets.
	MagnetPrefix string `yaml:"magnet_prefix"`

	// DefaultLanguages is the probe order when the availability cache has
	// no fresh rows for an episode.
	DefaultLanguages []string `yaml:"default_languages"`

	ReleaseGroup   string `yaml:"release_group"`
	SearchPriority int    `yaml:"search_priority"`

	// Movies marks a site whose "episodes" are film indices under season 0.
	Movies bool `yaml:"movies"`

	slugRe *regexp.Regexp
}

// SlugFromPath extracts the series slug from a URL path, or "" when the
// path is not a series page.
func (s *Site) SlugFromPath(path string) string {
	if s.slugRe == nil {
		return ""
	}
	m := s.slugRe.FindStringSubmatch(path)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// SeriesURL returns the canonical series page URL for a slug.
func (s *Site) SeriesURL(slug string) string {
	switch s.ID {
	case Megakino:
		return fmt.Sprintf("%s/films/%s", s.BaseURL, slug)
	default:
		return fmt.Sprintf("%s/serie/stream/%s", s.BaseURL, slug)
	}
}

// EpisodeURL returns the page listing providers for one episode. Season 0
// is the specials/films listing.
func (s *Site) EpisodeURL(slug string, season, episode int) string {
	if s.Movies {
		return s.SeriesURL(slug)
	}
	if season == 0 {
		return fmt.Sprintf("%s/filme/film-%d", s.SeriesURL(slug), episode)
	}
	return fmt.Sprintf("%s/staffel-%d/episode-%d", s.SeriesURL(slug), season, episode)
}

// Registry is the set of enabled sites, ordered by search priority.
type Registry struct {
	byID    map[string]*Site
	ordered []*Site
}

// Load parses the embedded site catalogue.
func Load() (*Registry, error) {
	var doc struct {
		Sites []*Site `yaml:"sites"`
	}
	if err := yaml.Unmarshal(sitesYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse site catalogue: %w", err)
	}
	return newRegistry(doc.Sites)
}

func newRegistry(list []*Site) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Site, len(list))}
	for _, s := range list {
		if s.ID == "" {
			return nil, fmt.Errorf("site without id in catalogue")
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate site id %q", s.ID)
		}
		if s.SlugPattern != "" {
			re, err := regexp.Compile(s.SlugPattern)
			if err != nil {
				return nil, fmt.Errorf("site %s: slug pattern: %w", s.ID, err)
			}
			s.slugRe = re
		}
		if s.MagnetPrefix == "" {
			s.MagnetPrefix = "sto"
		}
		r.byID[s.ID] = s
		r.ordered = append(r.ordered, s)
	}

	// priority first, slug-lexicographic for deterministic ties
	sort.SliceStable(r.ordered, func(i, j int) bool {
		if r.ordered[i].SearchPriority != r.ordered[j].SearchPriority {
			return r.ordered[i].SearchPriority < r.ordered[j].SearchPriority
		}
		return r.ordered[i].ID < r.ordered[j].ID
	})

	return r, nil
}

// Get returns the site for id, or nil.
func (r *Registry) Get(id string) *Site {
	return r.byID[strings.ToLower(strings.TrimSpace(id))]
}

// All returns the sites in search-priority order.
func (r *Registry) All() []*Site {
	return r.ordered
}

// Series returns the non-movie sites in search-priority order.
func (r *Registry) Series() []*Site {
	var out []*Site
	for _, s := range r.ordered {
		if !s.Movies {
			out = append(out, s)
		}
	}
	return out
}

// MovieSite returns the movie site, or nil when none is registered.
func (r *Registry) MovieSite() *Site {
	for _, s := range r.ordered {
		if s.Movies {
			return s
		}
	}
	return nil
}

// ByMagnetPrefix returns the sites sharing a magnet parameter prefix.
func (r *Registry) ByMagnetPrefix(prefix string) []*Site {
	var out []*Site
	for _, s := range r.ordered {
		if s.MagnetPrefix == prefix {
			out = append(out, s)
		}
	}
	return out
}
