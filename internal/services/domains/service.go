// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package domains watches the streaming sites for domain moves. The
// sites rotate mirrors regularly; the catalogue's base URL answers with
// a redirect to the current one, and the monitor follows it so scraping
// keeps working without a config change.
package domains

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/buildinfo"
	"github.com/anibridge/anibridge/internal/sites"
)

// wallTime is the hard cap on one probe including every redirect hop.
// Mirror chains on these sites are short; anything slower is treated as
// down.
const wallTime = 15 * time.Second

type Service struct {
	sites    []*sites.Site
	client   *http.Client
	interval time.Duration

	// onChange fires with the site and its new base URL. Optional.
	onChange func(site *sites.Site, base string)

	mu       sync.Mutex
	resolved map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Service)

func WithClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

func WithOnChange(fn func(site *sites.Site, base string)) Option {
	return func(s *Service) { s.onChange = fn }
}

func New(list []*sites.Site, interval time.Duration, opts ...Option) *Service {
	if interval <= 0 {
		interval = time.Hour
	}
	s := &Service{
		sites:    list,
		client:   &http.Client{Timeout: wallTime},
		interval: interval,
		resolved: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	log.Info().Dur("interval", s.interval).Msg("[DOMAINS] Domain monitor started")
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()

	s.CheckAll(s.ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.CheckAll(s.ctx)
		}
	}
}

// CheckAll probes every site once. A site that cannot be reached keeps
// its last known base URL.
func (s *Service) CheckAll(ctx context.Context) {
	for _, site := range s.sites {
		base, err := s.resolveBase(ctx, site)
		if err != nil {
			log.Warn().Err(err).Str("site", site.ID).Msg("[DOMAINS] Domain check failed")
			continue
		}
		s.record(site, base)
	}
}

// resolveBase follows the redirect chain from the configured base URL
// and returns the scheme://host the site currently answers on.
func (s *Service) resolveBase(ctx context.Context, site *sites.Site) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, wallTime)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, site.BaseURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("%s returned status %d", site.BaseURL, resp.StatusCode)
	}

	final := resp.Request.URL
	return final.Scheme + "://" + final.Host, nil
}

func (s *Service) record(site *sites.Site, base string) {
	configured := strings.TrimSuffix(site.BaseURL, "/")

	s.mu.Lock()
	previous, seen := s.resolved[site.ID]
	s.resolved[site.ID] = base
	s.mu.Unlock()

	if base == configured {
		log.Debug().Str("site", site.ID).Str("base", base).Msg("[DOMAINS] Domain unchanged")
		return
	}
	if seen && previous == base {
		return
	}

	log.Warn().
		Str("site", site.ID).
		Str("configured", configured).
		Str("current", base).
		Msg("[DOMAINS] Site moved to a new domain")

	if s.onChange != nil {
		s.onChange(site, base)
	}
}

// Current returns the last resolved base URL for a site, falling back
// to the configured one.
func (s *Service) Current(siteID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if base, ok := s.resolved[siteID]; ok {
		return base
	}
	for _, site := range s.sites {
		if site.ID == siteID {
			return strings.TrimSuffix(site.BaseURL, "/")
		}
	}
	return ""
}
