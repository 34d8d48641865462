// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metadata talks to the external episode-listing service (TVmaze).
// It translates external identifiers (tvdb, imdb) into show names and
// supplies ordered episode listings for season discovery and the
// special-episode mapper.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/autobrr/autobrr/pkg/sharedhttp"
	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/anibridge/anibridge/internal/buildinfo"
)

const defaultBaseURL = "https://api.tvmaze.com"

// ErrNotFound signals an id or name unknown to the metadata service.
var ErrNotFound = errors.New("metadata: not found")

// Show is the subset of show metadata AniBridge consumes.
type Show struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Episode is one entry of a show's episode listing. Specials come back
// with Type "significant_special" or similar and season coordinates
// assigned by the metadata service.
type Episode struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Season   int    `json:"season"`
	Number   int    `json:"number"`
	Type     string `json:"type"`
	Absolute int    `json:"-"` // ordinal across regular episodes, derived
}

// Client queries the metadata service with retries and a response cache.
type Client struct {
	baseURL string
	client  *http.Client

	shows    *ttlcache.Cache[string, Show]
	episodes *ttlcache.Cache[int, []Episode]
}

// Option tweaks a Client.
type Option func(*Client)

// WithBaseURL points the client at a different service, used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New builds a metadata client. cacheTTL bounds how long show and episode
// responses are reused; zero keeps a short default.
func New(timeout, cacheTTL time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Minute
	}

	c := &Client{
		baseURL: defaultBaseURL,
		client: &http.Client{
			Timeout:   timeout,
			Transport: sharedhttp.Transport,
		},
		shows:    ttlcache.New(ttlcache.Options[string, Show]{}.SetDefaultTTL(cacheTTL)),
		episodes: ttlcache.New(ttlcache.Options[int, []Episode]{}.SetDefaultTTL(cacheTTL)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LookupTVDB resolves a TVDB id to a show.
func (c *Client) LookupTVDB(ctx context.Context, tvdbID int) (*Show, error) {
	return c.lookup(ctx, "thetvdb", strconv.Itoa(tvdbID))
}

// LookupIMDB resolves an IMDB id (tt1234567) to a show.
func (c *Client) LookupIMDB(ctx context.Context, imdbID string) (*Show, error) {
	return c.lookup(ctx, "imdb", imdbID)
}

func (c *Client) lookup(ctx context.Context, kind, id string) (*Show, error) {
	key := kind + ":" + id
	if cached, ok := c.shows.Get(key); ok {
		return &cached, nil
	}

	var show Show
	u := fmt.Sprintf("%s/lookup/shows?%s=%s", c.baseURL, kind, url.QueryEscape(id))
	if err := c.getJSON(ctx, u, &show); err != nil {
		return nil, err
	}

	c.shows.Set(key, show, ttlcache.DefaultTTL)
	return &show, nil
}

// SearchByName resolves a free-text name to the best-matching show.
func (c *Client) SearchByName(ctx context.Context, name string) (*Show, error) {
	key := "name:" + name
	if cached, ok := c.shows.Get(key); ok {
		return &cached, nil
	}

	var show Show
	u := fmt.Sprintf("%s/singlesearch/shows?q=%s", c.baseURL, url.QueryEscape(name))
	if err := c.getJSON(ctx, u, &show); err != nil {
		return nil, err
	}

	c.shows.Set(key, show, ttlcache.DefaultTTL)
	return &show, nil
}

// Episodes returns the full episode listing including specials, with
// absolute numbers assigned across the regular (season > 0) episodes in
// listing order.
func (c *Client) Episodes(ctx context.Context, showID int) ([]Episode, error) {
	if cached, ok := c.episodes.Get(showID); ok {
		return cached, nil
	}

	var eps []Episode
	u := fmt.Sprintf("%s/shows/%d/episodes?specials=1", c.baseURL, showID)
	if err := c.getJSON(ctx, u, &eps); err != nil {
		return nil, err
	}

	abs := 0
	for i := range eps {
		if eps[i].Season > 0 && eps[i].Number > 0 {
			abs++
			eps[i].Absolute = abs
		}
	}

	c.episodes.Set(showID, eps, ttlcache.DefaultTTL)
	return eps, nil
}

// Season filters a listing down to one season's regular episodes.
func Season(eps []Episode, season int) []Episode {
	var out []Episode
	for _, e := range eps {
		if e.Season == season && e.Number > 0 {
			out = append(out, e)
		}
	}
	return out
}

// Specials filters a listing down to season-zero entries.
func Specials(eps []Episode) []Episode {
	var out []Episode
	for _, e := range eps {
		if e.Season == 0 {
			out = append(out, e)
		}
	}
	return out
}

// getJSON fetches and decodes, retrying transient failures. 404 maps to
// ErrNotFound without retrying.
func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("User-Agent", buildinfo.UserAgent)
			req.Header.Set("Accept", "application/json")

			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return retry.Unrecoverable(ErrNotFound)
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
				return errors.Errorf("metadata: status %d from %s", resp.StatusCode, url)
			case resp.StatusCode != http.StatusOK:
				return retry.Unrecoverable(errors.Errorf("metadata: status %d from %s", resp.StatusCode, url))
			}

			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return retry.Unrecoverable(errors.Wrap(err, "metadata: decode response"))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
