// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package titles maintains the per-site slug to title catalogue and
// resolves free-text queries to series slugs.
package titles

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/autobrr/autobrr/pkg/sharedhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/anibridge/anibridge/internal/buildinfo"
	"github.com/anibridge/anibridge/internal/sites"
)

// Entry is one catalogue row: a slug with its display title and every
// alternative title, main title first.
type Entry struct {
	Slug   string
	Title  string
	Titles []string
}

type snapshot struct {
	entries  map[string]*Entry
	loadedAt time.Time
}

// Index is the catalogue for one site. Readers see the previous snapshot
// until a refresh publishes a new one.
type Index struct {
	site         *sites.Site
	client       *http.Client
	refreshEvery time.Duration
	snapshotPath string

	mu    sync.RWMutex
	snap  *snapshot
	group singleflight.Group
}

// IndexOption tweaks an Index.
type IndexOption func(*Index)

// WithHTTPClient overrides the catalogue fetch client.
func WithHTTPClient(c *http.Client) IndexOption {
	return func(i *Index) { i.client = c }
}

// WithSnapshotPath sets the local fallback file parsed when the live
// fetch fails.
func WithSnapshotPath(path string) IndexOption {
	return func(i *Index) { i.snapshotPath = path }
}

// NewIndex creates the catalogue for a site. refreshEvery of zero disables
// time-based refresh; the first lookup still triggers an initial load.
func NewIndex(site *sites.Site, refreshEvery time.Duration, opts ...IndexOption) *Index {
	idx := &Index{
		site:         site,
		refreshEvery: refreshEvery,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: sharedhttp.Transport,
		},
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Entries returns the current snapshot, refreshing first when stale.
// Never fails: a refresh error degrades to whatever was loaded before.
func (i *Index) Entries(ctx context.Context) map[string]*Entry {
	i.mu.RLock()
	snap := i.snap
	i.mu.RUnlock()

	if snap != nil && !i.stale(snap) {
		return snap.entries
	}

	// collapse concurrent refreshes into one fetch
	res, _, _ := i.group.Do("refresh", func() (any, error) {
		return i.refresh(ctx), nil
	})
	if entries, ok := res.(map[string]*Entry); ok && entries != nil {
		return entries
	}
	if snap != nil {
		return snap.entries
	}
	return nil
}

// Lookup returns the entry for a slug from the current snapshot.
func (i *Index) Lookup(ctx context.Context, slug string) *Entry {
	return i.Entries(ctx)[slug]
}

// Site returns the site this index serves.
func (i *Index) Site() *sites.Site {
	return i.site
}

func (i *Index) stale(snap *snapshot) bool {
	if i.refreshEvery <= 0 {
		return false
	}
	return time.Since(snap.loadedAt) > i.refreshEvery
}

// refresh loads live HTML, falls back to the local snapshot file, and
// keeps the previous cache when both fail. Returns the published entries.
func (i *Index) refresh(ctx context.Context) map[string]*Entry {
	entries, err := i.fetchLive(ctx)
	if err != nil {
		log.Warn().Err(err).Str("site", i.site.ID).Msg("[TITLES] Live catalogue fetch failed, trying snapshot")
		entries, err = i.parseSnapshotFile()
	}
	if err != nil {
		log.Warn().Err(err).Str("site", i.site.ID).Msg("[TITLES] Catalogue refresh failed, keeping previous index")
		i.mu.RLock()
		defer i.mu.RUnlock()
		if i.snap != nil {
			return i.snap.entries
		}
		return nil
	}

	i.mu.Lock()
	i.snap = &snapshot{entries: entries, loadedAt: time.Now()}
	i.mu.Unlock()

	log.Info().Str("site", i.site.ID).Int("series", len(entries)).Msg("[TITLES] Catalogue refreshed")
	return entries
}

func (i *Index) fetchLive(ctx context.Context) (map[string]*Entry, error) {
	url := i.site.BaseURL + i.site.IndexPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	return i.parseHTML(resp.Body)
}

func (i *Index) parseSnapshotFile() (map[string]*Entry, error) {
	if i.snapshotPath == "" {
		return nil, fmt.Errorf("no snapshot file configured")
	}
	f, err := os.Open(i.snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", i.snapshotPath, err)
	}
	defer f.Close()
	return i.parseHTML(f)
}

// parseHTML walks every anchor whose href matches the site's series URL
// pattern. The anchor text is the main title; a data-alternative-title
// attribute carries comma-separated alternatives.
func (i *Index) parseHTML(r io.Reader) (map[string]*Entry, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse catalogue HTML: %w", err)
	}

	entries := make(map[string]*Entry)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		slug := i.site.SlugFromPath(href)
		if slug == "" {
			return
		}

		title := strings.TrimSpace(sel.Text())
		if title == "" {
			return
		}

		titles := []string{title}
		if alt, ok := sel.Attr("data-alternative-title"); ok {
			for _, t := range strings.Split(alt, ",") {
				if t = strings.TrimSpace(t); t != "" && t != title {
					titles = append(titles, t)
				}
			}
		}

		entries[slug] = &Entry{Slug: slug, Title: title, Titles: titles}
	})

	if len(entries) == 0 {
		return nil, fmt.Errorf("catalogue HTML yielded no series")
	}
	return entries, nil
}
