// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torznab

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibridge/anibridge/internal/domain"
	"github.com/anibridge/anibridge/internal/magnet"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/resolver"
	"github.com/anibridge/anibridge/internal/sites"
	"github.com/anibridge/anibridge/internal/testdb"
	"github.com/anibridge/anibridge/internal/titles"
)

// fakeResolver answers availability probes from a fixed table.
type fakeResolver struct {
	mu        sync.Mutex
	available map[string]string // "slug/s/e/lang" -> provider
	calls     int
}

func episodeID(slug string, season, episode int, lang string) string {
	return fmt.Sprintf("%s/%d/%d/%s", slug, season, episode, lang)
}

func (f *fakeResolver) Resolve(ctx context.Context, req resolver.Request) (*resolver.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	provider, ok := f.available[episodeID(req.Slug, req.Season, req.Episode, req.Language)]
	if !ok {
		return nil, &resolver.NoProviderError{Tried: []string{"VOE"}}
	}
	return &resolver.Result{URL: "https://cdn.example/" + req.Slug, Provider: provider}, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	handler  *Handler
	registry *sites.Registry
	res      *fakeResolver
	srv      *httptest.Server
}

func htmlServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if html, ok := routes[r.URL.Path]; ok {
			w.Write([]byte(html))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFixture(t *testing.T, res *fakeResolver, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()

	reg, err := sites.Load()
	require.NoError(t, err)

	awSrv := htmlServer(t, map[string]string{
		"/animes-alphabet": `<a href="/anime/stream/solo-leveling">Solo Leveling</a>`,
		"/serie/stream/solo-leveling/filme": `
			<a href="/serie/stream/solo-leveling/filme/film-4">Cursed Memories</a>
			<a href="/serie/stream/solo-leveling/filme/film-7">Recap</a>`,
	})
	stoSrv := htmlServer(t, map[string]string{"/serien-alphabet": ""})
	mkSrv := htmlServer(t, map[string]string{"/films": `<a href="/films/suzume">Suzume</a>`})

	reg.Get(sites.AniWorld).BaseURL = awSrv.URL
	reg.Get(sites.STO).BaseURL = stoSrv.URL
	reg.Get(sites.Megakino).BaseURL = mkSrv.URL

	indexes := []*titles.Index{
		titles.NewIndex(reg.Get(sites.AniWorld), time.Hour, titles.WithHTTPClient(awSrv.Client())),
		titles.NewIndex(reg.Get(sites.STO), time.Hour, titles.WithHTTPClient(stoSrv.Client())),
		titles.NewIndex(reg.Get(sites.Megakino), time.Hour, titles.WithHTTPClient(mkSrv.Client())),
	}
	svc := titles.NewService(indexes, 0)

	avail := models.NewAvailabilityStore(testdb.Open(t, "torznab"))

	cfg := Config{
		IndexerName:                "AniBridge",
		CatAnime:                   5070,
		CatMovies:                  2000,
		FakeSeeders:                99,
		FakeLeechers:               12,
		ReturnTestResult:           true,
		SeasonMaxEpisodes:          20,
		SeasonMaxConsecutiveMisses: 2,
		StrmMode:                   domain.StrmFilesNo,
		AvailabilityTTL:            time.Hour,
		SourceTag:                  "WEB",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := New(cfg, reg, svc, avail, res, opts...)

	r := chi.NewRouter()
	r.Route("/torznab", h.Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{handler: h, registry: reg, res: res, srv: srv}
}

// feedDoc mirrors the emitted RSS shape for assertions.
type feedDoc struct {
	Channel struct {
		Title string     `xml:"title"`
		Items []feedItem `xml:"item"`
	} `xml:"channel"`
}

type feedItem struct {
	Title     string `xml:"title"`
	Category  string `xml:"category"`
	PubDate   string `xml:"pubDate"`
	Enclosure struct {
		URL    string `xml:"url,attr"`
		Length int64  `xml:"length,attr"`
		Type   string `xml:"type,attr"`
	} `xml:"enclosure"`
	GUID struct {
		IsPermaLink string `xml:"isPermaLink,attr"`
		Value       string `xml:",chardata"`
	} `xml:"guid"`
	Attrs []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	} `xml:"attr"`
}

func (i feedItem) attr(name string) string {
	for _, a := range i.Attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

func (f *fixture) get(t *testing.T, query string) (*http.Response, feedDoc) {
	t.Helper()

	resp, err := http.Get(f.srv.URL + "/torznab/api?" + query)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var doc feedDoc
	if strings.Contains(resp.Header.Get("Content-Type"), "rss") {
		require.NoError(t, xml.Unmarshal(body, &doc), "body: %s", body)
	}
	return resp, doc
}

func TestCaps(t *testing.T) {
	f := newFixture(t, &fakeResolver{}, nil)

	resp, err := http.Get(f.srv.URL + "/torznab/api?t=caps")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), `<category id="5070"`)
	assert.Contains(t, string(body), `<category id="2000"`)
	assert.Contains(t, string(body), `supportedParams="q,season,ep`)
}

func TestAPIKeyEnforcement(t *testing.T) {
	f := newFixture(t, &fakeResolver{}, func(c *Config) { c.APIKey = "sekrit" })

	resp, _ := f.get(t, "t=caps")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.get(t, "t=caps&apikey=wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.get(t, "t=caps&apikey=sekrit")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownVerb(t *testing.T) {
	f := newFixture(t, &fakeResolver{}, nil)

	resp, _ := f.get(t, "t=music")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchWithoutQueryReturnsTestItem(t *testing.T) {
	f := newFixture(t, &fakeResolver{}, nil)

	resp, doc := f.get(t, "t=search")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/rss+xml", resp.Header.Get("Content-Type"))
	require.Len(t, doc.Channel.Items, 1)
	assert.Contains(t, doc.Channel.Items[0].Title, "Connectivity")
	assert.NotContains(t, doc.Channel.Items[0].Title, "S01E01")

	quiet := newFixture(t, &fakeResolver{}, func(c *Config) { c.ReturnTestResult = false })
	_, doc = quiet.get(t, "t=search")
	assert.Empty(t, doc.Channel.Items)
}

func TestSearchPreview(t *testing.T) {
	res := &fakeResolver{available: map[string]string{
		episodeID("solo-leveling", 1, 1, "German Dub"): "VOE",
	}}
	f := newFixture(t, res, nil)

	resp, doc := f.get(t, "t=search&q=solo+leveling")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, doc.Channel.Items, 1)

	it := doc.Channel.Items[0]
	assert.NotContains(t, it.Title, "S01E01", "preview titles omit the episode segment")
	assert.Contains(t, it.Title, "German.Dubbed")
	assert.Contains(t, it.Title, "-ANIWORLD")
	assert.Equal(t, "false", it.GUID.IsPermaLink)
	assert.Equal(t, "application/x-bittorrent;x-scheme-handler/magnet", it.Enclosure.Type)

	// the magnet still round-trips to S01E01
	p, err := magnet.Parse(f.registry, it.attr("magneturl"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Season)
	assert.Equal(t, 1, p.Episode)
}

func TestSearchUnresolvedQueryIsEmptyFeed(t *testing.T) {
	f := newFixture(t, &fakeResolver{}, nil)

	resp, doc := f.get(t, "t=search&q=completely+unknown+show")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, doc.Channel.Items)
}

func TestSearchSceneFormattedQuery(t *testing.T) {
	res := &fakeResolver{available: map[string]string{
		episodeID("solo-leveling", 1, 5, "German Dub"): "VOE",
	}}
	f := newFixture(t, res, nil)

	_, doc := f.get(t, "t=search&q=Solo.Leveling.S01E05.1080p.WEB.H264-GROUP")
	require.Len(t, doc.Channel.Items, 1)
	assert.Contains(t, doc.Channel.Items[0].Title, "S01E05")
}

func TestTVSearchEpisode(t *testing.T) {
	res := &fakeResolver{available: map[string]string{
		episodeID("solo-leveling", 1, 5, "German Dub"): "VOE",
		episodeID("solo-leveling", 1, 5, "German Sub"): "Filemoon",
	}}
	f := newFixture(t, res, nil)

	_, doc := f.get(t, "t=tvsearch&q=solo+leveling&season=1&ep=5")
	require.Len(t, doc.Channel.Items, 2)

	it := doc.Channel.Items[0]
	assert.Contains(t, it.Title, "S01E05")
	assert.Equal(t, "5070", it.Category)
	assert.Equal(t, "99", it.attr("seeders"))
	assert.Equal(t, "12", it.attr("leechers"))
	assert.Equal(t, "111", it.attr("peers"))

	p, err := magnet.Parse(f.registry, it.attr("magneturl"))
	require.NoError(t, err)
	assert.Equal(t, "solo-leveling", p.Slug)
	assert.Equal(t, 5, p.Episode)
	assert.Equal(t, "VOE", p.Provider)
	assert.Equal(t, p.InfoHash, it.attr("infohash"))
}

func TestTVSearchMissingSeasonIsEmptyFeed(t *testing.T) {
	f := newFixture(t, &fakeResolver{}, nil)

	resp, doc := f.get(t, "t=tvsearch&q=solo+leveling")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, doc.Channel.Items)
}

func TestTVSearchSeasonDiscoveryByProbing(t *testing.T) {
	res := &fakeResolver{available: map[string]string{
		episodeID("solo-leveling", 1, 1, "German Dub"): "VOE",
		episodeID("solo-leveling", 1, 2, "German Dub"): "VOE",
		episodeID("solo-leveling", 1, 3, "German Dub"): "VOE",
	}}
	f := newFixture(t, res, nil)

	_, doc := f.get(t, "t=tvsearch&q=solo+leveling&season=1")
	require.Len(t, doc.Channel.Items, 3)
	assert.Contains(t, doc.Channel.Items[0].Title, "S01E01")
	assert.Contains(t, doc.Channel.Items[2].Title, "S01E03")

	// probing stopped after two consecutive misses, three languages each
	maxProbes := 5 * len(f.registry.Get(sites.AniWorld).DefaultLanguages)
	assert.LessOrEqual(t, res.callCount(), maxProbes)
}

func TestAvailabilityCacheSuppressesReprobes(t *testing.T) {
	res := &fakeResolver{available: map[string]string{
		episodeID("solo-leveling", 1, 5, "German Dub"): "VOE",
	}}
	f := newFixture(t, res, nil)

	f.get(t, "t=tvsearch&q=solo+leveling&season=1&ep=5")
	after := res.callCount()
	assert.Positive(t, after, "first pass probes")

	_, doc := f.get(t, "t=tvsearch&q=solo+leveling&season=1&ep=5")
	require.Len(t, doc.Channel.Items, 1)
	assert.Equal(t, after, res.callCount(), "second pass is served from the cache")
}

func TestStrmModes(t *testing.T) {
	available := map[string]string{
		episodeID("solo-leveling", 1, 5, "German Dub"): "VOE",
	}

	both := newFixture(t, &fakeResolver{available: available}, func(c *Config) { c.StrmMode = domain.StrmFilesBoth })
	_, doc := both.get(t, "t=tvsearch&q=solo+leveling&season=1&ep=5")
	require.Len(t, doc.Channel.Items, 2)
	assert.NotContains(t, doc.Channel.Items[0].Title, ".STRM")
	assert.Contains(t, doc.Channel.Items[1].Title, ".STRM")
	assert.NotEqual(t, doc.Channel.Items[0].GUID.Value, doc.Channel.Items[1].GUID.Value)

	strm := doc.Channel.Items[1]
	p, err := magnet.Parse(both.registry, strm.attr("magneturl"))
	require.NoError(t, err)
	assert.Equal(t, magnet.ModeStrm, p.Mode)
	assert.Equal(t, p.InfoHash, strm.attr("infohash"), "attr matches the magnet xt hash")
	assert.Equal(t, p.InfoHash, doc.Channel.Items[0].attr("infohash"))
	assert.Equal(t, p.InfoHash+"-strm", strm.GUID.Value, "only the guid separates the variants")

	only := newFixture(t, &fakeResolver{available: available}, func(c *Config) { c.StrmMode = domain.StrmFilesOnly })
	_, doc = only.get(t, "t=tvsearch&q=solo+leveling&season=1&ep=5")
	require.Len(t, doc.Channel.Items, 1)
	assert.Contains(t, doc.Channel.Items[0].Title, ".STRM")
}

func TestPagination(t *testing.T) {
	res := &fakeResolver{available: map[string]string{
		episodeID("solo-leveling", 1, 1, "German Dub"): "VOE",
		episodeID("solo-leveling", 1, 2, "German Dub"): "VOE",
		episodeID("solo-leveling", 1, 3, "German Dub"): "VOE",
	}}
	f := newFixture(t, res, nil)

	_, doc := f.get(t, "t=tvsearch&q=solo+leveling&season=1&limit=2")
	assert.Len(t, doc.Channel.Items, 2)

	_, doc = f.get(t, "t=tvsearch&q=solo+leveling&season=1&offset=2")
	require.Len(t, doc.Channel.Items, 1)
	assert.Contains(t, doc.Channel.Items[0].Title, "S01E03")
}

func TestMovieSearchPrefersMovieSite(t *testing.T) {
	res := &fakeResolver{available: map[string]string{
		episodeID("suzume", 0, 0, "German Dub"): "VOE",
	}}
	f := newFixture(t, res, nil)

	_, doc := f.get(t, "t=movie&q=suzume")
	require.Len(t, doc.Channel.Items, 1)

	it := doc.Channel.Items[0]
	assert.Equal(t, "2000", it.Category)
	assert.NotContains(t, it.Title, "S00", "movie titles carry no episode segment")
	assert.Contains(t, it.Title, "-MEGAKINO")
}

func TestMovieSearchFallsBackToAnimeSites(t *testing.T) {
	res := &fakeResolver{available: map[string]string{
		episodeID("solo-leveling", 0, 1, "German Dub"): "VOE",
	}}
	f := newFixture(t, res, nil)

	_, doc := f.get(t, "t=movie&q=solo+leveling")
	require.Len(t, doc.Channel.Items, 1)
	assert.Contains(t, doc.Channel.Items[0].Title, "-ANIWORLD")

	p, err := magnet.Parse(f.registry, doc.Channel.Items[0].attr("magneturl"))
	require.NoError(t, err)
	assert.Equal(t, 0, p.Season)
	assert.Equal(t, 1, p.Episode)
}
