// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package strm

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/autobrr/autobrr/pkg/sharedhttp"
	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/resolver"
	"github.com/anibridge/anibridge/internal/scheduler"
	"github.com/anibridge/anibridge/internal/sites"
)

// maxPlaylistBytes bounds how much of an upstream playlist is read into
// memory for rewriting.
const maxPlaylistBytes = 10 << 20

// allowedResponseHeaders is the only upstream response metadata a client
// ever sees.
var allowedResponseHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"ETag",
	"Last-Modified",
}

// staleStatuses are upstream answers that mean the cached mapping went
// bad and a re-resolve is worth one attempt.
var staleStatuses = map[int]bool{
	http.StatusForbidden:                  true,
	http.StatusNotFound:                   true,
	http.StatusGone:                       true,
	http.StatusTooManyRequests:            true,
	http.StatusUnavailableForLegalReasons: true,
}

// Proxy serves /strm/stream and /strm/proxy.
type Proxy struct {
	resolver scheduler.Resolver
	mappings *models.StrmMappingStore
	registry *sites.Registry
	auth     Auth
	builder  URLBuilder
	remux    *RemuxCache // nil when disabled

	cacheTTL time.Duration
	memory   *ttlcache.Cache[string, *models.StrmURLMapping]
	client   *http.Client
}

// ProxyOption tweaks the proxy.
type ProxyOption func(*Proxy)

// WithUpstreamClient overrides the HTTP client used to reach upstreams.
func WithUpstreamClient(c *http.Client) ProxyOption {
	return func(p *Proxy) { p.client = c }
}

// WithRemux enables the MP4 remux cache.
func WithRemux(r *RemuxCache) ProxyOption {
	return func(p *Proxy) { p.remux = r }
}

func NewProxy(res scheduler.Resolver, mappings *models.StrmMappingStore, registry *sites.Registry, auth Auth, builder URLBuilder, cacheTTL time.Duration, opts ...ProxyOption) *Proxy {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Minute
	}
	p := &Proxy{
		resolver: res,
		mappings: mappings,
		registry: registry,
		auth:     auth,
		builder:  builder,
		cacheTTL: cacheTTL,
		memory:   ttlcache.New(ttlcache.Options[string, *models.StrmURLMapping]{}.SetDefaultTTL(cacheTTL)),
		client: &http.Client{
			Timeout:   0, // streaming; per-request contexts bound lifetime
			Transport: sharedhttp.Transport,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Routes mounts the proxy endpoints. Both accept GET and HEAD.
func (p *Proxy) Routes(r chi.Router) {
	r.Get("/stream", p.handleStream)
	r.Head("/stream", p.handleStream)
	r.Get("/proxy", p.handleProxy)
	r.Head("/proxy", p.handleProxy)
}

func (p *Proxy) authorize(w http.ResponseWriter, r *http.Request) bool {
	err := p.auth.Verify(r.URL.Query(), time.Now())
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrAuthMisconfigured):
		http.Error(w, "strm proxy auth misconfigured", http.StatusInternalServerError)
	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return false
}

func (p *Proxy) handleStream(w http.ResponseWriter, r *http.Request) {
	if !p.authorize(w, r) {
		return
	}

	q := r.URL.Query()
	site := p.registry.Get(q.Get("site"))
	season, serr := strconv.Atoi(q.Get("s"))
	episode, eerr := strconv.Atoi(q.Get("e"))
	slug, lang := q.Get("slug"), q.Get("lang")
	if site == nil || slug == "" || lang == "" || serr != nil || eerr != nil {
		http.Error(w, "missing or malformed episode parameters", http.StatusBadRequest)
		return
	}

	key := models.EpisodeKey{Site: site.ID, Slug: slug, Season: season, Episode: episode, Language: lang}
	provider := q.Get("provider")

	mapping, err := p.lookup(r.Context(), site, key, provider)
	if err != nil {
		log.Warn().Err(err).Stringer("episode", key).Msg("[STRM] Resolution failed")
		http.Error(w, "upstream resolution failed", http.StatusBadGateway)
		return
	}

	p.serveUpstream(w, r, mapping, func(ctx context.Context) (*models.StrmURLMapping, error) {
		p.invalidate(ctx, key, provider)
		return p.resolveFresh(ctx, site, key, provider)
	})
}

func (p *Proxy) handleProxy(w http.ResponseWriter, r *http.Request) {
	if !p.authorize(w, r) {
		return
	}

	raw := r.URL.Query().Get("u")
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		http.Error(w, "u must be an http(s) URL", http.StatusBadRequest)
		return
	}

	mapping := &models.StrmURLMapping{URL: raw}
	p.serveUpstream(w, r, mapping, nil)
}

// mappingKey is the memory-layer cache key.
func mappingKey(key models.EpisodeKey, provider string) string {
	return key.String() + "|" + provider
}

// lookup walks memory, DB, resolver in that order.
func (p *Proxy) lookup(ctx context.Context, site *sites.Site, key models.EpisodeKey, provider string) (*models.StrmURLMapping, error) {
	if cached, ok := p.memory.Get(mappingKey(key, provider)); ok {
		return cached, nil
	}

	if fresh, err := p.mappings.GetFresh(ctx, key, provider, p.cacheTTL); err != nil {
		log.Error().Err(err).Stringer("episode", key).Msg("[STRM] Mapping read failed")
	} else if fresh != nil {
		p.memory.Set(mappingKey(key, provider), fresh, ttlcache.DefaultTTL)
		return fresh, nil
	}

	return p.resolveFresh(ctx, site, key, provider)
}

func (p *Proxy) resolveFresh(ctx context.Context, site *sites.Site, key models.EpisodeKey, provider string) (*models.StrmURLMapping, error) {
	res, err := p.resolver.Resolve(ctx, resolver.Request{
		Site:      site,
		Slug:      key.Slug,
		Season:    key.Season,
		Episode:   key.Episode,
		Language:  key.Language,
		Preferred: provider,
	})
	if err != nil {
		return nil, err
	}

	mapping := &models.StrmURLMapping{
		EpisodeKey:     key,
		Provider:       provider,
		URL:            res.URL,
		RequestHeaders: res.RequestHeaders,
		ResolvedAt:     time.Now(),
	}
	if err := p.mappings.Upsert(ctx, mapping); err != nil {
		log.Error().Err(err).Stringer("episode", key).Msg("[STRM] Mapping write failed")
	}
	p.memory.Set(mappingKey(key, provider), mapping, ttlcache.DefaultTTL)
	return mapping, nil
}

func (p *Proxy) invalidate(ctx context.Context, key models.EpisodeKey, provider string) {
	p.memory.Delete(mappingKey(key, provider))
	if err := p.mappings.Delete(ctx, key); err != nil {
		log.Error().Err(err).Stringer("episode", key).Msg("[STRM] Mapping invalidation failed")
	}
}

// serveUpstream proxies one upstream fetch. refresh, when non-nil, is
// the single re-resolve used after a stale status or a transport error.
func (p *Proxy) serveUpstream(w http.ResponseWriter, r *http.Request, mapping *models.StrmURLMapping, refresh func(context.Context) (*models.StrmURLMapping, error)) {
	resp, err := p.fetchUpstream(r, mapping)
	if err != nil || staleStatuses[resp.StatusCode] {
		if resp != nil {
			drain(resp)
		}
		if refresh == nil {
			log.Warn().Err(err).Str("url", mapping.URL).Msg("[STRM] Upstream fetch failed")
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}

		fresh, rerr := refresh(r.Context())
		if rerr != nil {
			log.Warn().Err(rerr).Msg("[STRM] Re-resolve failed")
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		resp, err = p.fetchUpstream(r, fresh)
		if err != nil || staleStatuses[resp.StatusCode] {
			if resp != nil {
				drain(resp)
			}
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		mapping = fresh
	}
	defer resp.Body.Close()

	if IsPlaylist(resp.Header.Get("Content-Type"), upstreamPath(mapping.URL)) {
		p.servePlaylist(w, r, mapping, resp)
		return
	}

	copyAllowedHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := io.Copy(w, resp.Body); err != nil {
			log.Debug().Err(err).Msg("[STRM] Client disconnected mid-stream")
		}
	}
}

// fetchUpstream issues the upstream request, forwarding Range verbatim
// and falling back to a bytes=0-0 GET when the upstream rejects HEAD.
func (p *Proxy) fetchUpstream(r *http.Request, mapping *models.StrmURLMapping) (*http.Response, error) {
	do := func(method, rangeHeader string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(r.Context(), method, mapping.URL, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range mapping.RequestHeaders {
			req.Header.Set(k, v)
		}
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		return p.client.Do(req)
	}

	resp, err := do(r.Method, r.Header.Get("Range"))
	if err != nil {
		return nil, err
	}

	if r.Method == http.MethodHead &&
		(resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		drain(resp)
		return do(http.MethodGet, "bytes=0-0")
	}
	return resp, nil
}

// servePlaylist rewrites an HLS playlist so every URI re-enters the
// proxy, serving the remuxed MP4 instead when one is ready.
func (p *Proxy) servePlaylist(w http.ResponseWriter, r *http.Request, mapping *models.StrmURLMapping, resp *http.Response) {
	if p.remux != nil && r.Method == http.MethodGet && mapping.Slug != "" {
		if artifact, ok := p.remux.Serve(r.Context(), mapping); ok {
			drain(resp)
			log.Debug().Stringer("episode", mapping.EpisodeKey).Msg("[STRM] Serving remuxed MP4")
			http.ServeFile(w, r, artifact)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		http.Error(w, "upstream read failed", http.StatusBadGateway)
		return
	}

	playlistURL, err := url.Parse(mapping.URL)
	if err != nil {
		http.Error(w, "malformed upstream URL", http.StatusBadGateway)
		return
	}

	now := time.Now()
	rewritten, err := RewritePlaylist(DecodePlaylist(body, resp.Header.Get("Content-Type")), playlistURL, func(abs string) (string, error) {
		return p.builder.ProxyURL(abs, now)
	})
	if err != nil {
		log.Warn().Err(err).Str("url", mapping.URL).Msg("[STRM] Playlist rewrite failed")
		http.Error(w, "playlist rewrite failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", PlaylistContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		io.WriteString(w, rewritten)
	}
}

func copyAllowedHeaders(w http.ResponseWriter, resp *http.Response) {
	for _, name := range allowedResponseHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
}

func upstreamPath(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Path
	}
	return raw
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
