// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package resolver walks a prioritized hoster list to turn an episode
// identity into a direct media URL.
package resolver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/autobrr/autobrr/pkg/sharedhttp"
	"github.com/rs/zerolog/log"
	xproxy "golang.org/x/net/proxy"

	"github.com/anibridge/anibridge/internal/sites"
)

const defaultProbeTimeout = 6 * time.Second

// Request identifies what to resolve. Either Site+Slug+Season+Episode or
// a DirectLink to an episode page.
type Request struct {
	Site       *sites.Site
	Slug       string
	Season     int
	Episode    int
	Language   string
	Preferred  string // provider probed first, when set
	DirectLink string // optional episode page URL, bypasses URL construction
}

// Resolver owns the provider walk and the proxy fallback policy.
type Resolver struct {
	order     []string
	extractor Extractor

	client       *http.Client // proxied when a proxy is configured
	directClient *http.Client // never proxied
	proxied      bool
	proxyURL     string
}

// Option tweaks a Resolver.
type Option func(*Resolver)

// WithExtractor overrides the hoster extractor, used by tests and the
// metadata-only probe.
func WithExtractor(e Extractor) Option {
	return func(r *Resolver) { r.extractor = e }
}

// WithHTTPClient overrides the primary client. Disables the proxy
// fallback distinction unless WithDirectClient is also given.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		r.client = c
		if r.directClient == nil {
			r.directClient = c
		}
	}
}

// WithDirectClient sets the client used for the no-proxy fallback walk.
func WithDirectClient(c *http.Client) Option {
	return func(r *Resolver) {
		r.directClient = c
		r.proxied = true
	}
}

// New builds a resolver over the given provider order. proxyURL, when
// non-empty, routes the primary walk through the proxy and arms the
// direct fallback.
func New(order []string, proxyURL string, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		order:     order,
		extractor: redirectExtractor{},
	}

	direct := &http.Client{Timeout: defaultProbeTimeout, Transport: sharedhttp.Transport}
	r.client = direct
	r.directClient = direct

	if proxyURL != "" {
		transport, err := proxyTransport(proxyURL)
		if err != nil {
			return nil, err
		}
		r.client = &http.Client{Timeout: defaultProbeTimeout, Transport: transport}
		r.proxied = true
		r.proxyURL = proxyURL
	}

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// proxyTransport builds a transport for an http(s):// or socks5:// proxy.
func proxyTransport(raw string) (http.RoundTripper, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	if u.Scheme == "socks5" || u.Scheme == "socks5h" {
		var auth *xproxy.Auth
		if u.User != nil {
			pw, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pw}
		}
		dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, xproxy.Direct)
		if err != nil {
			return nil, err
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}, nil
	}

	return &http.Transport{Proxy: http.ProxyURL(u)}, nil
}

// Resolve walks the candidate provider list and returns the first direct
// URL. On full failure with a proxy configured, the entire walk is
// retried once without the proxy. The Result records which path won so
// the download reuses it; mixing a proxied extraction with a direct
// download (or vice versa) gets the CDN to answer 403.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	res, err := r.walk(ctx, req, r.client, r.proxyURL)
	if err == nil {
		return res, nil
	}

	var langErr *LanguageUnavailableError
	if errors.As(err, &langErr) {
		return nil, err
	}

	if r.proxied && r.directClient != r.client {
		log.Debug().Str("slug", req.Slug).Str("language", req.Language).
			Msg("[RESOLVER] Proxied walk failed, retrying without proxy")
		return r.walk(ctx, req, r.directClient, "")
	}

	return nil, err
}

// walk probes each candidate in order and short-circuits on the first
// URL. A LanguageUnavailableError aborts immediately; other failures move
// to the next candidate. proxyURL is stamped on the Result so downstream
// consumers stay on the walk's path.
func (r *Resolver) walk(ctx context.Context, req Request, client *http.Client, proxyURL string) (*Result, error) {
	language := sites.NormalizeLanguage(req.Language)

	page, err := r.loadPage(ctx, client, req)
	if err != nil {
		return nil, err
	}

	if !page.HasLanguage(language) {
		return nil, &LanguageUnavailableError{Requested: language, Available: page.Languages}
	}

	links := page.LinksFor(language)
	byProvider := make(map[string]ProviderLink, len(links))
	var pageOrder []string
	for _, l := range links {
		key := strings.ToLower(l.Provider)
		if _, ok := byProvider[key]; !ok {
			byProvider[key] = l
			pageOrder = append(pageOrder, l.Provider)
		}
	}

	var tried []string
	for _, provider := range r.candidates(req.Preferred, pageOrder) {
		link, ok := byProvider[strings.ToLower(provider)]
		if !ok {
			continue
		}
		tried = append(tried, link.Provider)

		res, err := r.extractor.Extract(ctx, client, link.Target)
		if err != nil {
			log.Debug().Err(err).Str("provider", link.Provider).Str("slug", req.Slug).
				Msg("[RESOLVER] Provider probe failed")
			continue
		}

		res.Provider = link.Provider
		res.ProxyURL = proxyURL
		log.Debug().Str("provider", link.Provider).Str("slug", req.Slug).
			Str("language", language).Msg("[RESOLVER] Resolved direct URL")
		return res, nil
	}

	if len(tried) == 0 {
		tried = r.order
	}
	return nil, &NoProviderError{Tried: tried}
}

func (r *Resolver) loadPage(ctx context.Context, client *http.Client, req Request) (*EpisodePage, error) {
	if req.DirectLink != "" {
		base := ""
		if req.Site != nil {
			base = req.Site.BaseURL
		}
		return fetchEpisodePageURL(ctx, client, req.DirectLink, base)
	}
	return fetchEpisodePage(ctx, client, req.Site, req.Slug, req.Season, req.Episode)
}

// candidates is [preferred] ++ (configured order \ preferred) ++ page
// extras not named in the configuration.
func (r *Resolver) candidates(preferred string, pageOrder []string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(p string) {
		key := strings.ToLower(strings.TrimSpace(p))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, p)
	}

	add(preferred)
	for _, p := range r.order {
		add(p)
	}
	for _, p := range pageOrder {
		add(p)
	}
	return out
}
