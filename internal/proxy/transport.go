// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package proxy builds the outbound HTTP transport. When an upstream
// proxy is configured it is applied to all traffic or only to the
// streaming-site hosts, depending on scope.
package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Proxy scopes.
const (
	ScopeAll   = "all"
	ScopeSites = "sites"
)

type Config struct {
	Enabled bool
	URL     string
	Scope   string

	// SiteHosts is the host allowlist for ScopeSites, without ports.
	SiteHosts []string
}

// NewTransport returns a RoundTripper honouring the proxy config,
// wrapped with transient-error retries.
func NewTransport(cfg Config) (http.RoundTripper, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("default transport has unexpected type %T", http.DefaultTransport)
	}
	transport := base.Clone()
	transport.MaxIdleConnsPerHost = 8
	transport.ResponseHeaderTimeout = 60 * time.Second

	if !cfg.Enabled {
		// config is the only proxy source; ignore HTTP_PROXY et al.
		transport.Proxy = nil
		return NewRetryTransport(transport), nil
	}

	proxyURL, err := url.Parse(cfg.URL)
	if err != nil || proxyURL.Host == "" {
		return nil, fmt.Errorf("invalid proxy url %q", cfg.URL)
	}

	scope := cfg.Scope
	if scope == "" {
		scope = ScopeAll
	}

	switch scope {
	case ScopeAll:
		transport.Proxy = http.ProxyURL(proxyURL)
	case ScopeSites:
		hosts := make(map[string]struct{}, len(cfg.SiteHosts))
		for _, h := range cfg.SiteHosts {
			hosts[strings.ToLower(h)] = struct{}{}
		}
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if _, ok := hosts[strings.ToLower(req.URL.Hostname())]; ok {
				return proxyURL, nil
			}
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("invalid proxy scope %q", cfg.Scope)
	}

	log.Info().Str("proxy", proxyURL.Host).Str("scope", scope).Msg("[PROXY] Outbound proxy enabled")
	return NewRetryTransport(transport), nil
}

// NewClient wraps NewTransport in a client with an overall timeout.
// A zero timeout leaves requests bounded by their contexts only.
func NewClient(cfg Config, timeout time.Duration) (*http.Client, error) {
	transport, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}
