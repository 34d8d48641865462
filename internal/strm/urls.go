// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package strm

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anibridge/anibridge/internal/resolver"
	"github.com/anibridge/anibridge/internal/scheduler"
)

// URLBuilder constructs signed proxy URLs under the public base URL.
type URLBuilder struct {
	Base string // e.g. http://anibridge:8080
	Auth Auth
}

// StreamURL builds /strm/stream for an episode identity.
func (b URLBuilder) StreamURL(req scheduler.Request, provider string, now time.Time) (string, error) {
	q := url.Values{}
	q.Set("site", req.Site.ID)
	q.Set("slug", req.Slug)
	q.Set("s", strconv.Itoa(req.Season))
	q.Set("e", strconv.Itoa(req.Episode))
	q.Set("lang", req.Language)
	if provider != "" {
		q.Set("provider", provider)
	}

	if err := b.Auth.Sign(q, now); err != nil {
		return "", err
	}
	return strings.TrimRight(b.Base, "/") + "/strm/stream?" + q.Encode(), nil
}

// ProxyURL builds /strm/proxy for an arbitrary upstream URL, used when
// rewriting HLS playlists so segments and keys re-enter the proxy.
func (b URLBuilder) ProxyURL(upstream string, now time.Time) (string, error) {
	q := url.Values{}
	q.Set("u", upstream)

	if err := b.Auth.Sign(q, now); err != nil {
		return "", err
	}
	return strings.TrimRight(b.Base, "/") + "/strm/proxy?" + q.Encode(), nil
}

// ProxyContent is the ContentFunc for proxy-mode .strm files: the file
// points at /strm/stream instead of the upstream.
func ProxyContent(b URLBuilder) ContentFunc {
	return func(req scheduler.Request, res *resolver.Result) (string, error) {
		provider := res.Provider
		if provider == "" {
			provider = req.Provider
		}
		return b.StreamURL(req, provider, time.Now())
	}
}
