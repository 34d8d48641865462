// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/anibridge/anibridge/internal/buildinfo"
)

// Extractor turns a site redirect target into a direct media URL.
// Implementations are per-hoster; the redirect extractor covers hosters
// that expose the stream URL in their embed page.
type Extractor interface {
	Extract(ctx context.Context, client *http.Client, target string) (*Result, error)
}

// Result is a resolved direct URL with the request headers the CDN
// expects (typically Referer and User-Agent).
type Result struct {
	URL            string
	Provider       string
	RequestHeaders map[string]string

	// ProxyURL is the proxy the winning walk went through; empty when it
	// ran direct. The download must take the same path, or the CDN sees a
	// different client than the one that extracted the URL.
	ProxyURL string
}

// IsHLS reports whether the resolved URL serves an HLS playlist.
func (r *Result) IsHLS() bool {
	u := strings.ToLower(r.URL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(u, ".m3u8")
}

var streamURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`["'](https?://[^"']+\.m3u8[^"']*)["']`),
	regexp.MustCompile(`["'](https?://[^"']+\.mp4[^"']*)["']`),
	regexp.MustCompile(`(?:file|source|src)\s*:\s*["'](https?://[^"']+)["']`),
	regexp.MustCompile(`hls\s*:\s*["'](https?://[^"']+)["']`),
}

// redirectExtractor follows the site redirect to the hoster embed page and
// scans it for a stream URL. Works for hosters that inline the source;
// JS-obfuscated hosters fail here and the walk moves on.
type redirectExtractor struct{}

func (redirectExtractor) Extract(ctx context.Context, client *http.Client, target string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("follow redirect %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embed page %s: status %d", target, resp.StatusCode)
	}

	finalURL := resp.Request.URL

	// some hosters serve the media directly after the redirect chain
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "mpegurl") || strings.HasPrefix(ct, "video/") {
		return &Result{URL: finalURL.String(), RequestHeaders: embedHeaders(finalURL)}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read embed page %s: %w", target, err)
	}

	streamURL := findStreamURL(string(body))
	if streamURL == "" {
		return nil, fmt.Errorf("embed page %s: no stream URL found", finalURL)
	}

	return &Result{URL: streamURL, RequestHeaders: embedHeaders(finalURL)}, nil
}

func findStreamURL(body string) string {
	for _, re := range streamURLPatterns {
		if m := re.FindStringSubmatch(body); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

func embedHeaders(embedURL *url.URL) map[string]string {
	return map[string]string{
		"Referer":    embedURL.Scheme + "://" + embedURL.Host + "/",
		"User-Agent": buildinfo.UserAgent,
	}
}
