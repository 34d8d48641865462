// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fetcher wraps the external media downloader. Only its contract
// matters here: fragmented-HLS resume, rate limiting, progress callbacks,
// cooperative cancellation.
package fetcher

import (
	"context"
)

// Progress is one callback snapshot from the running fetch.
type Progress struct {
	DownloadedBytes int64
	TotalBytes      *int64
	Speed           *int64 // bytes per second
	ETA             *int64 // seconds
}

// Percent derives completion in [0, 100]; unknown totals report 0.
func (p Progress) Percent() float64 {
	if p.TotalBytes == nil || *p.TotalBytes <= 0 {
		return 0
	}
	pct := float64(p.DownloadedBytes) / float64(*p.TotalBytes) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ProgressFunc receives snapshots. Returning an error cancels the fetch;
// the scheduler uses this to propagate the per-job cancel signal.
type ProgressFunc func(Progress) error

// Request describes one fetch.
type Request struct {
	URL     string
	Headers map[string]string

	// ProxyURL routes the download through the same proxy the extraction
	// used; empty means a direct connection.
	ProxyURL string

	OutputDir    string
	FilenameHint string // extension-less basename for the produced file

	// RateLimitBytesPerSec caps throughput; zero means unlimited. For HLS
	// the cap is divided by ConcurrentFragments because the tool applies
	// it per fragment stream.
	RateLimitBytesPerSec int64
	IsHLS                bool
	ConcurrentFragments  int
}

// Fetcher downloads one media stream to disk.
type Fetcher interface {
	// Fetch blocks until done and returns the path of the produced file.
	Fetch(ctx context.Context, req Request, progress ProgressFunc) (string, error)
}

// effectiveRateLimit applies the per-fragment division rule.
func effectiveRateLimit(req Request) int64 {
	if req.RateLimitBytesPerSec <= 0 {
		return 0
	}
	if req.IsHLS && req.ConcurrentFragments > 1 {
		return req.RateLimitBytesPerSec / int64(req.ConcurrentFragments)
	}
	return req.RateLimitBytesPerSec
}
