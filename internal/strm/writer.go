// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package strm produces .strm playlist files and serves the on-demand
// streaming proxy behind them: upstream resolution with a TTL'd mapping
// cache, HLS playlist rewriting, and an optional MP4 remux cache.
package strm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/resolver"
	"github.com/anibridge/anibridge/internal/scheduler"
	"github.com/anibridge/anibridge/pkg/sanitize"
)

// ContentFunc decides what a .strm file points at: the upstream URL
// directly, or a proxy URL built from the episode identity.
type ContentFunc func(req scheduler.Request, res *resolver.Result) (string, error)

// DirectContent writes the resolved upstream URL as-is.
func DirectContent(req scheduler.Request, res *resolver.Result) (string, error) {
	return res.URL, nil
}

// Writer allocates unique sanitized .strm paths and writes them
// atomically. Implements the scheduler's STRM sink.
type Writer struct {
	dir     string
	content ContentFunc
}

func NewWriter(dir string, content ContentFunc) *Writer {
	if content == nil {
		content = DirectContent
	}
	return &Writer{dir: dir, content: content}
}

// WriteStrm writes <name>.strm containing the URL plus a single LF. The
// write goes to a .tmp sibling first and is renamed into place.
func (w *Writer) WriteStrm(ctx context.Context, req scheduler.Request, res *resolver.Result) (string, error) {
	url, err := w.content(req, res)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create strm directory %s", w.dir)
	}

	base := sanitize.AvoidSampleName(sanitize.BaseName(strmBaseName(req)))
	path := uniquePath(filepath.Join(w.dir, base+".strm"))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(url+"\n"), 0o644); err != nil {
		return "", errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", errors.Wrapf(err, "publish %s", path)
	}

	log.Debug().Str("path", path).Msg("[STRM] Wrote strm file")
	return path, nil
}

func strmBaseName(req scheduler.Request) string {
	title := req.Title
	if title == "" {
		title = req.Slug
	}

	switch {
	case req.Site != nil && req.Site.Movies:
		return fmt.Sprintf("%s - %s", title, req.Language)
	case req.Absolute > 0:
		return fmt.Sprintf("%s - %03d - %s", title, req.Absolute, req.Language)
	default:
		return fmt.Sprintf("%s - S%02dE%02d - %s", title, req.Season, req.Episode, req.Language)
	}
}

// uniquePath appends " (n)" before the extension until the name is free.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
