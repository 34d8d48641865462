// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package magnet builds scene-style release names and encodes episode
// identity into self-describing magnet URIs that survive a round trip
// through an indexer and back into the download client surface.
package magnet

import (
	"fmt"
	"strings"

	"github.com/anibridge/anibridge/internal/sites"
	"github.com/anibridge/anibridge/pkg/sanitize"
)

// Quality buckets derived from probed video height.
const (
	Quality2160p = "2160p"
	Quality1440p = "1440p"
	Quality1080p = "1080p"
	Quality720p  = "720p"
	Quality480p  = "480p"
	QualitySD    = "SD"
)

// QualityFromHeight buckets a probed height. Zero or unknown heights fall
// into SD.
func QualityFromHeight(height int) string {
	switch {
	case height >= 2100:
		return Quality2160p
	case height >= 1400:
		return Quality1440p
	case height >= 1000:
		return Quality1080p
	case height >= 700:
		return Quality720p
	case height >= 460:
		return Quality480p
	default:
		return QualitySD
	}
}

// FoldCodec maps extractor codec strings into the small set clients
// understand in release names.
func FoldCodec(codec string) string {
	c := strings.ToLower(strings.TrimSpace(codec))
	switch {
	case strings.Contains(c, "av01") || strings.Contains(c, "av1"):
		return "AV1"
	case strings.Contains(c, "hevc") || strings.Contains(c, "h265") || strings.Contains(c, "265") || strings.Contains(c, "hvc"):
		return "H265"
	case strings.Contains(c, "vp9") || strings.Contains(c, "vp09"):
		return "VP9"
	default:
		return "H264"
	}
}

// NameParams describes one release to be named.
type NameParams struct {
	Title    string
	Season   int
	Episode  int
	Absolute int  // replaces SxxEyy with ABSnnn when > 0
	Movie    bool // omits the episode segment entirely

	Height    int
	Codec     string
	Language  string
	SourceTag string
	Group     string
}

// ReleaseName renders the canonical scene-style name:
//
//	<Series>.S01E05.1080p.<source>.<codec>.<lang>-<GROUP>
func ReleaseName(p NameParams) string {
	segments := []string{sanitize.SceneName(p.Title)}

	switch {
	case p.Movie:
		// no episode segment
	case p.Absolute > 0:
		segments = append(segments, fmt.Sprintf("ABS%03d", p.Absolute))
	default:
		segments = append(segments, fmt.Sprintf("S%02dE%02d", p.Season, p.Episode))
	}

	segments = append(segments, QualityFromHeight(p.Height))

	if tag := sanitize.SceneName(p.SourceTag); tag != "" {
		segments = append(segments, tag)
	}

	segments = append(segments,
		FoldCodec(p.Codec),
		sites.LanguageTag(p.Language),
	)

	group := sanitize.SceneName(p.Group)
	if group == "" {
		group = "ANIBRIDGE"
	}

	return strings.Join(segments, ".") + "-" + group
}

// PreviewName is the episode-less variant used for connectivity previews.
// Indexer parsers must not see an SxxEyy segment in it.
func PreviewName(p NameParams) string {
	p.Movie = true
	p.Absolute = 0
	return ReleaseName(p)
}

// Size estimates in bytes, keyed by the quality tag found in a release
// title. Cosmetic, but monotone in quality so size-ranking clients prefer
// the higher rung.
var sizeByQuality = map[string]int64{
	Quality2160p: 8 << 30,
	Quality1080p: 3 << 29, // 1.5 GiB
	Quality720p:  700 << 20,
	Quality480p:  350 << 20,
}

const defaultSizeEstimate = 500 << 20

// EstimateSize scans a release title for a quality tag and returns the
// corresponding size estimate.
func EstimateSize(title string) int64 {
	for quality, size := range sizeByQuality {
		if strings.Contains(title, quality) {
			return size
		}
	}
	return defaultSizeEstimate
}
