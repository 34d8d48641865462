// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package strm

import (
	"fmt"
	"mime"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// PlaylistContentType is what rewritten playlists are served as.
const PlaylistContentType = "application/vnd.apple.mpegurl"

// uriAttrTags are the HLS tags whose URI= attribute must transit the
// proxy: keys, init segments, alternate renditions, session data.
var uriAttrTags = []string{
	"#EXT-X-KEY",
	"#EXT-X-MAP",
	"#EXT-X-MEDIA",
	"#EXT-X-I-FRAME-STREAM-INF",
	"#EXT-X-SESSION-DATA",
	"#EXT-X-SESSION-KEY",
	"#EXT-X-PRELOAD-HINT",
	"#EXT-X-RENDITION-REPORT",
}

var (
	uriAttrRe    = regexp.MustCompile(`URI=("([^"]*)"|([^",\s]+))`)
	resolutionRe = regexp.MustCompile(`RESOLUTION=\d+x(\d+)`)
)

// IsPlaylist detects an HLS playlist by content type or path.
func IsPlaylist(contentType, urlPath string) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "application/vnd.apple.mpegurl", "application/x-mpegurl", "audio/mpegurl", "audio/x-mpegurl":
			return true
		}
	}
	return strings.HasSuffix(strings.ToLower(urlPath), ".m3u8")
}

// DecodePlaylist applies the charset the upstream declared; unknown or
// missing charsets fall back to UTF-8 as-is.
func DecodePlaylist(body []byte, contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err == nil {
		if cs := params["charset"]; cs != "" && !strings.EqualFold(cs, "utf-8") {
			if enc, err := htmlindex.Get(cs); err == nil {
				if decoded, err := enc.NewDecoder().Bytes(body); err == nil {
					return string(decoded)
				}
			}
		}
	}
	return string(body)
}

// RewritePlaylist routes every URI in the playlist back through the
// proxy: URI= attributes on key/map/media/session tags and every bare
// segment line, each absolutised against the playlist URL first.
// Master-playlist variants missing BANDWIDTH get one synthesized so
// strict clients accept them. Quoting and the trailing newline are
// preserved.
func RewritePlaylist(body string, playlistURL *url.URL, rewrite func(abs string) (string, error)) (string, error) {
	trailingNewline := strings.HasSuffix(body, "\n")
	lines := strings.Split(strings.TrimSuffix(body, "\n"), "\n")

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "#EXT-X-STREAM-INF"):
			lines[i] = ensureBandwidth(line)
		case strings.HasPrefix(trimmed, "#"):
			rewritten, err := rewriteTagURI(line, playlistURL, rewrite)
			if err != nil {
				return "", err
			}
			lines[i] = rewritten
		default:
			abs, err := absolutize(playlistURL, trimmed)
			if err != nil {
				return "", err
			}
			proxied, err := rewrite(abs)
			if err != nil {
				return "", err
			}
			lines[i] = proxied
		}
	}

	out := strings.Join(lines, "\n")
	if trailingNewline {
		out += "\n"
	}
	return out, nil
}

func rewriteTagURI(line string, playlistURL *url.URL, rewrite func(abs string) (string, error)) (string, error) {
	tagged := false
	for _, tag := range uriAttrTags {
		if strings.HasPrefix(strings.TrimSpace(line), tag) {
			tagged = true
			break
		}
	}
	if !tagged || !strings.Contains(line, "URI=") {
		return line, nil
	}

	var rerr error
	out := uriAttrRe.ReplaceAllStringFunc(line, func(match string) string {
		groups := uriAttrRe.FindStringSubmatch(match)
		quoted := groups[2] != "" || strings.HasPrefix(groups[1], `"`)
		raw := groups[2]
		if raw == "" {
			raw = groups[3]
		}
		if raw == "" {
			return match
		}

		abs, err := absolutize(playlistURL, raw)
		if err != nil {
			rerr = err
			return match
		}
		proxied, err := rewrite(abs)
		if err != nil {
			rerr = err
			return match
		}

		if quoted {
			return `URI="` + proxied + `"`
		}
		return "URI=" + proxied
	})
	return out, rerr
}

// ensureBandwidth synthesizes BANDWIDTH/AVERAGE-BANDWIDTH on stream
// variants that omit them. The value is coarse; it only has to be
// plausible and monotone-ish in resolution.
func ensureBandwidth(line string) string {
	if strings.Contains(line, "BANDWIDTH=") {
		return line
	}

	bw := int64(2_500_000)
	if m := resolutionRe.FindStringSubmatch(line); m != nil {
		if height, err := strconv.Atoi(m[1]); err == nil {
			bw = bandwidthForHeight(height)
		}
	}
	return fmt.Sprintf("%s,BANDWIDTH=%d,AVERAGE-BANDWIDTH=%d", line, bw, bw*8/10)
}

func bandwidthForHeight(height int) int64 {
	switch {
	case height >= 2100:
		return 16_000_000
	case height >= 1000:
		return 5_500_000
	case height >= 700:
		return 3_000_000
	case height >= 460:
		return 1_500_000
	default:
		return 800_000
	}
}

func absolutize(base *url.URL, ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("malformed playlist URI %q: %w", ref, err)
	}
	return base.ResolveReference(parsed).String(), nil
}
