// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sanitize provides filesystem-safe name helpers shared by the
// release namer and the STRM writer.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	unsafeChars  = regexp.MustCompile(`[^A-Za-z0-9.\-]+`)
	dotRuns      = regexp.MustCompile(`\.{2,}`)
	spaceRuns    = regexp.MustCompile(`\s+`)
	reservedBase = regexp.MustCompile(`(?i)^(con|prn|aux|nul|com[1-9]|lpt[1-9])$`)
)

// SceneName folds a free-form title into a dotted scene-style segment:
// unsafe characters become dots, dot runs collapse, leading and trailing
// dots are stripped.
func SceneName(s string) string {
	s = strings.TrimSpace(s)
	s = unsafeChars.ReplaceAllString(s, ".")
	s = dotRuns.ReplaceAllString(s, ".")
	return strings.Trim(s, ".")
}

// BaseName makes a string safe to use as a file basename while keeping it
// human readable. Path separators and control characters are replaced,
// whitespace is collapsed, and Windows-reserved names are suffixed.
func BaseName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune(' ')
		case r < 0x20 || r == 0x7f:
			// drop control characters
		default:
			b.WriteRune(r)
		}
	}

	out := spaceRuns.ReplaceAllString(strings.TrimSpace(b.String()), " ")
	out = strings.Trim(out, ". ")
	if out == "" {
		return "untitled"
	}
	if reservedBase.MatchString(out) {
		out += "_"
	}
	return out
}

// AvoidSampleName rewrites basenames that media servers skip as samples.
// Plex and Jellyfin ignore files whose name equals or starts with "sample".
func AvoidSampleName(s string) string {
	lower := strings.ToLower(s)
	if lower == "sample" || strings.HasPrefix(lower, "sample.") || strings.HasPrefix(lower, "sample ") {
		return "_" + s
	}
	return s
}
