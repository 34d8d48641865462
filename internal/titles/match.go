// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package titles

import (
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// scoring weights for query/title similarity
const (
	weightIntersection = 0.45
	weightJaccard      = 0.35
	weightContainment  = 0.20

	// fuzzy assist for near-miss tokens (umlauts dropped, small typos)
	fuzzyBonus = 0.05
)

var deaccent = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeText lowercases and strips diacritics so "Méchant" matches
// "mechant".
func normalizeText(s string) string {
	out, _, err := transform.String(deaccent, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// tokenize splits on non-alphanumerics and drops digit-only tokens, which
// carry season/episode noise rather than title signal.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(normalizeText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := fields[:0]
	for _, f := range fields {
		if isDigits(f) {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// scoreTitle rates how well query matches one candidate title, in [0, 1].
func scoreTitle(queryTokens []string, title string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}

	titleTokens := tokenize(title)
	if len(titleTokens) == 0 {
		return 0
	}

	titleSet := make(map[string]struct{}, len(titleTokens))
	for _, t := range titleTokens {
		titleSet[t] = struct{}{}
	}

	var hits, fuzzyHits int
	for _, q := range queryTokens {
		if _, ok := titleSet[q]; ok {
			hits++
			continue
		}
		if len(q) > 3 && len(fuzzy.RankFindNormalizedFold(q, titleTokens)) > 0 {
			fuzzyHits++
		}
	}

	union := len(titleSet)
	for _, q := range queryTokens {
		if _, ok := titleSet[q]; !ok {
			union++
		}
	}

	intersection := float64(hits) / float64(len(queryTokens))
	jaccard := float64(hits) / float64(union)

	var containment float64
	normQuery := strings.Join(queryTokens, " ")
	normTitle := strings.Join(titleTokens, " ")
	if strings.Contains(normTitle, normQuery) || strings.Contains(normQuery, normTitle) {
		containment = 1
	}

	score := weightIntersection*intersection + weightJaccard*jaccard + weightContainment*containment
	score += fuzzyBonus * float64(fuzzyHits) / float64(len(queryTokens))

	if score > 1 {
		score = 1
	}
	return score
}

// scoreEntry rates an entry by its best-scoring title variant.
func scoreEntry(queryTokens []string, e *Entry) float64 {
	var best float64
	for _, t := range e.Titles {
		if s := scoreTitle(queryTokens, t); s > best {
			best = s
		}
	}
	return best
}
