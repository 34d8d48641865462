// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sites

import "strings"

// Canonical language names. Everything user- or site-supplied is folded
// into this closed set before it touches the resolver or the database.
const (
	LangGermanDub  = "German Dub"
	LangGermanSub  = "German Sub"
	LangEnglishDub = "English Dub"
	LangEnglishSub = "English Sub"
)

var languageAliases = map[string]string{
	"german dub":   LangGermanDub,
	"germandub":    LangGermanDub,
	"ger-dub":      LangGermanDub,
	"gerdub":       LangGermanDub,
	"de":           LangGermanDub,
	"de-de":        LangGermanDub,
	"deu":          LangGermanDub,
	"deutsch":      LangGermanDub,
	"german":       LangGermanDub,
	"german sub":   LangGermanSub,
	"germansub":    LangGermanSub,
	"ger-sub":      LangGermanSub,
	"gersub":       LangGermanSub,
	"omu":          LangGermanSub,
	"english dub":  LangEnglishDub,
	"englishdub":   LangEnglishDub,
	"eng-dub":      LangEnglishDub,
	"engdub":       LangEnglishDub,
	"en":           LangEnglishDub,
	"english":      LangEnglishDub,
	"english sub":  LangEnglishSub,
	"englishsub":   LangEnglishSub,
	"eng-sub":      LangEnglishSub,
	"engsub":       LangEnglishSub,
	"japanese sub": LangEnglishSub,
}

var languageTags = map[string]string{
	LangGermanDub:  "German.Dubbed",
	LangGermanSub:  "German.Subbed",
	LangEnglishDub: "English.Dubbed",
	LangEnglishSub: "English.Subbed",
}

// NormalizeLanguage folds a language string into the canonical set.
// Unknown inputs are returned title-trimmed so the resolver can still
// report them in a LanguageUnavailable error.
func NormalizeLanguage(lang string) string {
	key := strings.ToLower(strings.TrimSpace(lang))
	if canonical, ok := languageAliases[key]; ok {
		return canonical
	}
	return strings.TrimSpace(lang)
}

// IsKnownLanguage reports whether lang normalizes to the canonical set.
func IsKnownLanguage(lang string) bool {
	_, ok := languageTags[NormalizeLanguage(lang)]
	return ok
}

// LanguageTag returns the release-name segment for a canonical language.
func LanguageTag(lang string) string {
	if tag, ok := languageTags[NormalizeLanguage(lang)]; ok {
		return tag
	}
	return "Unknown"
}
