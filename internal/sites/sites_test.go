// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sites

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRegistry(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)

	aw := r.Get(AniWorld)
	require.NotNil(t, aw)
	assert.Equal(t, "AniWorld", aw.Name)
	assert.Equal(t, "aw", aw.MagnetPrefix)
	assert.False(t, aw.Movies)

	assert.NotNil(t, r.Get("ANIWORLD"), "lookup is case-insensitive")
	assert.Nil(t, r.Get("unknown"))
}

func TestRegistryOrdering(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, AniWorld, all[0].ID)
	assert.Equal(t, STO, all[1].ID)
	assert.Equal(t, Megakino, all[2].ID)

	series := r.Series()
	require.Len(t, series, 2)
	for _, s := range series {
		assert.False(t, s.Movies)
	}

	movie := r.MovieSite()
	require.NotNil(t, movie)
	assert.Equal(t, Megakino, movie.ID)
}

func TestRegistryTieBreaksBySiteID(t *testing.T) {
	r, err := newRegistry([]*Site{
		{ID: "zeta", SearchPriority: 1},
		{ID: "alpha", SearchPriority: 1},
	})
	require.NoError(t, err)

	all := r.All()
	assert.Equal(t, "alpha", all[0].ID)
	assert.Equal(t, "zeta", all[1].ID)
}

func TestSlugFromPath(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)

	aw := r.Get(AniWorld)
	assert.Equal(t, "kaguya-sama-love-is-war", aw.SlugFromPath("/anime/stream/kaguya-sama-love-is-war"))
	assert.Equal(t, "", aw.SlugFromPath("/animes-alphabet"))

	sto := r.Get(STO)
	assert.Equal(t, "dark", sto.SlugFromPath("/serie/stream/dark"))
}

func TestEpisodeURL(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)

	aw := r.Get(AniWorld)
	assert.Equal(t,
		"https://aniworld.to/serie/stream/some-show/staffel-2/episode-5",
		aw.EpisodeURL("some-show", 2, 5))
	assert.Equal(t,
		"https://aniworld.to/serie/stream/some-show/filme/film-3",
		aw.EpisodeURL("some-show", 0, 3))

	mk := r.Get(Megakino)
	assert.Equal(t, "https://megakino.co/films/some-film", mk.EpisodeURL("some-film", 0, 1))
}

func TestByMagnetPrefix(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)

	assert.Len(t, r.ByMagnetPrefix("aw"), 1)
	assert.Len(t, r.ByMagnetPrefix("sto"), 2)
}

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, LangGermanDub, NormalizeLanguage("German Dub"))
	assert.Equal(t, LangGermanDub, NormalizeLanguage("ger-dub"))
	assert.Equal(t, LangGermanDub, NormalizeLanguage("Deutsch"))
	assert.Equal(t, LangGermanSub, NormalizeLanguage("GerSub"))
	assert.Equal(t, LangEnglishSub, NormalizeLanguage("eng-sub"))
	assert.Equal(t, "Klingon", NormalizeLanguage(" Klingon "))
}

func TestLanguageTag(t *testing.T) {
	assert.Equal(t, "German.Dubbed", LanguageTag("German Dub"))
	assert.Equal(t, "English.Subbed", LanguageTag("engsub"))
	assert.Equal(t, "Unknown", LanguageTag("Klingon"))

	assert.True(t, IsKnownLanguage("german"))
	assert.False(t, IsKnownLanguage("Klingon"))
}
