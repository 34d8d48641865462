// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package titles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"kaguya", "sama", "love", "is", "war"}, tokenize("Kaguya-sama: Love is War"))
	assert.Equal(t, []string{"attack", "on", "titan"}, tokenize("Attack on Titan (2013)"), "digit-only tokens are dropped")
	assert.Equal(t, []string{"mechant"}, tokenize("Méchant"))
	assert.Empty(t, tokenize("2013 42"))
	assert.Empty(t, tokenize(""))
}

func TestScoreTitleExactMatch(t *testing.T) {
	q := tokenize("Attack on Titan")
	assert.InDelta(t, 1.0, scoreTitle(q, "Attack on Titan"), 0.01)
}

func TestScoreTitleOrdering(t *testing.T) {
	q := tokenize("attack on titan")

	exact := scoreTitle(q, "Attack on Titan")
	partial := scoreTitle(q, "Attack on Titan: Junior High")
	unrelated := scoreTitle(q, "Some Completely Different Show")

	assert.Greater(t, exact, partial)
	assert.Greater(t, partial, unrelated)
	assert.Less(t, unrelated, 0.2)
}

func TestScoreEntryUsesBestVariant(t *testing.T) {
	entry := &Entry{
		Slug:   "attack-on-titan",
		Title:  "Attack on Titan",
		Titles: []string{"Attack on Titan", "Shingeki no Kyojin"},
	}

	q := tokenize("shingeki no kyojin")
	assert.InDelta(t, 1.0, scoreEntry(q, entry), 0.01)
}

func TestScoreTitleEmptyInputs(t *testing.T) {
	assert.Zero(t, scoreTitle(nil, "Attack on Titan"))
	assert.Zero(t, scoreTitle(tokenize("attack"), "2013"))
}
