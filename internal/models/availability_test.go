// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibridge/anibridge/internal/testdb"
)

func availKey(episode int) EpisodeKey {
	return EpisodeKey{Site: "aniworld", Slug: "some-show", Season: 1, Episode: episode, Language: "German Dub"}
}

func TestAvailabilityStoreUpsertAndGetFresh(t *testing.T) {
	db := testdb.Open(t, "models")
	store := NewAvailabilityStore(db)
	ctx := context.Background()

	height := 1080
	entry := &EpisodeAvailability{
		EpisodeKey: availKey(1),
		Available:  true,
		Height:     &height,
		Codec:      "h264",
		Provider:   "VOE",
	}
	require.NoError(t, store.Upsert(ctx, entry))

	got, err := store.GetFresh(ctx, availKey(1), time.Hour)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Available)
	require.NotNil(t, got.Height)
	assert.Equal(t, 1080, *got.Height)
	assert.Equal(t, "VOE", got.Provider)

	// cache miss
	got, err = store.GetFresh(ctx, availKey(2), time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAvailabilityStoreTTL(t *testing.T) {
	db := testdb.Open(t, "models")
	store := NewAvailabilityStore(db)
	ctx := context.Background()

	entry := &EpisodeAvailability{
		EpisodeKey: availKey(1),
		Available:  true,
		CheckedAt:  time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, store.Upsert(ctx, entry))

	// stale for a 1h TTL
	got, err := store.GetFresh(ctx, availKey(1), time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got)

	// TTL zero means entries never expire
	got, err = store.GetFresh(ctx, availKey(1), 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Available)
}

func TestAvailabilityStoreUpsertReplaces(t *testing.T) {
	db := testdb.Open(t, "models")
	store := NewAvailabilityStore(db)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &EpisodeAvailability{EpisodeKey: availKey(1), Available: false}))
	require.NoError(t, store.Upsert(ctx, &EpisodeAvailability{EpisodeKey: availKey(1), Available: true, Provider: "Filemoon"}))

	got, err := store.GetFresh(ctx, availKey(1), 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Available)
	assert.Equal(t, "Filemoon", got.Provider)
}

func TestAvailabilityStoreListFreshForSeason(t *testing.T) {
	db := testdb.Open(t, "models")
	store := NewAvailabilityStore(db)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &EpisodeAvailability{EpisodeKey: availKey(1), Available: true}))
	require.NoError(t, store.Upsert(ctx, &EpisodeAvailability{EpisodeKey: availKey(2), Available: false}))
	require.NoError(t, store.Upsert(ctx, &EpisodeAvailability{
		EpisodeKey: availKey(3),
		Available:  true,
		CheckedAt:  time.Now().UTC().Add(-2 * time.Hour),
	}))

	fresh, err := store.ListFreshForSeason(ctx, "aniworld", "some-show", 1, "German Dub", time.Hour)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
	assert.Contains(t, fresh, 1)
	assert.Contains(t, fresh, 2)
	assert.NotContains(t, fresh, 3)
}

func TestAvailabilityStoreDeleteOlderThan(t *testing.T) {
	db := testdb.Open(t, "models")
	store := NewAvailabilityStore(db)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &EpisodeAvailability{
		EpisodeKey: availKey(1),
		CheckedAt:  time.Now().UTC().Add(-48 * time.Hour),
	}))
	require.NoError(t, store.Upsert(ctx, &EpisodeAvailability{EpisodeKey: availKey(2)}))

	n, err := store.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
