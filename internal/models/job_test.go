// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibridge/anibridge/internal/testdb"
)

func TestJobStoreCreateAndGet(t *testing.T) {
	db := testdb.Open(t, "models")
	store := NewJobStore(db)
	ctx := context.Background()

	created, err := store.Create(ctx, &Job{ID: "job-1", SourceSite: "aniworld"})
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, created.Status)
	assert.Equal(t, 0.0, created.Progress)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestJobStoreCreateValidation(t *testing.T) {
	db := testdb.Open(t, "models")
	store := NewJobStore(db)
	ctx := context.Background()

	_, err := store.Create(ctx, &Job{SourceSite: "aniworld"})
	assert.Error(t, err)

	_, err = store.Create(ctx, &Job{ID: "job-x"})
	assert.Error(t, err)
}

func TestJobStoreProgressAndComplete(t *testing.T) {
	db := testdb.Open(t, "models")
	store := NewJobStore(db)
	ctx := context.Background()

	_, err := store.Create(ctx, &Job{ID: "job-1", SourceSite: "aniworld"})
	require.NoError(t, err)

	total := int64(700 * 1024 * 1024)
	speed := int64(5 * 1024 * 1024)
	eta := int64(120)
	require.NoError(t, store.UpdateProgress(ctx, "job-1", 42.5, total/2, &total, &speed, &eta))

	j, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusDownloading, j.Status)
	assert.Equal(t, 42.5, j.Progress)
	require.NotNil(t, j.TotalBytes)
	assert.Equal(t, total, *j.TotalBytes)

	require.NoError(t, store.Complete(ctx, "job-1", "/downloads/show.s01e01.mkv"))

	j, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, j.Status)
	assert.Equal(t, 100.0, j.Progress)
	assert.Equal(t, "/downloads/show.s01e01.mkv", j.ResultPath)
	assert.Empty(t, j.Message)
	assert.True(t, j.Status.IsTerminal())
}

func TestJobStoreSetStatus(t *testing.T) {
	db := testdb.Open(t, "models")
	store := NewJobStore(db)
	ctx := context.Background()

	_, err := store.Create(ctx, &Job{ID: "job-1", SourceSite: "sto"})
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(ctx, "job-1", JobStatusFailed, "no provider yielded a URL"))

	j, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, j.Status)
	assert.Equal(t, "no provider yielded a URL", j.Message)
}

func TestJobStoreMarkInterrupted(t *testing.T) {
	db := testdb.Open(t, "models")
	store := NewJobStore(db)
	ctx := context.Background()

	for _, j := range []*Job{
		{ID: "queued", Status: JobStatusQueued, SourceSite: "aniworld"},
		{ID: "running", Status: JobStatusDownloading, SourceSite: "aniworld"},
		{ID: "done", Status: JobStatusCompleted, SourceSite: "aniworld"},
	} {
		_, err := store.Create(ctx, j)
		require.NoError(t, err)
	}

	n, err := store.MarkInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []string{"queued", "running"} {
		j, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, JobStatusFailed, j.Status)
		assert.Equal(t, RestartInterruptedMessage, j.Message)
	}

	done, err := store.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, done.Status)
}

func TestJobStoreListByStatuses(t *testing.T) {
	db := testdb.Open(t, "models")
	store := NewJobStore(db)
	ctx := context.Background()

	for _, j := range []*Job{
		{ID: "a", Status: JobStatusQueued, SourceSite: "aniworld"},
		{ID: "b", Status: JobStatusDownloading, SourceSite: "aniworld"},
		{ID: "c", Status: JobStatusFailed, SourceSite: "aniworld"},
	} {
		_, err := store.Create(ctx, j)
		require.NoError(t, err)
	}

	jobs, err := store.ListByStatuses(ctx, []JobStatus{JobStatusQueued, JobStatusDownloading}, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = store.ListByStatuses(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobStoreDeleteOlderThan(t *testing.T) {
	db := testdb.Open(t, "models")
	store := NewJobStore(db)
	ctx := context.Background()

	_, err := store.Create(ctx, &Job{ID: "old", Status: JobStatusCompleted, SourceSite: "aniworld"})
	require.NoError(t, err)
	_, err = store.Create(ctx, &Job{ID: "active", Status: JobStatusDownloading, SourceSite: "aniworld"})
	require.NoError(t, err)

	// push everything into the past
	_, err = db.ExecContext(ctx, "UPDATE jobs SET updated_at = ?", time.Now().UTC().Add(-48*time.Hour))
	require.NoError(t, err)

	n, err := store.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// non-terminal jobs survive regardless of age
	_, err = store.Get(ctx, "active")
	require.NoError(t, err)
}
