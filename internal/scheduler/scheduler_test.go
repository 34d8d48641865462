// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibridge/anibridge/internal/fetcher"
	"github.com/anibridge/anibridge/internal/magnet"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/resolver"
	"github.com/anibridge/anibridge/internal/sites"
	"github.com/anibridge/anibridge/internal/testdb"
)

type fakeResolver struct {
	res *resolver.Result
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, req resolver.Request) (*resolver.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fetcherFunc func(ctx context.Context, req fetcher.Request, progress fetcher.ProgressFunc) (string, error)

func (f fetcherFunc) Fetch(ctx context.Context, req fetcher.Request, progress fetcher.ProgressFunc) (string, error) {
	return f(ctx, req, progress)
}

type fakeStrm struct {
	path string
	err  error
}

func (f *fakeStrm) WriteStrm(ctx context.Context, req Request, res *resolver.Result) (string, error) {
	return f.path, f.err
}

func testSite(t *testing.T, id string) *sites.Site {
	t.Helper()
	reg, err := sites.Load()
	require.NoError(t, err)
	site := reg.Get(id)
	require.NotNil(t, site)
	return site
}

func testService(t *testing.T, res Resolver, f fetcher.Fetcher, strm StrmSink) (*Service, *models.JobStore) {
	t.Helper()
	store := models.NewJobStore(testdb.Open(t, "scheduler"))
	svc := New(store, res, f, nil, strm, Config{
		MaxConcurrency: 2,
		DownloadDir:    t.TempDir(),
		SourceTag:      "WEB",
		PlainProgress:  true,
	})
	return svc, store
}

func testRequest(t *testing.T) Request {
	return Request{
		Site:     testSite(t, sites.AniWorld),
		Slug:     "solo-leveling",
		Season:   1,
		Episode:  5,
		Language: "German Dub",
		Title:    "Solo Leveling",
		Mode:     magnet.ModeDownload,
	}
}

func waitForTerminal(t *testing.T, store *models.JobStore, id string) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.Get(context.Background(), id)
		return err == nil && job.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestScheduleAndComplete(t *testing.T) {
	res := &fakeResolver{res: &resolver.Result{
		URL:      "https://cdn.example/video.mp4",
		Provider: "VOE",
	}}
	svc, store := testService(t, res, &fetcher.Fake{}, nil)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	job, err := svc.Schedule(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, "aniworld", job.SourceSite)

	done := waitForTerminal(t, store, job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 100.0, done.Progress)
	assert.Empty(t, done.Message)

	// no prober wired, so quality falls back to SD defaults
	assert.Equal(t, "Solo.Leveling.S01E05.SD.WEB.H264.German.Dubbed-ANIWORLD.mp4",
		filepath.Base(done.ResultPath))
	assert.FileExists(t, done.ResultPath)
}

func TestCancelRunningJob(t *testing.T) {
	res := &fakeResolver{res: &resolver.Result{URL: "https://cdn.example/video.mp4"}}
	blocking := fetcherFunc(func(ctx context.Context, req fetcher.Request, progress fetcher.ProgressFunc) (string, error) {
		<-ctx.Done()
		return "", fetcher.ErrCancelled
	})

	svc, store := testService(t, res, blocking, nil)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	job, err := svc.Schedule(context.Background(), testRequest(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return svc.Running(job.ID)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Cancel(context.Background(), job.ID))

	done := waitForTerminal(t, store, job.ID)
	assert.Equal(t, models.JobStatusCancelled, done.Status)
	assert.Equal(t, CancelledMessage, done.Message)
}

func TestCancelQueuedJob(t *testing.T) {
	res := &fakeResolver{res: &resolver.Result{URL: "https://cdn.example/video.mp4"}}
	svc, store := testService(t, res, &fetcher.Fake{}, nil)

	// not started yet, the job sits in the queue
	job, err := svc.Schedule(context.Background(), testRequest(t))
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(context.Background(), job.ID))

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	// the worker must skip the already-cancelled job
	time.Sleep(100 * time.Millisecond)
	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Equal(t, CancelledMessage, got.Message)
}

func TestCancelUnknownJob(t *testing.T) {
	svc, _ := testService(t, &fakeResolver{}, &fetcher.Fake{}, nil)
	assert.ErrorIs(t, svc.Cancel(context.Background(), "nope"), ErrJobNotFound)
}

func TestRecoverySweepRunsBeforeWorkers(t *testing.T) {
	svc, store := testService(t, &fakeResolver{}, &fetcher.Fake{}, nil)
	ctx := context.Background()

	queued, err := store.Create(ctx, &models.Job{ID: "stale-queued", SourceSite: "aniworld"})
	require.NoError(t, err)
	downloading, err := store.Create(ctx, &models.Job{ID: "stale-downloading", SourceSite: "sto"})
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, downloading.ID, models.JobStatusDownloading, ""))

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	for _, id := range []string{queued.ID, downloading.ID} {
		job, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Equal(t, models.RestartInterruptedMessage, job.Message)
	}
}

func TestResolveFailureFailsJob(t *testing.T) {
	res := &fakeResolver{err: &resolver.NoProviderError{Tried: []string{"VOE", "Filemoon"}}}
	svc, store := testService(t, res, &fetcher.Fake{}, nil)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	job, err := svc.Schedule(context.Background(), testRequest(t))
	require.NoError(t, err)

	done := waitForTerminal(t, store, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Contains(t, done.Message, "no provider yielded a URL")
}

func TestLanguageUnavailableFailsJob(t *testing.T) {
	res := &fakeResolver{err: &resolver.LanguageUnavailableError{
		Requested: "English Dub",
		Available: []string{"German Dub"},
	}}
	svc, store := testService(t, res, &fetcher.Fake{}, nil)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	job, err := svc.Schedule(context.Background(), testRequest(t))
	require.NoError(t, err)

	done := waitForTerminal(t, store, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Contains(t, done.Message, "Sprache nicht verfügbar: English Dub")
}

func TestDownloadReusesResolverProxyPath(t *testing.T) {
	res := &fakeResolver{res: &resolver.Result{
		URL:      "https://cdn.example/video.mp4",
		Provider: "VOE",
		ProxyURL: "socks5://127.0.0.1:1080",
	}}

	var mu sync.Mutex
	var captured fetcher.Request
	fetch := fetcherFunc(func(ctx context.Context, req fetcher.Request, progress fetcher.ProgressFunc) (string, error) {
		mu.Lock()
		captured = req
		mu.Unlock()
		path := filepath.Join(req.OutputDir, req.FilenameHint+".mp4")
		return path, os.WriteFile(path, []byte("x"), 0o644)
	})

	svc, store := testService(t, res, fetch, nil)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	job, err := svc.Schedule(context.Background(), testRequest(t))
	require.NoError(t, err)

	done := waitForTerminal(t, store, job.ID)
	require.Equal(t, models.JobStatusCompleted, done.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "socks5://127.0.0.1:1080", captured.ProxyURL, "download takes the extraction's path")
}

func TestFetchFailureFailsJob(t *testing.T) {
	res := &fakeResolver{res: &resolver.Result{URL: "https://cdn.example/video.mp4"}}
	boom := fetcherFunc(func(ctx context.Context, req fetcher.Request, progress fetcher.ProgressFunc) (string, error) {
		return "", assert.AnError
	})
	svc, store := testService(t, res, boom, nil)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	job, err := svc.Schedule(context.Background(), testRequest(t))
	require.NoError(t, err)

	done := waitForTerminal(t, store, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.NotEmpty(t, done.Message)
}

func TestStrmJob(t *testing.T) {
	res := &fakeResolver{res: &resolver.Result{URL: "https://cdn.example/master.m3u8"}}
	sink := &fakeStrm{path: "/library/Solo Leveling - S01E05.strm"}
	svc, store := testService(t, res, &fetcher.Fake{}, sink)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	req := testRequest(t)
	req.Mode = magnet.ModeStrm
	job, err := svc.Schedule(context.Background(), req)
	require.NoError(t, err)

	done := waitForTerminal(t, store, job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 100.0, done.Progress)
	assert.Equal(t, sink.path, done.ResultPath)
}

func TestStrmJobWithoutSinkFails(t *testing.T) {
	res := &fakeResolver{res: &resolver.Result{URL: "https://cdn.example/master.m3u8"}}
	svc, store := testService(t, res, &fetcher.Fake{}, nil)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	req := testRequest(t)
	req.Mode = magnet.ModeStrm
	job, err := svc.Schedule(context.Background(), req)
	require.NoError(t, err)

	done := waitForTerminal(t, store, job.ID)
	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Contains(t, done.Message, "STRM mode is not configured")
}

func TestScheduleValidation(t *testing.T) {
	svc, _ := testService(t, &fakeResolver{}, &fetcher.Fake{}, nil)

	_, err := svc.Schedule(context.Background(), Request{})
	assert.ErrorContains(t, err, "site is required")

	req := testRequest(t)
	req.Slug = ""
	_, err = svc.Schedule(context.Background(), req)
	assert.ErrorContains(t, err, "slug is required")

	req = testRequest(t)
	req.Language = ""
	_, err = svc.Schedule(context.Background(), req)
	assert.ErrorContains(t, err, "language is required")
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "Release.mp4")

	assert.Equal(t, first, uniquePath(first))

	require.NoError(t, writeFile(first))
	assert.Equal(t, filepath.Join(dir, "Release (1).mp4"), uniquePath(first))

	require.NoError(t, writeFile(filepath.Join(dir, "Release (1).mp4")))
	assert.Equal(t, filepath.Join(dir, "Release (2).mp4"), uniquePath(first))
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte("x"), 0o644)
}
