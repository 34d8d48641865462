// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibridge/anibridge/internal/magnet"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/scheduler"
	"github.com/anibridge/anibridge/internal/sites"
	"github.com/anibridge/anibridge/internal/testdb"
)

type fakeSched struct {
	jobs *models.JobStore

	mu        sync.Mutex
	scheduled []scheduler.Request
	cancelled []string
}

func (f *fakeSched) Schedule(ctx context.Context, req scheduler.Request) (*models.Job, error) {
	f.mu.Lock()
	f.scheduled = append(f.scheduled, req)
	f.mu.Unlock()

	return f.jobs.Create(ctx, &models.Job{
		ID:         uuid.NewString(),
		SourceSite: req.Site.ID,
	})
}

func (f *fakeSched) Cancel(ctx context.Context, id string) error {
	if _, err := f.jobs.Get(ctx, id); errors.Is(err, sql.ErrNoRows) {
		return scheduler.ErrJobNotFound
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()
	return f.jobs.SetStatus(ctx, id, models.JobStatusCancelled, scheduler.CancelledMessage)
}

func (f *fakeSched) lastScheduled(t *testing.T) scheduler.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.scheduled)
	return f.scheduled[len(f.scheduled)-1]
}

type jobFixture struct {
	srv    string
	jobs   *models.JobStore
	sched  *fakeSched
	events *scheduler.Broadcaster
}

func newJobFixture(t *testing.T) *jobFixture {
	t.Helper()

	jobs := models.NewJobStore(testdb.Open(t, "api"))
	sched := &fakeSched{jobs: jobs}
	events := scheduler.NewBroadcaster()

	srv := newTestServer(t, &Dependencies{
		Jobs:   jobs,
		Sched:  sched,
		Events: events,
	})
	return &jobFixture{srv: srv.URL, jobs: jobs, sched: sched, events: events}
}

func (f *jobFixture) download(t *testing.T, body any) (*http.Response, map[string]string) {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(f.srv+"/downloader/download", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	out := map[string]string{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestDownloadBySlug(t *testing.T) {
	f := newJobFixture(t)

	resp, body := f.download(t, downloadRequest{
		Site:     "aniworld",
		Slug:     "solo-leveling",
		Season:   1,
		Episode:  5,
		Language: "de",
	})

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, body["job_id"])

	req := f.sched.lastScheduled(t)
	assert.Equal(t, sites.AniWorld, req.Site.ID)
	assert.Equal(t, "solo-leveling", req.Slug)
	assert.Equal(t, 1, req.Season)
	assert.Equal(t, 5, req.Episode)
	assert.Equal(t, "German Dub", req.Language, "language aliases are folded")
	assert.Equal(t, "Solo Leveling", req.Title, "title falls back to the humanized slug")
	assert.Equal(t, magnet.ModeDownload, req.Mode)

	job, err := f.jobs.Get(context.Background(), body["job_id"])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestDownloadByEpisodeLink(t *testing.T) {
	f := newJobFixture(t)

	resp, _ := f.download(t, downloadRequest{
		Link:      "https://aniworld.to/anime/stream/solo-leveling/staffel-2/episode-7",
		Language:  "German Dub",
		TitleHint: "Solo Leveling",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	req := f.sched.lastScheduled(t)
	assert.Equal(t, sites.AniWorld, req.Site.ID)
	assert.Equal(t, 2, req.Season)
	assert.Equal(t, 7, req.Episode)
}

func TestDownloadByMovieLink(t *testing.T) {
	f := newJobFixture(t)

	resp, _ := f.download(t, downloadRequest{
		Link:     "https://megakino.co/films/suzume",
		Language: "German Dub",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	req := f.sched.lastScheduled(t)
	assert.Equal(t, sites.Megakino, req.Site.ID)
	assert.Equal(t, "suzume", req.Slug)
	assert.Zero(t, req.Season)
	assert.Zero(t, req.Episode)
}

func TestDownloadValidation(t *testing.T) {
	f := newJobFixture(t)

	cases := []struct {
		name string
		req  downloadRequest
	}{
		{"missing language", downloadRequest{Slug: "solo-leveling", Season: 1, Episode: 1}},
		{"unknown language", downloadRequest{Slug: "solo-leveling", Language: "klingon"}},
		{"neither link nor slug", downloadRequest{Language: "German Dub"}},
		{"unknown site", downloadRequest{Site: "nyaa", Slug: "solo-leveling", Language: "German Dub"}},
		{"unknown link host", downloadRequest{Link: "https://example.com/anime/stream/x/staffel-1/episode-1", Language: "German Dub"}},
		{"link without episode", downloadRequest{Link: "https://aniworld.to/anime/stream/solo-leveling", Language: "German Dub"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.download(t, tc.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestParseEpisodeLinkFilmPath(t *testing.T) {
	reg, err := sites.Load()
	require.NoError(t, err)

	site, slug, season, episode, err := parseEpisodeLink(reg, "https://aniworld.to/anime/stream/solo-leveling/filme/film-3")
	require.NoError(t, err)
	assert.Equal(t, sites.AniWorld, site.ID)
	assert.Equal(t, "solo-leveling", slug)
	assert.Zero(t, season)
	assert.Equal(t, 3, episode)
}

func TestGetJob(t *testing.T) {
	f := newJobFixture(t)

	created, err := f.jobs.Create(context.Background(), &models.Job{
		ID:         uuid.NewString(),
		SourceSite: "aniworld",
	})
	require.NoError(t, err)

	resp, err := http.Get(f.srv + "/jobs/" + created.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job models.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, created.ID, job.ID)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	resp, err = http.Get(f.srv + "/jobs/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteJobCancels(t *testing.T) {
	f := newJobFixture(t)

	created, err := f.jobs.Create(context.Background(), &models.Job{
		ID:         uuid.NewString(),
		SourceSite: "aniworld",
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, f.srv+"/jobs/"+created.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	job, err := f.jobs.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	req, err = http.NewRequest(http.MethodDelete, f.srv+"/jobs/"+uuid.NewString(), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobEventsUnknownJobIs404(t *testing.T) {
	f := newJobFixture(t)

	resp, err := http.Get(f.srv + "/jobs/" + uuid.NewString() + "/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobEventsTerminalJobEmitsOneEvent(t *testing.T) {
	f := newJobFixture(t)

	created, err := f.jobs.Create(context.Background(), &models.Job{
		ID:         uuid.NewString(),
		SourceSite: "aniworld",
	})
	require.NoError(t, err)
	require.NoError(t, f.jobs.Complete(context.Background(), created.ID, "/downloads/done.mp4"))

	resp, err := http.Get(f.srv + "/jobs/" + created.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := readSSEData(t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, models.JobStatusCompleted, events[0].Status)
	assert.Equal(t, 100.0, events[0].Progress)
}

func TestJobEventsStreamsUntilTerminal(t *testing.T) {
	f := newJobFixture(t)

	created, err := f.jobs.Create(context.Background(), &models.Job{
		ID:         uuid.NewString(),
		SourceSite: "aniworld",
	})
	require.NoError(t, err)

	// keep publishing a terminal snapshot until the stream shuts down;
	// the first delivery after subscription ends the handler loop
	done := make(chan struct{})
	go func() {
		terminal := *created
		terminal.Status = models.JobStatusFailed
		terminal.Message = "no provider delivered a stream"
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				f.events.Publish(&terminal)
			}
		}
	}()
	defer close(done)

	resp, err := http.Get(f.srv + "/jobs/" + created.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readSSEData(t, resp)
	require.NotEmpty(t, events)

	first := events[0]
	assert.Equal(t, models.JobStatusQueued, first.Status, "the stored row is replayed on connect")

	last := events[len(events)-1]
	assert.Equal(t, models.JobStatusFailed, last.Status)
	assert.Equal(t, "no provider delivered a stream", last.Message)
}

// readSSEData consumes the stream to EOF and decodes every data line.
func readSSEData(t *testing.T, resp *http.Response) []models.Job {
	t.Helper()

	var jobs []models.Job
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var job models.Job
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &job))
		jobs = append(jobs, job)
	}
	require.NoError(t, scanner.Err())
	return jobs
}
