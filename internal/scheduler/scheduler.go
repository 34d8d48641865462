// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler runs the download worker pool. Jobs are persisted
// rows; the pool picks them off a queue, drives the resolver and the
// external fetcher, and projects progress back into the job row.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/fetcher"
	"github.com/anibridge/anibridge/internal/magnet"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/resolver"
	"github.com/anibridge/anibridge/internal/sites"
)

// CancelledMessage is written when a job is stopped on request.
const CancelledMessage = "Cancelled by user"

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueFull   = errors.New("scheduler queue is full")
)

// Resolver is the slice of the provider resolver the worker needs.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (*resolver.Result, error)
}

// Prober inspects a finished file for height and codec. A nil prober
// skips detection and the release name falls back to SD defaults.
type Prober interface {
	Probe(ctx context.Context, url string, headers map[string]string) (*resolver.MediaInfo, error)
}

// StrmSink writes a .strm artifact for a resolved stream instead of
// downloading it. Implemented by the strm package.
type StrmSink interface {
	WriteStrm(ctx context.Context, req Request, res *resolver.Result) (string, error)
}

// Request is everything a worker needs to execute one job.
type Request struct {
	Site     *sites.Site
	Slug     string
	Season   int
	Episode  int
	Language string

	Title    string // display title used for the release name
	Absolute int    // absolute episode number, when known
	Provider string // preferred provider, probed first
	Mode     magnet.Mode
}

// Config tunes the pool.
type Config struct {
	MaxConcurrency         int // floor 1
	DownloadDir            string
	RateLimitBytesPerSec   int64
	HLSConcurrentFragments int

	SourceTag             string
	ReleaseGroupOverrides map[string]string

	// PlainProgress forces log-line progress even on a TTY.
	PlainProgress bool
}

type queuedJob struct {
	id  string
	req Request
}

// Service owns the worker pool and the running-job registry.
type Service struct {
	jobs     *models.JobStore
	resolver Resolver
	fetcher  fetcher.Fetcher
	prober   Prober
	strm     StrmSink
	cfg      Config

	events *Broadcaster
	queue  chan queuedJob

	workerCtx    context.Context
	workerCancel context.CancelFunc
	workerWg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New builds the service. strm may be nil when STRM mode is disabled.
func New(jobs *models.JobStore, res Resolver, f fetcher.Fetcher, prober Prober, strm StrmSink, cfg Config) *Service {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &Service{
		jobs:     jobs,
		resolver: res,
		fetcher:  f,
		prober:   prober,
		strm:     strm,
		cfg:      cfg,
		events:   NewBroadcaster(),
		queue:    make(chan queuedJob, 256),
		running:  make(map[string]context.CancelFunc),
	}
}

// Events exposes the per-job change stream for the SSE endpoint.
func (s *Service) Events() *Broadcaster { return s.events }

// Start sweeps jobs interrupted by the previous run into failed state,
// then launches the workers. The sweep happens before any worker sees
// the queue.
func (s *Service) Start(ctx context.Context) error {
	swept, err := s.jobs.MarkInterrupted(ctx)
	if err != nil {
		return errors.Wrap(err, "recovery sweep")
	}
	if swept > 0 {
		log.Warn().Int64("jobs", swept).Msg("[SCHEDULER] Failed jobs interrupted by restart")
	}

	s.workerCtx, s.workerCancel = context.WithCancel(ctx)

	for i := 0; i < s.cfg.MaxConcurrency; i++ {
		s.workerWg.Go(func() {
			s.worker()
		})
	}

	log.Info().Int("workers", s.cfg.MaxConcurrency).Msg("[SCHEDULER] Started")
	return nil
}

// Stop cancels every running job and shuts the pool down. In-flight
// fetches are killed, not awaited to completion.
func (s *Service) Stop() {
	if s.workerCancel != nil {
		s.workerCancel()
	}
	s.workerWg.Wait()
	log.Info().Msg("[SCHEDULER] Stopped")
}

// Schedule persists a new queued job and hands it to the pool. Returns
// immediately with the created row.
func (s *Service) Schedule(ctx context.Context, req Request) (*models.Job, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	job, err := s.jobs.Create(ctx, &models.Job{
		ID:         uuid.NewString(),
		Status:     models.JobStatusQueued,
		SourceSite: req.Site.ID,
	})
	if err != nil {
		return nil, err
	}

	select {
	case s.queue <- queuedJob{id: job.ID, req: req}:
	default:
		msg := ErrQueueFull.Error()
		if err := s.jobs.SetStatus(ctx, job.ID, models.JobStatusFailed, msg); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("[SCHEDULER] Failed to mark overflowed job")
		}
		return nil, ErrQueueFull
	}

	log.Debug().Str("jobID", job.ID).Str("slug", req.Slug).Str("mode", string(req.Mode)).Msg("[SCHEDULER] Job queued")
	return job, nil
}

// Cancel stops a job. Running jobs get their context cancelled and the
// worker records the terminal state; queued jobs are finalised here.
// Cancelling an already-terminal job is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	job, err := s.jobs.Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	} else if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if err := s.jobs.SetStatus(ctx, id, models.JobStatusCancelled, CancelledMessage); err != nil {
		return err
	}
	s.publishSnapshot(ctx, id)
	return nil
}

// Running reports whether a job currently occupies a worker.
func (s *Service) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

func validate(req Request) error {
	switch {
	case req.Site == nil:
		return errors.New("site is required")
	case req.Slug == "":
		return errors.New("slug is required")
	case req.Language == "":
		return errors.New("language is required")
	}
	return nil
}

func (s *Service) worker() {
	for {
		select {
		case <-s.workerCtx.Done():
			return
		case q := <-s.queue:
			s.run(q.id, q.req)
		}
	}
}

func (s *Service) register(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()
}

func (s *Service) unregister(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Service) groupFor(site *sites.Site) string {
	if g, ok := s.cfg.ReleaseGroupOverrides[site.ID]; ok {
		return g
	}
	return site.ReleaseGroup
}

// publishSnapshot reloads the row and pushes it to subscribers.
func (s *Service) publishSnapshot(ctx context.Context, id string) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return
	}
	s.events.Publish(job)
}

// uniquePath appends " (n)" before the extension until the name is free.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
