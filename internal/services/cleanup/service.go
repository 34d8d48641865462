// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cleanup sweeps expired rows and cache artifacts on a timer.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/models"
)

// ArtifactCache is the slice of the remux cache the sweep drives.
type ArtifactCache interface {
	Cleanup(ctx context.Context) error
}

// Config carries the sweep TTLs. A zero TTL disables that sweep.
type Config struct {
	Interval time.Duration

	DownloadsTTL    time.Duration
	AvailabilityTTL time.Duration
	StrmMappingTTL  time.Duration
}

type Service struct {
	cfg   Config
	jobs  *models.JobStore
	tasks *models.ClientTaskStore
	avail *models.AvailabilityStore
	strm  *models.StrmMappingStore
	cache ArtifactCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the service. strm and cache may be nil when STRM mode is
// disabled.
func New(cfg Config, jobs *models.JobStore, tasks *models.ClientTaskStore, avail *models.AvailabilityStore, strm *models.StrmMappingStore, cache ArtifactCache) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	return &Service{
		cfg:   cfg,
		jobs:  jobs,
		tasks: tasks,
		avail: avail,
		strm:  strm,
		cache: cache,
	}
}

// Start runs one sweep immediately, then on every interval tick.
func (s *Service) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	log.Info().Dur("interval", s.cfg.Interval).Msg("[CLEANUP] Sweep scheduler started")
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Info().Msg("[CLEANUP] Sweep scheduler stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	s.Sweep(s.ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.ctx)
		}
	}
}

// Sweep removes everything past its TTL. Errors are logged, never
// propagated; a failed sweep retries on the next tick.
func (s *Service) Sweep(ctx context.Context) {
	now := time.Now()

	if s.cfg.DownloadsTTL > 0 {
		cutoff := now.Add(-s.cfg.DownloadsTTL)

		if n, err := s.jobs.DeleteOlderThan(ctx, cutoff); err != nil {
			log.Error().Err(err).Msg("[CLEANUP] Failed to delete expired jobs")
		} else if n > 0 {
			log.Info().Int64("removed", n).Msg("[CLEANUP] Removed expired jobs")
		}

		if n, err := s.tasks.DeleteCompletedOlderThan(ctx, cutoff); err != nil {
			log.Error().Err(err).Msg("[CLEANUP] Failed to delete expired client tasks")
		} else if n > 0 {
			log.Info().Int64("removed", n).Msg("[CLEANUP] Removed expired client tasks")
		}
	}

	if s.cfg.AvailabilityTTL > 0 {
		if n, err := s.avail.DeleteOlderThan(ctx, now.Add(-s.cfg.AvailabilityTTL)); err != nil {
			log.Error().Err(err).Msg("[CLEANUP] Failed to delete stale availability rows")
		} else if n > 0 {
			log.Debug().Int64("removed", n).Msg("[CLEANUP] Removed stale availability rows")
		}
	}

	if s.strm != nil && s.cfg.StrmMappingTTL > 0 {
		if n, err := s.strm.DeleteOlderThan(ctx, now.Add(-s.cfg.StrmMappingTTL)); err != nil {
			log.Error().Err(err).Msg("[CLEANUP] Failed to delete stale stream mappings")
		} else if n > 0 {
			log.Debug().Int64("removed", n).Msg("[CLEANUP] Removed stale stream mappings")
		}
	}

	if s.cache != nil {
		if err := s.cache.Cleanup(ctx); err != nil {
			log.Error().Err(err).Msg("[CLEANUP] Remux cache cleanup failed")
		}
	}
}
