// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/fetcher"
	"github.com/anibridge/anibridge/internal/magnet"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/resolver"
)

// run executes one job end to end. All terminal states for a picked-up
// job are written here.
func (s *Service) run(id string, req Request) {
	ctx, cancel := context.WithCancel(s.workerCtx)
	defer cancel()

	// Registered before the first DB read so a concurrent Cancel always
	// finds either the terminal row or this context.
	s.register(id, cancel)
	defer s.unregister(id)

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("[SCHEDULER] Failed to load job")
		return
	}
	if job.Status.IsTerminal() {
		log.Debug().Str("jobID", id).Str("status", string(job.Status)).Msg("[SCHEDULER] Skipping terminal job")
		return
	}

	if err := s.jobs.SetStatus(ctx, id, models.JobStatusDownloading, ""); err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("[SCHEDULER] Failed to mark job downloading")
		return
	}
	s.publishSnapshot(ctx, id)

	log.Info().
		Str("jobID", id).
		Str("site", req.Site.ID).
		Str("slug", req.Slug).
		Int("season", req.Season).
		Int("episode", req.Episode).
		Str("language", req.Language).
		Msg("[SCHEDULER] Job started")

	res, err := s.resolver.Resolve(ctx, resolver.Request{
		Site:      req.Site,
		Slug:      req.Slug,
		Season:    req.Season,
		Episode:   req.Episode,
		Language:  req.Language,
		Preferred: req.Provider,
	})
	if err != nil {
		s.finishWithError(ctx, id, err)
		return
	}

	if req.Mode == magnet.ModeStrm {
		s.runStrm(ctx, id, req, res)
		return
	}
	s.runDownload(ctx, id, req, res)
}

func (s *Service) runStrm(ctx context.Context, id string, req Request, res *resolver.Result) {
	if s.strm == nil {
		s.fail(ctx, id, "STRM mode is not configured")
		return
	}

	path, err := s.strm.WriteStrm(ctx, req, res)
	if err != nil {
		s.finishWithError(ctx, id, err)
		return
	}
	s.complete(ctx, id, path)
}

func (s *Service) runDownload(ctx context.Context, id string, req Request, res *resolver.Result) {
	tracker := newTracker(ctx, s.jobs, s.events, id, s.cfg.PlainProgress)

	path, err := s.fetcher.Fetch(ctx, fetcher.Request{
		URL:                  res.URL,
		Headers:              res.RequestHeaders,
		ProxyURL:             res.ProxyURL,
		OutputDir:            s.cfg.DownloadDir,
		FilenameHint:         id,
		RateLimitBytesPerSec: s.cfg.RateLimitBytesPerSec,
		IsHLS:                res.IsHLS(),
		ConcurrentFragments:  s.cfg.HLSConcurrentFragments,
	}, tracker.observe)
	tracker.done()
	if err != nil {
		s.finishWithError(ctx, id, err)
		return
	}

	final, err := s.finalizeFile(ctx, path, req)
	if err != nil {
		s.finishWithError(ctx, id, err)
		return
	}
	s.complete(ctx, id, final)
}

// finalizeFile probes the produced file and renames it into the release
// schema. Probe failures degrade to SD defaults instead of failing the
// job.
func (s *Service) finalizeFile(ctx context.Context, path string, req Request) (string, error) {
	var height int
	var codec string
	if s.prober != nil {
		if info, err := s.prober.Probe(ctx, path, nil); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("[SCHEDULER] Probe failed, naming without quality")
		} else {
			height, codec = info.Height, info.Codec
		}
	}

	name := magnet.ReleaseName(magnet.NameParams{
		Title:     req.Title,
		Season:    req.Season,
		Episode:   req.Episode,
		Absolute:  req.Absolute,
		Movie:     req.Site.Movies,
		Height:    height,
		Codec:     codec,
		Language:  req.Language,
		SourceTag: s.cfg.SourceTag,
		Group:     s.groupFor(req.Site),
	})

	target := uniquePath(filepath.Join(filepath.Dir(path), name+filepath.Ext(path)))
	if err := os.Rename(path, target); err != nil {
		return "", errors.Wrapf(err, "rename %s", filepath.Base(path))
	}
	return target, nil
}

func (s *Service) complete(ctx context.Context, id, path string) {
	if err := s.jobs.Complete(ctx, id, path); err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("[SCHEDULER] Failed to mark job completed")
		return
	}
	s.publishSnapshot(ctx, id)
	log.Info().Str("jobID", id).Str("path", path).Msg("[SCHEDULER] Job completed")
}

func (s *Service) fail(ctx context.Context, id, message string) {
	if err := s.jobs.SetStatus(ctx, id, models.JobStatusFailed, message); err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("[SCHEDULER] Failed to mark job failed")
		return
	}
	s.publishSnapshot(ctx, id)
	log.Warn().Str("jobID", id).Str("message", message).Msg("[SCHEDULER] Job failed")
}

func (s *Service) cancelled(ctx context.Context, id string) {
	if err := s.jobs.SetStatus(ctx, id, models.JobStatusCancelled, CancelledMessage); err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("[SCHEDULER] Failed to mark job cancelled")
		return
	}
	s.publishSnapshot(ctx, id)
	log.Info().Str("jobID", id).Msg("[SCHEDULER] Job cancelled")
}

// finishWithError maps a worker error to its terminal state. Terminal
// writes use a background-ish context because the job context may
// already be cancelled.
func (s *Service) finishWithError(ctx context.Context, id string, err error) {
	wctx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(err, fetcher.ErrCancelled), ctx.Err() != nil:
		s.cancelled(wctx, id)
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EROFS):
		s.fail(wctx, id, "No write permission for download directory "+s.cfg.DownloadDir)
	default:
		// Resolver errors (language unavailable, no provider) carry
		// user-facing messages already.
		s.fail(wctx, id, err.Error())
	}
}
