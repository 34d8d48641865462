// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/anibridge/anibridge/internal/fetcher"
	"github.com/anibridge/anibridge/internal/models"
)

// progressStore is the slice of the job store the tracker writes to.
type progressStore interface {
	UpdateProgress(ctx context.Context, id string, progress float64, downloaded int64, total, speed, eta *int64) error
}

// tracker turns the fetcher's snapshot stream into bounded DB writes:
// one write per ~1% boundary, everything else stays in memory. 100% is
// reserved for the completion write.
type tracker struct {
	ctx    context.Context
	store  progressStore
	events *Broadcaster
	id     string

	wrote   bool
	lastPct float64
	render  *renderer
}

func newTracker(ctx context.Context, store progressStore, events *Broadcaster, id string, plain bool) *tracker {
	return &tracker{
		ctx:    ctx,
		store:  store,
		events: events,
		id:     id,
		render: newRenderer(id, plain),
	}
}

func (t *tracker) observe(p fetcher.Progress) error {
	if err := t.ctx.Err(); err != nil {
		return err
	}

	pct := p.Percent()
	if pct > 99.9 {
		pct = 99.9
	}

	t.render.render(pct, p)

	if t.wrote && pct < t.lastPct+1.0 {
		return nil
	}

	if err := t.store.UpdateProgress(t.ctx, t.id, pct, p.DownloadedBytes, p.TotalBytes, p.Speed, p.ETA); err != nil {
		log.Error().Err(err).Str("jobID", t.id).Msg("[SCHEDULER] Failed to persist progress")
		return nil // a write hiccup must not kill the download
	}
	t.wrote = true
	t.lastPct = pct

	if t.events != nil {
		t.events.Publish(&models.Job{
			ID:              t.id,
			Status:          models.JobStatusDownloading,
			Progress:        pct,
			DownloadedBytes: p.DownloadedBytes,
			TotalBytes:      p.TotalBytes,
			Speed:           p.Speed,
			ETA:             p.ETA,
		})
	}
	return nil
}

func (t *tracker) done() {
	t.render.done()
}

// renderer shows progress to the operator: an in-place bar on a TTY,
// throttled log lines otherwise.
type renderer struct {
	id      string
	tty     bool
	out     io.Writer
	lastLog time.Time
}

func newRenderer(id string, plain bool) *renderer {
	return &renderer{
		id:  shortID(id),
		tty: !plain && term.IsTerminal(int(os.Stderr.Fd())),
		out: os.Stderr,
	}
}

func (r *renderer) render(pct float64, p fetcher.Progress) {
	if r.tty {
		fmt.Fprintf(r.out, "\r[%s] %5.1f%% %s %s/s", r.id, pct, humanBytes(p.DownloadedBytes), humanSpeed(p.Speed))
		return
	}
	if time.Since(r.lastLog) < 5*time.Second {
		return
	}
	r.lastLog = time.Now()
	log.Debug().
		Str("jobID", r.id).
		Float64("progress", pct).
		Int64("downloaded", p.DownloadedBytes).
		Msg("[SCHEDULER] Downloading")
}

func (r *renderer) done() {
	if r.tty {
		fmt.Fprintln(r.out)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func humanSpeed(v *int64) string {
	if v == nil {
		return "--"
	}
	return humanBytes(*v)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
