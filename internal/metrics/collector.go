// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/models"
)

// jobStatuses is the full status vocabulary; absent statuses report 0
// so dashboards keep a stable series set.
var jobStatuses = []models.JobStatus{
	models.JobStatusQueued,
	models.JobStatusDownloading,
	models.JobStatusCompleted,
	models.JobStatusFailed,
	models.JobStatusCancelled,
}

// JobCollector derives gauges from the job table on every scrape.
type JobCollector struct {
	jobs *models.JobStore

	jobsTotalDesc     *prometheus.Desc
	downloadSpeedDesc *prometheus.Desc
	activeJobsDesc    *prometheus.Desc
}

func NewJobCollector(jobs *models.JobStore) *JobCollector {
	return &JobCollector{
		jobs: jobs,

		jobsTotalDesc: prometheus.NewDesc(
			"anibridge_jobs_total",
			"Number of jobs by status",
			[]string{"status"},
			nil,
		),
		downloadSpeedDesc: prometheus.NewDesc(
			"anibridge_download_speed_bytes_per_second",
			"Summed download speed of active jobs",
			nil,
			nil,
		),
		activeJobsDesc: prometheus.NewDesc(
			"anibridge_active_jobs",
			"Number of jobs currently queued or downloading",
			nil,
			nil,
		),
	}
}

func (c *JobCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsTotalDesc
	ch <- c.downloadSpeedDesc
	ch <- c.activeJobsDesc
}

func (c *JobCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := c.jobs.CountByStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[METRICS] Failed to count jobs")
		return
	}

	for _, status := range jobStatuses {
		ch <- prometheus.MustNewConstMetric(
			c.jobsTotalDesc,
			prometheus.GaugeValue,
			float64(counts[status]),
			string(status),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.activeJobsDesc,
		prometheus.GaugeValue,
		float64(counts[models.JobStatusQueued]+counts[models.JobStatusDownloading]),
	)

	active, err := c.jobs.ListByStatuses(ctx, []models.JobStatus{models.JobStatusDownloading}, 0)
	if err != nil {
		log.Warn().Err(err).Msg("[METRICS] Failed to list active jobs")
		return
	}

	var speed int64
	for _, j := range active {
		if j.Speed != nil {
			speed += *j.Speed
		}
	}
	ch <- prometheus.MustNewConstMetric(
		c.downloadSpeedDesc,
		prometheus.GaugeValue,
		float64(speed),
	)
}
