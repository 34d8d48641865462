// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/anibridge/anibridge/internal/dbinterface"
)

// JobStatus represents the lifecycle state of a download or STRM job.
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// RestartInterruptedMessage is written by the startup recovery sweep.
const RestartInterruptedMessage = "Interrupted by application restart"

var terminalJobStatuses = map[JobStatus]struct{}{
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// IsTerminal returns true when no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	_, ok := terminalJobStatuses[s]
	return ok
}

// Job is one unit of fetching work. Only the worker and the startup
// recovery sweep mutate it after creation.
type Job struct {
	ID              string    `json:"id"`
	Status          JobStatus `json:"status"`
	Progress        float64   `json:"progress"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	TotalBytes      *int64    `json:"total_bytes,omitempty"`
	Speed           *int64    `json:"speed,omitempty"`
	ETA             *int64    `json:"eta,omitempty"`
	Message         string    `json:"message,omitempty"`
	ResultPath      string    `json:"result_path,omitempty"`
	SourceSite      string    `json:"source_site"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// JobStore owns the jobs table.
type JobStore struct {
	db dbinterface.Querier
}

func NewJobStore(db dbinterface.Querier) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, status, progress, downloaded_bytes, total_bytes, speed, eta,
	message, result_path, source_site, created_at, updated_at`

// Create inserts a new job row in queued state.
func (s *JobStore) Create(ctx context.Context, j *Job) (*Job, error) {
	if j == nil {
		return nil, errors.New("job is nil")
	}
	if j.ID == "" {
		return nil, errors.New("job ID is required")
	}
	if j.Status == "" {
		j.Status = JobStatusQueued
	}
	if j.SourceSite == "" {
		return nil, errors.New("source site is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, progress, downloaded_bytes, total_bytes, speed, eta, message, result_path, source_site)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID, j.Status, j.Progress, j.DownloadedBytes, nullInt64(j.TotalBytes), nullInt64(j.Speed), nullInt64(j.ETA),
		nullString(j.Message), nullString(j.ResultPath), j.SourceSite,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return s.Get(ctx, j.ID)
}

// Get retrieves a job by ID. Returns sql.ErrNoRows when absent.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJobRow(row)
}

// ListByStatuses returns jobs in any of the given statuses, newest first.
func (s *JobStore) ListByStatuses(ctx context.Context, statuses []JobStatus, limit int) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (`
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, st)
	}
	query += `) ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountByStatus returns the number of jobs per status. Used by the
// metrics collector.
func (s *JobStore) CountByStatus(ctx context.Context) (map[JobStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int64)
	for rows.Next() {
		var (
			status JobStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpdateProgress persists a progress snapshot from the worker.
func (s *JobStore) UpdateProgress(ctx context.Context, id string, progress float64, downloaded int64, total, speed, eta *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = ?, downloaded_bytes = ?, total_bytes = ?, speed = ?, eta = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, JobStatusDownloading, progress, downloaded, nullInt64(total), nullInt64(speed), nullInt64(eta), id)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// SetStatus moves a job to a new status with an optional message.
func (s *JobStore) SetStatus(ctx context.Context, id string, status JobStatus, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, nullString(message), id)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	return nil
}

// Complete marks a job finished with its result path. Progress is forced to
// 100 so the completed ⇔ progress==100 invariant holds.
func (s *JobStore) Complete(ctx context.Context, id, resultPath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = 100.0, result_path = ?, message = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, JobStatusCompleted, resultPath, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// MarkInterrupted fails every queued or downloading job. Called once on
// startup, before any worker runs.
func (s *JobStore) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status IN (?, ?)
	`, JobStatusFailed, RestartInterruptedMessage, JobStatusQueued, JobStatusDownloading)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOlderThan removes terminal jobs whose last update is before cutoff.
// Used by the downloads TTL cleanup.
func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ?
	`, JobStatusCompleted, JobStatusFailed, JobStatusCancelled, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row rowScanner) (*Job, error) {
	var (
		j               Job
		total, speed    sql.NullInt64
		eta             sql.NullInt64
		message, result sql.NullString
	)

	err := row.Scan(&j.ID, &j.Status, &j.Progress, &j.DownloadedBytes, &total, &speed, &eta,
		&message, &result, &j.SourceSite, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	j.TotalBytes = int64OrNil(total)
	j.Speed = int64OrNil(speed)
	j.ETA = int64OrNil(eta)
	j.Message = stringOrNil(message)
	j.ResultPath = stringOrNil(result)
	return &j, nil
}
