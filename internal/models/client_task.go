// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anibridge/anibridge/internal/dbinterface"
)

// TaskState mirrors the qBittorrent torrent states the download client
// surface reports to Sonarr.
type TaskState string

const (
	TaskStateDownloading TaskState = "downloading"
	TaskStateUploading   TaskState = "uploading"
	TaskStateError       TaskState = "error"
	TaskStatePausedDL    TaskState = "pausedDL"
)

// ClientTask is one entry in the emulated torrent client, keyed by the
// synthetic info-hash from the magnet link.
type ClientTask struct {
	Hash           string    `json:"hash"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	Season         int       `json:"season"`
	Episode        int       `json:"episode"`
	Language       string    `json:"language"`
	Site           string    `json:"site"`
	AbsoluteNumber *int      `json:"absolute_number,omitempty"`
	JobID          string    `json:"job_id,omitempty"`
	SavePath       string    `json:"save_path,omitempty"`
	Category       string    `json:"category,omitempty"`
	AddedOn        int64     `json:"added_on"`
	CompletionOn   *int64    `json:"completion_on,omitempty"`
	State          TaskState `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsMovie reports whether the task refers to movie-style content
// (season 0 on a movie site slug carries episode as the film index).
func (t *ClientTask) IsMovie() bool {
	return t.Site == "megakino"
}

// ClientTaskStore owns the client_tasks table.
type ClientTaskStore struct {
	db dbinterface.Querier
}

func NewClientTaskStore(db dbinterface.Querier) *ClientTaskStore {
	return &ClientTaskStore{db: db}
}

const clientTaskColumns = `hash, name, slug, season, episode, language, site, absolute_number,
	job_id, save_path, category, added_on, completion_on, state, created_at, updated_at`

// Upsert inserts the task or refreshes it on hash collision. Re-adding an
// existing hash resets it to a fresh downloading entry.
func (s *ClientTaskStore) Upsert(ctx context.Context, t *ClientTask) (*ClientTask, error) {
	if t == nil {
		return nil, errors.New("client task is nil")
	}
	if t.Hash == "" {
		return nil, errors.New("hash is required")
	}
	if t.State == "" {
		t.State = TaskStateDownloading
	}
	if t.AddedOn == 0 {
		t.AddedOn = time.Now().Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_tasks (hash, name, slug, season, episode, language, site, absolute_number,
			job_id, save_path, category, added_on, completion_on, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
			name = excluded.name,
			slug = excluded.slug,
			season = excluded.season,
			episode = excluded.episode,
			language = excluded.language,
			site = excluded.site,
			absolute_number = excluded.absolute_number,
			job_id = excluded.job_id,
			save_path = excluded.save_path,
			category = excluded.category,
			added_on = excluded.added_on,
			completion_on = excluded.completion_on,
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP
	`,
		t.Hash, t.Name, t.Slug, t.Season, t.Episode, t.Language, t.Site, nullInt(t.AbsoluteNumber),
		nullString(t.JobID), nullString(t.SavePath), nullString(t.Category), t.AddedOn,
		nullInt64(t.CompletionOn), t.State,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert client task: %w", err)
	}

	return s.Get(ctx, t.Hash)
}

// Get retrieves a task by info-hash. Hashes are stored lowercase.
func (s *ClientTaskStore) Get(ctx context.Context, hash string) (*ClientTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientTaskColumns+` FROM client_tasks WHERE hash = ?`, strings.ToLower(hash))
	return scanClientTask(row)
}

// GetByJobID retrieves the task bound to a job, if any.
func (s *ClientTaskStore) GetByJobID(ctx context.Context, jobID string) (*ClientTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientTaskColumns+` FROM client_tasks WHERE job_id = ?`, jobID)
	return scanClientTask(row)
}

// List returns tasks, optionally filtered by category and/or a hash set.
func (s *ClientTaskStore) List(ctx context.Context, category string, hashes []string) ([]*ClientTask, error) {
	query := `SELECT ` + clientTaskColumns + ` FROM client_tasks`
	var (
		conds []string
		args  []any
	)

	if category != "" {
		conds = append(conds, "category = ?")
		args = append(args, category)
	}
	if len(hashes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(hashes)), ", ")
		conds = append(conds, "hash IN ("+placeholders+")")
		for _, h := range hashes {
			args = append(args, strings.ToLower(h))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY added_on DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list client tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*ClientTask
	for rows.Next() {
		t, err := scanClientTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SetState updates the reported torrent state.
func (s *ClientTaskStore) SetState(ctx context.Context, hash string, state TaskState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE client_tasks SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE hash = ?
	`, state, strings.ToLower(hash))
	if err != nil {
		return fmt.Errorf("set client task state: %w", err)
	}
	return nil
}

// MarkCompleted flips the task to seeding with a completion timestamp and
// final save path.
func (s *ClientTaskStore) MarkCompleted(ctx context.Context, hash, savePath string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE client_tasks SET state = ?, completion_on = ?, save_path = ?, updated_at = CURRENT_TIMESTAMP
		WHERE hash = ?
	`, TaskStateUploading, completedAt.Unix(), savePath, strings.ToLower(hash))
	if err != nil {
		return fmt.Errorf("mark client task completed: %w", err)
	}
	return nil
}

// SetCategory reassigns the task's category.
func (s *ClientTaskStore) SetCategory(ctx context.Context, hash, category string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE client_tasks SET category = ?, updated_at = CURRENT_TIMESTAMP WHERE hash = ?
	`, nullString(category), strings.ToLower(hash))
	if err != nil {
		return fmt.Errorf("set client task category: %w", err)
	}
	return nil
}

// Delete removes a task row. Returns sql.ErrNoRows when nothing matched.
func (s *ClientTaskStore) Delete(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM client_tasks WHERE hash = ?`, strings.ToLower(hash))
	if err != nil {
		return fmt.Errorf("delete client task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteCompletedOlderThan removes seeding entries whose completion time is
// before cutoff. The downloads TTL cleanup uses it together with the jobs
// sweep.
func (s *ClientTaskStore) DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM client_tasks WHERE state = ? AND completion_on IS NOT NULL AND completion_on < ?
	`, TaskStateUploading, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete completed client tasks: %w", err)
	}
	return res.RowsAffected()
}

func scanClientTask(row rowScanner) (*ClientTask, error) {
	var (
		t                        ClientTask
		absolute                 sql.NullInt64
		jobID, savePath, catName sql.NullString
		completion               sql.NullInt64
	)

	err := row.Scan(&t.Hash, &t.Name, &t.Slug, &t.Season, &t.Episode, &t.Language, &t.Site, &absolute,
		&jobID, &savePath, &catName, &t.AddedOn, &completion, &t.State, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.AbsoluteNumber = intOrNil(absolute)
	t.JobID = stringOrNil(jobID)
	t.SavePath = stringOrNil(savePath)
	t.Category = stringOrNil(catName)
	t.CompletionOn = int64OrNil(completion)
	return &t, nil
}
