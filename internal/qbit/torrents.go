// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbit

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moistari/rls"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/magnet"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/scheduler"
)

// etaInfinity is what qBittorrent reports when no estimate exists.
const etaInfinity = 8640000

// torrentInfo is one entry of torrents/info and sync/maindata.
type torrentInfo struct {
	Hash         string  `json:"hash"`
	Name         string  `json:"name"`
	State        string  `json:"state"`
	Progress     float64 `json:"progress"`
	DlSpeed      int64   `json:"dlspeed"`
	UpSpeed      int64   `json:"upspeed"`
	ETA          int64   `json:"eta"`
	Category     string  `json:"category"`
	SavePath     string  `json:"save_path"`
	ContentPath  string  `json:"content_path"`
	AddedOn      int64   `json:"added_on"`
	CompletionOn int64   `json:"completion_on"`
	Size         int64   `json:"size"`
	NumSeeds     int     `json:"num_seeds"`
	NumLeechs    int     `json:"num_leechs"`
	Ratio        float64 `json:"ratio"`

	// absolute episode number for absolute-numbered shows, consumed by
	// the companion import scripts
	Absolute *int `json:"anibridgeAbsolute,omitempty"`
}

// addTorrent decodes the first magnet in urls, schedules the job, and
// records the client task under the magnet's hash.
func (h *Handler) addTorrent(w http.ResponseWriter, r *http.Request) {
	urls := strings.TrimSpace(r.FormValue("urls"))
	if urls == "" {
		http.Error(w, "urls is required", http.StatusBadRequest)
		return
	}

	uri := firstLine(urls)
	payload, err := magnet.Parse(h.registry, uri)
	if err != nil {
		log.Debug().Err(err).Msg("[QBIT] Rejecting unparseable magnet")
		http.Error(w, "unsupported magnet", http.StatusBadRequest)
		return
	}

	site := h.registry.Get(payload.Site)
	job, err := h.sched.Schedule(r.Context(), scheduler.Request{
		Site:     site,
		Slug:     payload.Slug,
		Season:   payload.Season,
		Episode:  payload.Episode,
		Language: payload.Language,
		Title:    titleFromDisplayName(payload.DisplayName, payload.Slug),
		Absolute: payload.Absolute,
		Provider: payload.Provider,
		Mode:     payload.Mode,
	})
	if err != nil {
		log.Error().Err(err).Str("slug", payload.Slug).Msg("[QBIT] Scheduling failed")
		http.Error(w, "scheduling failed", http.StatusInternalServerError)
		return
	}

	task := &models.ClientTask{
		Hash:     payload.InfoHash,
		Name:     payload.DisplayName,
		Slug:     payload.Slug,
		Season:   payload.Season,
		Episode:  payload.Episode,
		Language: payload.Language,
		Site:     payload.Site,
		JobID:    job.ID,
		SavePath: r.FormValue("savepath"),
		Category: r.FormValue("category"),
		AddedOn:  time.Now().Unix(),
		State:    models.TaskStateDownloading,
	}
	if task.Name == "" {
		task.Name = payload.Slug
	}
	if payload.Absolute > 0 {
		abs := payload.Absolute
		task.AbsoluteNumber = &abs
	}

	if _, err := h.tasks.Upsert(r.Context(), task); err != nil {
		log.Error().Err(err).Str("hash", payload.InfoHash).Msg("[QBIT] Task upsert failed")
		http.Error(w, "persisting task failed", http.StatusInternalServerError)
		return
	}

	respondText(w, okBody)
}

// titleFromDisplayName recovers the series title from a release name so the
// final file is named after the show, not the slug.
func titleFromDisplayName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	if parsed := rls.ParseString(name); parsed.Title != "" {
		return parsed.Title
	}
	return name
}

func firstLine(s string) string {
	for _, line := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func (h *Handler) torrentsInfo(w http.ResponseWriter, r *http.Request) {
	var hashes []string
	if raw := r.URL.Query().Get("hashes"); raw != "" {
		hashes = splitHashes(raw)
	}

	tasks, err := h.tasks.List(r.Context(), r.URL.Query().Get("category"), hashes)
	if err != nil {
		http.Error(w, "listing tasks failed", http.StatusInternalServerError)
		return
	}

	out := make([]torrentInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, h.project(r.Context(), t))
	}
	respondJSON(w, http.StatusOK, out)
}

// project renders one task in qBittorrent vocabulary, folding in the live
// job state when the task is bound to a job.
func (h *Handler) project(ctx context.Context, t *models.ClientTask) torrentInfo {
	info := torrentInfo{
		Hash:     t.Hash,
		Name:     t.Name,
		State:    string(t.State),
		Category: t.Category,
		SavePath: h.savePath(t.SavePath),
		AddedOn:  t.AddedOn,
		ETA:      etaInfinity,
		Absolute: t.AbsoluteNumber,
	}
	if t.CompletionOn != nil {
		info.CompletionOn = *t.CompletionOn
	}

	job := h.jobFor(ctx, t)
	if job == nil {
		return info
	}

	switch job.Status {
	case models.JobStatusQueued:
		info.State = "queuedDL"
	case models.JobStatusDownloading:
		info.State = "downloading"
		info.Progress = job.Progress / 100
		if job.Speed != nil {
			info.DlSpeed = *job.Speed
		}
		if job.ETA != nil {
			info.ETA = *job.ETA
		}
		if job.TotalBytes != nil {
			info.Size = *job.TotalBytes
		}
	case models.JobStatusCompleted:
		info.State = "uploading"
		info.Progress = 1.0
		info.ETA = 0
		h.projectCompletion(ctx, t, job, &info)
	case models.JobStatusFailed:
		info.State = "error"
	case models.JobStatusCancelled:
		info.State = "pausedDL"
	}

	return info
}

// projectCompletion fills size and content path from the result file and
// stamps completion_on on the first projection that sees the job done.
func (h *Handler) projectCompletion(ctx context.Context, t *models.ClientTask, job *models.Job, info *torrentInfo) {
	if job.ResultPath != "" {
		info.ContentPath = filepath.Join(info.SavePath, filepath.Base(job.ResultPath))
		if st, err := os.Stat(job.ResultPath); err == nil {
			info.Size = st.Size()
		}
	}

	if t.CompletionOn != nil {
		info.CompletionOn = *t.CompletionOn
		return
	}

	now := time.Now()
	if err := h.tasks.MarkCompleted(ctx, t.Hash, info.SavePath, now); err != nil {
		log.Error().Err(err).Str("hash", t.Hash).Msg("[QBIT] Stamping completion failed")
		return
	}
	info.CompletionOn = now.Unix()
}

func (h *Handler) jobFor(ctx context.Context, t *models.ClientTask) *models.Job {
	if t.JobID == "" {
		return nil
	}
	job, err := h.jobs.Get(ctx, t.JobID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Error().Err(err).Str("jobID", t.JobID).Msg("[QBIT] Job lookup failed")
		}
		return nil
	}
	return job
}

func (h *Handler) torrentFiles(w http.ResponseWriter, r *http.Request) {
	info, ok := h.lookup(w, r)
	if !ok {
		return
	}

	name := info.Name
	if info.ContentPath != "" {
		name = filepath.Base(info.ContentPath)
	}

	respondJSON(w, http.StatusOK, []map[string]any{{
		"index":    0,
		"name":     name,
		"size":     info.Size,
		"progress": info.Progress,
		"priority": 1,
	}})
}

func (h *Handler) torrentProperties(w http.ResponseWriter, r *http.Request) {
	info, ok := h.lookup(w, r)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"hash":             info.Hash,
		"save_path":        info.SavePath,
		"total_size":       info.Size,
		"total_downloaded": info.Size,
		"total_uploaded":   0,
		"dl_speed":         info.DlSpeed,
		"up_speed":         0,
		"eta":              info.ETA,
		"addition_date":    info.AddedOn,
		"completion_date":  completionOrMinusOne(info),
		"seeds":            0,
		"peers":            0,
		"share_ratio":      0.0,
		"pieces_num":       1,
		"piece_size":       info.Size,
	})
}

func completionOrMinusOne(info torrentInfo) int64 {
	if info.CompletionOn > 0 {
		return info.CompletionOn
	}
	return -1
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (torrentInfo, bool) {
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		http.Error(w, "hash is required", http.StatusBadRequest)
		return torrentInfo{}, false
	}

	task, err := h.tasks.Get(r.Context(), hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "torrent not found", http.StatusNotFound)
		} else {
			http.Error(w, "task lookup failed", http.StatusInternalServerError)
		}
		return torrentInfo{}, false
	}

	return h.project(r.Context(), task), true
}

// deleteTorrents cancels the bound jobs, drops the tasks, and optionally
// removes result files with their now-empty parent directories.
func (h *Handler) deleteTorrents(w http.ResponseWriter, r *http.Request) {
	deleteFiles := strings.EqualFold(r.FormValue("deleteFiles"), "true")

	for _, hash := range splitHashes(r.FormValue("hashes")) {
		task, err := h.tasks.Get(r.Context(), hash)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				log.Error().Err(err).Str("hash", hash).Msg("[QBIT] Task lookup failed")
			}
			continue
		}

		if task.JobID != "" {
			if err := h.sched.Cancel(r.Context(), task.JobID); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
				log.Error().Err(err).Str("jobID", task.JobID).Msg("[QBIT] Cancel failed")
			}
		}

		if deleteFiles {
			h.removeResultFile(r.Context(), task)
		}

		if err := h.tasks.Delete(r.Context(), hash); err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Error().Err(err).Str("hash", hash).Msg("[QBIT] Task delete failed")
		}
	}

	respondText(w, okBody)
}

func (h *Handler) removeResultFile(ctx context.Context, task *models.ClientTask) {
	job := h.jobFor(ctx, task)
	if job == nil || job.ResultPath == "" {
		return
	}

	if err := os.Remove(job.ResultPath); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("path", job.ResultPath).Msg("[QBIT] Removing result file failed")
		return
	}

	// drop the parent only when it emptied out; Remove refuses otherwise
	parent := filepath.Dir(job.ResultPath)
	if parent != h.cfg.DownloadDir {
		_ = os.Remove(parent)
	}
}

func (h *Handler) mainData(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.List(r.Context(), "", nil)
	if err != nil {
		http.Error(w, "listing tasks failed", http.StatusInternalServerError)
		return
	}

	torrents := make(map[string]torrentInfo, len(tasks))
	var dlSpeed int64
	for _, t := range tasks {
		info := h.project(r.Context(), t)
		torrents[info.Hash] = info
		dlSpeed += info.DlSpeed
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"rid":         h.nextRID(),
		"full_update": true,
		"torrents":    torrents,
		"categories":  h.snapshotCategories(),
		"server_state": map[string]any{
			"connection_status": "connected",
			"dl_info_speed":     dlSpeed,
			"dl_info_data":      0,
			"up_info_speed":     0,
			"up_info_data":      0,
			"queueing":          false,
		},
	})
}

func (h *Handler) transferInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"connection_status": "connected",
		"dl_info_speed":     0,
		"dl_info_data":      0,
		"up_info_speed":     0,
		"up_info_data":      0,
	})
}
