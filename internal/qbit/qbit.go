// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbit emulates the slice of the qBittorrent WebAPI v2 that
// Sonarr and Prowlarr actually call. Nothing torrents here; every
// response is synthesized from jobs and client tasks.
package qbit

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/scheduler"
	"github.com/anibridge/anibridge/internal/sites"
)

const (
	appVersion    = "4.6.0"
	webapiVersion = "2.8.18"
	sessionCookie = "SID"
	sessionValue  = "anibridge"

	okBody = "Ok."
)

// Scheduler is the slice of the job scheduler the shim drives.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (*models.Job, error)
	Cancel(ctx context.Context, id string) error
}

// Config carries the client-facing knobs.
type Config struct {
	DownloadDir string

	// PublicSavePath replaces the reported save path so a containerized
	// indexer sees a path valid in its own mount namespace.
	PublicSavePath string
}

// Handler serves /api/v2.
type Handler struct {
	cfg      Config
	registry *sites.Registry
	tasks    *models.ClientTaskStore
	jobs     *models.JobStore
	sched    Scheduler

	mu         sync.Mutex
	categories map[string]category
	rid        int64
}

type category struct {
	Name     string `json:"name"`
	SavePath string `json:"savePath"`
}

func New(cfg Config, reg *sites.Registry, tasks *models.ClientTaskStore, jobs *models.JobStore, sched Scheduler) *Handler {
	return &Handler{
		cfg:        cfg,
		registry:   reg,
		tasks:      tasks,
		jobs:       jobs,
		sched:      sched,
		categories: make(map[string]category),
	}
}

// Routes mounts the WebAPI v2 surface.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/login", h.login)
	r.Post("/auth/logout", h.logout)

	r.Get("/app/version", textHandler(appVersion))
	r.Get("/app/webapiVersion", textHandler(webapiVersion))
	r.Get("/app/buildInfo", h.buildInfo)
	r.Get("/app/preferences", h.preferences)

	r.Get("/torrents/categories", h.listCategories)
	r.Post("/torrents/createCategory", h.createCategory)
	r.Post("/torrents/editCategory", h.editCategory)
	r.Post("/torrents/removeCategories", h.removeCategories)
	r.Post("/torrents/setCategory", h.setCategory)

	r.Post("/torrents/add", h.addTorrent)
	r.Get("/torrents/info", h.torrentsInfo)
	r.Get("/torrents/files", h.torrentFiles)
	r.Get("/torrents/properties", h.torrentProperties)
	r.Post("/torrents/delete", h.deleteTorrents)

	r.Get("/sync/maindata", h.mainData)
	r.Get("/transfer/info", h.transferInfo)
}

// login accepts any credentials. The cookie only exists because clients
// insist on sending one back.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionValue,
		Path:     "/",
		HttpOnly: true,
	})
	respondText(w, okBody)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	respondText(w, okBody)
}

func (h *Handler) buildInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"qt":         "6.5.0",
		"libtorrent": "2.0.9",
		"boost":      "1.82.0",
		"openssl":    "3.1.0",
		"zlib":       "1.2.13",
		"bitness":    64,
	})
}

func (h *Handler) preferences(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"save_path":                h.savePath(""),
		"temp_path_enabled":        false,
		"auto_tmm_enabled":         false,
		"torrent_content_layout":   "Original",
		"start_paused_enabled":     false,
		"max_ratio_enabled":        false,
		"max_seeding_time_enabled": false,
		"queueing_enabled":         false,
		"dht":                      false,
		"pex":                      false,
		"lsd":                      false,
	})
}

func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	out := make(map[string]category, len(h.categories))
	for name, c := range h.categories {
		out[name] = c
	}
	h.mu.Unlock()

	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) createCategory(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.FormValue("category"))
	if name == "" {
		http.Error(w, "category name is empty", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.categories[name]; exists {
		http.Error(w, "category already exists", http.StatusConflict)
		return
	}
	h.categories[name] = category{Name: name, SavePath: r.FormValue("savePath")}
	respondText(w, okBody)
}

func (h *Handler) editCategory(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.FormValue("category"))
	if name == "" {
		http.Error(w, "category name is empty", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.categories[name]; !exists {
		http.Error(w, "category does not exist", http.StatusConflict)
		return
	}
	h.categories[name] = category{Name: name, SavePath: r.FormValue("savePath")}
	respondText(w, okBody)
}

func (h *Handler) removeCategories(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	for _, name := range strings.Split(r.FormValue("categories"), "\n") {
		delete(h.categories, strings.TrimSpace(name))
	}
	h.mu.Unlock()
	respondText(w, okBody)
}

func (h *Handler) setCategory(w http.ResponseWriter, r *http.Request) {
	cat := r.FormValue("category")
	for _, hash := range splitHashes(r.FormValue("hashes")) {
		if err := h.tasks.SetCategory(r.Context(), hash, cat); err != nil {
			log.Error().Err(err).Str("hash", hash).Msg("[QBIT] Category update failed")
		}
	}
	respondText(w, okBody)
}

// snapshotCategories returns the category map for maindata responses.
func (h *Handler) snapshotCategories() map[string]category {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]category, len(h.categories))
	for name, c := range h.categories {
		out[name] = c
	}
	return out
}

func (h *Handler) nextRID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rid++
	return h.rid
}

// savePath prefers the task's own path, then the public override, then the
// download dir.
func (h *Handler) savePath(taskPath string) string {
	if h.cfg.PublicSavePath != "" {
		return h.cfg.PublicSavePath
	}
	if taskPath != "" {
		return taskPath
	}
	return h.cfg.DownloadDir
}

func splitHashes(raw string) []string {
	var out []string
	for _, h := range strings.Split(raw, "|") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func respondText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

func textHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondText(w, body)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("[QBIT] Failed to encode JSON response")
	}
}
