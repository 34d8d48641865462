// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/anibridge/anibridge/internal/magnet"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/scheduler"
	"github.com/anibridge/anibridge/internal/sites"
)

// downloadRequest is the legacy job-control payload. Either link or
// slug identifies the episode; language is always required.
type downloadRequest struct {
	Link      string `json:"link,omitempty"`
	Site      string `json:"site,omitempty"`
	Slug      string `json:"slug,omitempty"`
	Season    int    `json:"season,omitempty"`
	Episode   int    `json:"episode,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Language  string `json:"language"`
	TitleHint string `json:"title_hint,omitempty"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	lang := sites.NormalizeLanguage(req.Language)
	if !sites.IsKnownLanguage(lang) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown language %q", req.Language))
		return
	}

	var (
		site            *sites.Site
		slug            string
		season, episode int
	)

	switch {
	case req.Link != "":
		var err error
		site, slug, season, episode, err = parseEpisodeLink(s.deps.Registry, req.Link)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	case req.Slug != "":
		slug = req.Slug
		season, episode = req.Season, req.Episode
		if req.Site != "" {
			if site = s.deps.Registry.Get(req.Site); site == nil {
				respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown site %q", req.Site))
				return
			}
		} else {
			site = s.deps.Registry.All()[0]
		}
	default:
		respondError(w, http.StatusBadRequest, "either link or slug is required")
		return
	}

	title := req.TitleHint
	if title == "" {
		title = humanizeSlug(slug)
	}

	job, err := s.deps.Sched.Schedule(r.Context(), scheduler.Request{
		Site:     site,
		Slug:     slug,
		Season:   season,
		Episode:  episode,
		Language: lang,
		Title:    title,
		Provider: req.Provider,
		Mode:     magnet.ModeDownload,
	})
	if err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("[API] Failed to schedule download")
		respondError(w, http.StatusInternalServerError, "failed to schedule download")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := s.deps.Sched.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

// handleJobEvents streams job snapshots as SSE until the job reaches a
// terminal state or the client goes away. The row is re-read on connect
// so a subscriber never misses the current state.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	job, err := s.deps.Jobs.Get(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	updates, release := s.deps.Events.Subscribe(id)
	defer release()

	session, err := sse.Upgrade(w, r)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "SSE unsupported")
		return
	}

	if err := sendJobEvent(session, job); err != nil || job.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			if err := sendJobEvent(session, next); err != nil || next.Status.IsTerminal() {
				return
			}
		}
	}
}

func sendJobEvent(session *sse.Session, job *models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	msg := &sse.Message{Type: sse.Type("update")}
	msg.AppendData(string(payload))
	if err := session.Send(msg); err != nil {
		return err
	}
	return session.Flush()
}

var (
	episodePathRe = regexp.MustCompile(`/staffel-(\d+)/episode-(\d+)/?$`)
	filmPathRe    = regexp.MustCompile(`/filme/film-(\d+)/?$`)
)

// parseEpisodeLink maps an episode page URL onto a registered site and
// its coordinates.
func parseEpisodeLink(reg *sites.Registry, link string) (*sites.Site, string, int, int, error) {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return nil, "", 0, 0, fmt.Errorf("invalid link %q", link)
	}

	var site *sites.Site
	for _, candidate := range reg.All() {
		base, err := url.Parse(candidate.BaseURL)
		if err != nil {
			continue
		}
		if strings.EqualFold(stripWWW(u.Host), stripWWW(base.Host)) {
			site = candidate
			break
		}
	}
	if site == nil {
		return nil, "", 0, 0, fmt.Errorf("link host %q matches no known site", u.Host)
	}

	slug := site.SlugFromPath(u.Path)
	if slug == "" {
		return nil, "", 0, 0, fmt.Errorf("link does not point at a series page on %s", site.Name)
	}

	if site.Movies {
		return site, slug, 0, 0, nil
	}
	if m := episodePathRe.FindStringSubmatch(u.Path); m != nil {
		season, _ := strconv.Atoi(m[1])
		episode, _ := strconv.Atoi(m[2])
		return site, slug, season, episode, nil
	}
	if m := filmPathRe.FindStringSubmatch(u.Path); m != nil {
		episode, _ := strconv.Atoi(m[1])
		return site, slug, 0, episode, nil
	}
	return nil, "", 0, 0, fmt.Errorf("link does not point at an episode on %s", site.Name)
}

func stripWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}

var slugTitler = cases.Title(language.Und)

func humanizeSlug(slug string) string {
	return slugTitler.String(strings.ReplaceAll(slug, "-", " "))
}
