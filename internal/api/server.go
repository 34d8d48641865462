// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api assembles the HTTP surface: the Torznab indexer, the
// qBittorrent shim, the STRM proxy and the legacy job-control
// endpoints, behind one chi router.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/buildinfo"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/scheduler"
	"github.com/anibridge/anibridge/internal/sites"
)

// Scheduler is the slice of the job scheduler the legacy endpoints drive.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (*models.Job, error)
	Cancel(ctx context.Context, id string) error
}

// Routable mounts a handler group on a sub-router. Implemented by the
// torznab, qbit and strm handlers.
type Routable interface {
	Routes(r chi.Router)
}

// Dependencies carries everything the router mounts. Torznab, Qbit,
// Strm and Metrics are optional; nil leaves the route unmounted.
type Dependencies struct {
	Registry *sites.Registry
	Jobs     *models.JobStore
	Sched    Scheduler
	Events   *scheduler.Broadcaster

	Torznab Routable
	Qbit    Routable
	Strm    Routable
	Metrics http.Handler
}

type Server struct {
	deps *Dependencies
}

func NewServer(deps *Dependencies) *Server {
	return &Server{deps: deps}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}).Handler)

	if compress, err := httpcompression.DefaultAdapter(); err != nil {
		log.Warn().Err(err).Msg("[API] Response compression disabled")
	} else {
		r.Use(compress)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if s.deps.Torznab != nil {
		r.Route("/torznab", s.deps.Torznab.Routes)
	}
	if s.deps.Qbit != nil {
		r.Route("/api/v2", s.deps.Qbit.Routes)
	}
	if s.deps.Strm != nil {
		r.Route("/strm", s.deps.Strm.Routes)
	}

	r.Post("/downloader/download", s.handleDownload)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/{jobID}", s.handleGetJob)
		r.Delete("/{jobID}", s.handleDeleteJob)
		r.Get("/{jobID}/events", s.handleJobEvents)
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("[API] HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return srv.Close()
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": buildinfo.Version,
		"commit":  buildinfo.Commit,
	})
}

// requestLogger emits one debug line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("[API] Request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("[API] Failed to encode JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// decodeJSON decodes the request body into dest. A false return means
// the error response has already been written.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		var syntaxErr *json.SyntaxError
		switch {
		case errors.As(err, &syntaxErr):
			respondError(w, http.StatusBadRequest, fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset))
		default:
			respondError(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	return true
}
