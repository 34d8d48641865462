// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/scheduler"
	"github.com/anibridge/anibridge/internal/sites"
	"github.com/anibridge/anibridge/internal/testdb"
)

type stubRoutes struct {
	path string
}

func (s stubRoutes) Routes(r chi.Router) {
	r.Get(s.path, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func newTestServer(t *testing.T, deps *Dependencies) *httptest.Server {
	t.Helper()

	if deps.Registry == nil {
		reg, err := sites.Load()
		require.NoError(t, err)
		deps.Registry = reg
	}
	if deps.Jobs == nil {
		deps.Jobs = models.NewJobStore(testdb.Open(t, "api"))
	}
	if deps.Events == nil {
		deps.Events = scheduler.NewBroadcaster()
	}

	srv := httptest.NewServer(NewServer(deps).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &Dependencies{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestVersionEndpoint(t *testing.T) {
	srv := newTestServer(t, &Dependencies{})

	resp, err := http.Get(srv.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["version"])
}

func TestOptionalMountsAreOptional(t *testing.T) {
	srv := newTestServer(t, &Dependencies{})

	for _, path := range []string{"/torznab/api", "/api/v2/app/version", "/strm/stream", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestMountedHandlersAreRouted(t *testing.T) {
	srv := newTestServer(t, &Dependencies{
		Torznab: stubRoutes{path: "/api"},
		Qbit:    stubRoutes{path: "/app/version"},
		Strm:    stubRoutes{path: "/stream"},
	})

	for _, path := range []string{"/torznab/api", "/api/v2/app/version", "/strm/stream"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode, path)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &Dependencies{})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://sonarr.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRecovererShieldsPanics(t *testing.T) {
	srv := newTestServer(t, &Dependencies{
		Torznab: panicRoutes{},
	})

	resp, err := http.Get(srv.URL + "/torznab/api")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

type panicRoutes struct{}

func (panicRoutes) Routes(r chi.Router) {
	r.Get("/api", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
}
