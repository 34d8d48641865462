// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes job statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/anibridge/anibridge/internal/models"
)

type Manager struct {
	registry     *prometheus.Registry
	jobCollector *JobCollector
}

func NewManager(jobs *models.JobStore) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	jobCollector := NewJobCollector(jobs)
	registry.MustRegister(jobCollector)

	log.Info().Msg("[METRICS] Metrics manager initialized with job collector")

	return &Manager{
		registry:     registry,
		jobCollector: jobCollector,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}

// Handler serves the scrape endpoint.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
