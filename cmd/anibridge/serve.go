// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/anibridge/anibridge/internal/api"
	"github.com/anibridge/anibridge/internal/buildinfo"
	"github.com/anibridge/anibridge/internal/config"
	"github.com/anibridge/anibridge/internal/database"
	"github.com/anibridge/anibridge/internal/domain"
	"github.com/anibridge/anibridge/internal/fetcher"
	"github.com/anibridge/anibridge/internal/logger"
	"github.com/anibridge/anibridge/internal/metadata"
	"github.com/anibridge/anibridge/internal/metrics"
	"github.com/anibridge/anibridge/internal/models"
	"github.com/anibridge/anibridge/internal/proxy"
	"github.com/anibridge/anibridge/internal/qbit"
	"github.com/anibridge/anibridge/internal/resolver"
	"github.com/anibridge/anibridge/internal/scheduler"
	"github.com/anibridge/anibridge/internal/services/cleanup"
	"github.com/anibridge/anibridge/internal/services/domains"
	"github.com/anibridge/anibridge/internal/services/ipmon"
	"github.com/anibridge/anibridge/internal/sites"
	"github.com/anibridge/anibridge/internal/specials"
	"github.com/anibridge/anibridge/internal/strm"
	"github.com/anibridge/anibridge/internal/titles"
	"github.com/anibridge/anibridge/internal/torznab"
	"github.com/anibridge/anibridge/internal/update"
)

const probeTimeout = 30 * time.Second

func RunServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the AniBridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file or directory (environment variables always apply)")

	return cmd
}

func runServe(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCfg, err := config.New(configPath, buildinfo.Version)
	if err != nil {
		return err
	}
	cfg := appCfg.Config

	logger.Setup(logger.Options{
		Level:      cfg.LogLevel,
		Path:       cfg.LogPath,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
	})

	log.Info().
		Str("version", buildinfo.Version).
		Str("commit", buildinfo.Commit).
		Msg("Starting AniBridge")

	db, err := database.New(appCfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	jobs := models.NewJobStore(db)
	tasks := models.NewClientTaskStore(db)
	avail := models.NewAvailabilityStore(db)
	strmMappings := models.NewStrmMappingStore(db)
	epnums := models.NewEpisodeNumberStore(db)

	registry, err := sites.Load()
	if err != nil {
		return fmt.Errorf("load site registry: %w", err)
	}

	outbound, err := proxy.NewClient(proxy.Config{
		Enabled:   cfg.ProxyEnabled,
		URL:       cfg.ProxyURL,
		Scope:     cfg.ProxyScope,
		SiteHosts: siteHosts(registry),
	}, 0)
	if err != nil {
		return fmt.Errorf("build outbound client: %w", err)
	}

	resolverProxy := ""
	if cfg.ProxyEnabled {
		resolverProxy = cfg.ProxyURL
	}
	res, err := resolver.New(cfg.ProviderOrder, resolverProxy)
	if err != nil {
		return fmt.Errorf("build resolver: %w", err)
	}
	prober := resolver.NewProber(cfg.FfprobePath, probeTimeout)

	indexes := make([]*titles.Index, 0, len(registry.All()))
	for _, site := range registry.All() {
		refresh := time.Duration(cfg.TitlesRefreshFor(site.ID) * float64(time.Hour))
		indexes = append(indexes, titles.NewIndex(site, refresh,
			titles.WithHTTPClient(outbound),
			titles.WithSnapshotPath(filepath.Join(cfg.DataDir, "titles", site.ID+".json")),
		))
	}
	titleSvc := titles.NewService(indexes, cfg.TitleMatchMinConfidence)

	metaOpts := []metadata.Option{metadata.WithHTTPClient(outbound)}
	if cfg.MetadataBaseURL != "" {
		metaOpts = append(metaOpts, metadata.WithBaseURL(cfg.MetadataBaseURL))
	}
	meta := metadata.New(
		time.Duration(cfg.SpecialsMetadataTimeoutSeconds)*time.Second,
		time.Duration(cfg.SpecialsMetadataCacheTTLMinutes)*time.Minute,
		metaOpts...,
	)

	var mapper *specials.Mapper
	if cfg.SpecialsMetadataEnabled {
		mapper = specials.New(meta, cfg.SpecialsMatchConfidenceThreshold,
			time.Duration(cfg.SpecialsMetadataCacheTTLMinutes)*time.Minute, outbound)
	}

	var fetch fetcher.Fetcher
	if cfg.TestMode {
		log.Warn().Msg("Test mode enabled; downloads are simulated")
		fetch = &fetcher.Fake{}
	} else {
		fetch, err = fetcher.NewExec(cfg.FetcherPath, cfg.FetcherExtraArgs)
		if err != nil {
			return fmt.Errorf("configure fetcher: %w", err)
		}
	}

	auth := strm.Auth{
		Mode:     cfg.StrmProxyAuth,
		Secret:   cfg.StrmProxySecret,
		TokenTTL: time.Duration(cfg.StrmProxyTokenTTLSeconds) * time.Second,
	}
	builder := strm.URLBuilder{Base: cfg.StrmPublicBaseURL, Auth: auth}

	var sink scheduler.StrmSink
	if cfg.StrmFilesMode != domain.StrmFilesNo {
		content := strm.DirectContent
		if cfg.StrmProxyMode == domain.StrmProxyProxy {
			content = strm.ProxyContent(builder)
		}
		sink = strm.NewWriter(cfg.DownloadDir, content)
	}

	sched := scheduler.New(jobs, res, fetch, prober, sink, scheduler.Config{
		MaxConcurrency:         cfg.MaxConcurrency,
		DownloadDir:            cfg.DownloadDir,
		RateLimitBytesPerSec:   cfg.DownloadRateLimitBytesPerSec,
		HLSConcurrentFragments: cfg.HLSConcurrentFragments,
		SourceTag:              cfg.SourceTag,
		ReleaseGroupOverrides:  cfg.ReleaseGroupOverrides,
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	var remux *strm.RemuxCache
	if cfg.Remux.Enabled {
		remux = strm.NewRemuxCache(cfg.Remux, cfg.FfmpegPath, prober)
	}

	proxyOpts := []strm.ProxyOption{}
	if remux != nil {
		proxyOpts = append(proxyOpts, strm.WithRemux(remux))
	}
	strmProxy := strm.NewProxy(res, strmMappings, registry, auth, builder,
		time.Duration(cfg.StrmProxyCacheTTLSeconds)*time.Second, proxyOpts...)

	torznabOpts := []torznab.Option{
		torznab.WithProber(prober),
		torznab.WithMetadata(meta),
		torznab.WithEpisodeNumbers(epnums),
	}
	if mapper != nil {
		torznabOpts = append(torznabOpts, torznab.WithSpecials(mapper))
	}
	indexer := torznab.New(torznab.Config{
		APIKey:                     cfg.IndexerAPIKey,
		IndexerName:                cfg.IndexerName,
		CatAnime:                   cfg.TorznabCatAnime,
		CatMovies:                  cfg.TorznabCatMovies,
		FakeSeeders:                cfg.TorznabFakeSeeders,
		FakeLeechers:               cfg.TorznabFakeLeechers,
		ReturnTestResult:           cfg.TorznabReturnTestResult,
		SeasonMaxEpisodes:          cfg.TorznabSeasonSearchMaxEpisodes,
		SeasonMaxConsecutiveMisses: cfg.TorznabSeasonSearchMaxConsMisses,
		StrmMode:                   cfg.StrmFilesMode,
		AvailabilityTTL:            time.Duration(cfg.AvailabilityTTLHours * float64(time.Hour)),
		SourceTag:                  cfg.SourceTag,
		ReleaseGroupOverrides:      cfg.ReleaseGroupOverrides,
	}, registry, titleSvc, avail, res, torznabOpts...)

	client := qbit.New(qbit.Config{
		DownloadDir:    cfg.DownloadDir,
		PublicSavePath: cfg.QbitPublicSavePath,
	}, registry, tasks, jobs, sched)

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metricsHandler = metrics.NewManager(jobs).Handler()
	}

	var artifacts cleanup.ArtifactCache
	if remux != nil {
		artifacts = remux
	}
	cleaner := cleanup.New(cleanup.Config{
		Interval:        time.Duration(cfg.CleanupScanIntervalMin) * time.Minute,
		DownloadsTTL:    time.Duration(cfg.DownloadsTTLHours * float64(time.Hour)),
		AvailabilityTTL: time.Duration(cfg.AvailabilityTTLHours * float64(time.Hour)),
		StrmMappingTTL:  time.Duration(cfg.StrmProxyCacheTTLSeconds) * time.Second,
	}, jobs, tasks, avail, strmMappings, artifacts)
	cleaner.Start(ctx)
	defer cleaner.Stop()

	if cfg.PublicIPCheckEnabled {
		mon := ipmon.New(time.Duration(cfg.PublicIPCheckIntervalMin)*time.Minute, ipmon.WithClient(outbound))
		mon.Start(ctx)
		defer mon.Stop()
	}

	domainMon := domains.New(registry.All(), 0, domains.WithClient(outbound))
	domainMon.Start(ctx)
	defer domainMon.Stop()

	if cfg.CheckForUpdates {
		notifier := update.NewNotifier(update.Config{
			Repository: cfg.UpdateRepository,
			Version:    buildinfo.Version,
		}, 0)
		notifier.Start(ctx)
		defer notifier.Stop()
	}

	srv := api.NewServer(&api.Dependencies{
		Registry: registry,
		Jobs:     jobs,
		Sched:    sched,
		Events:   sched.Events(),
		Torznab:  indexer,
		Qbit:     client,
		Strm:     strmProxy,
		Metrics:  metricsHandler,
	})
	return srv.ListenAndServe(ctx, cfg.Host, cfg.Port)
}

// siteHosts lists the configured site hostnames for scoped proxying.
func siteHosts(registry *sites.Registry) []string {
	hosts := make([]string, 0, len(registry.All()))
	for _, site := range registry.All() {
		if u, err := url.Parse(site.BaseURL); err == nil && u.Hostname() != "" {
			hosts = append(hosts, u.Hostname())
		}
	}
	return hosts
}
