// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the application configuration from environment
// variables and an optional TOML config file into a typed domain.Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/anibridge/anibridge/internal/domain"
)

const envPrefix = "ANIBRIDGE"

// AppConfig wraps the resolved configuration together with the viper
// instance used to load it, so the config file can be watched for changes.
type AppConfig struct {
	Config *domain.Config

	mu    sync.RWMutex
	viper *viper.Viper
}

// envBindings maps viper keys to the environment variables recognised for
// them. The first name is the documented one; the prefixed variant is
// accepted for container setups that namespace everything.
var envBindings = map[string][]string{
	"host":                                    {"HOST"},
	"port":                                    {"PORT"},
	"logLevel":                                {"LOG_LEVEL"},
	"logPath":                                 {"LOG_PATH"},
	"dataDir":                                 {"DATA_DIR"},
	"downloadDir":                             {"DOWNLOAD_DIR"},
	"qbitPublicSavePath":                      {"QBIT_PUBLIC_SAVE_PATH"},
	"maxConcurrency":                          {"MAX_CONCURRENCY"},
	"providerOrder":                           {"PROVIDER_ORDER"},
	"availabilityTtlHours":                    {"AVAILABILITY_TTL_HOURS"},
	"titlesRefreshHours":                      {"TITLES_REFRESH_HOURS"},
	"downloadsTtlHours":                       {"DOWNLOADS_TTL_HOURS"},
	"cleanupScanIntervalMin":                  {"CLEANUP_SCAN_INTERVAL_MIN"},
	"indexerApiKey":                           {"INDEXER_API_KEY"},
	"indexerName":                             {"INDEXER_NAME"},
	"torznabCatAnime":                         {"TORZNAB_CAT_ANIME"},
	"torznabCatMovies":                        {"TORZNAB_CAT_MOVIES"},
	"torznabFakeSeeders":                      {"TORZNAB_FAKE_SEEDERS"},
	"torznabFakeLeechers":                     {"TORZNAB_FAKE_LEECHERS"},
	"torznabReturnTestResult":                 {"TORZNAB_RETURN_TEST_RESULT"},
	"torznabSeasonSearchMaxEpisodes":          {"TORZNAB_SEASON_SEARCH_MAX_EPISODES"},
	"torznabSeasonSearchMaxConsecutiveMisses": {"TORZNAB_SEASON_SEARCH_MAX_CONSECUTIVE_MISSES"},
	"sourceTag":                               {"SOURCE_TAG"},
	"releaseGroup":                            {"RELEASE_GROUP"},
	"titleMatchMinConfidence":                 {"TITLE_MATCH_MIN_CONFIDENCE"},
	"strmFilesMode":                           {"STRM_FILES_MODE"},
	"strmProxyMode":                           {"STRM_PROXY_MODE"},
	"strmPublicBaseUrl":                       {"STRM_PUBLIC_BASE_URL"},
	"strmProxyAuth":                           {"STRM_PROXY_AUTH"},
	"strmProxySecret":                         {"STRM_PROXY_SECRET"},
	"strmProxyTokenTtlSeconds":                {"STRM_PROXY_TOKEN_TTL_SECONDS"},
	"strmProxyCacheTtlSeconds":                {"STRM_PROXY_CACHE_TTL_SECONDS"},
	"strmProxyHlsRemuxEnabled":                {"STRM_PROXY_HLS_REMUX_ENABLED"},
	"strmProxyHlsRemuxDir":                    {"STRM_PROXY_HLS_REMUX_DIR"},
	"strmProxyHlsRemuxTtlHours":               {"STRM_PROXY_HLS_REMUX_TTL_HOURS"},
	"strmProxyHlsRemuxBuildTimeoutSeconds":    {"STRM_PROXY_HLS_REMUX_BUILD_TIMEOUT_SECONDS"},
	"strmProxyHlsRemuxMaxConcurrentBuilds":    {"STRM_PROXY_HLS_REMUX_MAX_CONCURRENT_BUILDS"},
	"strmProxyHlsRemuxCooldownSeconds":        {"STRM_PROXY_HLS_REMUX_COOLDOWN_SECONDS"},
	"strmProxyHlsRemuxConfigVersion":          {"STRM_PROXY_HLS_REMUX_CONFIG_VERSION"},
	"proxyEnabled":                            {"PROXY_ENABLED"},
	"proxyUrl":                                {"PROXY_URL"},
	"proxyScope":                              {"PROXY_SCOPE"},
	"publicIpCheckEnabled":                    {"PUBLIC_IP_CHECK_ENABLED"},
	"publicIpCheckIntervalMin":                {"PUBLIC_IP_CHECK_INTERVAL_MIN"},
	"downloadRateLimitBytesPerSec":            {"DOWNLOAD_RATE_LIMIT_BYTES_PER_SEC"},
	"fetcherPath":                             {"FETCHER_PATH"},
	"fetcherExtraArgs":                        {"FETCHER_EXTRA_ARGS"},
	"ffmpegPath":                              {"FFMPEG_PATH"},
	"ffprobePath":                             {"FFPROBE_PATH"},
	"hlsConcurrentFragments":                  {"HLS_CONCURRENT_FRAGMENTS"},
	"specialsMetadataEnabled":                 {"SPECIALS_METADATA_ENABLED"},
	"specialsMatchConfidenceThreshold":        {"SPECIALS_MATCH_CONFIDENCE_THRESHOLD"},
	"specialsMetadataTimeoutSeconds":          {"SPECIALS_METADATA_TIMEOUT_SECONDS"},
	"specialsMetadataCacheTtlMinutes":         {"SPECIALS_METADATA_CACHE_TTL_MINUTES"},
	"metadataBaseUrl":                         {"METADATA_BASE_URL"},
	"checkForUpdates":                         {"CHECK_FOR_UPDATES"},
	"updateRepository":                        {"UPDATE_REPOSITORY"},
	"metricsEnabled":                          {"METRICS_ENABLED"},
	"testMode":                                {"ANIBRIDGE_TEST_MODE"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("logLevel", "INFO")
	v.SetDefault("logMaxSize", 50)
	v.SetDefault("logMaxBackups", 3)
	v.SetDefault("dataDir", "./data")
	v.SetDefault("downloadDir", "./downloads")
	v.SetDefault("maxConcurrency", 3)
	v.SetDefault("providerOrder", "VOE,Filemoon,Vidmoly,Vidoza,SpeedFiles,Streamtape,Doodstream,LoadX,Luluvdo")
	v.SetDefault("availabilityTtlHours", 72.0)
	v.SetDefault("titlesRefreshHours", 24.0)
	v.SetDefault("downloadsTtlHours", 0.0)
	v.SetDefault("cleanupScanIntervalMin", 30)
	v.SetDefault("indexerName", "AniBridge")
	v.SetDefault("torznabCatAnime", 5070)
	v.SetDefault("torznabCatMovies", 2000)
	v.SetDefault("torznabFakeSeeders", 99)
	v.SetDefault("torznabFakeLeechers", 12)
	v.SetDefault("torznabReturnTestResult", true)
	v.SetDefault("torznabSeasonSearchMaxEpisodes", 100)
	v.SetDefault("torznabSeasonSearchMaxConsecutiveMisses", 3)
	v.SetDefault("sourceTag", "WEB")
	v.SetDefault("releaseGroup", "ANIBRIDGE")
	v.SetDefault("titleMatchMinConfidence", 0.5)
	v.SetDefault("strmFilesMode", "no")
	v.SetDefault("strmProxyMode", "direct")
	v.SetDefault("strmProxyAuth", "none")
	v.SetDefault("strmProxyTokenTtlSeconds", 3600)
	v.SetDefault("strmProxyCacheTtlSeconds", 1800)
	v.SetDefault("strmProxyHlsRemuxEnabled", false)
	v.SetDefault("strmProxyHlsRemuxTtlHours", 12)
	v.SetDefault("strmProxyHlsRemuxBuildTimeoutSeconds", 200)
	v.SetDefault("strmProxyHlsRemuxMaxConcurrentBuilds", 2)
	v.SetDefault("strmProxyHlsRemuxCooldownSeconds", 300)
	v.SetDefault("strmProxyHlsRemuxConfigVersion", 1)
	v.SetDefault("proxyScope", "all")
	v.SetDefault("publicIpCheckEnabled", false)
	v.SetDefault("publicIpCheckIntervalMin", 15)
	v.SetDefault("fetcherPath", "yt-dlp")
	v.SetDefault("ffmpegPath", "ffmpeg")
	v.SetDefault("ffprobePath", "ffprobe")
	v.SetDefault("hlsConcurrentFragments", 4)
	v.SetDefault("specialsMetadataEnabled", true)
	v.SetDefault("specialsMatchConfidenceThreshold", 0.6)
	v.SetDefault("specialsMetadataTimeoutSeconds", 8)
	v.SetDefault("specialsMetadataCacheTtlMinutes", 60)
	v.SetDefault("checkForUpdates", true)
	v.SetDefault("updateRepository", "anibridge/anibridge")
	v.SetDefault("metricsEnabled", true)
	v.SetDefault("testMode", false)
}

// New loads configuration. configPath may point at a config.toml or a
// directory containing one; an empty path means env-only operation.
func New(configPath, version string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setDefaults(v)

	for key, names := range envBindings {
		args := append([]string{key}, names...)
		for _, name := range names {
			args = append(args, envPrefix+"__"+name)
		}
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && info.IsDir() {
			v.AddConfigPath(configPath)
			v.SetConfigName("config")
		} else {
			v.SetConfigFile(configPath)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &domain.Config{Version: version}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ProviderOrder = splitList(v.GetString("providerOrder"))
	cfg.TitlesRefreshHours = perSiteFloatOverrides("TITLES_REFRESH_HOURS", cfg.DefaultTitlesRefreshHours)
	cfg.ReleaseGroupOverrides = perSiteStringOverrides("RELEASE_GROUP")

	cfg.DataDir = absOrSame(cfg.DataDir)
	cfg.DownloadDir = absOrSame(cfg.DownloadDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ac := &AppConfig{Config: cfg, viper: v}
	ac.watch()
	return ac, nil
}

// DatabasePath returns the SQLite file location under the data directory.
func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.Config.DataDir, "anibridge.db")
}

// watch applies dynamic log level changes when the config file is edited.
// Everything else requires a restart.
func (c *AppConfig) watch() {
	if c.viper.ConfigFileUsed() == "" {
		return
	}
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()

		level := c.viper.GetString("logLevel")
		if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			zerolog.SetGlobalLevel(lvl)
			log.Info().Str("file", e.Name).Str("logLevel", level).Msg("[CONFIG] Reloaded log level")
		}
	})
	c.viper.WatchConfig()
}

// splitList splits a comma-separated list, trimming blanks.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// perSiteFloatOverrides collects SITE_<SUFFIX> env vars, e.g.
// ANIWORLD_TITLES_REFRESH_HOURS, into a site-keyed map.
func perSiteFloatOverrides(suffix string, def float64) map[string]float64 {
	out := make(map[string]float64)
	for _, site := range []string{"aniworld", "sto", "megakino"} {
		name := strings.ToUpper(site) + "_" + suffix
		if raw, ok := os.LookupEnv(name); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
				out[site] = f
				continue
			}
			log.Warn().Str("env", name).Str("value", raw).Msg("[CONFIG] Ignoring unparsable override")
		}
		out[site] = def
	}
	return out
}

// perSiteStringOverrides collects PREFIX_<SITE> env vars, e.g.
// RELEASE_GROUP_ANIWORLD, into a site-keyed map.
func perSiteStringOverrides(prefix string) map[string]string {
	out := make(map[string]string)
	for _, site := range []string{"aniworld", "sto", "megakino"} {
		if raw, ok := os.LookupEnv(prefix + "_" + strings.ToUpper(site)); ok && strings.TrimSpace(raw) != "" {
			out[site] = strings.TrimSpace(raw)
		}
	}
	return out
}

func absOrSame(p string) string {
	if p == "" {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
