// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StrmFilesMode controls whether Torznab emits real releases, STRM-tagged
// variants, or both.
type StrmFilesMode string

const (
	StrmFilesNo   StrmFilesMode = "no"
	StrmFilesOnly StrmFilesMode = "only"
	StrmFilesBoth StrmFilesMode = "both"
)

// StrmProxyMode controls whether written .strm files point at the upstream
// URL directly or re-enter the STRM proxy.
type StrmProxyMode string

const (
	StrmProxyDirect StrmProxyMode = "direct"
	StrmProxyProxy  StrmProxyMode = "proxy"
)

// StrmAuthMode selects the authentication scheme on the STRM proxy endpoints.
type StrmAuthMode string

const (
	StrmAuthNone   StrmAuthMode = "none"
	StrmAuthAPIKey StrmAuthMode = "apikey"
	StrmAuthToken  StrmAuthMode = "token"
)

// RemuxConfig holds the optional HLS to MP4 remux cache settings.
type RemuxConfig struct {
	Enabled             bool   `mapstructure:"strmProxyHlsRemuxEnabled"`
	Dir                 string `mapstructure:"strmProxyHlsRemuxDir"`
	TTLHours            int    `mapstructure:"strmProxyHlsRemuxTtlHours"`
	BuildTimeoutSeconds int    `mapstructure:"strmProxyHlsRemuxBuildTimeoutSeconds"`
	MaxConcurrentBuilds int    `mapstructure:"strmProxyHlsRemuxMaxConcurrentBuilds"`
	CooldownSeconds     int    `mapstructure:"strmProxyHlsRemuxCooldownSeconds"`
	ConfigVersion       int    `mapstructure:"strmProxyHlsRemuxConfigVersion"`
}

// Config is the fully resolved application configuration. It is built once
// at startup from environment variables and an optional config file, then
// treated as read-only.
type Config struct {
	Version string

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir            string `mapstructure:"dataDir"`
	DownloadDir        string `mapstructure:"downloadDir"`
	QbitPublicSavePath string `mapstructure:"qbitPublicSavePath"`

	MaxConcurrency int      `mapstructure:"maxConcurrency"`
	ProviderOrder  []string `mapstructure:"-"`

	AvailabilityTTLHours      float64            `mapstructure:"availabilityTtlHours"`
	TitlesRefreshHours        map[string]float64 `mapstructure:"-"`
	DefaultTitlesRefreshHours float64            `mapstructure:"titlesRefreshHours"`

	DownloadsTTLHours      float64 `mapstructure:"downloadsTtlHours"`
	CleanupScanIntervalMin int     `mapstructure:"cleanupScanIntervalMin"`

	IndexerAPIKey                    string `mapstructure:"indexerApiKey"`
	IndexerName                      string `mapstructure:"indexerName"`
	TorznabCatAnime                  int    `mapstructure:"torznabCatAnime"`
	TorznabCatMovies                 int    `mapstructure:"torznabCatMovies"`
	TorznabFakeSeeders               int    `mapstructure:"torznabFakeSeeders"`
	TorznabFakeLeechers              int    `mapstructure:"torznabFakeLeechers"`
	TorznabReturnTestResult          bool   `mapstructure:"torznabReturnTestResult"`
	TorznabSeasonSearchMaxEpisodes   int    `mapstructure:"torznabSeasonSearchMaxEpisodes"`
	TorznabSeasonSearchMaxConsMisses int    `mapstructure:"torznabSeasonSearchMaxConsecutiveMisses"`

	SourceTag             string            `mapstructure:"sourceTag"`
	ReleaseGroup          string            `mapstructure:"releaseGroup"`
	ReleaseGroupOverrides map[string]string `mapstructure:"-"`

	TitleMatchMinConfidence float64 `mapstructure:"titleMatchMinConfidence"`

	StrmFilesMode            StrmFilesMode `mapstructure:"strmFilesMode"`
	StrmProxyMode            StrmProxyMode `mapstructure:"strmProxyMode"`
	StrmPublicBaseURL        string        `mapstructure:"strmPublicBaseUrl"`
	StrmProxyAuth            StrmAuthMode  `mapstructure:"strmProxyAuth"`
	StrmProxySecret          string        `mapstructure:"strmProxySecret"`
	StrmProxyTokenTTLSeconds int           `mapstructure:"strmProxyTokenTtlSeconds"`
	StrmProxyCacheTTLSeconds int           `mapstructure:"strmProxyCacheTtlSeconds"`
	Remux                    RemuxConfig   `mapstructure:",squash"`

	ProxyEnabled             bool   `mapstructure:"proxyEnabled"`
	ProxyURL                 string `mapstructure:"proxyUrl"`
	ProxyScope               string `mapstructure:"proxyScope"`
	PublicIPCheckEnabled     bool   `mapstructure:"publicIpCheckEnabled"`
	PublicIPCheckIntervalMin int    `mapstructure:"publicIpCheckIntervalMin"`

	DownloadRateLimitBytesPerSec int64  `mapstructure:"downloadRateLimitBytesPerSec"`
	FetcherPath                  string `mapstructure:"fetcherPath"`
	FetcherExtraArgs             string `mapstructure:"fetcherExtraArgs"`
	FfmpegPath                   string `mapstructure:"ffmpegPath"`
	FfprobePath                  string `mapstructure:"ffprobePath"`
	HLSConcurrentFragments       int    `mapstructure:"hlsConcurrentFragments"`

	SpecialsMetadataEnabled          bool    `mapstructure:"specialsMetadataEnabled"`
	SpecialsMatchConfidenceThreshold float64 `mapstructure:"specialsMatchConfidenceThreshold"`
	SpecialsMetadataTimeoutSeconds   int     `mapstructure:"specialsMetadataTimeoutSeconds"`
	SpecialsMetadataCacheTTLMinutes  int     `mapstructure:"specialsMetadataCacheTtlMinutes"`

	MetadataBaseURL string `mapstructure:"metadataBaseUrl"`

	CheckForUpdates  bool   `mapstructure:"checkForUpdates"`
	UpdateRepository string `mapstructure:"updateRepository"`

	MetricsEnabled bool `mapstructure:"metricsEnabled"`

	TestMode bool `mapstructure:"testMode"`
}

// ErrConfigFatal marks configuration errors that must abort startup.
var ErrConfigFatal = errors.New("fatal configuration error")

func fatalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigFatal, fmt.Sprintf(format, args...))
}

// Validate rejects invalid option combinations before any server starts.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fatalf("maxConcurrency must be >= 1, got %d", c.MaxConcurrency)
	}

	switch c.StrmFilesMode {
	case StrmFilesNo, StrmFilesOnly, StrmFilesBoth:
	default:
		return fatalf("strmFilesMode must be one of no, only, both; got %q", c.StrmFilesMode)
	}

	switch c.StrmProxyMode {
	case StrmProxyDirect, StrmProxyProxy:
	default:
		return fatalf("strmProxyMode must be direct or proxy; got %q", c.StrmProxyMode)
	}

	switch c.StrmProxyAuth {
	case StrmAuthNone:
	case StrmAuthAPIKey, StrmAuthToken:
		if strings.TrimSpace(c.StrmProxySecret) == "" {
			return fatalf("strmProxySecret is required when strmProxyAuth is %q", c.StrmProxyAuth)
		}
	default:
		return fatalf("strmProxyAuth must be one of none, apikey, token; got %q", c.StrmProxyAuth)
	}

	if c.AvailabilityTTLHours < 0 {
		return fatalf("availabilityTtlHours must be >= 0, got %v", c.AvailabilityTTLHours)
	}

	if c.StrmProxyAuth == StrmAuthToken && c.StrmProxyTokenTTLSeconds <= 0 {
		return fatalf("strmProxyTokenTtlSeconds must be > 0 in token auth mode")
	}

	if err := c.ensureWritableDirs(); err != nil {
		return err
	}

	return nil
}

// ensureWritableDirs verifies the data and download directories exist and are
// writable. Failure here is the only non-zero exit path at startup.
func (c *Config) ensureWritableDirs() error {
	attempted := make([]string, 0, 2)
	for _, dir := range []string{c.DataDir, c.DownloadDir} {
		if dir == "" {
			continue
		}
		attempted = append(attempted, dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fatalf("directory %s is not creatable: %v (attempted: %s)", dir, err, strings.Join(attempted, ", "))
		}
		probe := filepath.Join(dir, ".anibridge-write-check")
		if err := os.WriteFile(probe, nil, 0o644); err != nil {
			return fatalf("directory %s is not writable: %v (attempted: %s)", dir, err, strings.Join(attempted, ", "))
		}
		_ = os.Remove(probe)
	}
	return nil
}

// ReleaseGroupFor returns the release group tag for a site, honouring
// per-site overrides.
func (c *Config) ReleaseGroupFor(site string) string {
	if g, ok := c.ReleaseGroupOverrides[strings.ToLower(site)]; ok && g != "" {
		return g
	}
	if c.ReleaseGroup != "" {
		return c.ReleaseGroup
	}
	return "ANIBRIDGE"
}

// TitlesRefreshFor returns the per-site title index refresh interval in
// hours, falling back to the global default. Zero disables refresh.
func (c *Config) TitlesRefreshFor(site string) float64 {
	if v, ok := c.TitlesRefreshHours[strings.ToLower(site)]; ok {
		return v
	}
	return c.DefaultTitlesRefreshHours
}
