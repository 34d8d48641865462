// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anibridge/anibridge/internal/domain"
)

// setDirs points the writable-dir probes at temp space so Validate passes.
func setDirs(t *testing.T) {
	t.Helper()
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("DOWNLOAD_DIR", t.TempDir())
}

func TestDefaults(t *testing.T) {
	setDirs(t)

	ac, err := New("", "1.2.3")
	require.NoError(t, err)
	cfg := ac.Config

	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3, cfg.MaxConcurrency)
	assert.Equal(t, "AniBridge", cfg.IndexerName)
	assert.Equal(t, domain.StrmFilesNo, cfg.StrmFilesMode)
	assert.Equal(t, domain.StrmAuthNone, cfg.StrmProxyAuth)
	assert.Equal(t, "VOE", cfg.ProviderOrder[0])
	assert.Len(t, cfg.ProviderOrder, 9)
	assert.Equal(t, 72.0, cfg.AvailabilityTTLHours)
	assert.True(t, cfg.CheckForUpdates)
	assert.True(t, cfg.MetricsEnabled)
}

func TestEnvOverrides(t *testing.T) {
	setDirs(t)
	t.Setenv("PORT", "9090")
	t.Setenv("ANIBRIDGE__INDEXER_NAME", "Bridge")
	t.Setenv("STRM_FILES_MODE", "both")
	t.Setenv("PROVIDER_ORDER", " Filemoon , VOE ,, ")

	ac, err := New("", "dev")
	require.NoError(t, err)
	cfg := ac.Config

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "Bridge", cfg.IndexerName, "the prefixed variant binds too")
	assert.Equal(t, domain.StrmFilesBoth, cfg.StrmFilesMode)
	assert.Equal(t, []string{"Filemoon", "VOE"}, cfg.ProviderOrder)
}

func TestConfigFileAndEnvPrecedence(t *testing.T) {
	setDirs(t)

	dir := t.TempDir()
	toml := []byte("port = 7070\nindexerName = \"FromFile\"\nsourceTag = \"WEBRIP\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), toml, 0o644))

	t.Setenv("PORT", "9191")

	ac, err := New(dir, "dev")
	require.NoError(t, err)
	cfg := ac.Config

	assert.Equal(t, 9191, cfg.Port, "environment beats the config file")
	assert.Equal(t, "FromFile", cfg.IndexerName)
	assert.Equal(t, "WEBRIP", cfg.SourceTag)
}

func TestDatabasePathLivesUnderDataDir(t *testing.T) {
	setDirs(t)
	data := t.TempDir()
	t.Setenv("DATA_DIR", data)

	ac, err := New("", "dev")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(data, "anibridge.db"), ac.DatabasePath())
}

func TestInvalidCombinationsAreFatal(t *testing.T) {
	setDirs(t)
	t.Setenv("STRM_PROXY_AUTH", "token")
	// no STRM_PROXY_SECRET

	_, err := New("", "dev")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigFatal)
}

func TestUnwritableDataDirIsFatal(t *testing.T) {
	setDirs(t)
	t.Setenv("DATA_DIR", string(filepath.Separator)+filepath.Join("proc", "anibridge-no-such-dir"))

	_, err := New("", "dev")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigFatal)
}

func TestPerSiteOverrides(t *testing.T) {
	setDirs(t)
	t.Setenv("ANIWORLD_TITLES_REFRESH_HOURS", "6")
	t.Setenv("RELEASE_GROUP_STO", "STOGROUP")

	ac, err := New("", "dev")
	require.NoError(t, err)
	cfg := ac.Config

	assert.Equal(t, 6.0, cfg.TitlesRefreshFor("aniworld"))
	assert.Equal(t, 24.0, cfg.TitlesRefreshFor("sto"), "others keep the default")
	assert.Equal(t, "STOGROUP", cfg.ReleaseGroupFor("sto"))
	assert.Equal(t, "ANIBRIDGE", cfg.ReleaseGroupFor("aniworld"))
}
