// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package update checks GitHub releases for newer versions and can
// replace the running binary in place.
package update

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/creativeprojects/go-selfupdate"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Repository string // owner/name slug
	Version    string
}

type Updater struct {
	config Config
}

func NewUpdater(config Config) *Updater {
	return &Updater{
		config: config,
	}
}

// Latest returns the newest published release and whether it is newer
// than the running version.
func (u *Updater) Latest(ctx context.Context) (*selfupdate.Release, bool, error) {
	if _, err := semver.NewVersion(u.config.Version); err != nil {
		return nil, false, fmt.Errorf("could not parse version %q: %w", u.config.Version, err)
	}

	latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(u.config.Repository))
	if err != nil {
		return nil, false, fmt.Errorf("error occurred while detecting version: %w", err)
	}
	if !found {
		return nil, false, fmt.Errorf("no release found for %s", u.config.Repository)
	}

	return latest, !latest.LessOrEqual(u.config.Version), nil
}

// Run downloads and installs an updated binary when a newer release is
// available. It returns true when an update was applied.
func (u *Updater) Run(ctx context.Context) (bool, error) {
	if err := CheckCanSelfUpdate(); err != nil {
		return false, err
	}

	latest, newer, err := u.Latest(ctx)
	if err != nil {
		return false, err
	}
	if !newer {
		log.Info().Str("version", u.config.Version).Msg("[UPDATE] Current binary is the latest version")
		return false, nil
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return false, fmt.Errorf("could not locate executable path: %w", err)
	}

	if err := selfupdate.UpdateTo(ctx, latest.AssetURL, latest.AssetName, exe); err != nil {
		return false, fmt.Errorf("error occurred while updating binary: %w", err)
	}

	log.Info().Str("version", latest.Version()).Msg("[UPDATE] Successfully updated binary")
	return true, nil
}
