// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package buildinfo holds version metadata stamped at build time.
package buildinfo

import (
	"encoding/json"
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = ""
	Date    = ""

	// UserAgent identifies outbound HTTP requests made by AniBridge.
	UserAgent string
)

func init() {
	UserAgent = fmt.Sprintf("anibridge/%s (%s %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a human readable build summary.
func String() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuild date: %s\nGo: %s", Version, Commit, Date, runtime.Version())
}

// JSON returns the build metadata as a JSON document.
func JSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
		"go":      runtime.Version(),
	})
}
