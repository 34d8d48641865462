// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"errors"
	"os"
	"runtime"
	"strings"
)

// ErrSelfUpdateUnsupported is returned when the current environment
// cannot replace the running binary.
var ErrSelfUpdateUnsupported = errors.New("self-update is not supported in this environment")

// CheckCanSelfUpdate rejects environments where an in-place update
// would be lost or unsafe: containers get new images instead, and
// Windows cannot replace a running executable.
func CheckCanSelfUpdate() error {
	if !isSelfUpdateSupportedPlatform() {
		return ErrSelfUpdateUnsupported
	}
	if isRunningInContainer() {
		return ErrSelfUpdateUnsupported
	}
	return nil
}

// isRunningInContainer checks the common container markers: the Docker
// and Podman env files, and container keywords in the init cgroup.
func isRunningInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/run/.containerenv"); err == nil {
		return true
	}

	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}

	content := string(data)
	for _, indicator := range []string{"docker", "kubepods", "containerd", "libpod"} {
		if strings.Contains(content, indicator) {
			return true
		}
	}
	return false
}

// Windows binaries cannot safely replace themselves while running.
func isSelfUpdateSupportedPlatform() bool {
	return runtime.GOOS != "windows"
}
