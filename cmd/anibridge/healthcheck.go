// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// RunHealthcheckCommand probes a running server. Meant as a container
// HEALTHCHECK, so it exits non-zero instead of printing diagnostics.
func RunHealthcheckCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running AniBridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}

			resp, err := client.Get("http://" + addr + "/healthz")
			if err != nil {
				return fmt.Errorf("health probe failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health probe returned status %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultProbeAddr(), "host:port of the server to probe")

	return cmd
}

func defaultProbeAddr() string {
	port := 8080
	if v := os.Getenv("ANIBRIDGE__PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	return fmt.Sprintf("127.0.0.1:%d", port)
}
