// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anibridge/anibridge/internal/buildinfo"
)

func main() {
	root := &cobra.Command{
		Use:           "anibridge",
		Short:         "Bridge anime streaming sites into Sonarr as an indexer and download client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		RunServeCommand(),
		RunVersionCommand(),
		RunHealthcheckCommand(),
		RunUpdateCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func RunVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.String())
		},
	}
}
