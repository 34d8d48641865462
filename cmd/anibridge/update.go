// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anibridge/anibridge/internal/buildinfo"
	"github.com/anibridge/anibridge/internal/update"
)

func RunUpdateCommand() *cobra.Command {
	var repository string

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Replace the running binary with the latest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			u := update.NewUpdater(update.Config{
				Repository: repository,
				Version:    buildinfo.Version,
			})

			applied, err := u.Run(cmd.Context())
			if err != nil {
				return err
			}
			if !applied {
				fmt.Println("Already running the latest version")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&repository, "repository", "anibridge/anibridge", "GitHub repository to fetch releases from")

	return cmd
}
