// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emberos/trapgate/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("%s %s (%s)\n", version.Name, strings.TrimSpace(version.Tag), strings.TrimSpace(version.SHA))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
