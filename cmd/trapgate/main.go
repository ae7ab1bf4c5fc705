// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the main package invoking the tool
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/emberos/trapgate/internal/util"
)

const (
	flagLogLevel = "log-level"
)

var rootCmd = &cobra.Command{
	Use:               "trapgate",
	Short:             "workbench for the user/kernel boundary",
	Long:              "trapgate runs user programs on a simulated core behind the kernel boundary, and inspects the state they leave behind",
	PersistentPreRunE: setup,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var logger *slog.Logger

func setup(cmd *cobra.Command, _ []string) error {
	level, err := util.ParseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		panic("error parsing log level")
	}

	logOpts := &slog.HandlerOptions{
		Level: level,
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, logOpts)).With("command", cmd.Name())

	return nil
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("trapgate")

	pf := rootCmd.PersistentFlags()
	pf.String(flagLogLevel, "info", "log level (error, warning, info, debug, trace)")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
