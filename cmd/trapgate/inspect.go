// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/emberos/trapgate/internal/simcore"
	"github.com/emberos/trapgate/pkg/appmem"
	"github.com/emberos/trapgate/pkg/cortexm"
)

const (
	flagStateFile  = "state"
	flagMemoryFile = "memory"
	flagStart      = "start"
	flagBrk        = "brk"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "render a fault report from a stored-state snapshot",
	Long:  "this decodes a stored-state snapshot, optionally over a RAM snapshot, and renders the register dump a fault would have printed",
	RunE:  inspectState,
}

var errStateFileRequired = errors.New("a stored-state snapshot file is required")

func init() {
	pf := inspectCmd.PersistentFlags()
	pf.String(flagStateFile, "", "stored-state snapshot file")
	pf.String(flagMemoryFile, "", "RAM snapshot file (frame words render as placeholders without it)")
	pf.Uint32(flagStart, simcore.RAMBase, "address the RAM snapshot was taken at")
	pf.Uint32(flagBrk, 0, "top of the accessible region (defaults to start plus the RAM snapshot size)")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(inspectCmd)
}

func inspectState(_ *cobra.Command, _ []string) error {
	statePath := viper.GetString(flagStateFile)
	if statePath == "" {
		return errStateFileRequired
	}

	raw, err := os.ReadFile(statePath)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}

	state, err := cortexm.DecodeStoredState(raw)
	if err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	start := viper.GetUint32(flagStart)
	brk := viper.GetUint32(flagBrk)

	var banks []*appmem.Bank

	if memPath := viper.GetString(flagMemoryFile); memPath != "" {
		data, err := os.ReadFile(memPath)
		if err != nil {
			return fmt.Errorf("reading RAM snapshot: %w", err)
		}

		banks = append(banks, appmem.NewBankBytes(start, data))

		if brk == 0 {
			brk = start + uint32(len(data))
		}
	}

	if brk == 0 {
		brk = start
	}

	return cortexm.RenderContext(appmem.NewMemMap(banks...), start, brk, &state, os.Stdout)
}
