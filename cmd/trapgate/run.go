// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/emberos/trapgate/internal/image"
	"github.com/emberos/trapgate/internal/minikernel"
	"github.com/emberos/trapgate/internal/simcore"
	"github.com/emberos/trapgate/internal/version"
	"github.com/emberos/trapgate/pkg/cortexm"
)

const (
	flagImage       = "image"
	flagRAMSize     = "ram"
	flagMaxSwitches = "max-switches"
	flagIRQEvery    = "irq-every"
	flagTick        = "tick"
	flagTrace       = "trace"
	flagFaultState  = "fault-state"
	flagFaultMemory = "fault-memory"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a user program to completion",
	Long:  "this loads a program image into the simulated core and drives it through the kernel boundary until it exits or faults",
	RunE:  runProgram,
}

func init() {
	pf := runCmd.PersistentFlags()
	pf.String(flagImage, "", "program image to run (the built-in demo when empty)")
	pf.Uint32(flagRAMSize, 64*1024, "size of the process RAM bank in bytes")
	pf.Uint64(flagMaxSwitches, 0, "stop after this many context switches (0 means no bound)")
	pf.Uint64(flagIRQEvery, 0, "raise an interrupt every n retired instructions")
	pf.Duration(flagTick, 10*time.Millisecond, "wall-clock interrupt period (0 disables the ticker)")
	pf.Bool(flagTrace, false, "log every retired instruction at trace level")
	pf.String(flagFaultState, "", "write the stored-state snapshot to this file on fault")
	pf.String(flagFaultMemory, "", "write process RAM to this file on fault")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(runCmd)
}

func loadImage() (image.Image, error) {
	path := viper.GetString(flagImage)
	if path == "" {
		logger.Info("no image given, running the built-in demo")

		return minikernel.Demo(), nil
	}

	img, err := image.ReadFile(path)
	if err != nil {
		return image.Image{}, fmt.Errorf("loading %q: %w", path, err)
	}

	return img, nil
}

func runProgram(_ *cobra.Command, _ []string) error {
	logger.Info(version.Name, "version", version.Tag)

	img, err := loadImage()
	if err != nil {
		return err
	}

	flashSize := uint32(64 * 1024)
	if need := img.LoadAddr + uint32(len(img.Text)); need > flashSize {
		flashSize = need
	}

	machine := simcore.New(logger, flashSize, viper.GetUint32(flagRAMSize))
	machine.SetTrace(viper.GetBool(flagTrace))

	if every := viper.GetUint64(flagIRQEvery); every > 0 {
		machine.SetInterruptEvery(every)
	}

	kernel := minikernel.New(logger, minikernel.Config{
		Machine:     machine,
		Console:     os.Stdout,
		FaultOutput: os.Stderr,
		MaxSwitches: viper.GetUint64(flagMaxSwitches),
	})

	if err := kernel.StartProcess(img); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var group run.Group

	group.Add(func() error {
		return kernel.Run(ctx)
	}, func(error) {
		cancel()
	})

	// A program that never traps only notices cancellation on a kernel
	// entry; the ticker guarantees one.
	if tick := viper.GetDuration(flagTick); tick > 0 {
		tickCtx, tickCancel := context.WithCancel(ctx)

		group.Add(func() error {
			ticker := time.NewTicker(tick)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					machine.RaiseInterrupt()
				case <-tickCtx.Done():
					return tickCtx.Err()
				}
			}
		}, func(error) {
			tickCancel()
		})
	}

	group.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = group.Run()

	var sigErr run.SignalError

	switch {
	case err == nil:
	case errors.As(err, &sigErr):
		logger.Info("shut down by signal", "signal", sigErr.Signal)
	case errors.Is(err, minikernel.ErrProcessFaulted):
		writeFaultArtifacts(kernel, machine)

		return err
	default:
		return err
	}

	printSummary(kernel, machine)

	if code, exited := kernel.ExitCode(); exited && code != 0 {
		return fmt.Errorf("process exited with code %d", code)
	}

	return nil
}

func printSummary(kernel *minikernel.Kernel, machine *simcore.Machine) {
	stats := kernel.Stats()

	logger.Info("run summary",
		"instructions", humanize.Comma(int64(machine.InstructionsRetired())),
		"switches", humanize.Comma(int64(stats.Switches)),
		"syscalls", humanize.Comma(int64(stats.Syscalls)),
		"interrupts", humanize.Comma(int64(stats.Interrupts)),
		"upcalls", humanize.Comma(int64(stats.Upcalls)))
}

// writeFaultArtifacts preserves the faulted process for the inspect command.
func writeFaultArtifacts(kernel *minikernel.Kernel, machine *simcore.Machine) {
	state, start, brk, ok := kernel.ProcessState()
	if !ok {
		return
	}

	if path := viper.GetString(flagFaultState); path != "" {
		buf := make([]byte, cortexm.SnapshotSize)

		if _, err := state.EncodeTo(buf); err != nil {
			logger.Error("encoding state snapshot", "err", err)
		} else if err := os.WriteFile(path, buf, 0o644); err != nil {
			logger.Error("writing state snapshot", "path", path, "err", err)
		} else {
			logger.Info("state snapshot written", "path", path,
				"start", fmt.Sprintf("%#x", start), "brk", fmt.Sprintf("%#x", brk))
		}
	}

	if path := viper.GetString(flagFaultMemory); path != "" {
		ram := machine.RAM()

		view, err := machine.ViewAt(ram.Base(), ram.Size())
		if err != nil {
			logger.Error("reading process RAM", "err", err)

			return
		}

		if err := os.WriteFile(path, view, 0o644); err != nil {
			logger.Error("writing RAM snapshot", "path", path, "err", err)

			return
		}

		logger.Info("RAM snapshot written", "path", path, "size", humanize.IBytes(uint64(ram.Size())))
	}
}
