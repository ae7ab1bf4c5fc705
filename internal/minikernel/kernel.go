// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

// Package minikernel runs a single user process over the kernel boundary: a
// run-to-completion loop that switches into the process, classifies why
// control came back, dispatches system calls to drivers, and writes return
// values. It is deliberately small; scheduling policy and multi-process
// bookkeeping are out of scope.
package minikernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/emberos/trapgate/internal/image"
	"github.com/emberos/trapgate/internal/simcore"
	"github.com/emberos/trapgate/pkg/abi"
	"github.com/emberos/trapgate/pkg/cortexm"
)

// ErrProcessFaulted is returned by Run when the process was terminated for a
// fault.
var ErrProcessFaulted = errors.New("process faulted")

// ErrSwitchBudget is returned by Run when the configured context switch
// budget ran out before the process finished.
var ErrSwitchBudget = errors.New("context switch budget exhausted")

// ErrNoProcess is returned by Run before a process was started.
var ErrNoProcess = errors.New("no process started")

// CommandDriver handles the Command calls addressed to one driver number.
// The bool result reports that the command completed an event the process
// may have subscribed to.
type CommandDriver interface {
	Command(cmd, a, b uint32) (abi.Return, bool)
}

// Config carries the kernel's collaborators and limits.
type Config struct {
	// Machine hosts the user process.
	Machine *simcore.Machine

	// Console is where the debug console driver writes. Defaults to
	// io.Discard.
	Console io.Writer

	// FaultOutput is where fault dumps are rendered. Defaults to io.Discard.
	FaultOutput io.Writer

	// MaxSwitches bounds the number of context switches; zero means no
	// bound.
	MaxSwitches uint64
}

// Stats counts what happened during Run.
type Stats struct {
	Switches   uint64
	Syscalls   uint64
	Interrupts uint64
	Upcalls    uint64
}

type upcall struct {
	fn   uint32
	data uint32
}

type process struct {
	// start and brk delimit the accessible region; brk moves under Memop.
	start uint32
	brk   uint32

	// ramTop is the hard ceiling brk may grow to.
	ramTop uint32

	state cortexm.StoredState

	subs  map[uint32]upcall
	queue []abi.FunctionCall

	exited   bool
	exitCode uint32
}

// Kernel drives one process.
type Kernel struct {
	logger   *slog.Logger
	machine  *simcore.Machine
	boundary *cortexm.Boundary

	console  io.Writer
	faultOut io.Writer

	drivers map[uint32]CommandDriver
	proc    *process

	maxSwitches uint64
	stats       Stats
}

// New builds a kernel over the configured machine, with the debug console
// driver already registered.
func New(logger *slog.Logger, cfg Config) *Kernel {
	logger = logger.With("module", "minikernel")

	console := cfg.Console
	if console == nil {
		console = io.Discard
	}

	faultOut := cfg.FaultOutput
	if faultOut == nil {
		faultOut = io.Discard
	}

	k := &Kernel{
		logger:      logger,
		machine:     cfg.Machine,
		boundary:    cortexm.NewBoundary(logger, cfg.Machine, cfg.Machine),
		console:     console,
		faultOut:    faultOut,
		drivers:     map[uint32]CommandDriver{},
		maxSwitches: cfg.MaxSwitches,
	}

	k.RegisterDriver(DriverConsole, newConsole(logger, console))

	return k
}

// RegisterDriver attaches a driver to a driver number, replacing any driver
// already there.
func (k *Kernel) RegisterDriver(num uint32, d CommandDriver) {
	k.drivers[num] = d
}

// StartProcess loads the image into the machine and prepares the process to
// enter at the image's entry point. The process's accessible region is the
// image's declared RAM need, growable later through Memop.
func (k *Kernel) StartProcess(img image.Image) error {
	if err := k.machine.LoadText(img.LoadAddr, img.Text); err != nil {
		return fmt.Errorf("loading program text: %w", err)
	}

	ram := k.machine.RAM()

	minRAM := img.MinRAM
	if minRAM < k.boundary.InitialAppBrkSize() {
		minRAM = k.boundary.InitialAppBrkSize()
	}

	if uint64(minRAM) > uint64(ram.Size()) {
		return fmt.Errorf("image needs %d bytes of RAM, machine has %d bytes", minRAM, ram.Size())
	}

	proc := &process{
		start:  ram.Base(),
		brk:    ram.Base() + minRAM,
		ramTop: ram.Base() + ram.Size(),
		subs:   map[uint32]upcall{},
	}

	if err := k.boundary.InitializeProcess(proc.start, proc.brk, &proc.state); err != nil {
		return fmt.Errorf("initializing process state: %w", err)
	}

	// The entry function receives the classic start arguments: text base,
	// bottom of its memory, total memory length, and the initial break.
	entry := abi.FunctionCall{
		PC:   img.Entry &^ 1,
		Args: [4]uint32{img.LoadAddr, proc.start, ram.Size(), proc.brk},
	}

	if err := k.boundary.SetProcessFunction(proc.start, proc.brk, &proc.state, entry); err != nil {
		return fmt.Errorf("preparing entry frame: %w", err)
	}

	k.proc = proc

	k.logger.Info("process loaded",
		"entry", fmt.Sprintf("%#x", img.Entry),
		"start", fmt.Sprintf("%#x", proc.start),
		"brk", fmt.Sprintf("%#x", proc.brk))

	return nil
}

// Run switches into the process until it exits, faults, or the budget runs
// out. A program that never traps is preempted only if the machine has an
// interrupt source; configure one for untrusted programs.
func (k *Kernel) Run(ctx context.Context) error {
	if k.proc == nil {
		return ErrNoProcess
	}

	for !k.proc.exited {
		if err := ctx.Err(); err != nil {
			return err
		}

		if k.maxSwitches > 0 && k.stats.Switches >= k.maxSwitches {
			return fmt.Errorf("after %d switches: %w", k.stats.Switches, ErrSwitchBudget)
		}

		res := k.boundary.SwitchToProcess(k.proc.start, k.proc.brk, &k.proc.state)
		k.stats.Switches++

		switch res.Reason {
		case cortexm.ReasonInterrupted:
			k.stats.Interrupts++

		case cortexm.ReasonFault:
			return k.faultProcess("hardware or boundary fault", nil)

		case cortexm.ReasonSyscallFired:
			k.stats.Syscalls++

			if err := k.dispatch(res.Syscall); err != nil {
				return k.faultProcess("system call retirement failed", err)
			}
		}
	}

	k.logger.Info("process exited", "code", k.proc.exitCode)

	return nil
}

// ExitCode returns the process's exit code once it has exited.
func (k *Kernel) ExitCode() (uint32, bool) {
	if k.proc == nil || !k.proc.exited {
		return 0, false
	}

	return k.proc.exitCode, true
}

// Stats returns the counters accumulated so far.
func (k *Kernel) Stats() Stats {
	return k.stats
}

// ProcessState returns a copy of the process's stored state together with
// its accessible bounds, for snapshotting after a fault. ok is false before
// a process was started.
func (k *Kernel) ProcessState() (state cortexm.StoredState, start, brk uint32, ok bool) {
	if k.proc == nil {
		return cortexm.StoredState{}, 0, 0, false
	}

	return k.proc.state, k.proc.start, k.proc.brk, true
}

func (k *Kernel) faultProcess(msg string, err error) error {
	if err != nil {
		k.logger.Error(msg, "error", err, "sp", fmt.Sprintf("%#x", k.proc.state.StackPointer))
	} else {
		k.logger.Error(msg, "sp", fmt.Sprintf("%#x", k.proc.state.StackPointer))
	}

	if renderErr := k.boundary.PrintContext(k.proc.start, k.proc.brk, &k.proc.state, k.faultOut); renderErr != nil {
		k.logger.Error("rendering fault dump", "error", renderErr)
	}

	return ErrProcessFaulted
}
