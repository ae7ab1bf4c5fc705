// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package minikernel

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emberos/trapgate/internal/image"
	"github.com/emberos/trapgate/internal/simcore"
	"github.com/emberos/trapgate/internal/util"
	"github.com/emberos/trapgate/pkg/abi"
)

type kernelHarness struct {
	machine *simcore.Machine
	kernel  *Kernel
	console bytes.Buffer
	faults  bytes.Buffer
}

// newKernelHarness builds a kernel over a small simulated machine. Every
// test runs with a switch budget so a regression fails instead of hanging.
func newKernelHarness(t *testing.T, maxSwitches uint64) *kernelHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: util.LogLevelTrace,
	}))

	h := &kernelHarness{}
	h.machine = simcore.New(logger, 0x1000, 0x1000)
	h.kernel = New(logger, Config{
		Machine:     h.machine,
		Console:     &h.console,
		FaultOutput: &h.faults,
		MaxSwitches: maxSwitches,
	})

	return h
}

func (h *kernelHarness) start(t *testing.T, text []byte, minRAM uint32) {
	t.Helper()

	require.NoError(t, h.kernel.StartProcess(image.Build(0, 0, minRAM, text)))
}

func (h *kernelHarness) peekWord(t *testing.T, addr uint32) uint32 {
	t.Helper()

	view, err := h.machine.ViewAt(addr, 4)
	require.NoError(t, err)

	return binary.LittleEndian.Uint32(view)
}

// storeEntry emits the stores that lay out one five-word batch table entry
// at word offset off, with r1 holding the table base. All values must fit an
// eight-bit immediate.
func storeEntry(off uint8, words [5]uint8) []uint16 {
	seq := make([]uint16, 0, 10)

	for i, w := range words {
		seq = append(seq, simcore.MovsImm(2, w), simcore.StrImm(2, 1, off+uint8(i)))
	}

	return seq
}

func TestDemoRuns(t *testing.T) {
	h := newKernelHarness(t, 100)

	require.NoError(t, h.kernel.StartProcess(Demo()))
	require.NoError(t, h.kernel.Run(context.Background()))

	require.Equal(t, "hi\n", h.console.String())

	code, exited := h.kernel.ExitCode()
	require.True(t, exited)
	require.Zero(t, code)

	// One switch establishes the batch and surfaces its first entry, two
	// drain the rest without touching the CPU, one runs the exit.
	stats := h.kernel.Stats()
	require.EqualValues(t, 4, stats.Switches)
	require.EqualValues(t, 4, stats.Syscalls)
	require.Zero(t, stats.Interrupts)
	require.Zero(t, stats.Upcalls)

	require.NotZero(t, h.machine.InstructionsRetired())
	require.Empty(t, h.faults.String())
}

func TestDemoRunsPreempted(t *testing.T) {
	h := newKernelHarness(t, 200)
	h.machine.SetInterruptEvery(2)

	require.NoError(t, h.kernel.StartProcess(Demo()))
	require.NoError(t, h.kernel.Run(context.Background()))

	require.Equal(t, "hi\n", h.console.String())

	code, exited := h.kernel.ExitCode()
	require.True(t, exited)
	require.Zero(t, code)

	require.NotZero(t, h.kernel.Stats().Interrupts)
}

func TestConsolePrintU32(t *testing.T) {
	h := newKernelHarness(t, 100)

	h.start(t, simcore.Program(
		simcore.MovsImm(0, uint8(DriverConsole)),
		simcore.MovsImm(1, consolePrintU32),
		simcore.MovsImm(2, 0xbe),
		simcore.LslsImm(2, 2, 8),
		simcore.AddsImm(2, 0xef),
		simcore.MovsImm(3, 0),
		simcore.SVC(uint8(abi.Command)),
		simcore.MovsImm(0, 0),
		simcore.MovsImm(1, 0),
		simcore.SVC(uint8(abi.Exit)),
	), 0x100)

	require.NoError(t, h.kernel.Run(context.Background()))
	require.Equal(t, "0x0000beef\n", h.console.String())
}

func TestUpcallDelivery(t *testing.T) {
	h := newKernelHarness(t, 100)

	// Subscribe a handler to the console driver, print a character to raise
	// its completion event, then yield. The kernel delivers the handler,
	// which prints its own character and returns to the suspended code.
	prologue := []uint16{
		simcore.MovsImm(0, uint8(DriverConsole)),
		simcore.MovsImm(1, 0),
		simcore.MovsImm(2, 30), // handler offset, pinned below
		simcore.MovsImm(3, 0x77),
		simcore.SVC(uint8(abi.Subscribe)),
		simcore.MovsImm(0, uint8(DriverConsole)),
		simcore.MovsImm(1, consolePutChar),
		simcore.MovsImm(2, 'x'),
		simcore.MovsImm(3, 0),
		simcore.SVC(uint8(abi.Command)),
		simcore.MovsImm(0, 1),
		simcore.SVC(uint8(abi.Yield)),
		simcore.MovsImm(0, 0),
		simcore.MovsImm(1, 5),
		simcore.SVC(uint8(abi.Exit)),
	}
	require.Len(t, prologue, 15, "handler must sit at byte offset 30")

	handler := []uint16{
		simcore.MovsImm(0, uint8(DriverConsole)),
		simcore.MovsImm(1, consolePutChar),
		simcore.MovsImm(2, 'y'),
		simcore.MovsImm(3, 0),
		simcore.SVC(uint8(abi.Command)),
		simcore.BX(14),
	}

	h.start(t, simcore.Program(append(prologue, handler...)...), 0x100)

	require.NoError(t, h.kernel.Run(context.Background()))

	// The handler runs between yield and exit, and returning from it lands
	// the process back after its yield.
	require.Equal(t, "xy", h.console.String())

	code, exited := h.kernel.ExitCode()
	require.True(t, exited)
	require.EqualValues(t, 5, code)

	require.EqualValues(t, 1, h.kernel.Stats().Upcalls)

	// The handler's own print queued a second upcall that was never waited
	// for.
	require.Len(t, h.kernel.proc.queue, 1)
}

func TestYieldWithNothingQueuedResumes(t *testing.T) {
	h := newKernelHarness(t, 100)

	// No return value is written for a plain yield: r0 still holds the
	// yield argument afterwards, and the exit code proves it.
	h.start(t, simcore.Program(
		simcore.MovsImm(0, 1),
		simcore.SVC(uint8(abi.Yield)),
		simcore.MovReg(1, 0),
		simcore.MovsImm(0, 0),
		simcore.SVC(uint8(abi.Exit)),
	), 0x100)

	require.NoError(t, h.kernel.Run(context.Background()))

	code, exited := h.kernel.ExitCode()
	require.True(t, exited)
	require.EqualValues(t, 1, code)
}

type failingDriver struct{}

func (failingDriver) Command(cmd, _, _ uint32) (abi.Return, bool) {
	return abi.FailureU32(abi.NoSupport, cmd), false
}

func TestBatchStopOnErrorSkipsRest(t *testing.T) {
	h := newKernelHarness(t, 100)
	h.kernel.RegisterDriver(0x99, failingDriver{})

	// A three-entry batch whose first entry fails under stop-on-error. The
	// entry-point frame comes back as [failure-variant, entries-skipped],
	// and the process exits with the skipped count as its code.
	var instrs []uint16
	instrs = append(instrs, storeEntry(0, [5]uint8{uint8(abi.Command), 0x99, 0, 0, 0})...)
	instrs = append(instrs, storeEntry(5, [5]uint8{uint8(abi.Command), uint8(DriverConsole), consolePutChar, 'a', 0})...)
	instrs = append(instrs, storeEntry(10, [5]uint8{uint8(abi.Command), uint8(DriverConsole), consolePutChar, 'b', 0})...)
	instrs = append(instrs,
		simcore.MovsImm(0, 3),
		simcore.MovsImm(2, 0),
		simcore.SVC(abi.PackedCall),
		simcore.MovsImm(0, 0),
		simcore.SVC(uint8(abi.Exit)),
	)

	h.start(t, simcore.Program(instrs...), 0x100)

	require.NoError(t, h.kernel.Run(context.Background()))

	code, exited := h.kernel.ExitCode()
	require.True(t, exited)
	require.EqualValues(t, 2, code, "two entries were never executed")

	require.Empty(t, h.console.String())

	stats := h.kernel.Stats()
	require.EqualValues(t, 2, stats.Switches)
	require.EqualValues(t, 2, stats.Syscalls)
}

func TestBatchRevalidatedAfterBrkShrink(t *testing.T) {
	h := newKernelHarness(t, 100)

	// Entry 0 shrinks the break below the batch table itself; retiring it
	// re-validates the remaining range against the new bounds, discards the
	// batch and faults the process. Entry 1 must never run.
	var instrs []uint16
	instrs = append(instrs,
		simcore.MovsImm(2, uint8(abi.Memop)), simcore.StrImm(2, 1, 0),
		simcore.MovsImm(2, memopBrk), simcore.StrImm(2, 1, 1),
		simcore.MovReg(2, 1),
		simcore.AddsImm(2, 0x10),
		simcore.StrImm(2, 1, 2),
		simcore.MovsImm(2, 0), simcore.StrImm(2, 1, 3),
		simcore.StrImm(2, 1, 4),
	)
	instrs = append(instrs, storeEntry(5, [5]uint8{uint8(abi.Command), uint8(DriverConsole), consolePutChar, 'z', 0})...)
	instrs = append(instrs,
		simcore.MovsImm(0, 2),
		simcore.MovsImm(2, 0),
		simcore.SVC(abi.PackedCall),
		simcore.UDF(),
	)

	h.start(t, simcore.Program(instrs...), 0x100)

	err := h.kernel.Run(context.Background())
	require.ErrorIs(t, err, ErrProcessFaulted)

	require.Empty(t, h.console.String())
	require.Contains(t, h.faults.String(), "R0 :")

	_, active := h.kernel.proc.state.PendingBatch()
	require.False(t, active)

	_, exited := h.kernel.ExitCode()
	require.False(t, exited)
}

func TestFaultRendersDump(t *testing.T) {
	h := newKernelHarness(t, 100)

	h.start(t, simcore.Program(simcore.UDF()), 0x100)

	err := h.kernel.Run(context.Background())
	require.ErrorIs(t, err, ErrProcessFaulted)

	dump := h.faults.String()
	require.Contains(t, dump, "R0 :")
	require.Contains(t, dump, "APSR")

	_, exited := h.kernel.ExitCode()
	require.False(t, exited)
}

func TestAllowHandsBufferBack(t *testing.T) {
	h := newKernelHarness(t, 100)
	h.start(t, simcore.Program(simcore.Nop()), 0x100)

	k := h.kernel
	require.NoError(t, k.dispatch(abi.Syscall{
		Class: abi.ReadWriteAllow,
		Args:  [4]uint32{DriverConsole, 0, 0x2000_0040, 16},
	}))

	sp := k.proc.state.StackPointer
	require.Equal(t, uint32(abi.ReturnFailureU32U32), h.peekWord(t, sp))
	require.Equal(t, uint32(abi.NoDevice), h.peekWord(t, sp+4))
	require.Equal(t, uint32(0x2000_0040), h.peekWord(t, sp+8))
	require.Equal(t, uint32(16), h.peekWord(t, sp+12))
}

func TestMemopMovesBreak(t *testing.T) {
	h := newKernelHarness(t, 100)
	h.start(t, simcore.Program(simcore.Nop()), 0x100)

	k := h.kernel
	start := k.proc.start

	memop := func(op, arg uint32) abi.Return {
		return k.dispatchMemop(abi.Syscall{Class: abi.Memop, Args: [4]uint32{op, arg}})
	}

	// Grow by a relative amount; the previous break comes back.
	ret := memop(memopSBrk, 0x40)
	require.Equal(t, abi.ReturnSuccessU32, ret.Variant())
	require.Equal(t, start+0x100, ret.EncodeRegisters()[1])
	require.Equal(t, start+0x140, k.proc.brk)

	// Shrink by a negative delta.
	ret = memop(memopSBrk, uint32(0xffff_ffc0)) // -0x40
	require.Equal(t, abi.ReturnSuccessU32, ret.Variant())
	require.Equal(t, start+0x140, ret.EncodeRegisters()[1])
	require.Equal(t, start+0x100, k.proc.brk)

	// Dropping below the region start is refused and moves nothing.
	ret = memop(memopSBrk, uint32(0xffff_fc00)) // -0x400
	require.Equal(t, abi.ReturnFailure, ret.Variant())
	require.Equal(t, uint32(abi.NoMem), ret.EncodeRegisters()[1])
	require.Equal(t, start+0x100, k.proc.brk)

	// Absolute break moves.
	ret = memop(memopBrk, start+0x200)
	require.Equal(t, abi.ReturnSuccess, ret.Variant())
	require.Equal(t, start+0x200, k.proc.brk)

	ret = memop(memopBrk, start+0x1004) // past the RAM bank
	require.Equal(t, abi.ReturnFailure, ret.Variant())
	require.Equal(t, uint32(abi.NoMem), ret.EncodeRegisters()[1])
	require.Equal(t, start+0x200, k.proc.brk)

	ret = memop(memopBrk, start-4)
	require.Equal(t, abi.ReturnFailure, ret.Variant())
	require.Equal(t, uint32(abi.NoMem), ret.EncodeRegisters()[1])

	// Unknown operation numbers are refused, not faulted.
	ret = memop(9, 0)
	require.Equal(t, abi.ReturnFailure, ret.Variant())
	require.Equal(t, uint32(abi.NoSupport), ret.EncodeRegisters()[1])
}

func TestSubscribeSwapsRegistration(t *testing.T) {
	h := newKernelHarness(t, 100)
	h.start(t, simcore.Program(simcore.Nop()), 0x100)

	k := h.kernel

	ret := k.dispatchSubscribe(abi.Syscall{
		Class: abi.Subscribe,
		Args:  [4]uint32{DriverConsole, 0, 0x31, 0x99},
	})
	require.Equal(t, abi.ReturnSuccessU32U32, ret.Variant())
	require.Equal(t, uint32(0), ret.EncodeRegisters()[1])
	require.Equal(t, uint32(0), ret.EncodeRegisters()[2])

	// The previous registration comes back on the swap.
	ret = k.dispatchSubscribe(abi.Syscall{
		Class: abi.Subscribe,
		Args:  [4]uint32{DriverConsole, 0, 0x41, 0xaa},
	})
	require.Equal(t, abi.ReturnSuccessU32U32, ret.Variant())
	require.Equal(t, uint32(0x31), ret.EncodeRegisters()[1])
	require.Equal(t, uint32(0x99), ret.EncodeRegisters()[2])

	// Unknown drivers refuse the subscription and hand the upcall back.
	ret = k.dispatchSubscribe(abi.Syscall{
		Class: abi.Subscribe,
		Args:  [4]uint32{0x55, 0, 0x31, 0x99},
	})
	require.Equal(t, abi.ReturnFailureU32U32, ret.Variant())
	require.Equal(t, uint32(abi.NoDevice), ret.EncodeRegisters()[1])
	require.Equal(t, uint32(0x31), ret.EncodeRegisters()[2])
	require.Equal(t, uint32(0x99), ret.EncodeRegisters()[3])
}

func TestCommandUnknownDriver(t *testing.T) {
	h := newKernelHarness(t, 100)
	h.start(t, simcore.Program(simcore.Nop()), 0x100)

	ret, event := h.kernel.dispatchCommand(abi.Syscall{
		Class: abi.Command,
		Args:  [4]uint32{0x77, 1, 2, 3},
	})
	require.False(t, event)
	require.Equal(t, abi.ReturnFailure, ret.Variant())
	require.Equal(t, uint32(abi.NoDevice), ret.EncodeRegisters()[1])
}

func TestRunSwitchBudget(t *testing.T) {
	h := newKernelHarness(t, 4)
	h.machine.SetInterruptEvery(8)

	h.start(t, simcore.Program(simcore.B(-2)), 0x100)

	err := h.kernel.Run(context.Background())
	require.ErrorIs(t, err, ErrSwitchBudget)

	stats := h.kernel.Stats()
	require.EqualValues(t, 4, stats.Switches)
	require.EqualValues(t, 4, stats.Interrupts)
}

func TestRunWithoutProcess(t *testing.T) {
	h := newKernelHarness(t, 4)

	require.ErrorIs(t, h.kernel.Run(context.Background()), ErrNoProcess)
}

func TestRunHonorsContext(t *testing.T) {
	h := newKernelHarness(t, 100)
	h.start(t, simcore.Program(simcore.B(-2)), 0x100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, h.kernel.Run(ctx), context.Canceled)
}

func TestStartProcessRAMTooSmall(t *testing.T) {
	h := newKernelHarness(t, 4)

	err := h.kernel.StartProcess(image.Build(0, 0, 0x2000, simcore.Program(simcore.Nop())))
	require.Error(t, err)
	require.Contains(t, err.Error(), "RAM")
}
