// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package cortexm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/emberos/trapgate/internal/util"
	"github.com/emberos/trapgate/pkg/abi"
	"github.com/emberos/trapgate/pkg/appmem"
)

// TrapKind is the hardware's classification of why a running process
// re-entered the kernel. The blocking switch primitive reports it directly;
// how a platform derives it (trap vectors, sticky flags) is its own business.
type TrapKind uint8

const (
	// TrapSyscall means the process executed the trap instruction.
	TrapSyscall TrapKind = iota

	// TrapFault means a hardware fault occurred while the process ran.
	TrapFault

	// TrapInterrupt means an external event preempted the process.
	TrapInterrupt
)

// String returns the trap kind name.
func (k TrapKind) String() string {
	switch k {
	case TrapSyscall:
		return "syscall"
	case TrapFault:
		return "fault"
	case TrapInterrupt:
		return "interrupt"
	}

	return fmt.Sprintf("{TrapKind %d}", uint8(k))
}

// UserHardware is the CPU-level switch primitive. SwitchToUser transfers
// control to the process whose stack holds an exception frame at sp,
// restoring r4-r11 from regs on the way in and depositing them back on the
// way out. It blocks until the process traps back into the kernel and
// returns the new stack pointer plus the reason control returned.
type UserHardware interface {
	SwitchToUser(sp uint32, regs *[8]uint32) (uint32, TrapKind)
}

// SwitchReason classifies the outcome of SwitchToProcess for the kernel loop.
type SwitchReason uint8

const (
	// ReasonSyscallFired means the process invoked a recognized system call.
	ReasonSyscallFired SwitchReason = iota

	// ReasonFault means the process faulted: hardware fault, invalid stack
	// pointer, unrecognized call, or an illegal mid-batch suspend.
	ReasonFault

	// ReasonInterrupted means an external event preempted the process.
	ReasonInterrupted
)

// String returns the reason name.
func (r SwitchReason) String() string {
	switch r {
	case ReasonSyscallFired:
		return "syscall-fired"
	case ReasonFault:
		return "fault"
	case ReasonInterrupted:
		return "interrupted"
	}

	return fmt.Sprintf("{SwitchReason %d}", uint8(r))
}

// SwitchResult is what SwitchToProcess hands back to the kernel loop.
// Syscall is meaningful only when Reason is ReasonSyscallFired.
type SwitchResult struct {
	Reason       SwitchReason
	Syscall      abi.Syscall
	StackPointer uint32
}

// ErrRegionTooSmall is returned when a process memory region cannot hold even
// one hardware exception frame.
var ErrRegionTooSmall = errors.New("memory region smaller than one exception frame")

// Boundary performs the privilege transitions between the kernel and user
// processes. It owns no process memory: every operation takes the process's
// current accessible bounds and validates each access against them.
type Boundary struct {
	logger *slog.Logger
	hw     UserHardware
	mem    appmem.Memory
}

// NewBoundary returns a Boundary driving the given switch primitive over the
// given backing store.
func NewBoundary(logger *slog.Logger, hw UserHardware, mem appmem.Memory) *Boundary {
	return &Boundary{
		logger: logger,
		hw:     hw,
		mem:    mem,
	}
}

// InitialAppBrkSize returns the minimum process memory region: room for one
// hardware exception frame.
func (b *Boundary) InitialAppBrkSize() uint32 {
	return FrameSize
}

// InitializeProcess resets the stored state for a fresh or restarted process:
// registers zeroed, status at the architecture's idle value, stack pointer at
// the top of accessible memory with one exception frame reserved below it.
// Safe to call again on restart; a restarted process never resumes a
// half-drained batch.
func (b *Boundary) InitializeProcess(start, brk uint32, state *StoredState) error {
	if brk < start || brk-start < FrameSize {
		return fmt.Errorf("[%#x, %#x): %w", start, brk, ErrRegionTooSmall)
	}

	state.Regs = [8]uint32{}
	state.ResumePC = 0
	state.Status = initialStatus
	state.StackPointer = brk - FrameSize
	state.clearBatch()

	return nil
}

// SetSyscallReturnValue writes an encoded return value into the frame the
// arguments of the current call came from: the active batch entry's argument
// words while a batch is draining, the bottom of the hardware exception frame
// otherwise.
//
// Retiring a batch entry advances the batch. A failure value under
// StopOnError additionally rewrites the batch's entry-point frame with
// ReturnFailureU32 plus the count of calls not executed, and abandons the
// rest of the batch.
func (b *Boundary) SetSyscallReturnValue(start, brk uint32, state *StoredState, ret abi.Return) error {
	win := appmem.NewWindow(b.mem, start, brk)
	regs := ret.EncodeRegisters()

	batch, active := state.PendingBatch()
	if !active {
		if !win.Contains(state.StackPointer, 4*appmem.WordSize) {
			return fmt.Errorf("return frame at %#x: %w", state.StackPointer, appmem.ErrOutOfWindow)
		}

		for i, v := range regs {
			if err := win.WriteWord(state.StackPointer+uint32(i)*appmem.WordSize, v); err != nil {
				return err
			}
		}

		return nil
	}

	// The whole not-yet-executed range is re-validated, not just the current
	// entry: the batch must stay well-formed for the entries that follow.
	if !win.Contains(batch.Cursor, batch.span()) {
		state.clearBatch()

		return fmt.Errorf("batch entry at %#x, %d remaining: %w", batch.Cursor, batch.Remaining, appmem.ErrOutOfWindow)
	}

	for i, v := range regs {
		if err := win.WriteWord(batch.Cursor+uint32(i+1)*appmem.WordSize, v); err != nil {
			state.clearBatch()

			return err
		}
	}

	batch.Remaining--
	if batch.Remaining > 0 {
		batch.Cursor += BatchEntrySize
	}

	if !ret.IsSuccess() && batch.Policy == StopOnError {
		// The process learns about the abort through the frame it trapped
		// on: the failure variant plus how many calls never ran.
		if err := b.writeBatchAbort(win, state.StackPointer, batch.Remaining); err != nil {
			state.clearBatch()

			return err
		}

		b.logger.Debug("packed batch aborted", "skipped", batch.Remaining)
		batch.Remaining = 0
	}

	if batch.Remaining == 0 {
		state.clearBatch()

		return nil
	}

	state.setBatch(batch)

	return nil
}

func (b *Boundary) writeBatchAbort(win appmem.Window, sp, skipped uint32) error {
	if !win.Contains(sp, 2*appmem.WordSize) {
		return fmt.Errorf("entry-point frame at %#x: %w", sp, appmem.ErrOutOfWindow)
	}

	if err := win.WriteWord(sp+frameR0, uint32(abi.ReturnFailureU32)); err != nil {
		return err
	}

	return win.WriteWord(sp+frameR1, skipped)
}

// SetProcessFunction rewrites the top-of-stack exception frame so that the
// process resumes inside fn instead of where it left off. The link register
// receives the saved resume address, so returning from fn lands the process
// back where it was suspended. In effect this converts the process's trap
// into a call of fn.
//
// Instruction addresses written to pc and lr carry the Thumb bit. r12 is left
// alone: the call convention does not require the kernel to preserve it
// across this rewrite.
func (b *Boundary) SetProcessFunction(start, brk uint32, state *StoredState, fn abi.FunctionCall) error {
	win := appmem.NewWindow(b.mem, start, brk)
	if !win.Contains(state.StackPointer, FrameSize) {
		return fmt.Errorf("exception frame at %#x: %w", state.StackPointer, appmem.ErrOutOfWindow)
	}

	sp := state.StackPointer
	writes := []struct{ off, val uint32 }{
		{frameStatus, state.Status},
		{framePC, fn.PC | 1},
		{frameLR, state.ResumePC | 1},
		{frameR3, fn.Args[3]},
		{frameR2, fn.Args[2]},
		{frameR1, fn.Args[1]},
		{frameR0, fn.Args[0]},
	}

	for _, w := range writes {
		if err := win.WriteWord(sp+w.off, w.val); err != nil {
			return err
		}
	}

	util.TraceLog(b.logger, "process function set", "pc", fn.PC, "lr", state.ResumePC)

	return nil
}

// SwitchToProcess runs the process until control returns to the kernel and
// classifies why. A pending packed batch is drained without a real CPU
// switch, so a whole batch costs a single kernel entry; otherwise the
// hardware performs the transition and the returned state is validated and
// decoded here.
//
// Classification priority: a hardware fault or an out-of-bounds stack pointer
// is a Fault no matter what else happened; then a trapped system call is
// decoded (an unrecognized number or an illegal mid-batch suspend is a
// Fault); anything else means an external event preempted the process.
func (b *Boundary) SwitchToProcess(start, brk uint32, state *StoredState) SwitchResult {
	win := appmem.NewWindow(b.mem, start, brk)

	if res, ok := b.nextPackedEntry(win, state); ok {
		return res
	}

	newSP, trap := b.hw.SwitchToUser(state.StackPointer, &state.Regs)
	state.StackPointer = newSP

	util.TraceLog(b.logger, "returned from process", "trap", trap, "sp", newSP)

	// The frame the hardware pushed must itself lie in accessible memory
	// before anything is read through it.
	validSP := win.Contains(newSP, FrameSize)

	switch {
	case trap == TrapFault || !validSP:
		// The fault wins even when the stack pointer looks fine.
		return SwitchResult{Reason: ReasonFault, StackPointer: newSP}
	case trap == TrapSyscall:
		return b.classifySyscall(win, state)
	default:
		return SwitchResult{Reason: ReasonInterrupted, StackPointer: newSP}
	}
}

// classifySyscall decodes a trapped system call from the exception frame.
// The stack pointer has already been validated against the window.
func (b *Boundary) classifySyscall(win appmem.Window, state *StoredState) SwitchResult {
	sp := state.StackPointer
	fault := SwitchResult{Reason: ReasonFault, StackPointer: sp}

	var args [4]uint32

	for i := range args {
		w, err := win.ReadWord(sp + uint32(i)*appmem.WordSize)
		if err != nil {
			return fault
		}

		args[i] = w
	}

	pc, err := win.ReadWord(sp + framePC)
	if err != nil {
		return fault
	}

	status, err := win.ReadWord(sp + frameStatus)
	if err != nil {
		return fault
	}

	// Saved for a later suspend: if this call turns out to be a yield, the
	// process resumes at this pc with these flags.
	state.ResumePC = pc
	state.Status = status

	// The call number is the low byte of the instruction immediately before
	// the saved program counter. Program text lies outside the accessible
	// window, so this one read goes straight to the backing store.
	instr, err := appmem.ReadHalfRaw(b.mem, pc-2)
	if err != nil {
		b.logger.Debug("trap instruction unreadable", "pc", pc)

		return fault
	}

	num := uint8(instr & 0xff)

	if num == abi.PackedCall && args[0] > 0 {
		state.setBatch(Batch{
			Remaining: args[0],
			Cursor:    args[1],
			Policy:    PolicyFromWord(args[2]),
		})

		b.logger.Debug("packed batch established",
			"count", args[0], "cursor", args[1], "policy", PolicyFromWord(args[2]).String())

		// Assume the batch drains cleanly and pre-write success into the
		// entry-point frame; StopOnError handling overwrites this if not.
		if err := win.WriteWord(sp+frameR0, uint32(abi.ReturnSuccess)); err != nil {
			state.clearBatch()

			return fault
		}

		if res, ok := b.nextPackedEntry(win, state); ok {
			return res
		}

		return fault
	}

	call, ok := abi.DecodeSyscall(num, args[0], args[1], args[2], args[3])
	if !ok {
		b.logger.Debug("unrecognized system call", "num", num, "pc", pc)

		return fault
	}

	util.TraceLog(b.logger, "system call intercepted", "call", call)

	return SwitchResult{Reason: ReasonSyscallFired, Syscall: call, StackPointer: sp}
}
