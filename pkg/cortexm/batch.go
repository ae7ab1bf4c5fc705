// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package cortexm

import (
	"github.com/emberos/trapgate/internal/util"
	"github.com/emberos/trapgate/pkg/abi"
	"github.com/emberos/trapgate/pkg/appmem"
)

// A packed-syscall batch lets a process issue a sequence of system calls with
// a single kernel entry. The process lays out one 5-word record per call in
// its own memory:
//
//	word 0  call number
//	word 1  r0
//	word 2  r1
//	word 3  r2
//	word 4  r3
//
// and traps once with the batch-start sentinel. The kernel drains the records
// in place, writing each call's return value back over the record's argument
// words, and the process regains the CPU only after the whole batch is done.

// BatchEntrySize is the size in bytes of one packed-syscall record.
const BatchEntrySize = batchEntryWords * appmem.WordSize

const batchEntryWords = 5

// ErrorPolicy decides how a failing call inside a packed batch affects the
// rest of the batch.
type ErrorPolicy uint8

const (
	// StopOnError aborts the remaining calls and reports the failure plus
	// the count of calls not executed to the process. This is the default.
	StopOnError ErrorPolicy = iota

	// ContinueOnError keeps draining the batch regardless of individual
	// failures.
	ContinueOnError
)

// PolicyFromWord decodes the batch-start policy argument: 1 selects
// ContinueOnError, anything else StopOnError.
func PolicyFromWord(w uint32) ErrorPolicy {
	if w == 1 {
		return ContinueOnError
	}

	return StopOnError
}

// String returns the policy name.
func (p ErrorPolicy) String() string {
	if p == ContinueOnError {
		return "continue-on-error"
	}

	return "stop-on-error"
}

// Batch describes an in-progress packed-syscall batch. Remaining and Cursor
// always describe the next entry to run, never the last one attempted: the
// batcher reads an entry without consuming it, and the entry is consumed only
// once the kernel has produced its return value.
type Batch struct {
	// Remaining counts the not-yet-executed entries.
	Remaining uint32

	// Cursor is the process-memory address of the next entry.
	Cursor uint32

	// Policy is the failure policy the process selected at batch start.
	Policy ErrorPolicy
}

// span returns the byte length of the not-yet-executed region, 64-bit so a
// process-controlled count cannot wrap the bounds check.
func (b Batch) span() uint64 {
	return uint64(b.Remaining) * BatchEntrySize
}

// PendingBatch returns the active batch, if any.
func (s *StoredState) PendingBatch() (Batch, bool) {
	return s.batch, s.batchActive
}

func (s *StoredState) setBatch(b Batch) {
	s.batch = b
	s.batchActive = true
}

// clearBatch discards any batch state. It is used both for normal retirement
// and for the fault path, which drops the batch rather than leaving it half
// consumed.
func (s *StoredState) clearBatch() {
	s.batch = Batch{}
	s.batchActive = false
}

// nextPackedEntry reads and classifies the next entry of a pending batch. The
// second return is false when no batch is pending and the caller should fall
// through to a real context switch.
//
// The whole not-yet-executed range is re-validated against the current bounds
// on every call, because an entry executed earlier in the same batch may have
// changed the process's memory layout. Cursor and Remaining are not advanced
// here; that happens in SetSyscallReturnValue once the kernel has produced a
// result.
func (b *Boundary) nextPackedEntry(win appmem.Window, state *StoredState) (SwitchResult, bool) {
	batch, ok := state.PendingBatch()
	if !ok {
		return SwitchResult{}, false
	}

	fault := SwitchResult{Reason: ReasonFault, StackPointer: state.StackPointer}

	if !win.Contains(batch.Cursor, batch.span()) {
		b.logger.Debug("packed batch out of bounds",
			"cursor", batch.Cursor, "remaining", batch.Remaining,
			"start", win.Start(), "brk", win.Brk())
		state.clearBatch()

		return fault, true
	}

	var words [batchEntryWords]uint32

	for i := range words {
		w, err := win.ReadWord(batch.Cursor + uint32(i)*appmem.WordSize)
		if err != nil {
			state.clearBatch()

			return fault, true
		}

		words[i] = w
	}

	call, ok := abi.DecodeSyscall(uint8(words[0]), words[1], words[2], words[3], words[4])
	if !ok {
		b.logger.Debug("packed batch entry does not decode", "num", words[0]&0xff, "cursor", batch.Cursor)
		state.clearBatch()

		return fault, true
	}

	// A process may suspend only as the batch's final entry; mid-batch the
	// kernel would resume it with the rest of the batch abandoned.
	if call.Class == abi.Yield && batch.Remaining != 1 {
		b.logger.Debug("yield before final batch entry", "remaining", batch.Remaining)
		state.clearBatch()

		return fault, true
	}

	util.TraceLog(b.logger, "packed batch entry", "call", call, "remaining", batch.Remaining)

	return SwitchResult{
		Reason:       ReasonSyscallFired,
		Syscall:      call,
		StackPointer: state.StackPointer,
	}, true
}
