// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

// Package cortexm implements the userspace/kernel boundary for Cortex-M
// class cores: the per-process stored register state, the privilege
// transition into and out of a process, packed system call batches, and the
// diagnostic fault report.
package cortexm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameSize is the size of the hardware exception frame in bytes. The core
// stacks 8 words on every trap: r0-r3, r12, lr, pc and the status register.
const FrameSize = 32

// Byte offsets of the fields of the hardware exception frame, relative to the
// process stack pointer.
const (
	frameR0     = 0
	frameR1     = 4
	frameR2     = 8
	frameR3     = 12
	frameR12    = 16
	frameLR     = 20
	framePC     = 24
	frameStatus = 28
)

// initialStatus is the reset value of the process status register: the Thumb
// instruction-set bit and nothing else.
const initialStatus = 0x01000000

// StoredState holds everything the kernel keeps for a process while the
// process is not executing. One record exists per process for the lifetime of
// the process; a restart reinitializes it in place.
type StoredState struct {
	// Regs are r4-r11, the registers the hardware exception frame does not
	// capture.
	Regs [8]uint32

	// ResumePC is the address to resume at when control returns from a
	// yield-style suspend, which has no hardware-saved return address.
	ResumePC uint32

	// Status is the saved processor status register.
	Status uint32

	// StackPointer is the top of the process's private stack, always an
	// address inside the process's accessible memory.
	StackPointer uint32

	batch       Batch
	batchActive bool
}

// Snapshot format: fourteen little-endian words
// [version][record size][tag][resume pc][status][stack pointer][reg0..reg7].
// A consumer rejects on any field mismatch rather than attempting forward or
// backward compatibility.
const (
	// SnapshotSize is the exact size in bytes of an encoded state snapshot.
	SnapshotSize = 56

	snapshotVersion = 1

	// recordSize is the in-memory size of the state record: eleven
	// architectural words plus three batch bookkeeping words. It doubles as
	// the value of the size field, so an encoded snapshot is as long as the
	// record it captures.
	recordSize = 56
)

// snapshotTag is the magic value 'ctxm' packed into one little-endian word.
var snapshotTag = binary.LittleEndian.Uint32([]byte("ctxm"))

// Snapshot word indices.
const (
	snapVersionIdx  = 0
	snapSizeIdx     = 1
	snapTagIdx      = 2
	snapResumePCIdx = 3
	snapStatusIdx   = 4
	snapSPIdx       = 5
	snapRegsIdx     = 6
)

var (
	// ErrStateSize is returned when a snapshot buffer has the wrong size.
	ErrStateSize = errors.New("stored state snapshot size mismatch")

	// ErrStateMismatch is returned when a snapshot's version, size or tag
	// field does not match the expected value.
	ErrStateMismatch = errors.New("stored state snapshot field mismatch")
)

func putSnapWord(out []byte, idx int, val uint32) {
	binary.LittleEndian.PutUint32(out[idx*4:], val)
}

func snapWord(buf []byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(buf[idx*4:])
}

// EncodeTo serializes the state into out and returns the number of bytes
// written. A pending packed-syscall batch is not captured: the snapshot holds
// only the architectural state, and a decoded state always starts with no
// batch in progress.
func (s *StoredState) EncodeTo(out []byte) (int, error) {
	if len(out) < SnapshotSize {
		return 0, fmt.Errorf("need %d bytes, have %d: %w", SnapshotSize, len(out), ErrStateSize)
	}

	putSnapWord(out, snapVersionIdx, snapshotVersion)
	putSnapWord(out, snapSizeIdx, recordSize)
	putSnapWord(out, snapTagIdx, snapshotTag)
	putSnapWord(out, snapResumePCIdx, s.ResumePC)
	putSnapWord(out, snapStatusIdx, s.Status)
	putSnapWord(out, snapSPIdx, s.StackPointer)

	for i, v := range s.Regs {
		putSnapWord(out, snapRegsIdx+i, v)
	}

	return SnapshotSize, nil
}

// DecodeStoredState parses a snapshot produced by EncodeTo. The buffer length
// must equal SnapshotSize exactly and the version, size and tag fields must
// all match; any mismatch is a hard reject.
func DecodeStoredState(buf []byte) (StoredState, error) {
	if len(buf) != SnapshotSize {
		return StoredState{}, fmt.Errorf("need exactly %d bytes, have %d: %w", SnapshotSize, len(buf), ErrStateSize)
	}

	if v := snapWord(buf, snapVersionIdx); v != snapshotVersion {
		return StoredState{}, fmt.Errorf("version %d: %w", v, ErrStateMismatch)
	}

	if sz := snapWord(buf, snapSizeIdx); sz != recordSize {
		return StoredState{}, fmt.Errorf("record size %d: %w", sz, ErrStateMismatch)
	}

	if tag := snapWord(buf, snapTagIdx); tag != snapshotTag {
		return StoredState{}, fmt.Errorf("tag %#08x: %w", tag, ErrStateMismatch)
	}

	state := StoredState{
		ResumePC:     snapWord(buf, snapResumePCIdx),
		Status:       snapWord(buf, snapStatusIdx),
		StackPointer: snapWord(buf, snapSPIdx),
	}

	for i := range state.Regs {
		state.Regs[i] = snapWord(buf, snapRegsIdx+i)
	}

	return state, nil
}
