// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

// Package appmem provides bounds-checked access to process memory.
//
// The kernel never dereferences a process-supplied address directly. Every
// access goes through a Window, a view of an underlying Memory restricted to
// the accessible bounds the process manager supplied for the current
// operation. The bounds are re-validated on every access rather than once per
// operation, because a system call executed in between (a memory-break
// adjustment, for instance) can shrink the accessible region.
package appmem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WordSize is the machine word size in bytes.
const WordSize = 4

var (
	// ErrUnmapped is returned when an address range is not backed by any bank.
	ErrUnmapped = errors.New("address range not mapped")

	// ErrOutOfWindow is returned when an access falls outside the accessible
	// window of the process.
	ErrOutOfWindow = errors.New("access outside accessible memory")
)

// Memory is the raw backing store of an address space. Implementations hand
// out mutable views keyed by absolute address; a failed ViewAt means the
// range is simply not backed by anything.
type Memory interface {
	ViewAt(addr, size uint32) ([]byte, error)
}

// Bank is a contiguous Memory segment at a fixed base address.
type Bank struct {
	base uint32
	data []byte
}

// NewBank returns a zero-filled bank of size bytes at base.
func NewBank(base, size uint32) *Bank {
	return &Bank{base: base, data: make([]byte, size)}
}

// NewBankBytes returns a bank backed by the given bytes at base. The bank
// aliases data; writes through ViewAt are visible to the caller.
func NewBankBytes(base uint32, data []byte) *Bank {
	return &Bank{base: base, data: data}
}

// Base returns the first address of the bank.
func (b *Bank) Base() uint32 { return b.base }

// Size returns the bank size in bytes.
func (b *Bank) Size() uint32 { return uint32(len(b.data)) }

// ViewAt implements Memory.
func (b *Bank) ViewAt(addr, size uint32) ([]byte, error) {
	lo := uint64(addr)
	hi := lo + uint64(size)

	if lo < uint64(b.base) || hi > uint64(b.base)+uint64(len(b.data)) {
		return nil, fmt.Errorf("bank %#x+%#x: [%#x, %#x): %w", b.base, len(b.data), addr, hi, ErrUnmapped)
	}

	off := addr - b.base

	return b.data[off : off+size], nil
}

// MemMap is a Memory composed of disjoint banks.
type MemMap struct {
	banks []*Bank
}

// NewMemMap returns a MemMap over the given banks.
func NewMemMap(banks ...*Bank) *MemMap {
	return &MemMap{banks: banks}
}

// ViewAt implements Memory. A range must fall entirely within one bank.
func (m *MemMap) ViewAt(addr, size uint32) ([]byte, error) {
	for _, b := range m.banks {
		if view, err := b.ViewAt(addr, size); err == nil {
			return view, nil
		}
	}

	return nil, fmt.Errorf("[%#x, %#x): %w", addr, uint64(addr)+uint64(size), ErrUnmapped)
}

// Window binds a Memory to the accessible bounds [start, brk) of one process.
// It is a value type, constructed fresh for every boundary operation from the
// bounds the caller supplied, so a stale window cannot outlive a memory-layout
// change.
type Window struct {
	mem   Memory
	start uint32
	brk   uint32
}

// NewWindow returns a window over mem restricted to [start, brk).
func NewWindow(mem Memory, start, brk uint32) Window {
	return Window{mem: mem, start: start, brk: brk}
}

// Start returns the lowest accessible address.
func (w Window) Start() uint32 { return w.start }

// Brk returns the first address past the accessible region.
func (w Window) Brk() uint32 { return w.brk }

// Contains reports whether [addr, addr+size) lies fully inside the window.
// The size is 64-bit so that process-controlled ranges (a batch cursor times
// a batch count, say) cannot wrap around the address space and pass the check.
func (w Window) Contains(addr uint32, size uint64) bool {
	lo := uint64(addr)

	return lo >= uint64(w.start) && lo+size <= uint64(w.brk)
}

// ReadWord reads a little-endian word at addr.
func (w Window) ReadWord(addr uint32) (uint32, error) {
	if !w.Contains(addr, WordSize) {
		return 0, fmt.Errorf("read %#x in [%#x, %#x): %w", addr, w.start, w.brk, ErrOutOfWindow)
	}

	view, err := w.mem.ViewAt(addr, WordSize)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(view), nil
}

// WriteWord writes a little-endian word at addr.
func (w Window) WriteWord(addr, val uint32) error {
	if !w.Contains(addr, WordSize) {
		return fmt.Errorf("write %#x in [%#x, %#x): %w", addr, w.start, w.brk, ErrOutOfWindow)
	}

	view, err := w.mem.ViewAt(addr, WordSize)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(view, val)

	return nil
}

// ReadHalfRaw reads a little-endian halfword straight from the backing store,
// bypassing any window. It serves the one access that is legitimately outside
// the process's writable region: fetching the trap instruction from program
// text.
func ReadHalfRaw(mem Memory, addr uint32) (uint16, error) {
	view, err := mem.ViewAt(addr, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(view), nil
}
