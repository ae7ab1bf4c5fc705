// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

// Package simcore hosts user code on a small simulated Thumb core. It stands
// in for the silicon the kernel boundary normally drives: it implements both
// the switch primitive (cortexm.UserHardware) and the backing store
// (appmem.Memory), with program text in a flash bank and the process's
// accessible region in a RAM bank.
package simcore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/emberos/trapgate/internal/util"
	"github.com/emberos/trapgate/pkg/appmem"
	"github.com/emberos/trapgate/pkg/cortexm"
)

var errUnaligned = errors.New("unaligned access")

// Memory map of the simulated core.
const (
	// FlashBase is where program text lives. Writable by the loader only;
	// a store from user code faults.
	FlashBase uint32 = 0x0000_0000

	// RAMBase is the bottom of process RAM.
	RAMBase uint32 = 0x2000_0000
)

// Register file indices for sp, lr and pc.
const (
	regSP = 13
	regLR = 14
	regPC = 15
)

// Program-status bits.
const (
	flagN uint32 = 1 << 31
	flagZ uint32 = 1 << 30
	flagC uint32 = 1 << 29
	flagV uint32 = 1 << 28

	thumbBit uint32 = 1 << 24
)

// Machine is one simulated core plus its memory. It runs exactly one
// hardware thread: SwitchToUser interprets instructions on the caller's
// goroutine until the next trap. RaiseInterrupt is the only method safe to
// call concurrently.
type Machine struct {
	logger *slog.Logger

	flash *appmem.Bank
	ram   *appmem.Bank
	mem   *appmem.MemMap

	r   [16]uint32
	psr uint32

	irqLine  atomic.Bool
	irqEvery uint64
	irqAt    uint64

	retired uint64
	trace   bool

	// trapPC is the program counter value pushed into the exception frame:
	// the faulting instruction for a fault, the next instruction otherwise.
	trapPC uint32
}

// New returns a machine with zeroed flash and RAM banks of the given sizes.
func New(logger *slog.Logger, flashSize, ramSize uint32) *Machine {
	flash := appmem.NewBank(FlashBase, flashSize)
	ram := appmem.NewBank(RAMBase, ramSize)

	return &Machine{
		logger: logger.With("module", "simcore"),
		flash:  flash,
		ram:    ram,
		mem:    appmem.NewMemMap(flash, ram),
	}
}

// Flash returns the program-text bank.
func (m *Machine) Flash() *appmem.Bank {
	return m.flash
}

// RAM returns the process RAM bank.
func (m *Machine) RAM() *appmem.Bank {
	return m.ram
}

// ViewAt exposes the full memory map, flash and RAM, to the kernel side.
func (m *Machine) ViewAt(addr, size uint32) ([]byte, error) {
	return m.mem.ViewAt(addr, size)
}

// LoadText copies a program into flash at the given address.
func (m *Machine) LoadText(at uint32, text []byte) error {
	if uint64(len(text)) > uint64(m.flash.Size()) {
		return fmt.Errorf("loading %d bytes of text into %d bytes of flash: %w",
			len(text), m.flash.Size(), appmem.ErrUnmapped)
	}

	view, err := m.flash.ViewAt(at, uint32(len(text)))
	if err != nil {
		return fmt.Errorf("loading %d bytes of text at %#x: %w", len(text), at, err)
	}

	copy(view, text)

	return nil
}

// RaiseInterrupt asserts the external interrupt line. The running process is
// preempted before its next instruction.
func (m *Machine) RaiseInterrupt() {
	m.irqLine.Store(true)
}

// SetInterruptEvery makes the core raise a timer interrupt every n retired
// instructions. Zero disables the timer.
func (m *Machine) SetInterruptEvery(n uint64) {
	m.irqEvery = n
	m.irqAt = m.retired + n
}

// InstructionsRetired returns the number of instructions executed since the
// machine was created.
func (m *Machine) InstructionsRetired() uint64 {
	return m.retired
}

// SetTrace switches per-instruction trace logging.
func (m *Machine) SetTrace(on bool) {
	m.trace = on
}

// SwitchToUser performs an exception return into the process whose frame
// lies at sp, interprets instructions until the next trap, then pushes a
// fresh exception frame and reports why control came back. r4-r11 live in
// regs across the switch, exactly as the kernel boundary stores them.
func (m *Machine) SwitchToUser(sp uint32, regs *[8]uint32) (uint32, cortexm.TrapKind) {
	var frame [8]uint32

	for i := range frame {
		w, err := m.readWord(sp + uint32(i)*appmem.WordSize)
		if err != nil {
			return sp, cortexm.TrapFault
		}

		frame[i] = w
	}

	// Exception return with the Thumb bit clear never reaches the first
	// instruction.
	if frame[7]&thumbBit == 0 {
		return sp, cortexm.TrapFault
	}

	m.r[0], m.r[1], m.r[2], m.r[3] = frame[0], frame[1], frame[2], frame[3]
	m.r[12] = frame[4]
	m.r[regLR] = frame[5]
	m.r[regPC] = frame[6] &^ 1
	m.psr = frame[7]
	m.r[regSP] = sp + cortexm.FrameSize

	copy(m.r[4:12], regs[:])

	kind := m.run()

	copy(regs[:], m.r[4:12])

	newSP := m.r[regSP] - cortexm.FrameSize
	if err := m.pushFrame(newSP); err != nil {
		// No room for the frame. Hand back the unpushed stack pointer; the
		// kernel boundary rejects it against the process bounds.
		return m.r[regSP], cortexm.TrapFault
	}

	m.r[regSP] = newSP

	return newSP, kind
}

// run interprets instructions until a trap and returns its kind, leaving the
// frame program counter in trapPC.
func (m *Machine) run() cortexm.TrapKind {
	for {
		if m.takeInterrupt() {
			m.trapPC = m.r[regPC]

			return cortexm.TrapInterrupt
		}

		pc := m.r[regPC]

		instr, err := m.fetchHalf(pc)
		if err != nil {
			util.TraceLog(m.logger, "fetch fault", "pc", pc)
			m.trapPC = pc

			return cortexm.TrapFault
		}

		m.r[regPC] = pc + 2
		m.retired++

		if m.trace {
			util.TraceLog(m.logger, "exec", "pc", pc, "instr", fmt.Sprintf("%#04x", instr))
		}

		if kind, trapped := m.execute(pc, instr); trapped {
			return kind
		}
	}
}

func (m *Machine) takeInterrupt() bool {
	if m.irqLine.CompareAndSwap(true, false) {
		return true
	}

	if m.irqEvery > 0 && m.retired >= m.irqAt {
		m.irqAt = m.retired + m.irqEvery

		return true
	}

	return false
}

func (m *Machine) pushFrame(sp uint32) error {
	if sp%appmem.WordSize != 0 {
		return fmt.Errorf("frame push at %#x: %w", sp, errUnaligned)
	}

	words := [8]uint32{
		m.r[0], m.r[1], m.r[2], m.r[3],
		m.r[12], m.r[regLR], m.trapPC, m.psr,
	}

	// The frame target must be fully writable before the first word lands.
	if _, err := m.ram.ViewAt(sp, cortexm.FrameSize); err != nil {
		return err
	}

	for i, w := range words {
		if err := m.writeWord(sp+uint32(i)*appmem.WordSize, w); err != nil {
			return err
		}
	}

	return nil
}

// readWord reads anywhere in the memory map; user loads may reach flash.
func (m *Machine) readWord(addr uint32) (uint32, error) {
	view, err := m.mem.ViewAt(addr, appmem.WordSize)
	if err != nil {
		return 0, err
	}

	return uint32(view[0]) | uint32(view[1])<<8 | uint32(view[2])<<16 | uint32(view[3])<<24, nil
}

// writeWord writes to RAM only; flash is read-only once loaded.
func (m *Machine) writeWord(addr, val uint32) error {
	view, err := m.ram.ViewAt(addr, appmem.WordSize)
	if err != nil {
		return err
	}

	view[0] = byte(val)
	view[1] = byte(val >> 8)
	view[2] = byte(val >> 16)
	view[3] = byte(val >> 24)

	return nil
}

func (m *Machine) fetchHalf(addr uint32) (uint16, error) {
	if addr%2 != 0 {
		return 0, fmt.Errorf("instruction fetch at %#x: %w", addr, errUnaligned)
	}

	view, err := m.mem.ViewAt(addr, 2)
	if err != nil {
		return 0, err
	}

	return uint16(view[0]) | uint16(view[1])<<8, nil
}
