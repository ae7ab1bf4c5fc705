// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package simcore

import (
	"github.com/emberos/trapgate/pkg/cortexm"
)

// execute runs one 16-bit instruction. pc is the instruction's own address;
// the program counter has already advanced past it. The bool result reports
// that the machine trapped.
func (m *Machine) execute(pc uint32, instr uint16) (cortexm.TrapKind, bool) {
	// 32-bit encodings are not part of the supported subset.
	if instr&0xf800 == 0xe800 || instr&0xf000 == 0xf000 {
		return m.fault(pc)
	}

	switch {
	case instr&0xf800 == 0x0000: // lsls rd, rm, #imm5
		imm := uint32(instr>>6) & 0x1f
		v := m.r[instr>>3&7]
		res := v << imm

		if imm > 0 {
			m.setFlag(flagC, v&(1<<(32-imm)) != 0)
		}

		m.r[instr&7] = res
		m.setNZ(res)

	case instr&0xfe00 == 0x1800: // adds rd, rn, rm
		m.r[instr&7] = m.addWithFlags(m.r[instr>>3&7], m.r[instr>>6&7], 0)

	case instr&0xfe00 == 0x1a00: // subs rd, rn, rm
		m.r[instr&7] = m.addWithFlags(m.r[instr>>3&7], ^m.r[instr>>6&7], 1)

	case instr&0xf800 == 0x2000: // movs rd, #imm8
		v := uint32(instr & 0xff)
		m.r[instr>>8&7] = v
		m.setNZ(v)

	case instr&0xf800 == 0x2800: // cmp rn, #imm8
		m.addWithFlags(m.r[instr>>8&7], ^uint32(instr&0xff), 1)

	case instr&0xf800 == 0x3000: // adds rd, #imm8
		rd := instr >> 8 & 7
		m.r[rd] = m.addWithFlags(m.r[rd], uint32(instr&0xff), 0)

	case instr&0xf800 == 0x3800: // subs rd, #imm8
		rd := instr >> 8 & 7
		m.r[rd] = m.addWithFlags(m.r[rd], ^uint32(instr&0xff), 1)

	case instr&0xffc0 == 0x4280: // cmp rn, rm
		m.addWithFlags(m.r[instr&7], ^m.r[instr>>3&7], 1)

	case instr&0xff00 == 0x4600: // mov rd, rm, high registers allowed
		rd := uint32(instr>>7&1)<<3 | uint32(instr&7)
		v := m.regVal(uint32(instr>>3&0xf), pc)

		if rd == regPC {
			m.r[regPC] = v &^ 1
		} else {
			m.r[rd] = v
		}

	case instr&0xff87 == 0x4700: // bx rm
		v := m.regVal(uint32(instr>>3&0xf), pc)
		if v&1 == 0 {
			// Leaving Thumb state is not a thing this core can do.
			return m.fault(pc)
		}

		m.r[regPC] = v &^ 1

	case instr&0xf800 == 0x4800: // ldr rt, [pc, #imm8<<2]
		addr := (pc+4)&^3 + uint32(instr&0xff)*4

		v, err := m.readWord(addr)
		if err != nil {
			return m.fault(pc)
		}

		m.r[instr>>8&7] = v

	case instr&0xf800 == 0x6000: // str rt, [rn, #imm5<<2]
		addr := m.r[instr>>3&7] + uint32(instr>>6&0x1f)*4
		if addr%4 != 0 {
			return m.fault(pc)
		}

		if err := m.writeWord(addr, m.r[instr&7]); err != nil {
			return m.fault(pc)
		}

	case instr&0xf800 == 0x6800: // ldr rt, [rn, #imm5<<2]
		addr := m.r[instr>>3&7] + uint32(instr>>6&0x1f)*4
		if addr%4 != 0 {
			return m.fault(pc)
		}

		v, err := m.readWord(addr)
		if err != nil {
			return m.fault(pc)
		}

		m.r[instr&7] = v

	case instr == 0xbf00: // nop

	case instr == 0xbf30: // wfi
		// Wake is immediate; a pending interrupt is taken before the next
		// instruction anyway.

	case instr&0xff00 == 0xde00: // udf
		return m.fault(pc)

	case instr&0xff00 == 0xdf00: // svc
		m.trapPC = pc + 2

		return cortexm.TrapSyscall, true

	case instr&0xf000 == 0xd000: // b<cond> #imm8
		if m.condPassed(uint8(instr >> 8 & 0xf)) {
			off := int32(int8(uint8(instr&0xff))) * 2
			m.r[regPC] = uint32(int64(pc) + 4 + int64(off))
		}

	case instr&0xf800 == 0xe000: // b #imm11
		off := int32(uint32(instr&0x7ff)<<21) >> 21
		m.r[regPC] = uint32(int64(pc) + 4 + int64(off)*2)

	default:
		return m.fault(pc)
	}

	return 0, false
}

func (m *Machine) fault(pc uint32) (cortexm.TrapKind, bool) {
	m.trapPC = pc

	return cortexm.TrapFault, true
}

// regVal reads a register as an operand. The program counter reads as the
// instruction's address plus four.
func (m *Machine) regVal(idx, pc uint32) uint32 {
	if idx == regPC {
		return pc + 4
	}

	return m.r[idx]
}

func (m *Machine) setNZ(v uint32) {
	m.setFlag(flagN, v&(1<<31) != 0)
	m.setFlag(flagZ, v == 0)
}

func (m *Machine) setFlag(bit uint32, on bool) {
	if on {
		m.psr |= bit
	} else {
		m.psr &^= bit
	}
}

// addWithFlags adds with carry-in and sets N, Z, C and V. Subtraction is
// addition of the complement with carry-in 1.
func (m *Machine) addWithFlags(a, b, carry uint32) uint32 {
	sum := uint64(a) + uint64(b) + uint64(carry)
	res := uint32(sum)

	m.setNZ(res)
	m.setFlag(flagC, sum > 0xffff_ffff)
	m.setFlag(flagV, (a^res)&(b^res)&(1<<31) != 0)

	return res
}

func (m *Machine) condPassed(cond uint8) bool {
	n := m.psr&flagN != 0
	z := m.psr&flagZ != 0
	c := m.psr&flagC != 0
	v := m.psr&flagV != 0

	switch cond {
	case 0x0: // eq
		return z
	case 0x1: // ne
		return !z
	case 0x2: // cs
		return c
	case 0x3: // cc
		return !c
	case 0x4: // mi
		return n
	case 0x5: // pl
		return !n
	case 0x6: // vs
		return v
	case 0x7: // vc
		return !v
	case 0x8: // hi
		return c && !z
	case 0x9: // ls
		return !c || z
	case 0xa: // ge
		return n == v
	case 0xb: // lt
		return n != v
	case 0xc: // gt
		return !z && n == v
	default: // le
		return z || n != v
	}
}
