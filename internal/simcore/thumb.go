// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package simcore

import "encoding/binary"

// Instruction builders for composing test and demo programs without an
// assembler. Branch offsets are given in halfwords relative to the
// instruction's address plus four, as the hardware counts them.

// MovsImm builds movs rd, #imm.
func MovsImm(rd, imm uint8) uint16 {
	return 0x2000 | uint16(rd&7)<<8 | uint16(imm)
}

// CmpImm builds cmp rn, #imm.
func CmpImm(rn, imm uint8) uint16 {
	return 0x2800 | uint16(rn&7)<<8 | uint16(imm)
}

// AddsImm builds adds rd, #imm.
func AddsImm(rd, imm uint8) uint16 {
	return 0x3000 | uint16(rd&7)<<8 | uint16(imm)
}

// SubsImm builds subs rd, #imm.
func SubsImm(rd, imm uint8) uint16 {
	return 0x3800 | uint16(rd&7)<<8 | uint16(imm)
}

// AddsReg builds adds rd, rn, rm.
func AddsReg(rd, rn, rm uint8) uint16 {
	return 0x1800 | uint16(rm&7)<<6 | uint16(rn&7)<<3 | uint16(rd&7)
}

// SubsReg builds subs rd, rn, rm.
func SubsReg(rd, rn, rm uint8) uint16 {
	return 0x1a00 | uint16(rm&7)<<6 | uint16(rn&7)<<3 | uint16(rd&7)
}

// CmpReg builds cmp rn, rm.
func CmpReg(rn, rm uint8) uint16 {
	return 0x4280 | uint16(rm&7)<<3 | uint16(rn&7)
}

// MovReg builds mov rd, rm; rd may be any register including sp.
func MovReg(rd, rm uint8) uint16 {
	return 0x4600 | uint16(rd>>3&1)<<7 | uint16(rm&0xf)<<3 | uint16(rd&7)
}

// LslsImm builds lsls rd, rm, #imm.
func LslsImm(rd, rm, imm uint8) uint16 {
	return uint16(imm&0x1f)<<6 | uint16(rm&7)<<3 | uint16(rd&7)
}

// LdrLit builds ldr rt, [pc, #imm*4].
func LdrLit(rt, imm uint8) uint16 {
	return 0x4800 | uint16(rt&7)<<8 | uint16(imm)
}

// LdrImm builds ldr rt, [rn, #imm*4].
func LdrImm(rt, rn, imm uint8) uint16 {
	return 0x6800 | uint16(imm&0x1f)<<6 | uint16(rn&7)<<3 | uint16(rt&7)
}

// StrImm builds str rt, [rn, #imm*4].
func StrImm(rt, rn, imm uint8) uint16 {
	return 0x6000 | uint16(imm&0x1f)<<6 | uint16(rn&7)<<3 | uint16(rt&7)
}

// BX builds bx rm.
func BX(rm uint8) uint16 {
	return 0x4700 | uint16(rm&0xf)<<3
}

// B builds an unconditional branch over off halfwords.
func B(off int16) uint16 {
	return 0xe000 | uint16(off)&0x7ff
}

// BEQ builds a branch taken when the zero flag is set.
func BEQ(off int8) uint16 {
	return 0xd000 | uint16(uint8(off))
}

// BNE builds a branch taken when the zero flag is clear.
func BNE(off int8) uint16 {
	return 0xd100 | uint16(uint8(off))
}

// SVC builds the trap instruction with the given call number.
func SVC(num uint8) uint16 {
	return 0xdf00 | uint16(num)
}

// UDF builds a permanently undefined instruction.
func UDF() uint16 {
	return 0xde00
}

// Nop builds nop.
func Nop() uint16 {
	return 0xbf00
}

// WFI builds wfi.
func WFI() uint16 {
	return 0xbf30
}

// Program packs instructions into little-endian text.
func Program(instrs ...uint16) []byte {
	text := make([]byte, 0, len(instrs)*2)

	for _, in := range instrs {
		text = binary.LittleEndian.AppendUint16(text, in)
	}

	return text
}

// AppendWord appends a 32-bit literal, for pools read through LdrLit.
func AppendWord(text []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(text, v)
}
