// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package cortexm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/emberos/trapgate/pkg/appmem"
)

// RenderContext writes a human-readable dump of a process's register state to
// w: the kernel-stored registers, the exception frame on the process stack,
// and the saved program-status word decoded field by field. The frame is read
// only when it lies entirely inside the accessible bounds; otherwise every
// frame word renders as the 0xBAD00BAD marker, so a dump is still produced
// for a process whose stack pointer is junk.
func RenderContext(mem appmem.Memory, start, brk uint32, state *StoredState, w io.Writer) error {
	win := appmem.NewWindow(mem, start, brk)
	sp := state.StackPointer

	// A frame that is even partly out of bounds is not read at all.
	var frame []byte

	if win.Contains(sp, FrameSize) {
		if view, err := mem.ViewAt(sp, FrameSize); err == nil {
			frame = view
		}
	}

	frameWord := func(off uint32) uint32 {
		if frame == nil {
			return 0xBAD00BAD
		}

		return binary.LittleEndian.Uint32(frame[off:])
	}

	r0 := frameWord(frameR0)
	r1 := frameWord(frameR1)
	r2 := frameWord(frameR2)
	r3 := frameWord(frameR3)
	r12 := frameWord(frameR12)
	lr := frameWord(frameLR)
	pc := frameWord(framePC)
	xpsr := frameWord(frameStatus)

	_, err := fmt.Fprintf(w,
		"\n  R0 : 0x%08X    R6 : 0x%08X"+
			"\n  R1 : 0x%08X    R7 : 0x%08X"+
			"\n  R2 : 0x%08X    R8 : 0x%08X"+
			"\n  R3 : 0x%08X    R10: 0x%08X"+
			"\n  R4 : 0x%08X    R11: 0x%08X"+
			"\n  R5 : 0x%08X    R12: 0x%08X"+
			"\n  R9 : 0x%08X (Static Base Register)"+
			"\n  SP : 0x%08X (Process Stack Pointer)"+
			"\n  LR : 0x%08X"+
			"\n  PC : 0x%08X"+
			"\n YPC : 0x%08X"+
			"\n",
		r0, state.Regs[2],
		r1, state.Regs[3],
		r2, state.Regs[4],
		r3, state.Regs[6],
		state.Regs[0], state.Regs[7],
		state.Regs[1], r12,
		state.Regs[5],
		sp,
		lr,
		pc,
		state.ResumePC,
	)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w,
		"\n APSR: N %d Z %d C %d V %d Q %d"+
			"\n       GE %d %d %d %d",
		(xpsr>>31)&0x1,
		(xpsr>>30)&0x1,
		(xpsr>>29)&0x1,
		(xpsr>>28)&0x1,
		(xpsr>>27)&0x1,
		(xpsr>>19)&0x1,
		(xpsr>>18)&0x1,
		(xpsr>>17)&0x1,
		(xpsr>>16)&0x1,
	)
	if err != nil {
		return err
	}

	iciIT := ((xpsr>>25)&0x3)<<6 | (xpsr>>10)&0x3f

	thumbBit := (xpsr>>24)&0x1 == 1
	thumbErr := ""

	if !thumbBit {
		thumbErr = "!!ERROR - Cortex M Thumb only!"
	}

	_, err = fmt.Fprintf(w,
		"\n EPSR: ICI.IT 0x%02x"+
			"\n       ThumbBit %t %s\n",
		iciIT,
		thumbBit,
		thumbErr,
	)

	return err
}

// PrintContext dumps the process's register state to w using the boundary's
// backing store.
func (b *Boundary) PrintContext(start, brk uint32, state *StoredState, w io.Writer) error {
	return RenderContext(b.mem, start, brk, state, w)
}
