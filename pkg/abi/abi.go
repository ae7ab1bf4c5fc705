// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

// Package abi defines the system call interface shared between the
// architecture boundary and the call-dispatch layer above it: the call
// classes a process may invoke, the decoding of raw trap arguments into a
// recognized call, and the register encoding of kernel return values.
package abi

import "fmt"

// CallClass identifies one class of system call.
type CallClass uint8

// Call classes a process may invoke. The class number is the trap number of
// the call: it arrives in the low byte of the trap instruction, or in the
// first word of a packed-batch entry.
const (
	Yield          CallClass = 0
	Subscribe      CallClass = 1
	Command        CallClass = 2
	ReadWriteAllow CallClass = 3
	ReadOnlyAllow  CallClass = 4
	Memop          CallClass = 5
	Exit           CallClass = 6
)

// PackedCall is the reserved trap number that starts a packed-syscall batch.
// It is not a recognized call class: it never appears in a decoded Syscall,
// and inside a batch entry it is rejected like any unknown number.
const PackedCall uint8 = 0xfe

var callNames = map[CallClass]string{
	Yield:          "yield",
	Subscribe:      "subscribe",
	Command:        "command",
	ReadWriteAllow: "read-write-allow",
	ReadOnlyAllow:  "read-only-allow",
	Memop:          "memop",
	Exit:           "exit",
}

// String returns the call class name.
func (c CallClass) String() string {
	name, ok := callNames[c]
	if ok {
		return name
	}

	return fmt.Sprintf("{CallClass %d}", uint8(c))
}

// Syscall is one decoded system call: a recognized class plus the four raw
// argument words the process supplied.
type Syscall struct {
	Class CallClass
	Args  [4]uint32
}

// String renders the call for logging.
func (s Syscall) String() string {
	return fmt.Sprintf("%s(%#x, %#x, %#x, %#x)", s.Class, s.Args[0], s.Args[1], s.Args[2], s.Args[3])
}

// DecodeSyscall turns a raw trap number and argument registers into a
// recognized call. The second return is false for any unrecognized number;
// the caller treats that as a process fault.
func DecodeSyscall(num uint8, r0, r1, r2, r3 uint32) (Syscall, bool) {
	if CallClass(num) > Exit {
		return Syscall{}, false
	}

	return Syscall{
		Class: CallClass(num),
		Args:  [4]uint32{r0, r1, r2, r3},
	}, true
}

// FunctionCall describes an upcall into process code: the entry address of
// the callback and the four argument registers it receives.
type FunctionCall struct {
	PC   uint32
	Args [4]uint32
}
