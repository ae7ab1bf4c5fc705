// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package abi

// ReturnVariant is the wire discriminant of a system call return value. It is
// written verbatim into the first return register; failure variants occupy
// the low numbers, success variants start at 128.
type ReturnVariant uint32

// Return value variants.
const (
	ReturnFailure          ReturnVariant = 0
	ReturnFailureU32       ReturnVariant = 1
	ReturnFailureU32U32    ReturnVariant = 2
	ReturnFailureU64       ReturnVariant = 3
	ReturnSuccess          ReturnVariant = 128
	ReturnSuccessU32       ReturnVariant = 129
	ReturnSuccessU32U32    ReturnVariant = 130
	ReturnSuccessU64       ReturnVariant = 131
	ReturnSuccessU32U32U32 ReturnVariant = 132
	ReturnSuccessU64U32    ReturnVariant = 133
)

// Return is an encoded system call return value: a variant plus up to three
// payload words. The boundary writes it into process memory without
// interpreting the payload.
type Return struct {
	variant ReturnVariant
	payload [3]uint32
}

// Success returns the bare success value.
func Success() Return {
	return Return{variant: ReturnSuccess}
}

// SuccessU32 returns a success carrying one word.
func SuccessU32(v uint32) Return {
	return Return{variant: ReturnSuccessU32, payload: [3]uint32{v}}
}

// SuccessU32U32 returns a success carrying two words.
func SuccessU32U32(a, b uint32) Return {
	return Return{variant: ReturnSuccessU32U32, payload: [3]uint32{a, b}}
}

// SuccessU64 returns a success carrying a doubleword, least significant
// word first.
func SuccessU64(v uint64) Return {
	return Return{variant: ReturnSuccessU64, payload: [3]uint32{uint32(v), uint32(v >> 32)}}
}

// SuccessU32U32U32 returns a success carrying three words.
func SuccessU32U32U32(a, b, c uint32) Return {
	return Return{variant: ReturnSuccessU32U32U32, payload: [3]uint32{a, b, c}}
}

// SuccessU64U32 returns a success carrying a doubleword and a word.
func SuccessU64U32(v uint64, a uint32) Return {
	return Return{variant: ReturnSuccessU64U32, payload: [3]uint32{uint32(v), uint32(v >> 32), a}}
}

// Failure returns the bare failure value for code.
func Failure(code ErrorCode) Return {
	return Return{variant: ReturnFailure, payload: [3]uint32{uint32(code)}}
}

// FailureU32 returns a failure carrying one word besides the code.
func FailureU32(code ErrorCode, v uint32) Return {
	return Return{variant: ReturnFailureU32, payload: [3]uint32{uint32(code), v}}
}

// FailureU32U32 returns a failure carrying two words besides the code.
func FailureU32U32(code ErrorCode, a, b uint32) Return {
	return Return{variant: ReturnFailureU32U32, payload: [3]uint32{uint32(code), a, b}}
}

// FailureU64 returns a failure carrying a doubleword besides the code.
func FailureU64(code ErrorCode, v uint64) Return {
	return Return{variant: ReturnFailureU64, payload: [3]uint32{uint32(code), uint32(v), uint32(v >> 32)}}
}

// Variant returns the wire discriminant.
func (r Return) Variant() ReturnVariant {
	return r.variant
}

// IsSuccess reports whether the value is any success variant.
func (r Return) IsSuccess() bool {
	return r.variant >= ReturnSuccess
}

// EncodeRegisters lays the value out in the architecture's register encoding:
// the variant in the first register, payload words in the rest.
func (r Return) EncodeRegisters() [4]uint32 {
	return [4]uint32{uint32(r.variant), r.payload[0], r.payload[1], r.payload[2]}
}
