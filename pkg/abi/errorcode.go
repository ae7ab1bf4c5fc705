// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package abi

import "fmt"

// ErrorCode is the kernel error namespace carried in failure payloads.
type ErrorCode uint32

// Error codes. Zero is reserved so that an uninitialized payload word never
// reads as a valid code.
const (
	Fail        ErrorCode = 1
	Busy        ErrorCode = 2
	Already     ErrorCode = 3
	Off         ErrorCode = 4
	Reserve     ErrorCode = 5
	Invalid     ErrorCode = 6
	Size        ErrorCode = 7
	Cancel      ErrorCode = 8
	NoMem       ErrorCode = 9
	NoSupport   ErrorCode = 10
	NoDevice    ErrorCode = 11
	Uninstalled ErrorCode = 12
	BadRVal     ErrorCode = 13
)

var errorCodeNames = map[ErrorCode]string{
	Fail:        "fail",
	Busy:        "busy",
	Already:     "already",
	Off:         "off",
	Reserve:     "reserve",
	Invalid:     "invalid",
	Size:        "size",
	Cancel:      "cancel",
	NoMem:       "nomem",
	NoSupport:   "nosupport",
	NoDevice:    "nodevice",
	Uninstalled: "uninstalled",
	BadRVal:     "badrval",
}

// String returns the error code name.
func (e ErrorCode) String() string {
	name, ok := errorCodeNames[e]
	if ok {
		return name
	}

	return fmt.Sprintf("{ErrorCode %d}", uint32(e))
}
