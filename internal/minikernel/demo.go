// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package minikernel

import (
	"github.com/emberos/trapgate/internal/image"
	"github.com/emberos/trapgate/internal/simcore"
	"github.com/emberos/trapgate/pkg/abi"
)

// Demo returns a built-in image that exercises the packed-syscall path: the
// program lays out a three-entry batch in its RAM that prints "hi\n" through
// the console driver, fires the whole batch with a single trap, and exits
// cleanly.
//
// The entry convention puts the bottom of process memory in r1, which the
// program uses as the batch table address.
func Demo() image.Image {
	cmd := uint8(abi.Command)
	con := uint8(DriverConsole)

	text := simcore.Program(
		// entry 0: command(console, putchar, 'h')
		simcore.MovsImm(2, cmd), simcore.StrImm(2, 1, 0),
		simcore.MovsImm(2, con), simcore.StrImm(2, 1, 1),
		simcore.MovsImm(2, consolePutChar), simcore.StrImm(2, 1, 2),
		simcore.MovsImm(2, 'h'), simcore.StrImm(2, 1, 3),
		simcore.MovsImm(2, 0), simcore.StrImm(2, 1, 4),
		// entry 1: command(console, putchar, 'i')
		simcore.MovsImm(2, cmd), simcore.StrImm(2, 1, 5),
		simcore.MovsImm(2, con), simcore.StrImm(2, 1, 6),
		simcore.MovsImm(2, consolePutChar), simcore.StrImm(2, 1, 7),
		simcore.MovsImm(2, 'i'), simcore.StrImm(2, 1, 8),
		simcore.MovsImm(2, 0), simcore.StrImm(2, 1, 9),
		// entry 2: command(console, putchar, '\n')
		simcore.MovsImm(2, cmd), simcore.StrImm(2, 1, 10),
		simcore.MovsImm(2, con), simcore.StrImm(2, 1, 11),
		simcore.MovsImm(2, consolePutChar), simcore.StrImm(2, 1, 12),
		simcore.MovsImm(2, '\n'), simcore.StrImm(2, 1, 13),
		simcore.MovsImm(2, 0), simcore.StrImm(2, 1, 14),
		// fire the batch: three entries at r1, stop on error
		simcore.MovsImm(0, 3),
		simcore.MovsImm(2, 0),
		simcore.SVC(abi.PackedCall),
		// exit(terminate, 0)
		simcore.MovsImm(0, 0),
		simcore.MovsImm(1, 0),
		simcore.SVC(uint8(abi.Exit)),
	)

	return image.Build(0, 0, 0x100, text)
}
