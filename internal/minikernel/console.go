// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package minikernel

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/emberos/trapgate/pkg/abi"
)

// DriverConsole is the driver number of the debug console.
const DriverConsole uint32 = 8

// Console command numbers.
const (
	consoleCheck    = 0
	consolePutChar  = 1
	consolePrintU32 = 2
)

// console is the debug console driver: it exists so user programs have an
// observable effect. Writes complete synchronously but still raise the
// completion event for subscribers.
type console struct {
	logger *slog.Logger
	out    io.Writer
}

func newConsole(logger *slog.Logger, out io.Writer) *console {
	return &console{
		logger: logger.With("driver", "console"),
		out:    out,
	}
}

func (c *console) Command(cmd, a, _ uint32) (abi.Return, bool) {
	switch cmd {
	case consoleCheck:
		return abi.Success(), false

	case consolePutChar:
		if _, err := c.out.Write([]byte{byte(a)}); err != nil {
			c.logger.Debug("console write failed", "error", err)

			return abi.Failure(abi.Fail), false
		}

		return abi.Success(), true

	case consolePrintU32:
		if _, err := fmt.Fprintf(c.out, "0x%08x\n", a); err != nil {
			c.logger.Debug("console write failed", "error", err)

			return abi.Failure(abi.Fail), false
		}

		return abi.Success(), true

	default:
		return abi.Failure(abi.NoSupport), false
	}
}
