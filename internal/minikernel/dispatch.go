// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package minikernel

import (
	"github.com/emberos/trapgate/internal/util"
	"github.com/emberos/trapgate/pkg/abi"
)

// Memop operation numbers.
const (
	memopBrk  = 0
	memopSBrk = 1
)

// dispatch handles one classified system call. The returned error reports a
// retirement failure, which terminates the process; driver-level failures
// travel back to the process as encoded return values instead.
func (k *Kernel) dispatch(call abi.Syscall) error {
	util.TraceLog(k.logger, "dispatching", "call", call)

	switch call.Class {
	case abi.Yield:
		return k.dispatchYield()

	case abi.Subscribe:
		return k.retire(k.dispatchSubscribe(call))

	case abi.Command:
		ret, event := k.dispatchCommand(call)
		if event {
			k.queueUpcall(call)
		}

		return k.retire(ret)

	case abi.ReadWriteAllow, abi.ReadOnlyAllow:
		// No driver here takes process buffers; hand the buffer straight
		// back so the process keeps ownership.
		return k.retire(abi.FailureU32U32(abi.NoDevice, call.Args[2], call.Args[3]))

	case abi.Memop:
		return k.retire(k.dispatchMemop(call))

	case abi.Exit:
		k.proc.exited = true
		k.proc.exitCode = call.Args[1]
		k.logger.Debug("exit requested", "kind", call.Args[0], "code", call.Args[1])

		return nil
	}

	// Unreachable: the boundary only surfaces the classes above.
	return nil
}

func (k *Kernel) retire(ret abi.Return) error {
	return k.boundary.SetSyscallReturnValue(k.proc.start, k.proc.brk, &k.proc.state, ret)
}

// dispatchYield retires a batch-final yield, then delivers the next queued
// upcall if one is pending. With nothing queued the process simply resumes
// after its yield.
func (k *Kernel) dispatchYield() error {
	proc := k.proc

	// A yield arriving from a packed batch is the batch's final entry; give
	// it its success so the batch goes idle before the process suspends.
	if _, active := proc.state.PendingBatch(); active {
		if err := k.retire(abi.Success()); err != nil {
			return err
		}
	}

	if len(proc.queue) == 0 {
		return nil
	}

	fc := proc.queue[0]
	proc.queue = proc.queue[1:]
	k.stats.Upcalls++

	util.TraceLog(k.logger, "delivering upcall", "pc", fc.PC)

	return k.boundary.SetProcessFunction(proc.start, proc.brk, &proc.state, fc)
}

// dispatchSubscribe swaps the process's upcall registration for a driver and
// returns the previous one.
func (k *Kernel) dispatchSubscribe(call abi.Syscall) abi.Return {
	driver, fn, data := call.Args[0], call.Args[2], call.Args[3]

	if _, ok := k.drivers[driver]; !ok {
		return abi.FailureU32U32(abi.NoDevice, fn, data)
	}

	prev := k.proc.subs[driver]
	k.proc.subs[driver] = upcall{fn: fn, data: data}

	return abi.SuccessU32U32(prev.fn, prev.data)
}

func (k *Kernel) dispatchCommand(call abi.Syscall) (abi.Return, bool) {
	d, ok := k.drivers[call.Args[0]]
	if !ok {
		return abi.Failure(abi.NoDevice), false
	}

	return d.Command(call.Args[1], call.Args[2], call.Args[3])
}

// queueUpcall schedules the process's registered upcall for the driver that
// completed an event. A zero function address means not subscribed.
func (k *Kernel) queueUpcall(call abi.Syscall) {
	sub, ok := k.proc.subs[call.Args[0]]
	if !ok || sub.fn == 0 {
		return
	}

	k.proc.queue = append(k.proc.queue, abi.FunctionCall{
		PC:   sub.fn,
		Args: [4]uint32{call.Args[1], call.Args[2], 0, sub.data},
	})
}

// dispatchMemop moves the process break. Growth is capped by the RAM bank;
// shrinking below the live stack is legal here and surfaces as a fault on
// the next switch, when the stack pointer fails validation.
func (k *Kernel) dispatchMemop(call abi.Syscall) abi.Return {
	proc := k.proc
	op, arg := call.Args[0], call.Args[1]

	switch op {
	case memopBrk:
		if arg < proc.start || arg > proc.ramTop {
			return abi.Failure(abi.NoMem)
		}

		proc.brk = arg

		return abi.Success()

	case memopSBrk:
		prev := proc.brk

		next := int64(prev) + int64(int32(arg))
		if next < int64(proc.start) || next > int64(proc.ramTop) {
			return abi.Failure(abi.NoMem)
		}

		proc.brk = uint32(next)

		return abi.SuccessU32(prev)

	default:
		return abi.Failure(abi.NoSupport)
	}
}
