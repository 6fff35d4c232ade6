// Package sbi implements the Supervisor Binary Interface dispatcher: the ecall
// handlers a supervisor-mode kernel uses in place of machine-mode firmware, since this emulator
// models no M-mode of its own.
package sbi

import "github.com/nkern42/rv32emu/internal/vm"

// Word aliases vm.Word for brevity.
type Word = vm.Word

// Standard SBI error codes.
const (
	Success      int32 = 0
	NotSupported int32 = -2
)

// Extension IDs this dispatcher implements.
const (
	ExtBase        Word = 0x10
	ExtTimer       Word = 0x54494d45 // "TIME"
	ExtSystemReset Word = 0x53525354 // "SRST"
)

// Base extension function IDs.
const (
	fnGetSpecVersion Word = 0
	fnGetImplID      Word = 1
	fnGetImplVersion Word = 2
	fnProbeExtension Word = 3
	fnGetMvendorid   Word = 4
	fnGetMarchid     Word = 5
	fnGetMimpid      Word = 6
)

const (
	implID      Word = 1 // Arbitrary, stable implementation id for this emulator.
	implVersion Word = 1
	specVersion Word = 0x00000002 // SBI v0.2, major=0 minor=2.
)

// Args is the ecall calling convention: extension in a7, function in a6, arguments
// in a0..a5; only a0 and a1 are carried here.
type Args struct {
	EID  Word
	FID  Word
	Arg0 Word
	Arg1 Word
}

// Result is written back by the machine: on success Value's low word goes to a0 and its high word
// to a1, so a caller reading only a0 still gets a usable low word instead of a silently truncated
// one; on failure Error goes to a0 and a1 is zeroed.
type Result struct {
	Error int32
	Value uint64
}

func ok(v uint64) Result { return Result{Error: Success, Value: v} }

func notSupported() Result { return Result{Error: NotSupported} }

// Machine is the subset of machine state the dispatcher needs: reading the instruction counter and
// setting the timer deadline, and requesting shutdown.
type Machine interface {
	InstructionCount() uint64
	SetTimer(deadline uint64)
	Shutdown(cause ShutdownCause)
}

// ShutdownCause records why System-Reset was invoked, for the exit-code mapping at the process
// boundary.
type ShutdownCause struct {
	Type   Word
	Reason Word
}

// System-Reset types and reasons (SBI spec: SRST extension).
const (
	ResetTypeShutdown   Word = 0
	ResetTypeColdReboot Word = 1
	ResetTypeWarmReboot Word = 2

	ResetReasonNone    Word = 0
	ResetReasonFailure Word = 1
)

// Dispatch services one ecall-from-S, returning the value to place in a0/a1. The caller (the main
// loop) is responsible for advancing PC past the ecall, since the trap engine does not: this is
// invoked at the loop's top level rather than through the trap vector.
func Dispatch(m Machine, args Args) Result {
	switch args.EID {
	case ExtBase:
		return dispatchBase(args)
	case ExtTimer:
		return dispatchTimer(m, args)
	case ExtSystemReset:
		return dispatchSystemReset(m, args)
	default:
		return notSupported()
	}
}

func dispatchBase(args Args) Result {
	switch args.FID {
	case fnGetSpecVersion:
		return ok(uint64(specVersion))
	case fnGetImplID:
		return ok(uint64(implID))
	case fnGetImplVersion:
		return ok(uint64(implVersion))
	case fnProbeExtension:
		return ok(boolUint(args.Arg0 == ExtBase || args.Arg0 == ExtTimer || args.Arg0 == ExtSystemReset))
	case fnGetMvendorid, fnGetMarchid, fnGetMimpid:
		return ok(0)
	default:
		return notSupported()
	}
}

// dispatchTimer implements Timer.set-timer (FID 0): records a 64-bit deadline, split across a0
// (low) and a1 (high) in the ecall's argument convention, for the main loop to compare against the
// instruction counter.
func dispatchTimer(m Machine, args Args) Result {
	if args.FID != 0 {
		return notSupported()
	}

	deadline := uint64(args.Arg1)<<32 | uint64(args.Arg0)
	m.SetTimer(deadline)

	return ok(0)
}

func dispatchSystemReset(m Machine, args Args) Result {
	if args.FID != 0 {
		return notSupported()
	}

	m.Shutdown(ShutdownCause{Type: args.Arg0, Reason: args.Arg1})

	return ok(0)
}

func boolUint(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}
