package vm

// trap.go implements the trap engine: delivery of synchronous exceptions and
// asynchronous interrupts into supervisor mode, and the sret return path.

import "fmt"

// Cause identifies why a trap was raised. The top bit, set by Interrupt, distinguishes
// asynchronous interrupts from synchronous exceptions, matching scause's encoding.
type Cause uint32

const interruptBit Cause = 1 << 31

// Exception causes (scause, top bit clear).
const (
	CauseInstructionMisaligned  Cause = 0
	CauseInstructionAccessFault Cause = 1
	CauseIllegalInstruction     Cause = 2
	CauseBreakpoint             Cause = 3
	CauseLoadMisaligned         Cause = 4
	CauseLoadAccessFault        Cause = 5
	CauseStoreMisaligned        Cause = 6
	CauseStoreAccessFault       Cause = 7
	CauseEcallFromU             Cause = 8
	CauseEcallFromS             Cause = 9
	CauseInstructionPageFault   Cause = 12
	CauseLoadPageFault          Cause = 13
	CauseStorePageFault         Cause = 15
)

// Interrupt causes (scause, top bit set).
const (
	CauseSupervisorSoftwareInterrupt Cause = interruptBit | 1
	CauseSupervisorTimerInterrupt    Cause = interruptBit | 5
	CauseSupervisorExternalInterrupt Cause = interruptBit | 9
)

// IsInterrupt reports whether the cause is an asynchronous interrupt rather than a synchronous
// exception.
func (c Cause) IsInterrupt() bool { return c&interruptBit != 0 }

func (c Cause) String() string {
	if c.IsInterrupt() {
		switch c &^ interruptBit {
		case 1:
			return "supervisor-software-interrupt"
		case 5:
			return "supervisor-timer-interrupt"
		case 9:
			return "supervisor-external-interrupt"
		default:
			return fmt.Sprintf("interrupt(%d)", uint32(c&^interruptBit))
		}
	}

	switch c {
	case CauseInstructionMisaligned:
		return "instruction-address-misaligned"
	case CauseInstructionAccessFault:
		return "instruction-access-fault"
	case CauseIllegalInstruction:
		return "illegal-instruction"
	case CauseBreakpoint:
		return "breakpoint"
	case CauseLoadMisaligned:
		return "load-address-misaligned"
	case CauseLoadAccessFault:
		return "load-access-fault"
	case CauseStoreMisaligned:
		return "store-address-misaligned"
	case CauseStoreAccessFault:
		return "store-access-fault"
	case CauseEcallFromU:
		return "environment-call-from-u"
	case CauseEcallFromS:
		return "environment-call-from-s"
	case CauseInstructionPageFault:
		return "instruction-page-fault"
	case CauseLoadPageFault:
		return "load-page-fault"
	case CauseStorePageFault:
		return "store-page-fault"
	default:
		return fmt.Sprintf("exception(%d)", uint32(c))
	}
}

// Trap is a raised exception or interrupt awaiting delivery by the trap engine. It implements
// error so that instruction execution can return it through the ordinary Go error path.
type Trap struct {
	Cause Cause
	Tval  Word
}

func newTrap(cause Cause, tval Word) *Trap {
	return &Trap{Cause: cause, Tval: tval}
}

func (t *Trap) Error() string {
	return fmt.Sprintf("trap: %s (tval=%s)", t.Cause, t.Tval)
}

func (t *Trap) String() string { return t.Error() }

// Enter delivers a trap into supervisor mode: scause/stval/sepc are set, SPP and SPIE/SIE are
// updated, and PC is redirected to stvec (direct, or vectored for interrupts).
func (h *Hart) Enter(t *Trap, faultPC Word) {
	csr := &h.CSR

	h.clearReservation()

	csr.Scause = Word(t.Cause)
	csr.Stval = t.Tval
	csr.Sepc = faultPC

	if h.Privilege == PrivilegeSupervisor {
		csr.Sstatus |= SstatusSPP
	} else {
		csr.Sstatus &^= SstatusSPP
	}

	if csr.Sstatus&SstatusSIE != 0 {
		csr.Sstatus |= SstatusSPIE
	} else {
		csr.Sstatus &^= SstatusSPIE
	}

	csr.Sstatus &^= SstatusSIE

	h.Privilege = PrivilegeSupervisor

	base := csr.Stvec &^ 0x3
	vectored := csr.Stvec&0x3 == 1

	if vectored && t.Cause.IsInterrupt() {
		h.PC = base + 4*Word(t.Cause&^interruptBit)
	} else {
		h.PC = base
	}

	h.log.Debug("trap delivered", "cause", t.Cause, "tval", t.Tval, "sepc", csr.Sepc, "pc", h.PC)
}

// SRet implements the sret instruction: privilege and SIE are restored from SPP/SPIE, SPIE is set,
// SPP drops to user, and PC resumes at sepc.
func (h *Hart) SRet() *Trap {
	if h.Privilege != PrivilegeSupervisor {
		return newTrap(CauseIllegalInstruction, Word(h.IR))
	}

	csr := &h.CSR

	if csr.Sstatus&SstatusSPP != 0 {
		h.Privilege = PrivilegeSupervisor
	} else {
		h.Privilege = PrivilegeUser
	}

	if csr.Sstatus&SstatusSPIE != 0 {
		csr.Sstatus |= SstatusSIE
	} else {
		csr.Sstatus &^= SstatusSIE
	}

	csr.Sstatus |= SstatusSPIE
	csr.Sstatus &^= SstatusSPP

	h.PC = csr.Sepc

	return nil
}

// PendingInterrupt selects the highest-priority enabled-and-pending interrupt, following the
// priority order external > software > timer. It returns ok=false if interrupts are
// globally disabled or none is both pending and enabled.
func (h *Hart) PendingInterrupt() (Cause, bool) {
	if h.CSR.Sstatus&SstatusSIE == 0 {
		return 0, false
	}

	pending := h.CSR.sip() & h.CSR.Sie

	switch {
	case pending&InterruptSEI != 0:
		return CauseSupervisorExternalInterrupt, true
	case pending&InterruptSSI != 0:
		return CauseSupervisorSoftwareInterrupt, true
	case pending&InterruptSTI != 0:
		return CauseSupervisorTimerInterrupt, true
	default:
		return 0, false
	}
}
