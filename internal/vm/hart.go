package vm

// hart.go implements the single RV32IMA hart: its architectural state and the
// fetch-decode-execute-trap loop that drives it one instruction at a time.

import (
	"context"
	"fmt"

	"github.com/nkern42/rv32emu/internal/log"
)

// Hart is one RISC-V hardware thread: its register file, CSRs, current privilege level, and the
// bus it executes against. The emulator models exactly one hart.
type Hart struct {
	PC   Word
	IR   Instruction
	Reg  RegisterFile
	CSR  CSRFile

	Privilege Privilege

	Bus *Bus
	MMU MMU

	// reservation implements the LR/SC pair: SC.W succeeds only if no store (to any address)
	// and no trap has occurred since the matching LR.W, and only ever one reservation is
	// live at a time, matching a single-hart machine.
	reservationValid bool
	reservationAddr  Word

	// InsnCount is the hart's retired-instruction counter, consulted by the timer comparator
	// and reported in checkpoints.
	InsnCount uint64

	log *log.Logger
}

// NewHart creates a hart in the machine's reset state: PC at the given entry point, privilege
// supervisor (the hart begins executing the kernel directly in S-mode; there is no firmware stage
// to drop out of M-mode), and all other state zeroed.
func NewHart(bus *Bus, entry Word, logger *log.Logger) *Hart {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	h := &Hart{
		PC:        entry,
		Bus:       bus,
		Privilege: PrivilegeSupervisor,
		log:       logger,
	}

	return h
}

// Fetch translates PC through the MMU and reads the instruction word at the resulting physical
// address.
func (h *Hart) Fetch() (Instruction, *Trap) {
	if h.PC%4 != 0 {
		return 0, newTrap(CauseInstructionMisaligned, h.PC)
	}

	pa, trap := h.MMU.Translate(h.Bus, &h.CSR, h.Privilege, h.PC, AccessFetch)
	if trap != nil {
		return 0, trap
	}

	word, trap := h.Bus.FetchPhysical(pa)
	if trap != nil {
		return 0, trap
	}

	return Instruction(word), nil
}

// Step executes exactly one instruction: it first checks for a pending interrupt, then fetches,
// decodes, and executes the instruction at PC. Most traps are delivered immediately through the
// trap engine; an ecall-from-S is the one exception: the SBI dispatcher
// plays the role machine-mode firmware would, so that cause is left undelivered and handed back
// to the caller, PC left pointing at the ecall, for the main loop to service and then skip past.
// Step returns the trap that was raised, if any (a normal instruction that merely advances PC
// returns nil); the caller can distinguish an ecall from a delivered trap by its Cause.
func (h *Hart) Step() *Trap {
	if cause, ok := h.PendingInterrupt(); ok {
		t := newTrap(cause, 0)
		h.Enter(t, h.PC)

		return t
	}

	faultPC := h.PC

	insn, trap := h.Fetch()
	if trap != nil {
		h.Enter(trap, faultPC)

		return trap
	}

	h.IR = insn

	trap = h.execute(insn)
	if trap != nil {
		if trap.Cause == CauseEcallFromS {
			return trap
		}

		h.Enter(trap, faultPC)

		return trap
	}

	h.InsnCount++

	return nil
}

// Run steps the hart until ctx is cancelled or until should returns false for the most recently
// delivered trap (for example, to stop on an unhandled fault rather than loop forever). Devices
// are not polled here; the caller (package machine) interleaves Bus.Devices.Poll at its own cadence.
func (h *Hart) Run(ctx context.Context, should func(*Trap) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		trap := h.Step()
		if trap != nil && should != nil && !should(trap) {
			return trap
		}
	}
}

// reserve records an LR.W reservation on addr, invalidating any previous one.
func (h *Hart) reserve(addr Word) {
	h.reservationValid = true
	h.reservationAddr = addr
}

// checkReservation reports whether addr matches the live reservation, consuming it either way:
// per the RISC-V A extension, an SC.W always clears the reservation, win or lose.
func (h *Hart) checkReservation(addr Word) bool {
	ok := h.reservationValid && h.reservationAddr == addr
	h.reservationValid = false

	return ok
}

// clearReservation invalidates any live LR/SC reservation. Called whenever any store reaches
// memory, and on trap entry: the reservation is broken by any store by the same hart, not only a
// store to the reserved address, so this drops it unconditionally rather than comparing
// addresses.
func (h *Hart) clearReservation() {
	h.reservationValid = false
}

// ReservationState returns the live LR/SC reservation, for the checkpoint codec.
func (h *Hart) ReservationState() (valid bool, addr Word) {
	return h.reservationValid, h.reservationAddr
}

// SetReservationState restores the LR/SC reservation from a checkpoint.
func (h *Hart) SetReservationState(valid bool, addr Word) {
	h.reservationValid = valid
	h.reservationAddr = addr
}

func (h *Hart) String() string {
	return fmt.Sprintf("Hart{PC: %s, priv: %s, insns: %d}", h.PC, h.Privilege, h.InsnCount)
}
