// Package plic implements a minimal Platform-Level Interrupt Controller: 32 fixed interrupt
// sources aggregated into a single external-interrupt line for the hart.
package plic

import (
	"fmt"

	"github.com/nkern42/rv32emu/internal/log"
	"github.com/nkern42/rv32emu/internal/vm"
)

// Default IRQ wiring.
const (
	IRQUART      = 1
	IRQVirtioNet = 2
	IRQVirtioBlk = 3
)

// Register offsets within the PLIC's mapped region.
const (
	regPending  = 0x00 // RO: current pending bitmap.
	regEnable   = 0x04 // RW: per-source enable bitmap.
	regClaim    = 0x08 // R: claim lowest-numbered active source; W: complete (re-arm) a source.
	regActive   = 0x0c // RO: (pending & enable & ~masked) != 0, as a single bit.
)

// PLIC aggregates up to 32 device interrupt sources (bit index == IRQ number) into pending,
// enable, and masked/claimed bitmaps, and exposes the claim/complete protocol a supervisor driver
// uses to service them.
type PLIC struct {
	pending Word
	enable  Word
	masked  Word

	log *log.Logger
}

// Word mirrors vm.Word without importing it as the package's primary numeric type name, since the
// PLIC's bitmaps are a plain 32-bit register, not a hart-visible architectural word.
type Word = vm.Word

// New creates a PLIC with all sources disabled and unasserted.
func New(logger *log.Logger) *PLIC {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &PLIC{log: logger}
}

func (p *PLIC) Name() string { return "plic" }

func (p *PLIC) String() string {
	return fmt.Sprintf("PLIC{pending=%#010x enable=%#010x masked=%#010x}", uint32(p.pending), uint32(p.enable), uint32(p.masked))
}

// Assert sets irq's pending bit, as a device does when it has work for the supervisor.
func (p *PLIC) Assert(irq uint) {
	p.pending |= 1 << irq
}

// Deassert clears irq's pending bit directly, bypassing claim/complete. Used by devices whose
// condition self-clears (e.g. a UART with no more queued input).
func (p *PLIC) Deassert(irq uint) {
	p.pending &^= 1 << irq
}

// Active reports the aggregate external-interrupt line: any source pending, enabled, and not
// currently masked/claimed.
func (p *PLIC) Active() bool {
	return p.active() != 0
}

func (p *PLIC) active() Word {
	return p.pending & p.enable &^ p.masked
}

func (p *PLIC) Read(addr Word, width int) (Word, error) {
	switch addr % 0x10000 {
	case regPending:
		return p.pending, nil
	case regEnable:
		return p.enable, nil
	case regClaim:
		return p.claim(), nil
	case regActive:
		return boolWord(p.Active()), nil
	default:
		return 0, fmt.Errorf("plic: read: unmapped register %#x", addr)
	}
}

func (p *PLIC) Write(addr Word, width int, val Word) error {
	switch addr % 0x10000 {
	case regEnable:
		p.enable = val
	case regClaim:
		p.complete(val)
	default:
		return fmt.Errorf("plic: write: unmapped or read-only register %#x", addr)
	}

	return nil
}

// claim returns the lowest-numbered asserted source and moves it to masked/claimed so it will not
// be reported again until completed.
func (p *PLIC) claim() Word {
	active := p.active()
	if active == 0 {
		return 0
	}

	for irq := uint(0); irq < 32; irq++ {
		if active&(1<<irq) != 0 {
			p.masked |= 1 << irq

			return Word(irq)
		}
	}

	return 0
}

// complete re-arms the source named by val, the value previously returned by claim.
func (p *PLIC) complete(val Word) {
	irq := uint(val)
	if irq >= 32 {
		return
	}

	p.masked &^= 1 << irq
}

func boolWord(b bool) Word {
	if b {
		return 1
	}

	return 0
}

// State is the serialisable snapshot of the PLIC, used by the checkpoint codec.
type State struct {
	Pending uint32
	Enable  uint32
	Masked  uint32
}

func (p *PLIC) Snapshot() State {
	return State{Pending: uint32(p.pending), Enable: uint32(p.enable), Masked: uint32(p.masked)}
}

func (p *PLIC) Restore(s State) {
	p.pending = Word(s.Pending)
	p.enable = Word(s.Enable)
	p.masked = Word(s.Masked)
}
