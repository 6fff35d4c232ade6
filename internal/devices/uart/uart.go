// Package uart implements an 8250-class character device: a single byte-wide transmit/receive
// register, a line-status ready flag, and an interrupt-enable mask, wired to the PLIC.
package uart

import (
	"fmt"
	"io"

	"github.com/nkern42/rv32emu/internal/devices/plic"
	"github.com/nkern42/rv32emu/internal/log"
	"github.com/nkern42/rv32emu/internal/vm"
)

// Word aliases vm.Word for brevity within register definitions.
type Word = vm.Word

// Register offsets within the UART's mapped region.
const (
	regData    = 0x00 // R: receive buffer (consumes the byte, clears ready); W: transmit holding.
	regLSR     = 0x04 // R: line status; bit 0 = input ready, bit 5 = THR always empty.
	regIER     = 0x08 // RW: interrupt-enable mask (bit 0 = RX ready, bit 1 = THR empty).
	regDivisor = 0x0c // RW: baud-rate divisor latch; stored but otherwise inert.
)

const (
	lsrDataReady Word = 1 << 0
	lsrThrEmpty  Word = 1 << 5

	ierRxReady  Word = 1 << 0
	ierThrEmpty Word = 1 << 1
)

// Source supplies host input bytes without blocking the emulator's main loop; Poll calls it once
// per poll interval. A nil Source leaves the UART permanently empty.
type Source interface {
	// TryRead returns the next available byte and true, or ok=false if none is waiting.
	TryRead() (byte, bool)
}

// UART is an 8250-class serial port. Output bytes are written directly to Out (typically the host
// terminal or standard output); input bytes are pulled from In by Poll.
type UART struct {
	In  Source
	Out io.Writer

	ready   bool
	rxByte  byte
	ier     Word
	divisor Word

	irq  *plic.PLIC
	line uint

	log *log.Logger
}

// New creates a UART wired to raise line on irq's PLIC.
func New(irq *plic.PLIC, line uint, logger *log.Logger) *UART {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &UART{irq: irq, line: line, log: logger}
}

func (u *UART) Name() string { return "uart" }

func (u *UART) String() string {
	return fmt.Sprintf("UART{ready=%t ier=%#x}", u.ready, uint32(u.ier))
}

func (u *UART) lsr() Word {
	lsr := lsrThrEmpty
	if u.ready {
		lsr |= lsrDataReady
	}

	return lsr
}

func (u *UART) Read(addr Word, width int) (Word, error) {
	switch addr % 0x10000 {
	case regData:
		if !u.ready {
			return 0, nil
		}

		val := Word(u.rxByte)
		u.ready = false
		u.updateIRQ()

		return val, nil
	case regLSR:
		return u.lsr(), nil
	case regIER:
		return u.ier, nil
	case regDivisor:
		return u.divisor, nil
	default:
		return 0, fmt.Errorf("uart: read: unmapped register %#x", addr)
	}
}

func (u *UART) Write(addr Word, width int, val Word) error {
	switch addr % 0x10000 {
	case regData:
		if u.Out != nil {
			if _, err := u.Out.Write([]byte{byte(val)}); err != nil {
				return fmt.Errorf("uart: transmit: %w", err)
			}
		}
	case regIER:
		u.ier = val & (ierRxReady | ierThrEmpty)
		u.updateIRQ()
	case regDivisor:
		u.divisor = val
	default:
		return fmt.Errorf("uart: write: unmapped register %#x", addr)
	}

	return nil
}

// Poll pulls at most one byte from In. The main loop polls device input readiness at a fixed
// interval rather than on every step.
func (u *UART) Poll() error {
	if u.ready || u.In == nil {
		u.updateIRQ()
		return nil
	}

	b, ok := u.In.TryRead()
	if !ok {
		return nil
	}

	u.rxByte = b
	u.ready = true
	u.updateIRQ()

	return nil
}

func (u *UART) updateIRQ() {
	if u.irq == nil {
		return
	}

	rx := u.ready && u.ier&ierRxReady != 0
	// Transmit completes synchronously, so the holding register is always empty: with the
	// THR-empty interrupt enabled the line stays asserted until the guest masks it.
	tx := u.ier&ierThrEmpty != 0

	if rx || tx {
		u.irq.Assert(u.line)
	} else {
		u.irq.Deassert(u.line)
	}
}

// State is the serialisable snapshot of the UART, excluding the host input source and output
// writer.
type State struct {
	Ready   bool
	RXByte  byte
	IER     uint32
	Divisor uint32
}

func (u *UART) Snapshot() State {
	return State{Ready: u.ready, RXByte: u.rxByte, IER: uint32(u.ier), Divisor: uint32(u.divisor)}
}

func (u *UART) Restore(s State) {
	u.ready = s.Ready
	u.rxByte = s.RXByte
	u.ier = Word(s.IER)
	u.divisor = Word(s.Divisor)
	u.updateIRQ()
}
