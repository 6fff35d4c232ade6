package uart

import (
	"bytes"
	"testing"

	"github.com/nkern42/rv32emu/internal/devices/plic"
)

type byteSource struct {
	bytes []byte
}

func (s *byteSource) TryRead() (byte, bool) {
	if len(s.bytes) == 0 {
		return 0, false
	}

	b := s.bytes[0]
	s.bytes = s.bytes[1:]

	return b, true
}

func TestPollFillsReceiveRegisterAndRaisesIRQ(t *testing.T) {
	t.Parallel()

	irq := plic.New(nil)
	irq.Write(0x04, 4, 1<<IRQLine) //nolint:errcheck // enable the UART's source

	u := New(irq, IRQLine, nil)
	u.In = &byteSource{bytes: []byte{'X'}}
	u.ier = ierRxReady

	if err := u.Poll(); err != nil {
		t.Fatalf("poll: %s", err)
	}

	if !irq.Active() {
		t.Fatalf("expected the PLIC line to be asserted once a byte is ready")
	}

	val, err := u.Read(regData, 4)
	if err != nil {
		t.Fatalf("read data: %s", err)
	}

	if val != 'X' {
		t.Errorf("data = %q, want 'X'", val)
	}

	lsr, _ := u.Read(regLSR, 4) //nolint:errcheck
	if lsr&lsrDataReady != 0 {
		t.Errorf("ready flag should clear after the byte is consumed")
	}

	if irq.Active() {
		t.Errorf("the PLIC line should deassert once the ready flag clears")
	}
}

func TestTransmitWritesToOut(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	u := New(plic.New(nil), IRQLine, nil)
	u.Out = &out

	if err := u.Write(regData, 4, 'h'); err != nil {
		t.Fatalf("write: %s", err)
	}

	if got := out.String(); got != "h" {
		t.Errorf("out = %q, want %q", got, "h")
	}
}

// TestThrEmptyInterrupt: the transmit holding register is always empty, so enabling the THR-empty
// interrupt alone must assert the line, and masking it must drop the line.
func TestThrEmptyInterrupt(t *testing.T) {
	t.Parallel()

	irq := plic.New(nil)
	irq.Write(0x04, 4, 1<<IRQLine) //nolint:errcheck

	u := New(irq, IRQLine, nil)

	if err := u.Write(regIER, 4, ierThrEmpty); err != nil {
		t.Fatalf("enable thr-empty irq: %s", err)
	}

	if !irq.Active() {
		t.Fatalf("expected the PLIC line to assert with the THR-empty interrupt enabled")
	}

	if err := u.Write(regIER, 4, 0); err != nil {
		t.Fatalf("mask interrupts: %s", err)
	}

	if irq.Active() {
		t.Errorf("the PLIC line should deassert once the interrupt is masked")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	u := New(plic.New(nil), IRQLine, nil)
	u.In = &byteSource{bytes: []byte{'Z'}}
	u.ier = ierRxReady

	if err := u.Poll(); err != nil {
		t.Fatalf("poll: %s", err)
	}

	u.divisor = 12

	snap := u.Snapshot()

	v := New(plic.New(nil), IRQLine, nil)
	v.Restore(snap)

	if v.Snapshot() != snap {
		t.Errorf("restored state %+v does not match snapshot %+v", v.Snapshot(), snap)
	}
}

// IRQLine is an arbitrary PLIC source number for these tests; it need not match the default wiring.
const IRQLine = 1
