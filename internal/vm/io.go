package vm

// io.go implements the memory-mapped I/O controller: a runtime-pluggable device list registered
// by address range at construction. The controller routes loads and stores to whichever device's
// range contains the address and, once per poll interval, polls every registered device for
// interrupt and readiness updates.

import (
	"errors"
	"fmt"

	"github.com/nkern42/rv32emu/internal/log"
)

// Device is the common capability every memory-mapped peripheral implements: it can describe
// itself (for logging) and participate in the claim/complete interrupt protocol through the PLIC.
type Device interface {
	fmt.Stringer

	// Name returns a short, human-readable identifier for the device, used in logs and panics.
	Name() string
}

// Reader is a device that answers register reads.
type Reader interface {
	Device
	Read(addr Word, width int) (Word, error)
}

// Writer is a device that answers register writes.
type Writer interface {
	Device
	Write(addr Word, width int, val Word) error
}

// Poller is a device that does work between instruction steps: refreshing a ready flag, draining a
// host-side queue, or recomputing its IRQ line. The main loop (package machine) calls Poll once per
// poll interval.
type Poller interface {
	Device
	Poll() error
}

// region associates a device with the physical address range it answers to.
type region struct {
	base Word
	size Word
	dev  Device
}

func (r region) contains(addr Word) bool {
	return addr >= r.base && addr < r.base+r.size
}

// MMIO is the memory-mapped I/O controller.
type MMIO struct {
	regions []region
	log     *log.Logger
}

// NewMMIO creates an MMIO controller with no devices registered.
func NewMMIO(logger *log.Logger) MMIO {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return MMIO{log: logger}
}

// ErrNoDevice is returned when an access targets an address with no registered device.
var ErrNoDevice = errors.New("mmio: no device")

// Map registers a device to answer for [base, base+size).
func (m *MMIO) Map(base, size Word, dev Device) {
	m.log.Debug("mapped device", "base", base.String(), "size", uint32(size), "device", dev.Name())
	m.regions = append(m.regions, region{base: base, size: size, dev: dev})
}

func (m *MMIO) find(addr Word) Device {
	for _, r := range m.regions {
		if r.contains(addr) {
			return r.dev
		}
	}

	return nil
}

// Load reads width bytes from addr from whichever device's range contains it.
func (m *MMIO) Load(addr Word, width int) (Word, error) {
	dev := m.find(addr)
	if dev == nil {
		return 0, fmt.Errorf("%w: load: addr: %s", ErrNoDevice, addr)
	}

	reader, ok := dev.(Reader)
	if !ok {
		return 0, fmt.Errorf("mmio: load: %s: not readable", dev.Name())
	}

	val, err := reader.Read(addr, width)
	if err != nil {
		return 0, fmt.Errorf("mmio: load: %s: %w", dev.Name(), err)
	}

	m.log.Debug("mmio load", "addr", addr.String(), "device", dev.Name(), "value", val.String())

	return val, nil
}

// Store writes width bytes to addr on whichever device's range contains it.
func (m *MMIO) Store(addr Word, width int, val Word) error {
	dev := m.find(addr)
	if dev == nil {
		return fmt.Errorf("%w: store: addr: %s", ErrNoDevice, addr)
	}

	writer, ok := dev.(Writer)
	if !ok {
		return fmt.Errorf("mmio: store: %s: not writable", dev.Name())
	}

	if err := writer.Write(addr, width, val); err != nil {
		return fmt.Errorf("mmio: store: %s: %w", dev.Name(), err)
	}

	m.log.Debug("mmio store", "addr", addr.String(), "device", dev.Name(), "value", val.String())

	return nil
}

// Poll advances every registered device that implements Poller. Errors are logged but do not stop
// the sweep; a single misbehaving device should not wedge the others.
func (m *MMIO) Poll() {
	for _, r := range m.regions {
		if poller, ok := r.dev.(Poller); ok {
			if err := poller.Poll(); err != nil {
				m.log.Error("device poll error", "device", r.dev.Name(), "err", err)
			}
		}
	}
}

// Devices returns the registered devices in registration order, for checkpointing.
func (m *MMIO) Devices() []Device {
	devs := make([]Device, 0, len(m.regions))
	for _, r := range m.regions {
		devs = append(devs, r.dev)
	}

	return devs
}

func (m MMIO) String() string {
	return fmt.Sprintf("MMIO(%d devices)", len(m.regions))
}
