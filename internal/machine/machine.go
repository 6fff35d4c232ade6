// Package machine composes the hart, bus, and devices into a bootable RV32IMA machine and drives
// the cooperative main loop: a zero-value-safe struct built up through functional options, then
// started with Run.
package machine

import (
	"context"
	"fmt"
	"io"

	"github.com/nkern42/rv32emu/internal/checkpoint"
	"github.com/nkern42/rv32emu/internal/devices/plic"
	"github.com/nkern42/rv32emu/internal/devices/uart"
	"github.com/nkern42/rv32emu/internal/devices/virtio"
	"github.com/nkern42/rv32emu/internal/log"
	"github.com/nkern42/rv32emu/internal/sbi"
	"github.com/nkern42/rv32emu/internal/vm"
)

// pollInterval is the number of hart steps between device polls.
const pollInterval = 256

// Machine is a complete emulated system: one hart, its bus, and the PLIC/UART/virtio devices
// wired to it.
type Machine struct {
	Hart *vm.Hart
	Bus  *vm.Bus
	PLIC *plic.PLIC
	UART *uart.UART
	Net  *virtio.Net
	Blk  *virtio.Blk

	entry   vm.Word
	dtbAddr vm.Word

	stopped  bool
	shutdown sbi.ShutdownCause

	log *log.Logger
}

// Option configures a Machine at construction.
type Option func(*Machine)

// WithLogger sets the machine's logger, which the hart and any virtio device attached by a later
// WithBlk/WithNet option also use. The bus, PLIC and UART are built before options apply and keep
// log.DefaultLogger().
func WithLogger(logger *log.Logger) Option {
	return func(m *Machine) { m.log = logger }
}

// WithEntry sets the hart's initial PC.
func WithEntry(entry vm.Word) Option {
	return func(m *Machine) { m.entry = entry }
}

// WithDTB records the physical address of a device-tree blob already placed in RAM, to be
// advertised in a1 at boot. Placing the blob in RAM is the caller's responsibility; the machine
// only advertises the address.
func WithDTB(addr vm.Word) Option {
	return func(m *Machine) { m.dtbAddr = addr }
}

// WithUART attaches a host input source and output sink to the UART.
func WithUART(in uart.Source, out io.Writer) Option {
	return func(m *Machine) {
		m.UART.In = in
		m.UART.Out = out
	}
}

// WithBlk attaches a backing store to the virtio-blk device, enabling it.
func WithBlk(backing virtio.Backing) Option {
	return func(m *Machine) {
		m.Blk = virtio.NewBlk(backing, m.Bus.RAM(), m.PLIC, plic.IRQVirtioBlk, m.log)
		m.Bus.Devices.Map(vm.VirtioBlkBase, vm.VirtioBlkSize, m.Blk)
	}
}

// WithNet attaches an outbound frame handler to the virtio-net device, enabling it.
func WithNet(outbound virtio.OutboundFunc) Option {
	return func(m *Machine) {
		m.Net = virtio.NewNet(m.Bus.RAM(), m.PLIC, plic.IRQVirtioNet, m.log)
		m.Net.Outbound = outbound
		m.Bus.Devices.Map(vm.VirtioNetBase, vm.VirtioNetSize, m.Net)
	}
}

// New creates a machine with ramSize bytes of RAM, a PLIC, and a UART, applying opts. Virtio
// devices are only mapped if WithBlk/WithNet is given; they are pluggable at construction rather
// than compiled in behind build flags.
func New(ramSize vm.Word, opts ...Option) *Machine {
	logger := log.DefaultLogger()

	bus := vm.NewBus(ramSize, logger)
	irq := plic.New(logger)

	m := &Machine{
		Bus:  bus,
		PLIC: irq,
		UART: uart.New(irq, plic.IRQUART, logger),
		log:  logger,
	}

	bus.Devices.Map(vm.PLICBase, vm.PLICSize, irq)
	bus.Devices.Map(vm.UARTBase, vm.UARTSize, m.UART)

	for _, opt := range opts {
		opt(m)
	}

	m.Hart = vm.NewHart(bus, m.entry, m.log)

	return m
}

// Boot loads a kernel image (and, if non-empty, a device-tree blob and initrd image) into RAM
// and resets the hart to begin executing it, per the boot calling convention. Placing the initrd
// so the kernel can find it (via the DTB's linux,initrd-start/linux,initrd-end properties) is the
// caller's responsibility; the machine only copies the bytes to initrdOffset.
func (m *Machine) Boot(kernel []byte, kernelOffset vm.Word, dtb []byte, dtbOffset vm.Word, initrd []byte, initrdOffset vm.Word) error {
	if err := vm.LoadKernel(m.Bus, kernel, kernelOffset); err != nil {
		return fmt.Errorf("machine: boot: %w", err)
	}

	dtbAddr := vm.Word(0)

	if len(dtb) > 0 {
		if err := vm.LoadDTB(m.Bus, dtb, dtbOffset); err != nil {
			return fmt.Errorf("machine: boot: %w", err)
		}

		dtbAddr = dtbOffset
	} else if m.dtbAddr != 0 {
		dtbAddr = m.dtbAddr
	}

	if len(initrd) > 0 {
		if err := vm.LoadInitrd(m.Bus, initrd, initrdOffset); err != nil {
			return fmt.Errorf("machine: boot: %w", err)
		}
	}

	m.entry = kernelOffset
	m.Hart.Boot(kernelOffset, dtbAddr)

	return nil
}

// InstructionCount implements sbi.Machine.
func (m *Machine) InstructionCount() uint64 { return m.Hart.InsnCount }

// SetTimer implements sbi.Machine.
func (m *Machine) SetTimer(deadline uint64) { m.Hart.CSR.SetTimer(deadline) }

// Shutdown implements sbi.Machine: it records why the guest asked to stop and sets the loop's
// stop flag, observed at the top of the next iteration.
func (m *Machine) Shutdown(cause sbi.ShutdownCause) {
	m.stopped = true
	m.shutdown = cause
}

// Stopped reports whether the guest has requested shutdown.
func (m *Machine) Stopped() bool { return m.stopped }

// ShutdownCause returns the most recent System-Reset request, valid once Stopped is true.
func (m *Machine) ShutdownCause() sbi.ShutdownCause { return m.shutdown }

// Run drives the cooperative main loop until the guest stops, ctx is cancelled,
// or a fatal internal error occurs. It returns nil on a clean guest-requested stop.
func (m *Machine) Run(ctx context.Context) error {
	steps := uint64(0)

	for !m.stopped {
		select {
		case <-ctx.Done():
			m.stopped = true
			m.shutdown = sbi.ShutdownCause{Type: sbi.ResetTypeShutdown, Reason: sbi.ResetReasonFailure}

			return ctx.Err()
		default:
		}

		if steps%pollInterval == 0 {
			m.poll()
		}

		trap := m.Hart.Step()

		if trap != nil && trap.Cause == vm.CauseEcallFromS {
			m.serviceSBI()
		}

		steps++
	}

	return nil
}

func (m *Machine) poll() {
	m.Bus.Devices.Poll()

	m.Hart.CSR.SetExternalPending(m.PLIC.Active())
	m.Hart.CSR.SetTimerPending(m.Hart.CSR.Timer() <= m.Hart.InsnCount)
}

func (m *Machine) serviceSBI() {
	reg := func(r vm.GPR) vm.Word { return vm.Word(m.Hart.Reg.Get(r)) }

	result := sbi.Dispatch(m, sbi.Args{
		EID:  reg(17), // a7
		FID:  reg(16), // a6
		Arg0: reg(10), // a0
		Arg1: reg(11), // a1
	})

	// On success the full 64-bit value is preserved across a0 (low) and a1 (high); an error carries
	// no value, so a1 is simply 0.
	if result.Error == sbi.Success {
		m.Hart.Reg.Set(10, vm.Register(uint32(result.Value)))
		m.Hart.Reg.Set(11, vm.Register(uint32(result.Value>>32)))
	} else {
		m.Hart.Reg.Set(10, vm.Register(uint32(result.Error)))
		m.Hart.Reg.Set(11, 0)
	}

	// The ecall retires here rather than in Step (which handed it back unexecuted), so the
	// instruction counter advances here too.
	m.Hart.PC += 4
	m.Hart.InsnCount++
}

// Checkpoint captures the full machine state as a checkpoint.Snapshot.
func (m *Machine) Checkpoint() checkpoint.Snapshot {
	h := m.Hart

	var regs [32]uint32
	for i := range regs {
		regs[i] = uint32(h.Reg.Get(vm.GPR(i)))
	}

	reservationValid, reservationAddr := h.ReservationState()

	snap := checkpoint.Snapshot{
		Hart: checkpoint.HartState{
			PC:               uint32(h.PC),
			Regs:             regs,
			Privilege:        uint8(h.Privilege),
			Sstatus:          uint32(h.CSR.Sstatus),
			Sie:              uint32(h.CSR.Sie),
			Stvec:            uint32(h.CSR.Stvec),
			Scounteren:       uint32(h.CSR.Scounteren),
			Sscratch:         uint32(h.CSR.Sscratch),
			Sepc:             uint32(h.CSR.Sepc),
			Scause:           uint32(h.CSR.Scause),
			Stval:            uint32(h.CSR.Stval),
			Satp:             uint32(h.CSR.Satp),
			TimerLo:          uint32(h.CSR.TimerLo),
			TimerHi:          uint32(h.CSR.TimerHi),
			SoftwareIRQ:      h.CSR.SoftwareIRQPending(),
			InsnCount:        h.InsnCount,
			ReservationValid: reservationValid,
			ReservationAddr:  uint32(reservationAddr),
		},
		PLIC: m.PLIC.Snapshot(),
		UART: m.UART.Snapshot(),
		RAM:  append([]byte(nil), m.Bus.RAM().Bytes()...),
	}

	if m.Net != nil {
		snap.Net = virtioCheckpointState(m.Net.Snapshot())
	}

	if m.Blk != nil {
		snap.Blk = virtioCheckpointState(m.Blk.Snapshot())
	}

	return snap
}

// Restore applies a previously captured snapshot, replacing the machine's current state wholesale.
func (m *Machine) Restore(snap checkpoint.Snapshot) error {
	if len(snap.RAM) != int(m.Bus.RAM().Size()) {
		return fmt.Errorf("machine: restore: ram size mismatch: got %d want %d", len(snap.RAM), m.Bus.RAM().Size())
	}

	copy(m.Bus.RAM().Bytes(), snap.RAM)

	h := m.Hart
	h.PC = vm.Word(snap.Hart.PC)

	for i, v := range snap.Hart.Regs {
		h.Reg.Set(vm.GPR(i), vm.Register(v))
	}

	h.Privilege = vm.Privilege(snap.Hart.Privilege)
	h.CSR = vm.CSRFile{
		Sstatus:    vm.Word(snap.Hart.Sstatus),
		Sie:        vm.Word(snap.Hart.Sie),
		Stvec:      vm.Word(snap.Hart.Stvec),
		Scounteren: vm.Word(snap.Hart.Scounteren),
		Sscratch:   vm.Word(snap.Hart.Sscratch),
		Sepc:       vm.Word(snap.Hart.Sepc),
		Scause:     vm.Word(snap.Hart.Scause),
		Stval:      vm.Word(snap.Hart.Stval),
		Satp:       vm.Word(snap.Hart.Satp),
	}
	h.CSR.SetTimer(uint64(snap.Hart.TimerHi)<<32 | uint64(snap.Hart.TimerLo))
	h.CSR.SetSoftwareIRQPending(snap.Hart.SoftwareIRQ)
	h.InsnCount = snap.Hart.InsnCount
	h.SetReservationState(snap.Hart.ReservationValid, vm.Word(snap.Hart.ReservationAddr))

	m.PLIC.Restore(snap.PLIC)
	m.UART.Restore(snap.UART)

	if m.Net != nil && snap.Net != nil {
		m.Net.Restore(virtioDeviceState(*snap.Net))
	}

	if m.Blk != nil && snap.Blk != nil {
		m.Blk.Restore(virtioDeviceState(*snap.Blk))
	}

	return nil
}
