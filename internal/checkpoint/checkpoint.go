// Package checkpoint implements the versioned, byte-exact machine-state codec:
// serialising the hart, PLIC, UART, and virtio device state plus the full RAM image to a byte
// stream, and restoring it. The field-by-field binary.Write/Read approach is adapted from the
// gokvm migration codec's Save*/Restore* naming and its "stream RAM as a flat blob" idiom, with
// encoding/binary standing in for that codec's unsafe struct-memcpy: the RAM blob and the fixed
// device-state words here need no platform-dependent struct layout, so a portable byte order
// beats reinterpreting Go struct memory, which is only safe on the machine that wrote it.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nkern42/rv32emu/internal/devices/plic"
	"github.com/nkern42/rv32emu/internal/devices/uart"
)

const (
	magic   uint32 = 0x52563332 // "RV32"
	version uint32 = 1
)

// HartState is the serialisable snapshot of the hart's architectural state.
type HartState struct {
	PC        uint32
	Regs      [32]uint32
	Privilege uint8

	Sstatus    uint32
	Sie        uint32
	Stvec      uint32
	Scounteren uint32
	Sscratch   uint32
	Sepc       uint32
	Scause     uint32
	Stval      uint32
	Satp       uint32

	TimerLo uint32
	TimerHi uint32

	SoftwareIRQ bool

	InsnCount uint64

	ReservationValid bool
	ReservationAddr  uint32
}

// QueueState mirrors a virtio queue's negotiated configuration; it is declared here rather than
// imported so the codec does not depend on package virtio.
type QueueState struct {
	Size  uint32
	Align uint32
	PFN   uint32
}

// VirtioState is the serialisable snapshot of one legacy virtio transport. Consumed holds the
// device's per-queue avail-ring consumption index, parallel to Queues.
type VirtioState struct {
	Queues          []QueueState
	Consumed        []uint16
	SelQueue        uint32
	SelFeature      uint32
	GuestFeatures   uint32
	GuestPageSize   uint32
	Status          uint32
	InterruptStatus uint32
}

// Snapshot is the full machine state the codec round-trips. RAM is included verbatim; the caller
// owns its lifetime.
type Snapshot struct {
	Hart HartState
	PLIC plic.State
	UART uart.State
	Net  *VirtioState // nil if virtio-net is not present.
	Blk  *VirtioState // nil if virtio-blk is not present.
	RAM  []byte
}

// Save writes a versioned, self-describing checkpoint of snap to w.
func Save(w io.Writer, snap Snapshot) error {
	var buf bytes.Buffer

	write := func(v any) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	write(magic)
	write(version)

	write(snap.Hart.PC)
	write(snap.Hart.Regs)
	write(snap.Hart.Privilege)
	write(snap.Hart.Sstatus)
	write(snap.Hart.Sie)
	write(snap.Hart.Stvec)
	write(snap.Hart.Scounteren)
	write(snap.Hart.Sscratch)
	write(snap.Hart.Sepc)
	write(snap.Hart.Scause)
	write(snap.Hart.Stval)
	write(snap.Hart.Satp)
	write(snap.Hart.TimerLo)
	write(snap.Hart.TimerHi)
	write(snap.Hart.SoftwareIRQ)
	write(snap.Hart.InsnCount)
	write(snap.Hart.ReservationValid)
	write(snap.Hart.ReservationAddr)

	write(snap.PLIC.Pending)
	write(snap.PLIC.Enable)
	write(snap.PLIC.Masked)

	write(snap.UART.Ready)
	write(snap.UART.RXByte)
	write(snap.UART.IER)
	write(snap.UART.Divisor)

	writeVirtio(&buf, snap.Net)
	writeVirtio(&buf, snap.Blk)

	write(uint64(len(snap.RAM)))
	buf.Write(snap.RAM)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}

	return nil
}

func writeVirtio(buf *bytes.Buffer, v *VirtioState) {
	present := v != nil
	_ = binary.Write(buf, binary.LittleEndian, present)

	if !present {
		return
	}

	_ = binary.Write(buf, binary.LittleEndian, uint32(len(v.Queues)))

	for _, q := range v.Queues {
		_ = binary.Write(buf, binary.LittleEndian, q)
	}

	for i := range v.Queues {
		var c uint16
		if i < len(v.Consumed) {
			c = v.Consumed[i]
		}

		_ = binary.Write(buf, binary.LittleEndian, c)
	}

	_ = binary.Write(buf, binary.LittleEndian, v.SelQueue)
	_ = binary.Write(buf, binary.LittleEndian, v.SelFeature)
	_ = binary.Write(buf, binary.LittleEndian, v.GuestFeatures)
	_ = binary.Write(buf, binary.LittleEndian, v.GuestPageSize)
	_ = binary.Write(buf, binary.LittleEndian, v.Status)
	_ = binary.Write(buf, binary.LittleEndian, v.InterruptStatus)
}

func readVirtio(r io.Reader) (*VirtioState, error) {
	var present bool
	if err := binary.Read(r, binary.LittleEndian, &present); err != nil {
		return nil, err
	}

	if !present {
		return nil, nil
	}

	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	v := &VirtioState{Queues: make([]QueueState, n)}

	for i := range v.Queues {
		if err := binary.Read(r, binary.LittleEndian, &v.Queues[i]); err != nil {
			return nil, err
		}
	}

	v.Consumed = make([]uint16, n)

	for i := range v.Consumed {
		if err := binary.Read(r, binary.LittleEndian, &v.Consumed[i]); err != nil {
			return nil, err
		}
	}

	for _, dst := range []*uint32{&v.SelQueue, &v.SelFeature, &v.GuestFeatures, &v.GuestPageSize, &v.Status, &v.InterruptStatus} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// ErrBadMagic is returned by Load when the stream does not begin with this codec's magic number.
var ErrBadMagic = fmt.Errorf("checkpoint: bad magic")

// ErrUnsupportedVersion is returned by Load when the stream's version differs from the one this
// codec writes.
var ErrUnsupportedVersion = fmt.Errorf("checkpoint: unsupported version")

// Load reads and validates a checkpoint from r. On any error (bad magic, version mismatch,
// truncated stream) it returns the error without having mutated anything the caller can observe,
// since the returned Snapshot is simply discarded by the caller in that case.
func Load(r io.Reader) (Snapshot, error) {
	var snap Snapshot

	var gotMagic, gotVersion uint32

	if err := binary.Read(r, binary.LittleEndian, &gotMagic); err != nil {
		return snap, fmt.Errorf("checkpoint: load: %w", err)
	}

	if gotMagic != magic {
		return snap, ErrBadMagic
	}

	if err := binary.Read(r, binary.LittleEndian, &gotVersion); err != nil {
		return snap, fmt.Errorf("checkpoint: load: %w", err)
	}

	if gotVersion != version {
		return snap, fmt.Errorf("%w: got %d want %d", ErrUnsupportedVersion, gotVersion, version)
	}

	fields := []any{
		&snap.Hart.PC, &snap.Hart.Regs, &snap.Hart.Privilege,
		&snap.Hart.Sstatus, &snap.Hart.Sie, &snap.Hart.Stvec, &snap.Hart.Scounteren,
		&snap.Hart.Sscratch, &snap.Hart.Sepc, &snap.Hart.Scause, &snap.Hart.Stval, &snap.Hart.Satp,
		&snap.Hart.TimerLo, &snap.Hart.TimerHi, &snap.Hart.SoftwareIRQ, &snap.Hart.InsnCount,
		&snap.Hart.ReservationValid, &snap.Hart.ReservationAddr,
		&snap.PLIC.Pending, &snap.PLIC.Enable, &snap.PLIC.Masked,
		&snap.UART.Ready, &snap.UART.RXByte, &snap.UART.IER, &snap.UART.Divisor,
	}

	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Snapshot{}, fmt.Errorf("checkpoint: load: %w", err)
		}
	}

	net, err := readVirtio(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: load: net: %w", err)
	}

	blk, err := readVirtio(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: load: blk: %w", err)
	}

	snap.Net, snap.Blk = net, blk

	var ramLen uint64
	if err := binary.Read(r, binary.LittleEndian, &ramLen); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: load: %w", err)
	}

	snap.RAM = make([]byte, ramLen)
	if _, err := io.ReadFull(r, snap.RAM); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: load: ram: %w", err)
	}

	return snap, nil
}
