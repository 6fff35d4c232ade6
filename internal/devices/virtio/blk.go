package virtio

// blk.go implements a virtio-blk device: a single request queue processing read/write/flush
// requests against a backing byte store. The backing store itself
// (file-mapped, in-memory, or otherwise) is host wiring and out of scope; Blk only requires
// something that looks like a flat array of sectors.

import (
	"encoding/binary"
	"fmt"

	"github.com/nkern42/rv32emu/internal/devices/plic"
	"github.com/nkern42/rv32emu/internal/log"
	"github.com/nkern42/rv32emu/internal/vm"
)

const (
	deviceIDBlk = 2

	sectorSize = 512

	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2
)

// Backing is the host-provided storage a Blk device reads and writes. Capacity is reported in
// 512-byte sectors via the legacy virtio-blk config space, which this minimal transport does not
// expose separately; callers size Backing to whatever capacity they advertise out of band.
type Backing interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Blk is a virtio-blk device with a single request virtqueue (queue 0).
type Blk struct {
	*Transport

	backing Backing
	log     *log.Logger
}

// NewBlk creates a virtio-blk device backed by store, with no features negotiated beyond the
// legacy baseline.
func NewBlk(store Backing, ram *vm.RAM, irq *plic.PLIC, line uint, logger *log.Logger) *Blk {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	b := &Blk{backing: store, log: logger}
	b.Transport = NewTransport(deviceIDBlk, 0, 1, ram, irq, line, logger)
	b.Notify = b.onNotify

	return b
}

func (b *Blk) Name() string   { return "virtio-blk" }
func (b *Blk) String() string { return fmt.Sprintf("Blk{%v}", b.Transport) }

func (b *Blk) onNotify(queueIdx Word) {
	if queueIdx != 0 || b.backing == nil {
		return
	}

	for _, head := range b.pendingAvail(0) {
		b.process(head)
	}

	b.RaiseUsedBuffer()
}

func (b *Blk) process(head uint16) {
	chain := b.Chain(0, head)
	if len(chain) < 2 {
		return
	}

	header := chain[0]
	statusDesc := chain[len(chain)-1]
	dataDescs := chain[1 : len(chain)-1]

	ram := b.RAM.Bytes()

	reqType := binary.LittleEndian.Uint32(ram[header.Addr : header.Addr+4])
	sector := binary.LittleEndian.Uint64(ram[header.Addr+8 : header.Addr+16])

	status := byte(blkStatusOK)
	written := uint32(0)

	switch reqType {
	case blkTypeIn:
		for _, d := range dataDescs {
			off := int64(sector) * sectorSize
			n, err := b.backing.ReadAt(ram[d.Addr:d.Addr+uint64(d.Len)], off)

			if err != nil {
				status = blkStatusIOErr
			}

			sector += uint64(n) / sectorSize
			written += uint32(n)
		}
	case blkTypeOut:
		for _, d := range dataDescs {
			off := int64(sector) * sectorSize
			n, err := b.backing.WriteAt(ram[d.Addr:d.Addr+uint64(d.Len)], off)

			if err != nil {
				status = blkStatusIOErr
			}

			sector += uint64(n) / sectorSize
		}
	case blkTypeFlush:
		// Nothing to flush: writes land synchronously in Backing.
	default:
		status = blkStatusUnsupp
	}

	ram[statusDesc.Addr] = status

	b.pushUsed(0, head, written+1)
}
