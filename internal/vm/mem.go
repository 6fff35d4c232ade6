package vm

// mem.go contains the machine's physical memory: the RAM backing store, the address decoder that
// routes an access to RAM or to a memory-mapped device, and the Bus that ties the two together
// for physical accesses.

import (
	"fmt"

	"github.com/nkern42/rv32emu/internal/log"
)

// Physical address space layout. Each region begins at its base address and runs for
// the given size; everything else is unmapped and faults.
const (
	PLICBase      Word = 0xf000_0000
	PLICSize      Word = 0x0400_0000
	UARTBase      Word = 0xf400_0000
	UARTSize      Word = 0x0010_0000
	VirtioNetBase Word = 0xf410_0000
	VirtioNetSize Word = 0x0010_0000
	VirtioBlkBase Word = 0xf420_0000
	VirtioBlkSize Word = 0x0010_0000
)

// AccessKind distinguishes the three ways the hart touches memory; each has distinct fault causes
// and distinct MMU permission requirements.
type AccessKind uint8

const (
	AccessFetch AccessKind = iota
	AccessLoad
	AccessStore
)

func (a AccessKind) String() string {
	switch a {
	case AccessFetch:
		return "fetch"
	case AccessLoad:
		return "load"
	case AccessStore:
		return "store"
	default:
		return "access?"
	}
}

// RAM is the flat, word-addressable physical memory backing store. It is the only region of the
// physical address space that may be fetched from.
type RAM struct {
	cell []byte
}

// NewRAM allocates a RAM backing store of the given size in bytes.
func NewRAM(size Word) RAM {
	return RAM{cell: make([]byte, size)}
}

// Size returns the size of the RAM in bytes.
func (r *RAM) Size() Word { return Word(len(r.cell)) }

// Bytes returns the raw backing slice. Used by the checkpoint codec and by the kernel/DTB loader;
// callers must not retain the slice past a resize.
func (r *RAM) Bytes() []byte { return r.cell }

// Bus decodes physical addresses to RAM or to a registered MMIO device. Address translation is the
// hart's concern (each Hart owns its own MMU), not the bus's.
type Bus struct {
	ram     RAM
	Devices MMIO

	log *log.Logger
}

// NewBus creates a bus with the given amount of RAM and no devices registered.
func NewBus(ramSize Word, logger *log.Logger) *Bus {
	return &Bus{
		ram:     NewRAM(ramSize),
		Devices: NewMMIO(logger),
		log:     logger,
	}
}

// RAM returns the bus's backing RAM store.
func (b *Bus) RAM() *RAM { return &b.ram }

// decode classifies a physical address as RAM, a device region, or unmapped.
func (b *Bus) decode(pa Word) (region string) {
	switch {
	case pa < b.ram.Size():
		return "ram"
	case pa >= PLICBase && pa < PLICBase+PLICSize:
		return "plic"
	case pa >= UARTBase && pa < UARTBase+UARTSize:
		return "uart"
	case pa >= VirtioNetBase && pa < VirtioNetBase+VirtioNetSize:
		return "virtio-net"
	case pa >= VirtioBlkBase && pa < VirtioBlkBase+VirtioBlkSize:
		return "virtio-blk"
	default:
		return ""
	}
}

// FetchPhysical fetches a 4-byte instruction word from a physical address. Only RAM is executable;
// fetching from a device or unmapped address raises a fetch access fault.
func (b *Bus) FetchPhysical(pa Word) (Word, *Trap) {
	if pa%4 != 0 {
		return 0, newTrap(CauseInstructionMisaligned, Word(pa))
	}

	if b.decode(pa) != "ram" || uint64(pa)+4 > uint64(len(b.ram.cell)) {
		return 0, newTrap(CauseInstructionAccessFault, Word(pa))
	}

	return b.readRAM(pa, 4), nil
}

// LoadPhysical reads width bytes (1, 2, or 4) from a physical address.
func (b *Bus) LoadPhysical(pa Word, width int) (Word, *Trap) {
	if misaligned(pa, width) {
		return 0, newTrap(CauseLoadMisaligned, pa)
	}

	switch b.decode(pa) {
	case "ram":
		if uint64(pa)+uint64(width) > uint64(len(b.ram.cell)) {
			return 0, newTrap(CauseLoadAccessFault, pa)
		}

		return b.readRAM(pa, width), nil
	case "":
		return 0, newTrap(CauseLoadAccessFault, pa)
	default:
		val, err := b.Devices.Load(pa, width)
		if err != nil {
			return 0, newTrap(CauseLoadAccessFault, pa)
		}

		// MMIO registers are word-wide; a narrower access yields the register's low byte(s).
		if width < 4 {
			val.Zext(uint8(width * 8))
		}

		return val, nil
	}
}

// StorePhysical writes width bytes (1, 2, or 4) to a physical address.
func (b *Bus) StorePhysical(pa Word, width int, val Word) *Trap {
	if misaligned(pa, width) {
		return newTrap(CauseStoreMisaligned, pa)
	}

	switch b.decode(pa) {
	case "ram":
		if uint64(pa)+uint64(width) > uint64(len(b.ram.cell)) {
			return newTrap(CauseStoreAccessFault, pa)
		}

		b.writeRAM(pa, width, val)

		return nil
	case "":
		return newTrap(CauseStoreAccessFault, pa)
	default:
		// A narrower-than-word store to an MMIO register zero-extends rather than carrying
		// whatever garbage sits in the source register's upper bits.
		if width < 4 {
			val.Zext(uint8(width * 8))
		}

		if err := b.Devices.Store(pa, width, val); err != nil {
			return newTrap(CauseStoreAccessFault, pa)
		}

		return nil
	}
}

func misaligned(addr Word, width int) bool {
	return uint32(addr)%uint32(width) != 0
}

func (b *Bus) readRAM(pa Word, width int) Word {
	var v uint32

	for i := 0; i < width; i++ {
		v |= uint32(b.ram.cell[int(pa)+i]) << (8 * i)
	}

	return Word(v)
}

func (b *Bus) writeRAM(pa Word, width int, val Word) {
	v := uint32(val)

	for i := 0; i < width; i++ {
		b.ram.cell[int(pa)+i] = byte(v >> (8 * i))
	}
}

func (b *Bus) String() string {
	return fmt.Sprintf("Bus{RAM: %d bytes, Devices: %s}", len(b.ram.cell), b.Devices.String())
}
