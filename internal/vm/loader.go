package vm

// loader.go places a kernel image and an optional device-tree blob into RAM: it reads the file
// into the RAM buffer rather than mmap-ing it at a fixed address, since this machine's RAM is a
// plain Go byte slice, not a file-backed mapping.

import "fmt"

// ABI register names for the boot calling convention (RISC-V supervisor boot protocol: a0 =
// hart id, a1 = device-tree blob physical address).
const (
	RegA0 GPR = 10
	RegA1 GPR = 11
)

// ErrImageTooLarge is returned when a kernel or DTB image does not fit at its load offset.
var ErrImageTooLarge = fmt.Errorf("vm: image does not fit in ram")

// LoadKernel copies image into RAM starting at offset.
func LoadKernel(bus *Bus, image []byte, offset Word) error {
	return loadImage(bus, image, offset)
}

// LoadDTB copies a device-tree blob into RAM starting at offset.
func LoadDTB(bus *Bus, dtb []byte, offset Word) error {
	return loadImage(bus, dtb, offset)
}

// LoadInitrd copies an initial RAM disk image into RAM starting at offset. Placement is the
// caller's responsibility (typically just below the DTB region, matching the address the DTB's
// linux,initrd-start/linux,initrd-end properties advertise to the kernel); the machine does not
// otherwise reference it.
func LoadInitrd(bus *Bus, initrd []byte, offset Word) error {
	return loadImage(bus, initrd, offset)
}

func loadImage(bus *Bus, image []byte, offset Word) error {
	ram := bus.RAM()

	if uint64(offset)+uint64(len(image)) > uint64(ram.Size()) {
		return fmt.Errorf("%w: offset %s size %d", ErrImageTooLarge, offset, len(image))
	}

	copy(ram.Bytes()[offset:], image)

	return nil
}

// Boot resets the hart to begin executing at entry, with the boot protocol's a0=hartid(0) and
// a1=dtbAddr (0 if no DTB is present).
func (h *Hart) Boot(entry, dtbAddr Word) {
	h.PC = entry
	h.Privilege = PrivilegeSupervisor
	h.Reg.Set(RegA0, 0)
	h.Reg.Set(RegA1, Register(dtbAddr))
}
