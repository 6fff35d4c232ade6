package vm

// mmu.go implements the Sv32 memory management unit: a two-level, TLB-free walker
// translating virtual to physical addresses with full permission and privilege checking. Every
// access walks the page tables; a direct-mapped TLB would be a valid optimisation provided satp
// writes and sfence.vma flush it entirely, but this implementation favours a straight-line walk
// for correctness and simplicity.

import "fmt"

const (
	pageShift     = 12
	pageSize      = Word(1) << pageShift
	megapageShift = 22
	vpnMask       = 0x3ff // 10 bits per Sv32 page-table level.
)

// PTE bit positions (Sv32, riscv-privileged).
const (
	pteV Word = 1 << 0
	pteR Word = 1 << 1
	pteW Word = 1 << 2
	pteX Word = 1 << 3
	pteU Word = 1 << 4
	pteA Word = 1 << 6
	pteD Word = 1 << 7
)

// MMU holds no state of its own (Sv32 root and mode live in satp); it exists as a seam so tests and
// the main loop can address "the MMU" as a component, and so a future TLB can be added without
// touching callers.
type MMU struct{}

// Translate performs an Sv32 walk for the given access kind, honouring sstatus.SUM/MXR, and returns
// the resulting physical address or a page-fault trap. When paging is not active (satp.MODE != 1,
// or privilege is neither S nor U is moot since U/S are the only modelled levels) the virtual
// address passes through unchanged.
func (m *MMU) Translate(bus *Bus, csr *CSRFile, priv Privilege, va Word, kind AccessKind) (Word, *Trap) {
	if csr.Satp&SatpModeSv32 == 0 {
		return va, nil
	}

	root := (csr.Satp & 0x3fffff) * pageSize

	vpn1 := (va >> 22) & vpnMask
	vpn0 := (va >> 12) & vpnMask
	offset := va & 0xfff

	pteAddr := root + vpn1*4

	pte, trap := bus.LoadPhysical(pteAddr, 4)
	if trap != nil {
		return 0, pageFault(kind, va)
	}

	if pte&pteV == 0 || (pte&pteW != 0 && pte&pteR == 0) {
		return 0, pageFault(kind, va)
	}

	leaf := pte&(pteR|pteX) != 0

	if !leaf {
		// Non-leaf: must not encode a megapage's PPN[0], and must index the second-level table.
		pteAddr = ((pte >> 10) * pageSize) + vpn0*4

		pte, trap = bus.LoadPhysical(pteAddr, 4)
		if trap != nil {
			return 0, pageFault(kind, va)
		}

		if pte&pteV == 0 || (pte&pteW != 0 && pte&pteR == 0) {
			return 0, pageFault(kind, va)
		}

		if pte&(pteR|pteX) == 0 {
			// A second non-leaf entry is not valid in a two-level Sv32 walk.
			return 0, pageFault(kind, va)
		}

		if err := checkPermission(pte, csr, priv, kind); err != nil {
			return 0, pageFault(kind, va)
		}

		ppn := pte >> 10

		if err := m.setAccessedDirty(bus, pteAddr, &pte, kind); err != nil {
			return 0, pageFault(kind, va)
		}

		pa := (ppn << pageShift) | offset

		return pa, nil
	}

	// Leaf at level 1: a 4 MiB megapage. PPN[0] (PTE bits 19:10) must be zero.
	if pte&(0x3ff<<10) != 0 {
		return 0, pageFault(kind, va)
	}

	if err := checkPermission(pte, csr, priv, kind); err != nil {
		return 0, pageFault(kind, va)
	}

	if err := m.setAccessedDirty(bus, pteAddr, &pte, kind); err != nil {
		return 0, pageFault(kind, va)
	}

	ppn1 := pte >> 20

	pa := (ppn1 << megapageShift) | (va & ((1 << megapageShift) - 1))

	return pa, nil
}

func checkPermission(pte Word, csr *CSRFile, priv Privilege, kind AccessKind) error {
	switch kind {
	case AccessFetch:
		if pte&pteX == 0 {
			return fmt.Errorf("no exec permission")
		}
	case AccessLoad:
		readable := pte&pteR != 0 || (csr.Sstatus&SstatusMXR != 0 && pte&pteX != 0)
		if !readable {
			return fmt.Errorf("no read permission")
		}
	case AccessStore:
		if pte&pteW == 0 {
			return fmt.Errorf("no write permission")
		}
	}

	isUserPage := pte&pteU != 0

	switch priv {
	case PrivilegeUser:
		if !isUserPage {
			return fmt.Errorf("user access to supervisor page")
		}
	case PrivilegeSupervisor:
		if isUserPage && csr.Sstatus&SstatusSUM == 0 {
			return fmt.Errorf("supervisor access to user page without SUM")
		}
	}

	return nil
}

// setAccessedDirty sets the PTE's A bit (and D on a successful store). A single-threaded core
// performs this as a plain read-modify-write rather than a real atomic.
func (m *MMU) setAccessedDirty(bus *Bus, pteAddr Word, pte *Word, kind AccessKind) *Trap {
	updated := *pte | pteA

	if kind == AccessStore {
		if *pte&pteW == 0 {
			return newTrap(CauseStorePageFault, pteAddr)
		}

		updated |= pteD
	}

	if updated != *pte {
		if trap := bus.StorePhysical(pteAddr, 4, updated); trap != nil {
			return trap
		}

		*pte = updated
	}

	return nil
}

func pageFault(kind AccessKind, va Word) *Trap {
	switch kind {
	case AccessFetch:
		return newTrap(CauseInstructionPageFault, va)
	case AccessStore:
		return newTrap(CauseStorePageFault, va)
	default:
		return newTrap(CauseLoadPageFault, va)
	}
}
