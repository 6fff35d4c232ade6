// Package vm contains the emulated RV32IMA hart: its architectural state, the Sv32 memory
// management unit, the physical address decoder, the instruction interpreter, and the trap engine
// that delivers exceptions and interrupts into supervisor mode.
//
// Instruction format
//
// RV32 instructions are 32 bits wide, little-endian in memory, decoded per the standard RISC-V
// base opcode map. The interpreter supports the I (base integer), M (multiply/divide), and A
// (atomics) extensions; F/D, C, and H are out of scope.
//
// Privilege levels
//
// Only supervisor (S) and user (U) modes are modelled. There is no machine mode: the emulator
// itself plays the role of an M-mode runtime by intercepting ecalls from S-mode and answering them
// through the SBI dispatcher (see package sbi). Register 0 (x0) always reads zero and silently
// discards writes.
//
// Virtual memory
//
// When satp.MODE selects Sv32 and the effective privilege is S or U, addresses are translated by
// a two-level, TLB-free walker (see mmu.go). Sv32 supports 4 KiB pages and 4 MiB megapages.
//
// Physical address space
//
// Physical addresses route to RAM or one of a small number of MMIO regions by their high byte (see
// the Bus type in mem.go). Devices are registered at construction against an address range and
// expose a small capability interface (see io.go): Reader, Writer, and the optional Poller used by
// the main loop to advance device-internal state between instruction steps.
//
// Traps
//
// Synchronous exceptions (page faults, access faults, misaligned accesses, illegal instructions,
// ecall, ebreak) and asynchronous interrupts (external, software, timer) are both delivered through
// the trap engine in trap.go, which updates the standard supervisor CSRs and transfers control to
// stvec.
package vm
