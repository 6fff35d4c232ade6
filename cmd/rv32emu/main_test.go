package main_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/nkern42/rv32emu/internal/machine"
	"github.com/nkern42/rv32emu/internal/sbi"
)

const timeout = time.Second

// addi rd, rs1, imm; also used for "li rd, imm" when imm fits in 12 signed bits.
func addi(rd, rs1 uint32, imm int32) uint32 {
	const opOpImm, funct3 = 0x13, 0
	return opOpImm | rd<<7 | funct3<<12 | rs1<<15 | uint32(imm)<<20
}

// lui rd, imm20
func lui(rd, imm20 uint32) uint32 {
	const opLUI = 0x37
	return opLUI | rd<<7 | imm20<<12
}

// ecall
const ecall = uint32(0x73)

// li expands to the standard lui+addi sequence for values that don't fit in addi's 12-bit signed
// immediate, the same pattern a real RV32 toolchain emits for the "li" pseudo-instruction.
func li(rd uint32, val uint32) []uint32 {
	if int32(val) >= -2048 && int32(val) <= 2047 {
		return []uint32{addi(rd, 0, int32(val))}
	}

	hi := (val + 0x800) >> 12
	lo := int32(val) - int32(hi<<12)

	return []uint32{lui(rd, hi), addi(rd, rd, lo)}
}

// tinyKernel is a hand-assembled program that asks the SBI System-Reset extension to shut the
// machine down cleanly: a7="SRST", a6=0, a0=shutdown, a1=none, ecall.
func tinyKernel() []byte {
	var words []uint32
	words = append(words, li(17, uint32(sbi.ExtSystemReset))...) // a7
	words = append(words, li(16, 0)...)                          // a6
	words = append(words, li(10, uint32(sbi.ResetTypeShutdown))...)
	words = append(words, li(11, uint32(sbi.ResetReasonNone))...)
	words = append(words, ecall)

	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}

	return buf
}

// TestMain boots a tiny kernel through the real cmd-level wiring (machine.New/Boot/Run) and
// expects the guest's System-Reset SBI call to stop Run cleanly within the timeout.
func TestMain(t *testing.T) {
	m := machine.New(64 * 1024)

	if err := m.Boot(tinyKernel(), 0, nil, 0, nil, 0); err != nil {
		t.Fatalf("boot: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err := m.Run(ctx)

	switch {
	case err == nil:
		t.Logf("ran ok, elapsed %s", time.Since(start))
	case errors.Is(err, context.DeadlineExceeded):
		t.Fatalf("run did not stop within %s", timeout)
	default:
		t.Fatalf("run: %s", err)
	}

	if !m.Stopped() {
		t.Fatalf("expected the machine to report stopped")
	}

	if got := m.ShutdownCause(); got.Type != sbi.ResetTypeShutdown || got.Reason != sbi.ResetReasonNone {
		t.Errorf("shutdown cause = %+v, want {Type: Shutdown, Reason: None}", got)
	}
}
