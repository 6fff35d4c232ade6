package vm

// vm_test.go holds shared test helpers for assembling RV32 instruction words and standing up a
// minimal hart with RAM backing it, poking memory/registers directly rather than running an
// assembler.

import "testing"

func newTestHart(t *testing.T) *Hart {
	t.Helper()

	bus := NewBus(64*1024, nil)
	h := NewHart(bus, 0x1000, nil)

	return h
}

func (h *Hart) storeWord(t *testing.T, addr Word, instr Instruction) {
	t.Helper()

	if trap := h.Bus.StorePhysical(addr, 4, Word(instr)); trap != nil {
		t.Fatalf("storeWord: %s", trap)
	}
}

func encodeR(opcode Opcode, rd GPR, funct3 uint8, rs1, rs2 GPR, funct7 uint8) Instruction {
	return Instruction(Word(opcode) |
		Word(rd)<<7 |
		Word(funct3)<<12 |
		Word(rs1)<<15 |
		Word(rs2)<<20 |
		Word(funct7)<<25)
}

func encodeI(opcode Opcode, rd GPR, funct3 uint8, rs1 GPR, imm int32) Instruction {
	return Instruction(Word(opcode) |
		Word(rd)<<7 |
		Word(funct3)<<12 |
		Word(rs1)<<15 |
		(Word(uint32(imm))<<20))
}

func encodeS(opcode Opcode, funct3 uint8, rs1, rs2 GPR, imm int32) Instruction {
	u := uint32(imm)
	return Instruction(Word(opcode) |
		Word(u&0x1f)<<7 |
		Word(funct3)<<12 |
		Word(rs1)<<15 |
		Word(rs2)<<20 |
		Word((u>>5)&0x7f)<<25)
}

func encodeB(opcode Opcode, funct3 uint8, rs1, rs2 GPR, imm int32) Instruction {
	u := uint32(imm)
	return Instruction(Word(opcode) |
		Word((u>>11)&0x1)<<7 |
		Word((u>>1)&0xf)<<8 |
		Word(funct3)<<12 |
		Word(rs1)<<15 |
		Word(rs2)<<20 |
		Word((u>>5)&0x3f)<<25 |
		Word((u>>12)&0x1)<<31)
}

func encodeCSR(opcode Opcode, rd GPR, funct3 uint8, rs1 GPR, csr CSRNumber) Instruction {
	return Instruction(Word(opcode) |
		Word(rd)<<7 |
		Word(funct3)<<12 |
		Word(rs1)<<15 |
		Word(csr)<<20)
}
