package vm

// words.go defines the base data types the hart operates on.

import (
	"fmt"
)

// Word is the base data type of the machine: registers, memory cells, and instructions are all
// 32-bit values.
type Word uint32

func (w Word) String() string {
	return fmt.Sprintf("%0#10x", uint32(w))
}

// Sext sign-extends the lower n bits of w in place.
func (w *Word) Sext(n uint8) {
	s := 32 - n
	i := int32(*w)
	i <<= s
	i >>= s
	*w = Word(uint32(i))
}

// Zext zero-extends the lower n bits of w in place, clearing everything above bit n-1.
func (w *Word) Zext(n uint8) {
	var low Word = ^(0xffffffff << n)
	*w &= low
}

// Register is a general-purpose or CSR-sized value held by the hart.
type Register Word

func (r Register) String() string {
	return Word(r).String()
}

// GPR is the index of one of the hart's 32 general-purpose (integer) registers.
type GPR uint8

// NumGPR is the number of general-purpose registers (x0..x31).
const NumGPR = 32

// RegisterFile holds the general-purpose registers. x0 is architecturally hardwired to zero; Set
// silently discards writes to it and Get always returns zero for it.
type RegisterFile [NumGPR]Register

// Get returns the value of register r, forcing x0 to read as zero.
func (rf *RegisterFile) Get(r GPR) Register {
	if r == 0 {
		return 0
	}

	return rf[r]
}

// Set writes val to register r, silently discarding writes to x0.
func (rf *RegisterFile) Set(r GPR, val Register) {
	if r == 0 {
		return
	}

	rf[r] = val
}

func (rf *RegisterFile) String() string {
	s := ""

	for i := 0; i < len(rf); i += 4 {
		s += fmt.Sprintf("x%-2d %s  x%-2d %s  x%-2d %s  x%-2d %s\n",
			i, rf[i].String(),
			i+1, rf[i+1].String(),
			i+2, rf[i+2].String(),
			i+3, rf[i+3].String(),
		)
	}

	return s
}
