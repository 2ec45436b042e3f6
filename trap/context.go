package trap

import "github.com/icd3sim/mmiotrap/decode"

// Context is the trapping thread's saved register file, in the same index
// order x86-64 ModR/M and REX encode registers (see decode.RAX..decode.R15).
// The real bridge that populates a Context from a traced process's
// registers is platform-specific (tracer_linux_amd64.go); tests and the
// fallback harness construct one directly.
type Context struct {
	Regs [16]uint64
	RIP  uint64
}

// Get returns the full 64-bit value of register idx.
func (c *Context) Get(idx int) uint64 { return c.Regs[idx] }

// Set replaces the full 64-bit value of register idx.
func (c *Context) Set(idx int, v uint64) { c.Regs[idx] = v }

// WriteBack applies a read response of the given size to register idx
// using x86-64 move writeback semantics (spec.md section 4.D):
//
//	size 1: replace the low 8 bits, preserve the rest.
//	size 2: replace the low 16 bits, preserve the rest.
//	size 4: replace the low 32 bits, zero the high 32 bits.
//	size 8: replace all 64 bits.
func (c *Context) WriteBack(idx int, value uint64, size uint32) {
	old := c.Regs[idx]
	switch size {
	case 1:
		c.Regs[idx] = old&^0xFF | value&0xFF
	case 2:
		c.Regs[idx] = old&^0xFFFF | value&0xFFFF
	case 4:
		c.Regs[idx] = value & 0xFFFFFFFF
	case 8:
		c.Regs[idx] = value
	}
}

// WriteBackExtended applies movzx/movsx writeback: the value is first
// extended from srcSize bytes to 32 bits per ext, then stored with the
// size-4 rule (zero upper 32 bits), matching 0F B6/B7/BE/BF semantics.
func (c *Context) WriteBackExtended(idx int, value uint64, srcSize uint32, ext decode.Extend) {
	switch ext {
	case decode.ExtendSign:
		switch srcSize {
		case 1:
			value = uint64(uint32(int32(int8(byte(value)))))
		case 2:
			value = uint64(uint32(int32(int16(uint16(value)))))
		}
	default: // ExtendZero or ExtendNone
		switch srcSize {
		case 1:
			value &= 0xFF
		case 2:
			value &= 0xFFFF
		}
	}
	c.Regs[idx] = value & 0xFFFFFFFF
}

// AdvancePC moves the saved instruction pointer past a decoded instruction.
func (c *Context) AdvancePC(length int) { c.RIP += uint64(length) }
