package machine

import (
	"bytes"
	"encoding/binary"
)

// Builder is a fluent assembler for reference-interpreter programs.
// Offsets into the instruction stream equal virtual addresses when
// the program is loaded at the window base.
type Builder struct {
	buf bytes.Buffer
}

// Build returns the assembled program bytes.
func (b *Builder) Build() []byte {
	return b.buf.Bytes()
}

// PC returns the VA of the next emitted instruction for a program
// loaded at base 0.
func (b *Builder) PC() uint16 {
	return uint16(b.buf.Len())
}

func (b *Builder) emit(op byte, a, c, d byte) *Builder {
	b.buf.Write([]byte{op, a, c, d})
	return b
}

func (b *Builder) emitImm(op byte, a byte, imm uint16) *Builder {
	var w [2]byte
	binary.LittleEndian.PutUint16(w[:], imm)
	return b.emit(op, a, w[0], w[1])
}

// Halt emits a halt (faults the task).
func (b *Builder) Halt() *Builder { return b.emit(opHalt, 0, 0, 0) }

// LoadI sets register r to a 16-bit immediate.
func (b *Builder) LoadI(r int, imm uint16) *Builder { return b.emitImm(opLoadI, byte(r), imm) }

// LoadW loads a 32-bit word from memory at R[base]+off into r.
func (b *Builder) LoadW(r, base int, off byte) *Builder {
	return b.emit(opLoadW, byte(r), byte(base), off)
}

// StoreW stores register r as a 32-bit word at R[base]+off.
func (b *Builder) StoreW(r, base int, off byte) *Builder {
	return b.emit(opStoreW, byte(r), byte(base), off)
}

// Add sets rd = ra + rb.
func (b *Builder) Add(rd, ra, rb int) *Builder { return b.emit(opAdd, byte(rd), byte(ra), byte(rb)) }

// Sub sets rd = ra - rb.
func (b *Builder) Sub(rd, ra, rb int) *Builder { return b.emit(opSub, byte(rd), byte(ra), byte(rb)) }

// Mov copies rb into ra.
func (b *Builder) Mov(ra, rb int) *Builder { return b.emit(opMov, byte(ra), byte(rb), 0) }

// Jnz jumps to the absolute VA target when r is nonzero.
func (b *Builder) Jnz(r int, target uint16) *Builder { return b.emitImm(opJnz, byte(r), target) }

// Ecall emits a syscall trap. The caller is expected to have set R7
// to the syscall id and R0..R5 to its arguments.
func (b *Builder) Ecall() *Builder { return b.emit(opEcall, 0, 0, 0) }
