package machine

import (
	"encoding/binary"

	"github.com/chain/txvm/errors"
)

// Instruction encoding: fixed 4 bytes [op, a, b, c]. For LoadI and
// Jnz the 16-bit immediate is little-endian in bytes b and c; LoadW
// and StoreW carry a byte offset in c.
const (
	opHalt   = 0x00 // fault: halt without exit
	opLoadI  = 0x01 // R[a] = imm16
	opLoadW  = 0x02 // R[a] = mem32[R[b]+c]
	opStoreW = 0x03 // mem32[R[b]+c] = R[a]
	opAdd    = 0x04 // R[a] = R[b] + R[c]
	opSub    = 0x05 // R[a] = R[b] - R[c]
	opMov    = 0x06 // R[a] = R[b]
	opJnz    = 0x07 // if R[a] != 0: PC = imm16
	opEcall  = 0x08 // trap to kernel; id in R7, args R0..R5
)

const instrLen = 4

// DefaultStepLimit bounds a single Run call of the reference
// interpreter. A task that executes this many instructions without
// trapping is considered runaway and faults.
const DefaultStepLimit = 1 << 20

// ErrNilMemory is returned when Run is called without a memory view.
var ErrNilMemory = errors.New("interp: nil memory")

// Interp is the deterministic reference interpreter. One instance may
// run many tasks; it keeps no per-task state.
type Interp struct {
	StepLimit int
}

// NewInterp returns an interpreter with the default step limit.
func NewInterp() *Interp {
	return &Interp{StepLimit: DefaultStepLimit}
}

// Run executes from tf.PC until a syscall, a fault, or the step
// limit. The trapframe is current when Run returns.
func (in *Interp) Run(mem Memory, tf *TrapFrame) (Trap, error) {
	if mem == nil {
		return Trap{}, ErrNilMemory
	}
	limit := in.StepLimit
	if limit <= 0 {
		limit = DefaultStepLimit
	}
	for steps := 0; steps < limit; steps++ {
		raw, err := mem.Fetch(tf.PC, instrLen)
		if err != nil {
			return Trap{Kind: TrapFault, Cause: CauseBadAccess, VA: tf.PC}, nil
		}
		op, a, b, c := raw[0], int(raw[1]), int(raw[2]), int(raw[3])
		imm := uint32(binary.LittleEndian.Uint16(raw[2:4]))

		// Which operand bytes name registers depends on the opcode;
		// the rest are immediates.
		badReg := false
		switch op {
		case opLoadI, opJnz:
			badReg = a >= NumRegs
		case opLoadW, opStoreW, opMov:
			badReg = a >= NumRegs || b >= NumRegs
		case opAdd, opSub:
			badReg = a >= NumRegs || b >= NumRegs || c >= NumRegs
		}
		if badReg {
			return Trap{Kind: TrapFault, Cause: CauseBadInstr, VA: tf.PC}, nil
		}

		next := tf.PC + instrLen
		switch op {
		case opHalt:
			tf.PC = next
			return Trap{Kind: TrapFault, Cause: CauseHalt}, nil
		case opLoadI:
			tf.R[a] = imm
		case opLoadW:
			va := tf.R[b] + uint32(c)
			w, err := mem.ReadBytes(va, 4)
			if err != nil {
				return Trap{Kind: TrapFault, Cause: CauseBadAccess, VA: va}, nil
			}
			tf.R[a] = binary.LittleEndian.Uint32(w)
		case opStoreW:
			va := tf.R[b] + uint32(c)
			var w [4]byte
			binary.LittleEndian.PutUint32(w[:], tf.R[a])
			if err := mem.WriteBytes(va, w[:]); err != nil {
				return Trap{Kind: TrapFault, Cause: CauseBadAccess, VA: va}, nil
			}
		case opAdd:
			tf.R[a] = tf.R[b] + tf.R[c]
		case opSub:
			tf.R[a] = tf.R[b] - tf.R[c]
		case opMov:
			tf.R[a] = tf.R[b]
		case opJnz:
			if tf.R[a] != 0 {
				next = imm
			}
		case opEcall:
			tf.PC = next
			return Trap{Kind: TrapSyscall}, nil
		default:
			return Trap{Kind: TrapFault, Cause: CauseBadInstr, VA: tf.PC}, nil
		}
		tf.PC = next
	}
	return Trap{Kind: TrapFault, Cause: CauseStepLimit, VA: tf.PC}, nil
}
