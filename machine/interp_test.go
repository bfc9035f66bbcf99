package machine

import (
	"encoding/binary"
	"testing"

	"github.com/chain/txvm/errors"
)

// flatMem is a bounds-checked flat memory with no permissions, enough
// to exercise the interpreter on its own.
type flatMem []byte

var errOOB = errors.New("out of bounds")

func (m flatMem) ReadBytes(va uint32, n int) ([]byte, error) {
	if n < 0 || int64(va)+int64(n) > int64(len(m)) {
		return nil, errOOB
	}
	return append([]byte(nil), m[va:int(va)+n]...), nil
}

func (m flatMem) WriteBytes(va uint32, p []byte) error {
	if int64(va)+int64(len(p)) > int64(len(m)) {
		return errOOB
	}
	copy(m[va:], p)
	return nil
}

func (m flatMem) Fetch(va uint32, n int) ([]byte, error) {
	return m.ReadBytes(va, n)
}

func run(t *testing.T, prog []byte, tf *TrapFrame) Trap {
	t.Helper()
	m := make(flatMem, 0x1000)
	copy(m, prog)
	trap, err := NewInterp().Run(m, tf)
	if err != nil {
		t.Fatal(err)
	}
	return trap
}

func TestInterpArithmetic(t *testing.T) {
	var b Builder
	prog := b.
		LoadI(1, 2).
		LoadI(2, 3).
		Add(0, 1, 2).
		Sub(3, 0, 1).
		Mov(4, 3).
		Ecall().
		Build()

	var tf TrapFrame
	trap := run(t, prog, &tf)
	if trap.Kind != TrapSyscall {
		t.Fatalf("got trap %+v, want syscall", trap)
	}
	if tf.R[0] != 5 || tf.R[3] != 3 || tf.R[4] != 3 {
		t.Errorf("registers R0=%d R3=%d R4=%d, want 5 3 3", tf.R[0], tf.R[3], tf.R[4])
	}
	if tf.PC != uint32(len(prog)) {
		t.Errorf("PC=%d, want %d (past the ecall)", tf.PC, len(prog))
	}
}

func TestInterpLoadStore(t *testing.T) {
	var b Builder
	prog := b.
		LoadI(1, 0x200).  // base address
		LoadI(2, 0x1234). // value
		StoreW(2, 1, 8).
		LoadW(3, 1, 8).
		Ecall().
		Build()

	m := make(flatMem, 0x1000)
	copy(m, prog)
	var tf TrapFrame
	trap, err := NewInterp().Run(m, &tf)
	if err != nil {
		t.Fatal(err)
	}
	if trap.Kind != TrapSyscall {
		t.Fatalf("got trap %+v, want syscall", trap)
	}
	if tf.R[3] != 0x1234 {
		t.Errorf("R3=%#x, want 0x1234", tf.R[3])
	}
	if got := binary.LittleEndian.Uint32(m[0x208:]); got != 0x1234 {
		t.Errorf("mem[0x208]=%#x, want 0x1234", got)
	}
}

func TestInterpJnzLoop(t *testing.T) {
	// Count R1 down from 3; each iteration adds R2 to R0.
	var b Builder
	b.LoadI(0, 0).
		LoadI(1, 3).
		LoadI(2, 10).
		LoadI(3, 1)
	top := b.PC()
	prog := b.
		Add(0, 0, 2).
		Sub(1, 1, 3).
		Jnz(1, top).
		Ecall().
		Build()

	var tf TrapFrame
	trap := run(t, prog, &tf)
	if trap.Kind != TrapSyscall {
		t.Fatalf("got trap %+v, want syscall", trap)
	}
	if tf.R[0] != 30 {
		t.Errorf("R0=%d, want 30", tf.R[0])
	}
}

func TestInterpHalt(t *testing.T) {
	var b Builder
	prog := b.Halt().Build()
	var tf TrapFrame
	trap := run(t, prog, &tf)
	if trap.Kind != TrapFault || trap.Cause != CauseHalt {
		t.Errorf("got trap %+v, want halt fault", trap)
	}
}

func TestInterpBadRegister(t *testing.T) {
	prog := []byte{opAdd, 9, 0, 0} // register out of range
	var tf TrapFrame
	trap := run(t, prog, &tf)
	if trap.Kind != TrapFault || trap.Cause != CauseBadInstr {
		t.Errorf("got trap %+v, want bad instruction fault", trap)
	}
}

func TestInterpBadOpcode(t *testing.T) {
	prog := []byte{0xff, 0, 0, 0}
	var tf TrapFrame
	trap := run(t, prog, &tf)
	if trap.Kind != TrapFault || trap.Cause != CauseBadInstr {
		t.Errorf("got trap %+v, want bad instruction fault", trap)
	}
}

func TestInterpBadAccess(t *testing.T) {
	var b Builder
	prog := b.
		LoadI(1, 0xfff). // last byte; a word read runs off the end
		LoadW(0, 1, 0).
		Build()
	var tf TrapFrame
	trap := run(t, prog, &tf)
	if trap.Kind != TrapFault || trap.Cause != CauseBadAccess {
		t.Fatalf("got trap %+v, want bad access fault", trap)
	}
	if trap.VA != 0xfff {
		t.Errorf("fault VA=%#x, want 0xfff", trap.VA)
	}
}

func TestInterpStepLimit(t *testing.T) {
	var b Builder
	b.LoadI(0, 1)
	top := b.PC()
	prog := b.Jnz(0, top).Build()

	m := make(flatMem, 0x1000)
	copy(m, prog)
	in := &Interp{StepLimit: 1000}
	var tf TrapFrame
	trap, err := in.Run(m, &tf)
	if err != nil {
		t.Fatal(err)
	}
	if trap.Kind != TrapFault || trap.Cause != CauseStepLimit {
		t.Errorf("got trap %+v, want step limit fault", trap)
	}
}

func TestInterpFetchPastProgram(t *testing.T) {
	// Running off the end of memory is a bad access, not a decode of
	// stale bytes.
	var tf TrapFrame
	tf.PC = 0x2000
	trap := run(t, nil, &tf)
	if trap.Kind != TrapFault || trap.Cause != CauseBadAccess || trap.VA != 0x2000 {
		t.Errorf("got trap %+v, want bad access at 0x2000", trap)
	}
}
