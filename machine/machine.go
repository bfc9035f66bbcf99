// Package machine defines the boundary between the kernel and the
// instruction-execution layer: the trapframe saved across traps, the
// typed trap reasons a run can end with, and the memory view an
// executor is given. It also ships a small deterministic reference
// interpreter used by tests and the daemon.
package machine

// NumRegs is the number of general-purpose guest registers.
const NumRegs = 8

// Register roles in the syscall ABI. The syscall id travels in
// RegSyscall, arguments in R0..R5, and the return value in RegRet.
const (
	RegRet     = 0
	RegSyscall = 7
)

// TrapFrame is the saved register snapshot of a task at a trap
// boundary. The kernel owns it between runs; an executor reads it on
// entry and writes it back before returning a trap.
type TrapFrame struct {
	PC uint32
	SP uint32
	R  [NumRegs]uint32
}

// TrapKind classifies why control returned to the kernel.
type TrapKind int

const (
	// TrapSyscall: the task executed a syscall instruction. PC has
	// already been advanced past it; resuming continues after.
	TrapSyscall TrapKind = iota

	// TrapFault: the task did something unrecoverable (bad memory
	// access, illegal instruction, runaway execution).
	TrapFault
)

// Cause details a fault trap.
type Cause string

const (
	CauseNone       Cause = ""
	CauseBadAccess  Cause = "bad memory access"
	CauseBadInstr   Cause = "illegal instruction"
	CauseStepLimit  Cause = "step limit exceeded"
	CauseHalt       Cause = "halt without exit"
	CauseUserPanic  Cause = "user panic"
)

// Trap is the typed result of running a task until it traps.
type Trap struct {
	Kind  TrapKind
	Cause Cause
	VA    uint32 // faulting address for CauseBadAccess, else 0
}

// Memory is the executor's view of the running task's address space.
// All accesses go through the task's own page table; there is no way
// to reach memory the task does not map.
type Memory interface {
	ReadBytes(va uint32, n int) ([]byte, error)
	WriteBytes(va uint32, p []byte) error
	Fetch(va uint32, n int) ([]byte, error)
}

// Machine executes user instructions until the next trap. Run resumes
// from tf, mutates tf as execution proceeds, and returns only at a
// trap boundary. It must not retain mem or tf across calls.
type Machine interface {
	Run(mem Memory, tf *TrapFrame) (Trap, error)
}
