package kernel

import (
	"log"

	"github.com/alonmuroch/aVM/machine"
)

// Receipt error codes. Zero means success; values below 100 mirror
// syscall error codes, values from 100 up are fault reasons.
const (
	codeOK             = 0
	codeTransferFailed = sysErrNoFunds

	codeFaultBadAccess = 100
	codeFaultBadInstr  = 101
	codeFaultStepLimit = 102
	codeFaultHalt      = 103
	codeFaultPanic     = 104
	codeFaultInternal  = 105
)

func faultCode(c machine.Cause) uint32 {
	switch c {
	case machine.CauseBadAccess:
		return codeFaultBadAccess
	case machine.CauseBadInstr:
		return codeFaultBadInstr
	case machine.CauseStepLimit:
		return codeFaultStepLimit
	case machine.CauseHalt:
		return codeFaultHalt
	case machine.CauseUserPanic:
		return codeFaultPanic
	}
	return codeFaultInternal
}

// runTask drives one task to completion or fault and appends its
// receipt. It is the cooperative scheduler: control transfers to user
// code via the machine and returns only at trap boundaries, walking
// the explicit per-trap cycle (run until trap, decode, handle, resume
// or complete). Nested cross-program calls re-enter runTask
// synchronously, so the set of live tasks forms a call stack on the
// kernel's own stack, children completing before their parents.
func (k *Kernel) runTask(t *Task) *Receipt {
	if t.State != TaskRunnable {
		// Only a failed kernel refactor can get here; user input cannot.
		log.Fatalf("runTask: task %d in state %s", t.ID, t.State)
	}
	t.State = TaskRunning
	t.journal = k.st.Begin()

	prev := k.current
	k.current = t
	defer func() { k.current = prev }()

	for t.State == TaskRunning {
		trap, err := k.mach.Run(t.AS, &t.TF)
		if err != nil {
			// Machine-internal failure, not user-triggered. Fault the
			// task rather than the kernel.
			log.Printf("task %d: machine error: %s", t.ID, err)
			t.State = TaskFaulted
			t.errCode = codeFaultInternal
			break
		}
		switch trap.Kind {
		case machine.TrapSyscall:
			k.dispatchSyscall(t)
		case machine.TrapFault:
			log.Printf("task %d: fault: %s (va=%#x)", t.ID, trap.Cause, trap.VA)
			t.State = TaskFaulted
			t.errCode = faultCode(trap.Cause)
		}
	}

	return k.retire(t)
}

// retire finalizes a completed or faulted task: storage effects of a
// faulted task are rolled back to the last point a nested call
// committed (or to the task start if none did), the receipt's diffs
// list exactly what stayed applied, the receipt is appended in
// completion order, and every page the task owned returns to the
// arena.
func (k *Kernel) retire(t *Task) *Receipt {
	r := &Receipt{
		TaskID:   t.ID,
		CallerID: t.CallerID,
		Type:     TxProgramCall,
		To:       t.Args.To,
		From:     t.Args.From,
		Success:  t.State == TaskCompleted,
		ErrCode:  t.errCode,
		Result:   t.result,
		Events:   t.events,
	}
	if t.State == TaskFaulted {
		t.journal.Revert()
	}
	r.Diffs = t.journal.Diffs()
	t.AS.Release()
	k.receipts = append(k.receipts, r)
	return r
}
