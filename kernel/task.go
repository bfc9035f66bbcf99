package kernel

import (
	"encoding/binary"

	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/math/checked"

	"github.com/alonmuroch/aVM/machine"
	"github.com/alonmuroch/aVM/mem"
	"github.com/alonmuroch/aVM/state"
)

// TaskState tracks a task through its lifetime.
type TaskState int

const (
	TaskCreated TaskState = iota
	TaskRunnable
	TaskRunning
	TaskCompleted
	TaskFaulted
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskRunnable:
		return "runnable"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFaulted:
		return "faulted"
	}
	return "unknown"
}

// Call-args page layout. The page sits immediately above the task
// window, is written by the kernel before the task becomes runnable,
// and is mapped read-only to the task; its content never changes
// afterwards.
const (
	callArgsMagic     = 0x314d5641 // "AVM1"
	callArgsHeaderLen = 16
	callArgsToOff     = callArgsHeaderLen
	callArgsFromOff   = callArgsToOff + state.AddressLen
	callArgsInputOff  = callArgsFromOff + state.AddressLen
)

// CallArgs are the parameters of one program invocation.
type CallArgs struct {
	To    state.Address
	From  state.Address
	Input []byte
}

// ProgramImage is a loaded program: raw bytes copied verbatim into
// the code region, plus the entry offset within them.
type ProgramImage struct {
	Code  []byte
	Entry uint32
}

// Task is one scheduled program invocation. It exclusively owns its
// address space; the address space exclusively owns its pages.
type Task struct {
	ID       uint32
	CallerID uint32 // 0 when invoked directly from the bundle
	State    TaskState
	Args     CallArgs

	AS *mem.AddressSpace
	TF machine.TrapFrame

	heapPtr   uint32 // bump cursor, grows up
	heapLimit uint32 // stack base; the heap may not grow into the stack

	journal *state.Journal
	events  [][]byte
	result  []byte
	errCode uint32
}

// newTask builds a runnable task: fresh ASID, address space laid out
// code low / heap growing up / stack growing down, the call-args page
// just above the window, program bytes copied verbatim, trapframe
// initialized per the ABI. Any failure happens before the first user
// instruction and releases everything that was allocated; a failed
// creation is never scheduled.
func (k *Kernel) newTask(img ProgramImage, args CallArgs, callerID uint32) (*Task, error) {
	if len(args.Input) > k.cfg.MaxInputLen {
		return nil, errors.Wrapf(ErrInputTooLarge, "input %d bytes", len(args.Input))
	}
	if len(args.Input) > mem.PageSize-callArgsInputOff {
		return nil, errors.Wrapf(ErrInputTooLarge, "input %d bytes exceeds call-args page", len(args.Input))
	}
	if len(img.Code) == 0 || len(img.Code) > k.cfg.MaxCodeLen {
		return nil, errors.Wrapf(ErrProgramTooLarge, "code %d bytes", len(img.Code))
	}
	if img.Entry >= uint32(len(img.Code)) {
		return nil, errors.Wrapf(ErrProgramTooLarge, "entry %#x outside code", img.Entry)
	}

	base := k.params.VABase
	winLen := k.params.VALen
	codeLen := pageAlign(uint32(len(img.Code)))
	stackBase, ok := checked.SubInt64(int64(base)+int64(winLen), int64(k.cfg.StackBytes))
	if !ok || int64(base)+int64(codeLen) > stackBase {
		return nil, errors.Wrapf(ErrProgramTooLarge, "code %#x + stack %#x exceed window %#x", codeLen, k.cfg.StackBytes, winLen)
	}
	heapBase := base + codeLen

	as, err := mem.NewAddressSpace(k.arena, k.allocASID(), base, winLen)
	if err != nil {
		return nil, errors.Wrap(err, "creating address space")
	}
	cleanup := func(err error, what string) (*Task, error) {
		as.Release()
		return nil, errors.Wrap(err, what)
	}

	if err := as.Map(base, codeLen, mem.PermRead|mem.PermExec); err != nil {
		return cleanup(err, "mapping code")
	}
	if heapBase < uint32(stackBase) {
		if err := as.Map(heapBase, uint32(stackBase)-heapBase, mem.PermRead|mem.PermWrite); err != nil {
			return cleanup(err, "mapping heap")
		}
	}
	if err := as.Map(uint32(stackBase), k.cfg.StackBytes, mem.PermRead|mem.PermWrite); err != nil {
		return cleanup(err, "mapping stack")
	}
	if err := as.Map(as.CallArgsVA(), mem.PageSize, mem.PermRead); err != nil {
		return cleanup(err, "mapping call-args page")
	}

	// Program bytes land at the window base verbatim; no relocation.
	if err := as.WriteKernel(base, img.Code); err != nil {
		return cleanup(err, "copying program")
	}

	// Call-args page: header, then to/from/input at fixed offsets.
	ca := as.CallArgsVA()
	var hdr [callArgsHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], callArgsMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(args.Input)))
	if err := as.WriteKernel(ca, hdr[:]); err != nil {
		return cleanup(err, "writing call-args header")
	}
	if err := as.WriteKernel(ca+callArgsToOff, args.To[:]); err != nil {
		return cleanup(err, "writing call-args to")
	}
	if err := as.WriteKernel(ca+callArgsFromOff, args.From[:]); err != nil {
		return cleanup(err, "writing call-args from")
	}
	if len(args.Input) > 0 {
		if err := as.WriteKernel(ca+callArgsInputOff, args.Input); err != nil {
			return cleanup(err, "writing call-args input")
		}
	}

	t := &Task{
		ID:        k.allocTaskID(),
		CallerID:  callerID,
		State:     TaskCreated,
		Args:      args,
		AS:        as,
		heapPtr:   heapBase,
		heapLimit: uint32(stackBase),
	}
	t.TF.PC = base + img.Entry
	t.TF.SP = base + winLen
	t.TF.R[0] = ca + callArgsToOff
	t.TF.R[1] = ca + callArgsFromOff
	t.TF.R[2] = ca + callArgsInputOff
	t.TF.R[3] = uint32(len(args.Input))

	t.State = TaskRunnable
	return t, nil
}

// allocInTask bump-allocates inside the task's heap region. The heap
// grows up and may never reach the stack base.
func (t *Task) alloc(size, align uint32) (uint32, bool) {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return 0, false
	}
	start, ok := checked.AddInt64(int64(t.heapPtr), int64(align)-1)
	if !ok {
		return 0, false
	}
	start &^= int64(align) - 1
	end, ok := checked.AddInt64(start, int64(size))
	if !ok || end > int64(t.heapLimit) {
		return 0, false
	}
	t.heapPtr = uint32(end)
	return uint32(start), true
}

func pageAlign(v uint32) uint32 {
	return (v + mem.PageSize - 1) &^ (mem.PageSize - 1)
}
