package kernel

import (
	"encoding/binary"
	"encoding/hex"
	"log"

	"github.com/alonmuroch/aVM/machine"
	"github.com/alonmuroch/aVM/state"
)

// Syscall ids, one enumerated set shared with the guest-side runtime.
// The id travels in R7, arguments in R0..R5, the return value in R0.
const (
	SysStorageGet  = 1
	SysStorageSet  = 2
	SysPanic       = 3
	SysLog         = 4
	SysCallProgram = 5
	SysFireEvent   = 6
	SysAlloc       = 7
	SysDealloc     = 8
	SysTransfer    = 9
	SysBalance     = 10
	SysExit        = 11
)

// Syscall error codes. Status-returning syscalls put them in R0;
// pointer-returning syscalls return 0 in R0 and the code in R1.
const (
	sysOK               = 0
	sysErrInvalidPtr    = 1
	sysErrInvalidKey    = 2
	sysErrDepthExceeded = 3
	sysErrNoFunds       = 4
	sysErrTooLarge      = 5
	sysErrNoAccount     = 6
	sysErrNotContract   = 7
	sysErrNoMemory      = 8
	sysErrCallFailed    = 9
	sysErrUnknown       = 10
)

const (
	maxDomainLen = 64
	maxKeyLen    = 128
	maxValueLen  = 4096
	maxEvents    = 64
)

// dispatchSyscall decodes and runs one syscall for the current task.
// Every pointer/length pair is validated against the task's own page
// table before any dereference; a bad pointer fails the syscall with
// an error code and leaves the kernel, and every other task, intact.
func (k *Kernel) dispatchSyscall(t *Task) {
	id := t.TF.R[machine.RegSyscall]
	switch id {
	case SysStorageGet:
		k.sysStorageGet(t)
	case SysStorageSet:
		k.sysStorageSet(t)
	case SysPanic:
		k.sysPanic(t)
	case SysLog:
		k.sysLog(t)
	case SysCallProgram:
		k.sysCallProgram(t)
	case SysFireEvent:
		k.sysFireEvent(t)
	case SysAlloc:
		k.sysAlloc(t)
	case SysDealloc:
		t.TF.R[machine.RegRet] = sysOK
	case SysTransfer:
		k.sysTransfer(t)
	case SysBalance:
		k.sysBalance(t)
	case SysExit:
		k.sysExit(t)
	default:
		log.Printf("task %d: unknown syscall id %d", t.ID, id)
		t.TF.R[machine.RegRet] = 0
		t.TF.R[1] = sysErrUnknown
	}
}

// readUser copies [ptr, ptr+n) out of the task's address space. All
// handler reads of user memory funnel through here.
func readUser(t *Task, ptr uint32, n int) ([]byte, bool) {
	buf, err := t.AS.ReadBytes(ptr, n)
	if err != nil {
		log.Printf("task %d: invalid pointer %#x len %d", t.ID, ptr, n)
		return nil, false
	}
	return buf, true
}

// writeAlloc bump-allocates in the task heap and writes a
// length-prefixed buffer there, returning its address.
func writeAlloc(t *Task, payload []byte) (uint32, bool) {
	addr, ok := t.alloc(uint32(4+len(payload)), 8)
	if !ok {
		return 0, false
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if err := t.AS.WriteBytes(addr, hdr[:]); err != nil {
		return 0, false
	}
	if len(payload) > 0 {
		if err := t.AS.WriteBytes(addr+4, payload); err != nil {
			return 0, false
		}
	}
	return addr, true
}

// storageKey builds the composite key "domain:hex(key)" used in the
// global mapping. Storage is scoped to the running program's own
// address, so no pointer games can reach another program's slots.
func storageKey(domain, key []byte) string {
	return string(domain) + ":" + hex.EncodeToString(key)
}

// ptrErr writes the pointer-syscall failure convention.
func ptrErr(t *Task, code uint32) {
	t.TF.R[machine.RegRet] = 0
	t.TF.R[1] = code
}

func (k *Kernel) sysStorageGet(t *Task) {
	domainPtr, domainLen := t.TF.R[0], int(t.TF.R[1])
	keyPtr, keyLen := t.TF.R[2], int(t.TF.R[3])
	if domainLen > maxDomainLen || keyLen > maxKeyLen {
		ptrErr(t, sysErrInvalidKey)
		return
	}
	domain, ok := readUser(t, domainPtr, domainLen)
	if !ok {
		ptrErr(t, sysErrInvalidPtr)
		return
	}
	key, ok := readUser(t, keyPtr, keyLen)
	if !ok {
		ptrErr(t, sysErrInvalidPtr)
		return
	}
	val, found := k.st.GetStorage(t.Args.To, storageKey(domain, key))
	if !found {
		ptrErr(t, sysErrInvalidKey)
		return
	}
	addr, ok := writeAlloc(t, val)
	if !ok {
		ptrErr(t, sysErrNoMemory)
		return
	}
	t.TF.R[machine.RegRet] = addr
}

func (k *Kernel) sysStorageSet(t *Task) {
	domainPtr, domainLen := t.TF.R[0], int(t.TF.R[1])
	keyPtr, keyLen := t.TF.R[2], int(t.TF.R[3])
	valPtr, valLen := t.TF.R[4], int(t.TF.R[5])
	if domainLen > maxDomainLen || keyLen > maxKeyLen {
		t.TF.R[machine.RegRet] = sysErrInvalidKey
		return
	}
	if valLen > maxValueLen {
		t.TF.R[machine.RegRet] = sysErrTooLarge
		return
	}
	domain, ok := readUser(t, domainPtr, domainLen)
	if !ok {
		t.TF.R[machine.RegRet] = sysErrInvalidPtr
		return
	}
	key, ok := readUser(t, keyPtr, keyLen)
	if !ok {
		t.TF.R[machine.RegRet] = sysErrInvalidPtr
		return
	}
	val, ok := readUser(t, valPtr, valLen)
	if !ok {
		t.TF.R[machine.RegRet] = sysErrInvalidPtr
		return
	}
	t.journal.SetStorage(t.Args.To, storageKey(domain, key), val)
	t.TF.R[machine.RegRet] = sysOK
}

func (k *Kernel) sysPanic(t *Task) {
	msgPtr, msgLen := t.TF.R[0], int(t.TF.R[1])
	if msgLen > k.cfg.MaxEventLen {
		msgLen = k.cfg.MaxEventLen
	}
	if msg, ok := readUser(t, msgPtr, msgLen); ok && len(msg) > 0 {
		log.Printf("task %d: panic: %s", t.ID, msg)
	} else {
		log.Printf("task %d: panic", t.ID)
	}
	t.State = TaskFaulted
	t.errCode = codeFaultPanic
}

func (k *Kernel) sysLog(t *Task) {
	ptr, n := t.TF.R[0], int(t.TF.R[1])
	if n > k.cfg.MaxEventLen {
		t.TF.R[machine.RegRet] = sysErrTooLarge
		return
	}
	msg, ok := readUser(t, ptr, n)
	if !ok {
		t.TF.R[machine.RegRet] = sysErrInvalidPtr
		return
	}
	log.Printf("task %d: %s", t.ID, msg)
	t.TF.R[machine.RegRet] = sysOK
}

// sysCallProgram creates and synchronously runs a child task while
// the parent's trapframe sits untouched on the kernel call stack. On
// success the child's result payload lands length-prefixed in the
// parent's heap and its address is returned.
func (k *Kernel) sysCallProgram(t *Task) {
	toPtr := t.TF.R[0]
	inputPtr, inputLen := t.TF.R[1], int(t.TF.R[2])

	if k.depth >= k.cfg.MaxCallDepth {
		log.Printf("task %d: call depth %d exceeded", t.ID, k.depth)
		ptrErr(t, sysErrDepthExceeded)
		return
	}
	if inputLen > k.cfg.MaxInputLen {
		ptrErr(t, sysErrTooLarge)
		return
	}
	toBytes, ok := readUser(t, toPtr, state.AddressLen)
	if !ok {
		ptrErr(t, sysErrInvalidPtr)
		return
	}
	input, ok := readUser(t, inputPtr, inputLen)
	if !ok {
		ptrErr(t, sysErrInvalidPtr)
		return
	}
	var to state.Address
	copy(to[:], toBytes)

	img, err := k.loadProgram(to)
	if err != nil {
		log.Printf("task %d: call to %s: %s", t.ID, to, err)
		ptrErr(t, loadErrCode(err))
		return
	}
	child, err := k.newTask(img, CallArgs{To: to, From: t.Args.To, Input: input}, t.ID)
	if err != nil {
		log.Printf("task %d: creating child task: %s", t.ID, err)
		ptrErr(t, sysErrNoMemory)
		return
	}

	k.depth++
	rec := k.runTask(child)
	k.depth--

	if !rec.Success {
		ptrErr(t, sysErrCallFailed)
		return
	}
	// The child committed. A later fault in this task must not take
	// its effects back, so the rollback point moves here.
	t.journal.Seal()
	addr, ok := writeAlloc(t, rec.Result)
	if !ok {
		ptrErr(t, sysErrNoMemory)
		return
	}
	t.TF.R[machine.RegRet] = addr
}

func (k *Kernel) sysFireEvent(t *Task) {
	ptr, n := t.TF.R[0], int(t.TF.R[1])
	if n > k.cfg.MaxEventLen || len(t.events) >= maxEvents {
		t.TF.R[machine.RegRet] = sysErrTooLarge
		return
	}
	ev, ok := readUser(t, ptr, n)
	if !ok {
		t.TF.R[machine.RegRet] = sysErrInvalidPtr
		return
	}
	t.events = append(t.events, ev)
	t.TF.R[machine.RegRet] = sysOK
}

func (k *Kernel) sysAlloc(t *Task) {
	size, align := t.TF.R[0], t.TF.R[1]
	addr, ok := t.alloc(size, align)
	if !ok {
		ptrErr(t, sysErrNoMemory)
		return
	}
	t.TF.R[machine.RegRet] = addr
}

func (k *Kernel) sysTransfer(t *Task) {
	toPtr := t.TF.R[0]
	value := uint64(t.TF.R[1]) | uint64(t.TF.R[2])<<32
	toBytes, ok := readUser(t, toPtr, state.AddressLen)
	if !ok {
		t.TF.R[machine.RegRet] = sysErrInvalidPtr
		return
	}
	var to state.Address
	copy(to[:], toBytes)
	// A program spends only its own balance.
	if err := t.journal.Transfer(t.Args.To, to, value); err != nil {
		log.Printf("task %d: transfer: %s", t.ID, err)
		t.TF.R[machine.RegRet] = sysErrNoFunds
		return
	}
	t.TF.R[machine.RegRet] = sysOK
}

func (k *Kernel) sysBalance(t *Task) {
	addrPtr := t.TF.R[0]
	addrBytes, ok := readUser(t, addrPtr, state.AddressLen)
	if !ok {
		ptrErr(t, sysErrInvalidPtr)
		return
	}
	var addr state.Address
	copy(addr[:], addrBytes)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], k.st.BalanceOf(addr))
	out, ok := writeAlloc(t, buf[:])
	if !ok {
		ptrErr(t, sysErrNoMemory)
		return
	}
	t.TF.R[machine.RegRet] = out
}

func (k *Kernel) sysExit(t *Task) {
	ptr, n := t.TF.R[0], int(t.TF.R[1])
	if n > k.cfg.MaxResultLen {
		log.Printf("task %d: exit payload %d too large", t.ID, n)
		t.State = TaskFaulted
		t.errCode = codeFaultPanic
		return
	}
	if n > 0 {
		payload, ok := readUser(t, ptr, n)
		if !ok {
			t.State = TaskFaulted
			t.errCode = codeFaultBadAccess
			return
		}
		t.result = payload
	}
	t.State = TaskCompleted
}

func loadErrCode(err error) uint32 {
	switch {
	case isRoot(err, ErrNoAccount):
		return sysErrNoAccount
	case isRoot(err, ErrNotContract):
		return sysErrNotContract
	case isRoot(err, ErrProgramTooLarge):
		return sysErrTooLarge
	}
	return sysErrCallFailed
}
