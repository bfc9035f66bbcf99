// Package kernel implements the guest kernel: it boots from a
// bootloader handoff, decodes a transaction bundle, runs each
// invocation as an isolated task over the machine trap interface, and
// emits deterministic receipts in task-completion order.
package kernel

import (
	"context"

	"github.com/chain/txvm/errors"

	"github.com/alonmuroch/aVM/machine"
	"github.com/alonmuroch/aVM/mem"
	"github.com/alonmuroch/aVM/state"
)

var (
	// ErrBadBoot is returned for malformed boot parameters. Nothing
	// runs and no receipt exists when boot fails.
	ErrBadBoot = errors.New("malformed boot parameters")

	// ErrProgramTooLarge is returned when a program image cannot fit
	// the task window.
	ErrProgramTooLarge = errors.New("program too large")

	// ErrInputTooLarge is returned when call input exceeds the limit.
	ErrInputTooLarge = errors.New("input too large")

	// ErrCallDepthExceeded is returned when nested cross-program
	// calls exceed the configured maximum.
	ErrCallDepthExceeded = errors.New("call depth exceeded")

	// ErrNoAccount is returned when a called program address has no
	// account.
	ErrNoAccount = errors.New("no such account")

	// ErrNotContract is returned when the called account carries no
	// program code.
	ErrNotContract = errors.New("account is not a contract")
)

// Config carries the kernel's resource limits. Limits are enforced at
// task-creation or syscall-entry time, never mid-execution.
type Config struct {
	StackBytes   uint32 // user stack, carved from the top of the window
	MaxCodeLen   int    // program image limit (code + rodata)
	MaxInputLen  int    // call input limit
	MaxResultLen int    // exit payload limit
	MaxEventLen  int    // single event limit
	MaxCallDepth int    // nested cross-program call limit
}

// DefaultConfig returns the limits used when a caller passes a zero
// Config field.
func DefaultConfig() Config {
	return Config{
		StackBytes:   64 << 10,
		MaxCodeLen:   0x32000,
		MaxInputLen:  1024,
		MaxResultLen: 1024,
		MaxEventLen:  1024,
		MaxCallDepth: 8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StackBytes == 0 {
		c.StackBytes = d.StackBytes
	}
	if c.MaxCodeLen == 0 {
		c.MaxCodeLen = d.MaxCodeLen
	}
	if c.MaxInputLen == 0 {
		c.MaxInputLen = d.MaxInputLen
	}
	if c.MaxResultLen == 0 {
		c.MaxResultLen = d.MaxResultLen
	}
	if c.MaxEventLen == 0 {
		c.MaxEventLen = d.MaxEventLen
	}
	if c.MaxCallDepth == 0 {
		c.MaxCallDepth = d.MaxCallDepth
	}
	return c
}

// BootParams is the bootloader handoff: the kernel's own heap window,
// the user VA window every task gets, the size of physical memory in
// pages, and the encoded transaction bundle.
type BootParams struct {
	HeapBase uint32
	HeapLen  uint32
	VABase   uint32
	VALen    uint32
	NPages   int
	Bundle   []byte
}

// Kernel is the process-wide kernel context: every piece of mutable
// kernel state (page arena, kernel heap, global state, receipt list,
// counters) lives here and is threaded through explicitly. It is
// strictly single-threaded; at most one task runs at any instant.
type Kernel struct {
	cfg    Config
	params BootParams
	arena  *mem.Arena
	kheap  *mem.Heap
	mach   machine.Machine
	st     *state.State

	nextASID   uint32
	nextTaskID uint32
	depth      int
	current    *Task
	receipts   []*Receipt
}

// Boot validates the handoff and builds a kernel. Malformed
// parameters are configuration-fatal: the error aborts the run before
// any receipt exists.
func Boot(cfg Config, params BootParams, mach machine.Machine, st *state.State) (*Kernel, error) {
	cfg = cfg.withDefaults()
	if mach == nil {
		return nil, errors.Wrap(ErrBadBoot, "no machine")
	}
	if params.NPages <= 0 {
		return nil, errors.Wrapf(ErrBadBoot, "npages=%d", params.NPages)
	}
	if params.VALen == 0 || params.VALen%mem.PageSize != 0 || params.VABase%mem.PageSize != 0 {
		return nil, errors.Wrapf(ErrBadBoot, "va window base=%#x len=%#x", params.VABase, params.VALen)
	}
	if int64(params.VALen) < int64(cfg.StackBytes)+2*mem.PageSize {
		return nil, errors.Wrapf(ErrBadBoot, "va window %#x too small for stack %#x", params.VALen, cfg.StackBytes)
	}
	if len(params.Bundle) == 0 {
		return nil, errors.Wrap(ErrBadBoot, "no bundle")
	}
	arena, err := mem.NewArena(params.NPages)
	if err != nil {
		return nil, errors.Wrap(ErrBadBoot, err.Error())
	}
	kheap, err := mem.NewHeap(params.HeapBase, params.HeapLen)
	if err != nil {
		return nil, errors.Wrap(ErrBadBoot, "kernel heap window")
	}
	if st == nil {
		st = state.New()
	}
	return &Kernel{
		cfg:    cfg,
		params: params,
		arena:  arena,
		kheap:  kheap,
		mach:   mach,
		st:     st,
	}, nil
}

// State returns the kernel's global state, for persisting snapshots
// after a run.
func (k *Kernel) State() *state.State { return k.st }

// Run decodes the boot bundle and executes its transactions in
// order. The returned receipts are in task-completion order: a
// parent's receipt always follows all of its children's.
func (k *Kernel) Run(ctx context.Context) ([]*Receipt, error) {
	bundle, err := DecodeBundle(k.params.Bundle)
	if err != nil {
		return nil, errors.Wrap(err, "decoding bundle")
	}
	for i := range bundle.Txs {
		if err := ctx.Err(); err != nil {
			return k.receipts, err
		}
		k.processTx(&bundle.Txs[i])
	}

	// Reserve the handoff buffer for the encoded receipts in the
	// kernel heap; running out here is configuration-fatal.
	bits := EncodeList(k.receipts)
	if _, err := k.kheap.Alloc(uint32(len(bits)), 8); err != nil {
		return nil, errors.Wrap(err, "reserving receipt handoff buffer")
	}
	return k.receipts, nil
}

// allocASID hands out a fresh, never-reused address-space id.
func (k *Kernel) allocASID() uint32 {
	k.nextASID++
	return k.nextASID
}

func (k *Kernel) allocTaskID() uint32 {
	k.nextTaskID++
	return k.nextTaskID
}
