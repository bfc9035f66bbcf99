// Package mem provides the kernel's physical-page arena, per-task
// address spaces, and the kernel bump heap.
//
// Physical memory is modeled as an arena of fixed-size frames indexed
// by PageID. Nothing in this package hands out raw pointers: every
// access is a bounds-checked lookup by page index, so a corrupt or
// hostile address can never reach past the arena.
package mem

import (
	"github.com/chain/txvm/errors"
)

// PageSize is the size of one physical page frame in bytes.
const PageSize = 4096

// PageID indexes a physical frame within an Arena.
type PageID uint32

var (
	// ErrOutOfMemory is returned when the arena has no free frames left.
	ErrOutOfMemory = errors.New("out of physical memory")

	// ErrDoubleFree is returned when freeing a frame that is not allocated.
	ErrDoubleFree = errors.New("page already free")

	// ErrBadPage is returned for a PageID outside the arena.
	ErrBadPage = errors.New("invalid page id")
)

// Arena owns a fixed pool of physical page frames and a LIFO free
// list of their indices. Frames are zeroed on allocation so a new
// owner never observes bytes written by a previous one.
type Arena struct {
	frames []byte
	free   []PageID
	owned  []bool
}

// NewArena creates an arena backed by npages frames, all free.
func NewArena(npages int) (*Arena, error) {
	if npages <= 0 {
		return nil, errors.Wrap(ErrBadPage, "arena size must be positive")
	}
	a := &Arena{
		frames: make([]byte, npages*PageSize),
		free:   make([]PageID, 0, npages),
		owned:  make([]bool, npages),
	}
	// Push in reverse so page 0 is handed out first.
	for i := npages - 1; i >= 0; i-- {
		a.free = append(a.free, PageID(i))
	}
	return a, nil
}

// AllocPage pops a free frame, zeroes it, and returns its id.
func (a *Arena) AllocPage() (PageID, error) {
	if len(a.free) == 0 {
		return 0, ErrOutOfMemory
	}
	id := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.owned[id] = true

	// Zero-fill on reuse: the previous owner's bytes must never leak
	// into a new address space.
	f := a.frame(id)
	for i := range f {
		f[i] = 0
	}
	return id, nil
}

// FreePage returns a frame to the free list.
func (a *Arena) FreePage(id PageID) error {
	if int(id) >= len(a.owned) {
		return errors.Wrapf(ErrBadPage, "free page %d", id)
	}
	if !a.owned[id] {
		return errors.Wrapf(ErrDoubleFree, "free page %d", id)
	}
	a.owned[id] = false
	a.free = append(a.free, id)
	return nil
}

// FreePages reports how many frames are currently unallocated.
func (a *Arena) FreePages() int {
	return len(a.free)
}

// frame returns the byte window of a single page. Callers must hold a
// valid id; only this package touches frames directly.
func (a *Arena) frame(id PageID) []byte {
	off := int(id) * PageSize
	return a.frames[off : off+PageSize : off+PageSize]
}
