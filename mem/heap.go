package mem

import (
	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/math/checked"
)

// ErrHeapExhausted is returned when the kernel bump heap cannot
// satisfy an allocation. Callers treat it as fatal: the kernel heap
// is sized at boot and never grows.
var ErrHeapExhausted = errors.New("kernel heap exhausted")

// Heap is the kernel's own bump region: a monotonically growing
// cursor bounded by a fixed window. There is no free; the region
// lives for one kernel run.
type Heap struct {
	next uint32
	end  uint32
}

// NewHeap creates a heap over [base, base+length).
func NewHeap(base, length uint32) (*Heap, error) {
	end, ok := checked.AddInt64(int64(base), int64(length))
	if !ok || length == 0 || end > 1<<32-1 {
		return nil, errors.Wrapf(ErrHeapExhausted, "heap window base=%#x len=%#x", base, length)
	}
	return &Heap{next: base, end: uint32(end)}, nil
}

// Alloc reserves size bytes at the given power-of-two alignment and
// returns the address of the reservation.
func (h *Heap) Alloc(size, align uint32) (uint32, error) {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return 0, errors.Wrapf(ErrHeapExhausted, "bad alloc size=%d align=%d", size, align)
	}
	start, ok := checked.AddInt64(int64(h.next), int64(align)-1)
	if !ok {
		return 0, ErrHeapExhausted
	}
	start &^= int64(align) - 1
	end, ok := checked.AddInt64(start, int64(size))
	if !ok || end > int64(h.end) {
		return 0, errors.Wrapf(ErrHeapExhausted, "alloc size=%d align=%d next=%#x end=%#x", size, align, h.next, h.end)
	}
	h.next = uint32(end)
	return uint32(start), nil
}

// Remaining reports the bytes left before exhaustion.
func (h *Heap) Remaining() uint32 {
	return h.end - h.next
}
