package mem

import (
	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/math/checked"
)

// Perms are page permissions within an address space.
type Perms uint8

const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExec
)

var (
	// ErrAlreadyMapped is returned when a mapping would overlap an
	// existing one in the same address space.
	ErrAlreadyMapped = errors.New("va range already mapped")

	// ErrOutOfRange is returned for mappings outside the task window.
	ErrOutOfRange = errors.New("va range outside task window")

	// ErrInvalidPointer is returned for accesses through unmapped or
	// out-of-window virtual addresses.
	ErrInvalidPointer = errors.New("invalid pointer")

	// ErrReadOnly is returned for user writes to read-only pages.
	ErrReadOnly = errors.New("write to read-only page")

	// ErrNoExec is returned when fetching from a non-executable page.
	ErrNoExec = errors.New("fetch from non-executable page")
)

type pte struct {
	page  PageID
	perms Perms
}

// AddressSpace is one task's view of memory: a window of user virtual
// addresses [base, base+limit) plus one call-args page immediately
// above the window, backed by frames the address space exclusively
// owns. The page table is a plain VPN-to-frame map; translation is an
// explicit bounds-checked lookup.
type AddressSpace struct {
	arena *Arena
	asid  uint32
	base  uint32
	limit uint32 // window length in bytes, excluding the call-args page
	table map[uint32]pte
}

// NewAddressSpace creates an empty address space over the given
// window. The window plus the call-args page must not wrap the 32-bit
// VA space.
func NewAddressSpace(a *Arena, asid, base, limit uint32) (*AddressSpace, error) {
	if limit == 0 || limit%PageSize != 0 || base%PageSize != 0 {
		return nil, errors.Wrapf(ErrOutOfRange, "window base=%#x limit=%#x", base, limit)
	}
	if sum, ok := checked.AddInt64(int64(base), int64(limit)+PageSize); !ok || sum >= 1<<32 {
		return nil, errors.Wrapf(ErrOutOfRange, "window base=%#x limit=%#x wraps", base, limit)
	}
	return &AddressSpace{
		arena: a,
		asid:  asid,
		base:  base,
		limit: limit,
		table: make(map[uint32]pte),
	}, nil
}

// ASID returns the address-space identifier.
func (as *AddressSpace) ASID() uint32 { return as.asid }

// Base returns the window base VA.
func (as *AddressSpace) Base() uint32 { return as.base }

// Limit returns the window length in bytes.
func (as *AddressSpace) Limit() uint32 { return as.limit }

// CallArgsVA returns the VA of the call-args page, one page above the
// window end.
func (as *AddressSpace) CallArgsVA() uint32 { return as.base + as.limit }

// end returns the first VA past everything mappable, call-args page
// included.
func (as *AddressSpace) end() uint32 { return as.base + as.limit + PageSize }

// Map allocates frames for [va, va+length) and installs them with the
// given permissions. The range must be page-aligned, lie inside the
// window (or be exactly the call-args page), and not overlap any
// existing mapping. On failure no partial mapping remains.
func (as *AddressSpace) Map(va, length uint32, perms Perms) error {
	if length == 0 || va%PageSize != 0 || length%PageSize != 0 {
		return errors.Wrapf(ErrOutOfRange, "map va=%#x len=%#x misaligned", va, length)
	}
	end, ok := checked.AddInt64(int64(va), int64(length))
	if !ok || va < as.base || end > int64(as.end()) {
		return errors.Wrapf(ErrOutOfRange, "map va=%#x len=%#x window=[%#x,%#x)", va, length, as.base, as.end())
	}
	for p := va; p < uint32(end); p += PageSize {
		if _, exists := as.table[p/PageSize]; exists {
			return errors.Wrapf(ErrAlreadyMapped, "va %#x", p)
		}
	}
	var mapped []uint32
	for p := va; p < uint32(end); p += PageSize {
		id, err := as.arena.AllocPage()
		if err != nil {
			for _, vpn := range mapped {
				as.arena.FreePage(as.table[vpn].page)
				delete(as.table, vpn)
			}
			return errors.Wrapf(err, "mapping va %#x", p)
		}
		vpn := p / PageSize
		as.table[vpn] = pte{page: id, perms: perms}
		mapped = append(mapped, vpn)
	}
	return nil
}

// Translate resolves a VA to its backing frame and offset. It never
// dereferences anything: a bad address yields ErrInvalidPointer.
func (as *AddressSpace) Translate(va uint32) (PageID, uint32, error) {
	e, ok := as.table[va/PageSize]
	if !ok {
		return 0, 0, errors.Wrapf(ErrInvalidPointer, "va %#x", va)
	}
	return e.page, va % PageSize, nil
}

// Mapped reports whether [va, va+n) is fully mapped with perms.
func (as *AddressSpace) Mapped(va uint32, n int, perms Perms) bool {
	if n <= 0 {
		return n == 0
	}
	last, ok := checked.AddInt64(int64(va), int64(n)-1)
	if !ok || last > 1<<32-1 {
		return false
	}
	for p := va / PageSize; p <= uint32(last)/PageSize; p++ {
		e, ok := as.table[p]
		if !ok || e.perms&perms != perms {
			return false
		}
	}
	return true
}

// ReadBytes copies n bytes starting at va out of the address space,
// walking pages and honoring read permission.
func (as *AddressSpace) ReadBytes(va uint32, n int) ([]byte, error) {
	return as.copyOut(va, n, PermRead)
}

// Fetch reads n instruction bytes, requiring execute permission.
func (as *AddressSpace) Fetch(va uint32, n int) ([]byte, error) {
	return as.copyOut(va, n, PermExec)
}

func (as *AddressSpace) copyOut(va uint32, n int, need Perms) ([]byte, error) {
	if n < 0 {
		return nil, errors.Wrapf(ErrInvalidPointer, "negative length %d", n)
	}
	buf := make([]byte, n)
	off := 0
	for off < n {
		e, ok := as.table[va/PageSize]
		if !ok {
			return nil, errors.Wrapf(ErrInvalidPointer, "read va %#x", va)
		}
		if e.perms&need != need {
			if need == PermExec {
				return nil, errors.Wrapf(ErrNoExec, "fetch va %#x", va)
			}
			return nil, errors.Wrapf(ErrInvalidPointer, "read va %#x lacks perms", va)
		}
		pgoff := int(va % PageSize)
		chunk := PageSize - pgoff
		if chunk > n-off {
			chunk = n - off
		}
		copy(buf[off:off+chunk], as.arena.frame(e.page)[pgoff:pgoff+chunk])
		off += chunk
		va += uint32(chunk)
	}
	return buf, nil
}

// WriteBytes copies p into the address space at va on behalf of user
// code, honoring write permission.
func (as *AddressSpace) WriteBytes(va uint32, p []byte) error {
	return as.copyIn(va, p, true)
}

// WriteKernel copies p into the address space at va on behalf of the
// kernel. It still walks the task's own page table (there is no raw
// view of another task's memory) but may write read-only pages; the
// kernel uses it to seed code, call-args, and results before or
// between user instructions.
func (as *AddressSpace) WriteKernel(va uint32, p []byte) error {
	return as.copyIn(va, p, false)
}

func (as *AddressSpace) copyIn(va uint32, p []byte, checkWrite bool) error {
	off := 0
	for off < len(p) {
		e, ok := as.table[va/PageSize]
		if !ok {
			return errors.Wrapf(ErrInvalidPointer, "write va %#x", va)
		}
		if checkWrite && e.perms&PermWrite == 0 {
			return errors.Wrapf(ErrReadOnly, "write va %#x", va)
		}
		pgoff := int(va % PageSize)
		chunk := PageSize - pgoff
		if chunk > len(p)-off {
			chunk = len(p) - off
		}
		copy(as.arena.frame(e.page)[pgoff:pgoff+chunk], p[off:off+chunk])
		off += chunk
		va += uint32(chunk)
	}
	return nil
}

// Pages returns the frame ids currently owned by this address space.
func (as *AddressSpace) Pages() []PageID {
	ids := make([]PageID, 0, len(as.table))
	for _, e := range as.table {
		ids = append(ids, e.page)
	}
	return ids
}

// Release returns every owned frame to the arena and drops the page
// table. The address space must not be used afterwards.
func (as *AddressSpace) Release() {
	for vpn, e := range as.table {
		as.arena.FreePage(e.page)
		delete(as.table, vpn)
	}
}
