package state

import (
	"bytes"
	"sort"
)

// Diff records one storage slot touched by a task, with its value
// before the task started and after it completed.
type Diff struct {
	Addr   Address
	Key    string
	Before []byte // nil if the slot did not exist
	After  []byte // nil if the slot was removed
}

// slotBefore is a storage slot's value the first time the task wrote
// it.
type slotBefore struct {
	val    []byte
	exists bool
}

// Journal tracks the accounts a single task mutates so its effects
// can be rolled back if the task faults. The first mutation of an
// account snapshots it; Revert restores the snapshots. Storage writes
// additionally record the slot's first prior value so the receipt can
// list exact diffs.
type Journal struct {
	st      *State
	before  map[Address]*Account // nil entry: account did not exist
	touched map[Address]map[string]slotBefore
}

// Begin opens a journal over s for one task.
func (s *State) Begin() *Journal {
	return &Journal{
		st:      s,
		before:  make(map[Address]*Account),
		touched: make(map[Address]map[string]slotBefore),
	}
}

// snapshot captures addr's pre-task contents the first time the task
// touches it.
func (j *Journal) snapshot(addr Address) {
	if _, done := j.before[addr]; done {
		return
	}
	if acc, ok := j.st.accounts[addr]; ok {
		j.before[addr] = acc.clone()
	} else {
		j.before[addr] = nil
	}
}

// SetStorage writes a storage slot through the journal.
func (j *Journal) SetStorage(addr Address, key string, val []byte) {
	j.snapshot(addr)
	if _, ok := j.touched[addr]; !ok {
		j.touched[addr] = make(map[string]slotBefore)
	}
	if _, done := j.touched[addr][key]; !done {
		prev, ok := j.st.GetStorage(addr, key)
		j.touched[addr][key] = slotBefore{val: prev, exists: ok}
	}
	j.st.SetStorage(addr, key, val)
}

// Transfer moves balance through the journal.
func (j *Journal) Transfer(from, to Address, value uint64) error {
	j.snapshot(from)
	j.snapshot(to)
	return j.st.Transfer(from, to, value)
}

// Seal marks everything recorded so far as applied: a later Revert
// restores the state at the time of the Seal, not at the task start.
// The kernel seals a task's journal whenever a nested call commits,
// so a fault in the caller cannot take back the callee's effects.
func (j *Journal) Seal() {
	addrs := make([]Address, 0, len(j.before))
	for addr := range j.before {
		addrs = append(addrs, addr)
	}
	for _, addr := range addrs {
		delete(j.before, addr)
		j.snapshot(addr)
	}
}

// Revert restores every snapshotted account to its contents at the
// task start or the most recent Seal.
func (j *Journal) Revert() {
	for addr, prev := range j.before {
		if prev == nil {
			delete(j.st.accounts, addr)
		} else {
			j.st.accounts[addr] = prev
		}
	}
	j.before = make(map[Address]*Account)
}

// Diffs lists the storage slots whose current value differs from when
// the task first wrote them, sorted by address then key. After a
// Revert it reports only the effects that remained applied.
func (j *Journal) Diffs() []Diff {
	var out []Diff
	for addr, slots := range j.touched {
		for k, sb := range slots {
			after, ok := j.st.GetStorage(addr, k)
			if ok == sb.exists && bytes.Equal(after, sb.val) {
				continue
			}
			var before []byte
			if sb.exists {
				before = sb.val
			}
			if !ok {
				after = nil
			}
			out = append(out, Diff{Addr: addr, Key: k, Before: before, After: after})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if c := bytes.Compare(out[a].Addr[:], out[b].Addr[:]); c != 0 {
			return c < 0
		}
		return out[a].Key < out[b].Key
	})
	return out
}
