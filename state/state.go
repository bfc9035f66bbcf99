// Package state holds the kernel's global key/value state: accounts
// with balances, contract code, and per-program storage. The kernel
// is strictly single-threaded and cooperative, so nothing here is
// locked; a parallel kernel would have to add real synchronization or
// partition state per instance.
package state

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"io"
	"sort"

	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/math/checked"
)

// AddressLen is the byte length of an account address.
const AddressLen = 20

// Address identifies an account.
type Address [AddressLen]byte

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

var (
	// ErrNoFunds is returned by Transfer when the source balance is
	// insufficient.
	ErrNoFunds = errors.New("insufficient balance")

	// ErrOverflow is returned when a balance would exceed uint64.
	ErrOverflow = errors.New("balance overflow")

	// ErrDecode is returned for malformed state snapshots.
	ErrDecode = errors.New("malformed state snapshot")
)

// Account is one address's slice of the global state.
type Account struct {
	Nonce      uint64
	Balance    uint64
	Code       []byte
	IsContract bool
	Storage    map[string][]byte
}

func (a *Account) clone() *Account {
	c := &Account{
		Nonce:      a.Nonce,
		Balance:    a.Balance,
		IsContract: a.IsContract,
		Code:       append([]byte(nil), a.Code...),
		Storage:    make(map[string][]byte, len(a.Storage)),
	}
	for k, v := range a.Storage {
		c.Storage[k] = append([]byte(nil), v...)
	}
	return c
}

// State maps addresses to accounts.
type State struct {
	accounts map[Address]*Account
}

// New returns an empty state.
func New() *State {
	return &State{accounts: make(map[Address]*Account)}
}

// Account returns the account at addr, if present.
func (s *State) Account(addr Address) (*Account, bool) {
	acc, ok := s.accounts[addr]
	return acc, ok
}

// AccountMut returns the account at addr, creating an empty one if
// needed. Accounts come into being when first touched.
func (s *State) AccountMut(addr Address) *Account {
	acc, ok := s.accounts[addr]
	if !ok {
		acc = &Account{Storage: make(map[string][]byte)}
		s.accounts[addr] = acc
	}
	return acc
}

// BalanceOf returns the balance at addr, zero for missing accounts.
func (s *State) BalanceOf(addr Address) uint64 {
	if acc, ok := s.accounts[addr]; ok {
		return acc.Balance
	}
	return 0
}

// Transfer moves value from one account to another.
func (s *State) Transfer(from, to Address, value uint64) error {
	src, ok := s.accounts[from]
	if !ok || src.Balance < value {
		return errors.Wrapf(ErrNoFunds, "transfer %d from %s", value, from)
	}
	if from == to {
		return nil
	}
	dstBal := s.BalanceOf(to)
	sum, ok := checked.AddInt64(int64(dstBal), int64(value))
	if !ok || dstBal > 1<<63-1 || value > 1<<63-1 {
		return errors.Wrapf(ErrOverflow, "transfer %d to %s", value, to)
	}
	src.Balance -= value
	s.AccountMut(to).Balance = uint64(sum)
	return nil
}

// GetStorage reads a storage slot of addr's account.
func (s *State) GetStorage(addr Address, key string) ([]byte, bool) {
	acc, ok := s.accounts[addr]
	if !ok {
		return nil, false
	}
	v, ok := acc.Storage[key]
	return v, ok
}

// SetStorage writes a storage slot of addr's account.
func (s *State) SetStorage(addr Address, key string, val []byte) {
	s.AccountMut(addr).Storage[key] = append([]byte(nil), val...)
}

// Addresses returns all account addresses in sorted order.
func (s *State) Addresses() []Address {
	addrs := make([]Address, 0, len(s.accounts))
	for a := range s.accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
	return addrs
}

// Encode serializes the state deterministically: accounts in address
// order, storage slots in key order, everything little-endian and
// length-prefixed.
func (s *State) Encode() []byte {
	var out bytes.Buffer
	putU32 := func(v uint32) {
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], v)
		out.Write(w[:])
	}
	putU64 := func(v uint64) {
		var w [8]byte
		binary.LittleEndian.PutUint64(w[:], v)
		out.Write(w[:])
	}

	addrs := s.Addresses()
	putU32(uint32(len(addrs)))
	for _, addr := range addrs {
		acc := s.accounts[addr]
		out.Write(addr[:])
		putU64(acc.Nonce)
		putU64(acc.Balance)
		if acc.IsContract {
			out.WriteByte(1)
		} else {
			out.WriteByte(0)
		}
		putU32(uint32(len(acc.Code)))
		out.Write(acc.Code)

		keys := make([]string, 0, len(acc.Storage))
		for k := range acc.Storage {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		putU32(uint32(len(keys)))
		for _, k := range keys {
			putU32(uint32(len(k)))
			out.WriteString(k)
			v := acc.Storage[k]
			putU32(uint32(len(v)))
			out.Write(v)
		}
	}
	return out.Bytes()
}

// Decode parses a snapshot produced by Encode.
func Decode(bits []byte) (*State, error) {
	r := bytes.NewReader(bits)
	readU32 := func() (uint32, error) {
		var w [4]byte
		if _, err := io.ReadFull(r, w[:]); err != nil {
			return 0, ErrDecode
		}
		return binary.LittleEndian.Uint32(w[:]), nil
	}
	readU64 := func() (uint64, error) {
		var w [8]byte
		if _, err := io.ReadFull(r, w[:]); err != nil {
			return 0, ErrDecode
		}
		return binary.LittleEndian.Uint64(w[:]), nil
	}
	readN := func(n uint32) ([]byte, error) {
		if int64(n) > int64(r.Len()) {
			return nil, ErrDecode
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, ErrDecode
		}
		return buf, nil
	}

	s := New()
	naccts, err := readU32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < naccts; i++ {
		var addr Address
		ab, err := readN(AddressLen)
		if err != nil {
			return nil, errors.Wrap(err, "reading address")
		}
		copy(addr[:], ab)
		acc := s.AccountMut(addr)
		if acc.Nonce, err = readU64(); err != nil {
			return nil, err
		}
		if acc.Balance, err = readU64(); err != nil {
			return nil, err
		}
		flag, err := readN(1)
		if err != nil {
			return nil, err
		}
		acc.IsContract = flag[0] != 0
		codeLen, err := readU32()
		if err != nil {
			return nil, err
		}
		if acc.Code, err = readN(codeLen); err != nil {
			return nil, errors.Wrap(err, "reading code")
		}
		nslots, err := readU32()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < nslots; j++ {
			klen, err := readU32()
			if err != nil {
				return nil, err
			}
			k, err := readN(klen)
			if err != nil {
				return nil, errors.Wrap(err, "reading storage key")
			}
			vlen, err := readU32()
			if err != nil {
				return nil, err
			}
			v, err := readN(vlen)
			if err != nil {
				return nil, errors.Wrap(err, "reading storage value")
			}
			acc.Storage[string(k)] = v
		}
	}
	if r.Len() != 0 {
		return nil, errors.Wrap(ErrDecode, "trailing bytes")
	}
	return s, nil
}
