package kernel

import (
	"bytes"
	"encoding/binary"

	"github.com/chain/txvm/protocol/merkle"
	"github.com/chain/txvm/errors"

	"github.com/alonmuroch/aVM/state"
)

// ErrBadReceipt is returned for malformed receipt bytes.
var ErrBadReceipt = errors.New("malformed receipt")

// Receipt records the outcome of one transaction or task. Receipts
// accumulate in task-completion order, so a child's receipt always
// precedes its caller's.
type Receipt struct {
	TaskID   uint32 // 0 for non-program transactions
	CallerID uint32
	Type     TxType
	To       state.Address
	From     state.Address
	Success  bool
	ErrCode  uint32
	Result   []byte
	Events   [][]byte
	Diffs    []state.Diff
}

func writeU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeBytes(w *bytes.Buffer, p []byte) {
	writeU32(w, uint32(len(p)))
	w.Write(p)
}

// Encode serializes the receipt. Every field is written in a fixed
// order with little-endian length prefixes, so equal receipts always
// produce equal bytes.
func (r *Receipt) Encode() []byte {
	var w bytes.Buffer
	writeU32(&w, r.TaskID)
	writeU32(&w, r.CallerID)
	w.WriteByte(byte(r.Type))
	w.Write(r.To[:])
	w.Write(r.From[:])
	if r.Success {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	writeU32(&w, r.ErrCode)
	writeBytes(&w, r.Result)
	writeU32(&w, uint32(len(r.Events)))
	for _, ev := range r.Events {
		writeBytes(&w, ev)
	}
	writeU32(&w, uint32(len(r.Diffs)))
	for _, d := range r.Diffs {
		w.Write(d.Addr[:])
		writeBytes(&w, []byte(d.Key))
		writeBytes(&w, d.Before)
		writeBytes(&w, d.After)
	}
	return w.Bytes()
}

type receiptReader struct {
	r *bytes.Reader
}

func (rr receiptReader) bytes(n int) ([]byte, error) {
	if n < 0 || n > rr.r.Len() {
		return nil, ErrBadReceipt
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	rr.r.Read(buf)
	return buf, nil
}

func (rr receiptReader) u32() (uint32, error) {
	b, err := rr.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (rr receiptReader) lenPrefixed() ([]byte, error) {
	n, err := rr.u32()
	if err != nil {
		return nil, err
	}
	return rr.bytes(int(n))
}

func (rr receiptReader) decode() (*Receipt, error) {
	var (
		r   Receipt
		err error
	)
	if r.TaskID, err = rr.u32(); err != nil {
		return nil, errors.Wrap(err, "task id")
	}
	if r.CallerID, err = rr.u32(); err != nil {
		return nil, errors.Wrap(err, "caller id")
	}
	hdr, err := rr.bytes(1 + 2*state.AddressLen + 1)
	if err != nil {
		return nil, errors.Wrap(err, "header")
	}
	r.Type = TxType(hdr[0])
	copy(r.To[:], hdr[1:1+state.AddressLen])
	copy(r.From[:], hdr[1+state.AddressLen:])
	r.Success = hdr[1+2*state.AddressLen] == 1
	if r.ErrCode, err = rr.u32(); err != nil {
		return nil, errors.Wrap(err, "error code")
	}
	if r.Result, err = rr.lenPrefixed(); err != nil {
		return nil, errors.Wrap(err, "result")
	}
	nev, err := rr.u32()
	if err != nil {
		return nil, errors.Wrap(err, "event count")
	}
	for i := uint32(0); i < nev; i++ {
		ev, err := rr.lenPrefixed()
		if err != nil {
			return nil, errors.Wrapf(err, "event %d", i)
		}
		r.Events = append(r.Events, ev)
	}
	nd, err := rr.u32()
	if err != nil {
		return nil, errors.Wrap(err, "diff count")
	}
	for i := uint32(0); i < nd; i++ {
		var d state.Diff
		addr, err := rr.bytes(state.AddressLen)
		if err != nil {
			return nil, errors.Wrapf(err, "diff %d address", i)
		}
		copy(d.Addr[:], addr)
		key, err := rr.lenPrefixed()
		if err != nil {
			return nil, errors.Wrapf(err, "diff %d key", i)
		}
		d.Key = string(key)
		if d.Before, err = rr.lenPrefixed(); err != nil {
			return nil, errors.Wrapf(err, "diff %d before", i)
		}
		if d.After, err = rr.lenPrefixed(); err != nil {
			return nil, errors.Wrapf(err, "diff %d after", i)
		}
		r.Diffs = append(r.Diffs, d)
	}
	return &r, nil
}

// DecodeReceipt parses one receipt produced by Encode.
func DecodeReceipt(bits []byte) (*Receipt, error) {
	rr := receiptReader{r: bytes.NewReader(bits)}
	r, err := rr.decode()
	if err != nil {
		return nil, err
	}
	if rr.r.Len() != 0 {
		return nil, errors.Wrap(ErrBadReceipt, "trailing bytes")
	}
	return r, nil
}

// EncodeList serializes a receipt sequence: u32 count, then each
// receipt length-prefixed. Equal runs produce byte-identical lists.
func EncodeList(receipts []*Receipt) []byte {
	var w bytes.Buffer
	writeU32(&w, uint32(len(receipts)))
	for _, r := range receipts {
		writeBytes(&w, r.Encode())
	}
	return w.Bytes()
}

// DecodeList parses a receipt sequence produced by EncodeList.
func DecodeList(bits []byte) ([]*Receipt, error) {
	rr := receiptReader{r: bytes.NewReader(bits)}
	n, err := rr.u32()
	if err != nil {
		return nil, errors.Wrap(err, "receipt count")
	}
	var out []*Receipt
	for i := uint32(0); i < n; i++ {
		one, err := rr.lenPrefixed()
		if err != nil {
			return nil, errors.Wrapf(err, "receipt %d", i)
		}
		r, err := DecodeReceipt(one)
		if err != nil {
			return nil, errors.Wrapf(err, "receipt %d", i)
		}
		out = append(out, r)
	}
	if rr.r.Len() != 0 {
		return nil, errors.Wrap(ErrBadReceipt, "trailing bytes")
	}
	return out, nil
}

// ReceiptRoot is the Merkle root over the encoded receipts, a compact
// commitment to a whole run's outcome.
func ReceiptRoot(receipts []*Receipt) [32]byte {
	items := make([][]byte, 0, len(receipts))
	for _, r := range receipts {
		items = append(items, r.Encode())
	}
	return merkle.Root(items)
}
