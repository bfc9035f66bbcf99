package kernel

import (
	"bytes"
	"encoding/binary"
	"log"

	"github.com/chain/txvm/crypto/sha3"
	"github.com/chain/txvm/errors"
	"github.com/chain/txvm/math/checked"

	"github.com/alonmuroch/aVM/state"
)

// TxType discriminates bundle entries.
type TxType uint8

const (
	TxCreateAccount TxType = 0
	TxTransfer      TxType = 1
	TxProgramCall   TxType = 2
)

// ErrBadBundle is returned for malformed bundle bytes.
var ErrBadBundle = errors.New("malformed bundle")

// Transaction is one bundle entry. For program calls Input is the
// call input; for account creation it is the contract code to
// install.
type Transaction struct {
	Type  TxType
	To    state.Address
	From  state.Address
	Input []byte
	Value uint64
	Nonce uint64
}

// Bundle is an ordered batch of invocations submitted in one run.
type Bundle struct {
	Txs []Transaction
}

// BundleID is the content hash identifying a bundle run.
func BundleID(bits []byte) [32]byte {
	return sha3.Sum256(bits)
}

// Encode serializes the bundle: u32 count, then per transaction the
// type byte, to, from, length-prefixed input, value, nonce, all
// little-endian.
func (b *Bundle) Encode() []byte {
	var out bytes.Buffer
	var w [8]byte
	binary.LittleEndian.PutUint32(w[:4], uint32(len(b.Txs)))
	out.Write(w[:4])
	for i := range b.Txs {
		tx := &b.Txs[i]
		out.WriteByte(byte(tx.Type))
		out.Write(tx.To[:])
		out.Write(tx.From[:])
		binary.LittleEndian.PutUint32(w[:4], uint32(len(tx.Input)))
		out.Write(w[:4])
		out.Write(tx.Input)
		binary.LittleEndian.PutUint64(w[:], tx.Value)
		out.Write(w[:])
		binary.LittleEndian.PutUint64(w[:], tx.Nonce)
		out.Write(w[:])
	}
	return out.Bytes()
}

// DecodeBundle parses bundle bytes produced by Encode.
func DecodeBundle(bits []byte) (*Bundle, error) {
	r := bytes.NewReader(bits)
	readN := func(n int) ([]byte, error) {
		if n < 0 || n > r.Len() {
			return nil, ErrBadBundle
		}
		if n == 0 {
			return nil, nil
		}
		buf := make([]byte, n)
		r.Read(buf)
		return buf, nil
	}

	cnt, err := readN(4)
	if err != nil {
		return nil, errors.Wrap(err, "reading count")
	}
	n := binary.LittleEndian.Uint32(cnt)
	b := &Bundle{}
	for i := uint32(0); i < n; i++ {
		var tx Transaction
		hdr, err := readN(1 + 2*state.AddressLen)
		if err != nil {
			return nil, errors.Wrapf(err, "reading tx %d header", i)
		}
		tx.Type = TxType(hdr[0])
		copy(tx.To[:], hdr[1:1+state.AddressLen])
		copy(tx.From[:], hdr[1+state.AddressLen:])
		lenBytes, err := readN(4)
		if err != nil {
			return nil, errors.Wrapf(err, "reading tx %d input length", i)
		}
		if tx.Input, err = readN(int(binary.LittleEndian.Uint32(lenBytes))); err != nil {
			return nil, errors.Wrapf(err, "reading tx %d input", i)
		}
		tail, err := readN(16)
		if err != nil {
			return nil, errors.Wrapf(err, "reading tx %d value/nonce", i)
		}
		tx.Value = binary.LittleEndian.Uint64(tail[:8])
		tx.Nonce = binary.LittleEndian.Uint64(tail[8:])
		b.Txs = append(b.Txs, tx)
	}
	if r.Len() != 0 {
		return nil, errors.Wrap(ErrBadBundle, "trailing bytes")
	}
	return b, nil
}

// processTx executes one bundle entry. Non-program entries yield a
// single receipt directly; program calls yield one receipt per task
// that ran, children first.
func (k *Kernel) processTx(tx *Transaction) {
	switch tx.Type {
	case TxCreateAccount:
		k.createAccount(tx)
	case TxTransfer:
		k.transfer(tx)
	case TxProgramCall:
		k.programCall(tx)
	default:
		log.Printf("bundle: unsupported tx type %d", tx.Type)
		k.receipts = append(k.receipts, txReceipt(tx, false, sysErrUnknown))
	}
}

func txReceipt(tx *Transaction, success bool, errCode uint32) *Receipt {
	return &Receipt{
		Type:    tx.Type,
		To:      tx.To,
		From:    tx.From,
		Success: success,
		ErrCode: errCode,
	}
}

func (k *Kernel) createAccount(tx *Transaction) {
	acc := k.st.AccountMut(tx.To)
	if len(tx.Input) > 0 {
		acc.Code = append([]byte(nil), tx.Input...)
		acc.IsContract = true
	}
	sum, ok := checked.AddInt64(int64(acc.Balance), int64(tx.Value))
	if !ok || sum < 0 {
		log.Printf("create account %s: balance overflow", tx.To)
		k.receipts = append(k.receipts, txReceipt(tx, false, codeTransferFailed))
		return
	}
	acc.Balance = uint64(sum)
	acc.Nonce = tx.Nonce
	k.receipts = append(k.receipts, txReceipt(tx, true, codeOK))
}

func (k *Kernel) transfer(tx *Transaction) {
	if err := k.st.Transfer(tx.From, tx.To, tx.Value); err != nil {
		log.Printf("transfer %s -> %s: %s", tx.From, tx.To, err)
		k.receipts = append(k.receipts, txReceipt(tx, false, codeTransferFailed))
		return
	}
	k.receipts = append(k.receipts, txReceipt(tx, true, codeOK))
}

// programCall turns a bundle entry into a root task and runs it. A
// failed creation never schedules anything: the invocation-failure
// receipt is emitted with no side effects.
func (k *Kernel) programCall(tx *Transaction) {
	img, err := k.loadProgram(tx.To)
	if err != nil {
		log.Printf("program call to %s: %s", tx.To, err)
		k.receipts = append(k.receipts, txReceipt(tx, false, loadErrCode(err)))
		return
	}
	t, err := k.newTask(img, CallArgs{To: tx.To, From: tx.From, Input: tx.Input}, 0)
	if err != nil {
		log.Printf("program call to %s: creating task: %s", tx.To, err)
		k.receipts = append(k.receipts, txReceipt(tx, false, loadErrCode(err)))
		return
	}
	k.runTask(t)
}

// loadProgram fetches the program image for an address from state.
func (k *Kernel) loadProgram(to state.Address) (ProgramImage, error) {
	acc, ok := k.st.Account(to)
	if !ok {
		return ProgramImage{}, errors.Wrapf(ErrNoAccount, "program %s", to)
	}
	if !acc.IsContract || len(acc.Code) == 0 {
		return ProgramImage{}, errors.Wrapf(ErrNotContract, "program %s", to)
	}
	if len(acc.Code) > k.cfg.MaxCodeLen {
		return ProgramImage{}, errors.Wrapf(ErrProgramTooLarge, "program %s: %d bytes", to, len(acc.Code))
	}
	return ProgramImage{Code: acc.Code}, nil
}

// isRoot reports whether target is the root cause of err.
func isRoot(err, target error) bool {
	return errors.Root(err) == target
}
