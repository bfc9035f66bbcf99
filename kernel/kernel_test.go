package kernel

import (
	"context"
	"reflect"
	"testing"

	"github.com/chain/txvm/errors"

	"github.com/alonmuroch/aVM/machine"
	"github.com/alonmuroch/aVM/state"
)

func taddr(b byte) (a state.Address) {
	a[0] = b
	return a
}

// testParams uses a window starting at VA 0 so test programs can name
// every address with 16-bit immediates: code at 0, heap from 0x1000,
// stack [0x3000, 0x4000), call-args page [0x4000, 0x5000).
func testParams(bundle []byte) BootParams {
	return BootParams{
		HeapBase: 0x1000,
		HeapLen:  0x10000,
		VABase:   0,
		VALen:    0x4000,
		NPages:   64,
		Bundle:   bundle,
	}
}

func testConfig() Config {
	return Config{StackBytes: 0x1000, MaxCallDepth: 3}
}

func bootTestKernel(t *testing.T, st *state.State, bundle []byte) *Kernel {
	t.Helper()
	k, err := Boot(testConfig(), testParams(bundle), machine.NewInterp(), st)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func runBundle(t *testing.T, st *state.State, b *Bundle) ([]*Receipt, *Kernel) {
	t.Helper()
	k := bootTestKernel(t, st, b.Encode())
	receipts, err := k.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return receipts, k
}

func TestBootValidation(t *testing.T) {
	bundle := (&Bundle{}).Encode()
	ok := testParams(bundle)

	cases := []struct {
		name string
		mach machine.Machine
		tw   func(*BootParams)
	}{
		{"nil machine", nil, func(*BootParams) {}},
		{"no bundle", machine.NewInterp(), func(p *BootParams) { p.Bundle = nil }},
		{"zero pages", machine.NewInterp(), func(p *BootParams) { p.NPages = 0 }},
		{"unaligned window", machine.NewInterp(), func(p *BootParams) { p.VABase = 0x100 }},
		{"window too small", machine.NewInterp(), func(p *BootParams) { p.VALen = 0x2000 }},
		{"bad kernel heap", machine.NewInterp(), func(p *BootParams) { p.HeapLen = 0 }},
	}
	for _, c := range cases {
		p := ok
		c.tw(&p)
		_, err := Boot(testConfig(), p, c.mach, nil)
		if errors.Root(err) != ErrBadBoot {
			t.Errorf("%s: got %v, want %v", c.name, err, ErrBadBoot)
		}
	}

	if _, err := Boot(testConfig(), ok, machine.NewInterp(), nil); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}

func TestBundleRoundTrip(t *testing.T) {
	b := &Bundle{Txs: []Transaction{
		{Type: TxCreateAccount, To: taddr(1), Input: []byte{1, 2, 3}, Value: 100, Nonce: 1},
		{Type: TxTransfer, To: taddr(2), From: taddr(1), Value: 40, Nonce: 2},
		{Type: TxProgramCall, To: taddr(1), From: taddr(3), Input: []byte("call input")},
	}}
	bits := b.Encode()
	got, err := DecodeBundle(bits)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Txs, b.Txs) {
		t.Errorf("round trip changed bundle:\n got %+v\nwant %+v", got.Txs, b.Txs)
	}
	if id1, id2 := BundleID(bits), BundleID(b.Encode()); id1 != id2 {
		t.Error("bundle id not stable across encodings")
	}
}

func TestDecodeBundleMalformed(t *testing.T) {
	good := (&Bundle{Txs: []Transaction{{Type: TxTransfer, To: taddr(1), From: taddr(2), Value: 5}}}).Encode()
	cases := [][]byte{
		good[:3],                  // truncated count
		good[:len(good)-1],        // truncated tx
		append(good, 0xff),        // trailing byte
		{0xff, 0xff, 0xff, 0xff},  // absurd count
	}
	for i, bits := range cases {
		if _, err := DecodeBundle(bits); errors.Root(err) != ErrBadBundle {
			t.Errorf("case %d: got %v, want %v", i, err, ErrBadBundle)
		}
	}
}

func TestTransferTx(t *testing.T) {
	b := &Bundle{Txs: []Transaction{
		{Type: TxCreateAccount, To: taddr(1), Value: 100},
		{Type: TxTransfer, To: taddr(2), From: taddr(1), Value: 30},
		{Type: TxTransfer, To: taddr(2), From: taddr(1), Value: 1000}, // overdraft
	}}
	receipts, k := runBundle(t, state.New(), b)
	if len(receipts) != 3 {
		t.Fatalf("got %d receipts, want 3", len(receipts))
	}
	if !receipts[0].Success || !receipts[1].Success {
		t.Error("create/transfer receipts not successful")
	}
	if receipts[2].Success || receipts[2].ErrCode != codeTransferFailed {
		t.Errorf("overdraft receipt %+v, want failure code %d", receipts[2], codeTransferFailed)
	}
	if got := k.State().BalanceOf(taddr(1)); got != 70 {
		t.Errorf("sender balance %d, want 70", got)
	}
	if got := k.State().BalanceOf(taddr(2)); got != 30 {
		t.Errorf("recipient balance %d, want 30", got)
	}
}

func TestProgramCallMissingAccount(t *testing.T) {
	b := &Bundle{Txs: []Transaction{
		{Type: TxCreateAccount, To: taddr(9)}, // plain account, no code
		{Type: TxProgramCall, To: taddr(1), From: taddr(2)},
		{Type: TxProgramCall, To: taddr(9), From: taddr(2)},
	}}
	receipts, _ := runBundle(t, state.New(), b)
	if len(receipts) != 3 {
		t.Fatalf("got %d receipts, want 3", len(receipts))
	}
	if receipts[1].Success || receipts[1].ErrCode != sysErrNoAccount {
		t.Errorf("missing account receipt %+v, want code %d", receipts[1], sysErrNoAccount)
	}
	if receipts[2].Success || receipts[2].ErrCode != sysErrNotContract {
		t.Errorf("non-contract receipt %+v, want code %d", receipts[2], sysErrNotContract)
	}
	// Neither call produced a task.
	if receipts[1].TaskID != 0 || receipts[2].TaskID != 0 {
		t.Error("failed invocation scheduled a task")
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	r := &Receipt{
		TaskID:   3,
		CallerID: 1,
		Type:     TxProgramCall,
		To:       taddr(1),
		From:     taddr(2),
		Success:  true,
		Result:   []byte{5},
		Events:   [][]byte{[]byte("ev1"), []byte("ev2")},
		Diffs: []state.Diff{
			{Addr: taddr(1), Key: "d:00", Before: nil, After: []byte("x")},
			{Addr: taddr(1), Key: "d:01", Before: []byte("a"), After: []byte("b")},
		},
	}
	got, err := DecodeReceipt(r.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, r) {
		t.Errorf("round trip changed receipt:\n got %+v\nwant %+v", got, r)
	}

	fail := &Receipt{TaskID: 4, Type: TxProgramCall, To: taddr(1), ErrCode: codeFaultBadAccess}
	list := []*Receipt{r, fail}
	decoded, err := DecodeList(EncodeList(list))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(decoded, list) {
		t.Error("list round trip changed receipts")
	}

	if ReceiptRoot(list) != ReceiptRoot(decoded) {
		t.Error("receipt root not stable")
	}
	if ReceiptRoot(list) == ReceiptRoot(list[:1]) {
		t.Error("different receipt lists share a root")
	}
}

func TestDecodeReceiptMalformed(t *testing.T) {
	bits := (&Receipt{TaskID: 1, Type: TxProgramCall}).Encode()
	if _, err := DecodeReceipt(bits[:len(bits)-1]); errors.Root(err) != ErrBadReceipt {
		t.Errorf("truncated: got %v, want %v", err, ErrBadReceipt)
	}
	if _, err := DecodeReceipt(append(bits, 0)); errors.Root(err) != ErrBadReceipt {
		t.Errorf("trailing: got %v, want %v", err, ErrBadReceipt)
	}
}
