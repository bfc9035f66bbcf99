package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bobg/multichan"

	"github.com/alonmuroch/aVM/kernel"
	"github.com/alonmuroch/aVM/machine"
	"github.com/alonmuroch/aVM/state"
	"github.com/alonmuroch/aVM/store"
)

func withTestServer(t *testing.T, f func(*server, *httptest.Server)) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	rs, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	s := &server{
		st:  state.New(),
		cfg: kernel.Config{},
		boot: kernel.BootParams{
			HeapBase: kernelHeapBase,
			HeapLen:  kernelHeapLen,
			VABase:   userVABase,
			VALen:    userVALen,
			NPages:   256,
		},
		store: rs,
		runs:  multichan.New(int64(0)),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", s.submit)
	mux.HandleFunc("/get", s.get)
	ts := httptest.NewServer(mux)
	defer ts.Close()
	f(s, ts)
}

// addProgram reads two words from its input and exits with the low
// byte of their sum.
func addProgram() []byte {
	var b machine.Builder
	return b.
		Mov(6, 2).
		LoadW(4, 6, 0).
		LoadW(5, 6, 4).
		Add(4, 4, 5).
		LoadI(0, 4).
		LoadI(1, 4).
		LoadI(7, kernel.SysAlloc).
		Ecall().
		Mov(3, 0).
		StoreW(4, 3, 0).
		Mov(0, 3).
		LoadI(1, 1).
		LoadI(7, kernel.SysExit).
		Ecall().
		Build()
}

func addBundle(x, y uint32) []byte {
	var prog state.Address
	prog[0] = 1
	input := make([]byte, 8)
	binary.LittleEndian.PutUint32(input[0:], x)
	binary.LittleEndian.PutUint32(input[4:], y)
	b := &kernel.Bundle{Txs: []kernel.Transaction{
		{Type: kernel.TxCreateAccount, To: prog, Input: addProgram()},
		{Type: kernel.TxProgramCall, To: prog, From: state.Address{9}, Input: input},
	}}
	return b.Encode()
}

func submitBundle(t *testing.T, ts *httptest.Server, bits []byte) []byte {
	t.Helper()
	resp, err := http.Post(ts.URL+"/submit", "application/octet-stream", bytes.NewReader(bits))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit returned %d: %s", resp.StatusCode, body)
	}
	return body
}

func TestSubmitAndGet(t *testing.T) {
	withTestServer(t, func(s *server, ts *httptest.Server) {
		bits := addBundle(2, 3)
		body := submitBundle(t, ts, bits)

		receipts, err := kernel.DecodeList(body)
		if err != nil {
			t.Fatal(err)
		}
		if len(receipts) != 2 {
			t.Fatalf("got %d receipts, want 2", len(receipts))
		}
		last := receipts[len(receipts)-1]
		if !last.Success || !bytes.Equal(last.Result, []byte{5}) {
			t.Errorf("task receipt %+v, want success with result 05", last)
		}

		// Resubmitting returns the recorded receipts without
		// running again.
		if again := submitBundle(t, ts, bits); !bytes.Equal(again, body) {
			t.Error("resubmit returned different receipts")
		}

		id := kernel.BundleID(bits)
		resp, err := http.Get(fmt.Sprintf("%s/get?bundle=%s", ts.URL, hex.EncodeToString(id[:])))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		got, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK || !bytes.Equal(got, body) {
			t.Errorf("get returned %d with %d bytes, want the submit response", resp.StatusCode, len(got))
		}
	})
}

func TestGetWaitsForRun(t *testing.T) {
	withTestServer(t, func(s *server, ts *httptest.Server) {
		bits := addBundle(7, 9)
		id := kernel.BundleID(bits)

		got := make(chan []byte, 1)
		errc := make(chan error, 1)
		go func() {
			resp, err := http.Get(fmt.Sprintf("%s/get?bundle=%s", ts.URL, hex.EncodeToString(id[:])))
			if err != nil {
				errc <- err
				return
			}
			defer resp.Body.Close()
			body, err := ioutil.ReadAll(resp.Body)
			if err != nil {
				errc <- err
				return
			}
			got <- body
		}()

		// Give the get a moment to start waiting, then run the
		// bundle.
		time.Sleep(100 * time.Millisecond)
		want := submitBundle(t, ts, bits)

		select {
		case body := <-got:
			if !bytes.Equal(body, want) {
				t.Error("waiting get returned different receipts")
			}
		case err := <-errc:
			t.Fatal(err)
		case <-time.After(5 * time.Second):
			t.Fatal("get did not return after the bundle ran")
		}
	})
}

func TestGetCatchesRunSavedBeforeWait(t *testing.T) {
	withTestServer(t, func(s *server, ts *httptest.Server) {
		bits := addBundle(1, 2)
		id := kernel.BundleID(bits)
		_, err := s.store.SaveRun(context.Background(), &store.Run{
			BundleID: id[:],
			Bundle:   bits,
			Receipts: []byte{0, 0, 0, 0},
		})
		if err != nil {
			t.Fatal(err)
		}

		// The run is in the store but was never broadcast: the wait
		// must find it by re-checking, not by a wakeup that already
		// happened.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		run, err := s.waitForRun(ctx, id[:])
		if err != nil {
			t.Fatal(err)
		}
		if run == nil {
			t.Fatal("wait missed a run recorded before it began")
		}
		if !bytes.Equal(run.Receipts, []byte{0, 0, 0, 0}) {
			t.Errorf("got receipts %x", run.Receipts)
		}
	})
}

func TestGetBadBundleID(t *testing.T) {
	withTestServer(t, func(s *server, ts *httptest.Server) {
		resp, err := http.Get(ts.URL + "/get?bundle=zzzz")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("got status %d, want 400", resp.StatusCode)
		}
	})
}

func TestStatePersistsAcrossBundles(t *testing.T) {
	withTestServer(t, func(s *server, ts *httptest.Server) {
		var alice, bob state.Address
		alice[0], bob[0] = 0xa, 0xb
		fund := &kernel.Bundle{Txs: []kernel.Transaction{
			{Type: kernel.TxCreateAccount, To: alice, Value: 100},
		}}
		spend := &kernel.Bundle{Txs: []kernel.Transaction{
			{Type: kernel.TxTransfer, To: bob, From: alice, Value: 60},
		}}
		submitBundle(t, ts, fund.Encode())
		body := submitBundle(t, ts, spend.Encode())

		receipts, err := kernel.DecodeList(body)
		if err != nil {
			t.Fatal(err)
		}
		if len(receipts) != 1 || !receipts[0].Success {
			t.Fatalf("transfer receipts: %+v", receipts)
		}
		if got := s.st.BalanceOf(bob); got != 60 {
			t.Errorf("bob balance %d, want 60", got)
		}

		// The snapshot written after the second run restores the
		// same state.
		seq, bits, err := s.store.LatestSnapshot(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if seq == 0 || bits == nil {
			t.Fatal("no snapshot recorded")
		}
		st, err := state.Decode(bits)
		if err != nil {
			t.Fatal(err)
		}
		if st.BalanceOf(alice) != 40 || st.BalanceOf(bob) != 60 {
			t.Errorf("snapshot balances %d/%d, want 40/60", st.BalanceOf(alice), st.BalanceOf(bob))
		}
	})
}
