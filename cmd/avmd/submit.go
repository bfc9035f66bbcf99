package main

import (
	"context"
	"io/ioutil"
	"log"
	"net/http"

	"github.com/alonmuroch/aVM/kernel"
	"github.com/alonmuroch/aVM/machine"
	"github.com/alonmuroch/aVM/store"
)

func (s *server) submit(w http.ResponseWriter, req *http.Request) {
	bits, err := ioutil.ReadAll(req.Body)
	if err != nil {
		httpErrf(w, http.StatusInternalServerError, "reading request body: %s", err)
		return
	}
	id := kernel.BundleID(bits)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Resubmitting a bundle that already ran returns the recorded
	// receipts instead of running it again.
	if run, err := s.store.GetRun(req.Context(), id[:]); err != nil {
		httpErrf(w, http.StatusInternalServerError, "looking up run: %s", err)
		return
	} else if run != nil {
		log.Printf("bundle %x already ran as run %d", id, run.Seq)
		respondReceipts(w, run.Receipts)
		return
	}

	params := s.boot
	params.Bundle = bits
	k, err := kernel.Boot(s.cfg, params, machine.NewInterp(), s.st)
	if err != nil {
		httpErrf(w, http.StatusBadRequest, "booting kernel: %s", err)
		return
	}

	// The run itself is never canceled by a dropped client; a
	// half-applied bundle would leave the state inconsistent.
	ctx := context.Background()
	receipts, err := k.Run(ctx)
	if err != nil {
		httpErrf(w, http.StatusBadRequest, "running bundle %x: %s", id, err)
		return
	}

	enc := kernel.EncodeList(receipts)
	root := kernel.ReceiptRoot(receipts)
	seq, err := s.store.SaveRun(ctx, &store.Run{
		BundleID:    id[:],
		Bundle:      bits,
		Receipts:    enc,
		ReceiptRoot: root[:],
	})
	if err != nil {
		log.Fatalf("recording run %x: %s", id, err)
	}
	if err = s.store.SaveSnapshot(ctx, seq, s.st.Encode()); err != nil {
		log.Fatalf("recording snapshot for run %d: %s", seq, err)
	}
	log.Printf("ran bundle %x as run %d, %d receipt(s)", id, seq, len(receipts))
	s.runs.Write(seq)

	respondReceipts(w, enc)
}

func respondReceipts(w http.ResponseWriter, bits []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(bits); err != nil {
		log.Printf("sending response: %s", err)
	}
}
