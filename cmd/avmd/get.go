package main

import (
	"context"
	"encoding/hex"
	"net/http"

	"github.com/alonmuroch/aVM/store"
)

func (s *server) get(w http.ResponseWriter, req *http.Request) {
	idHex := req.FormValue("bundle")
	id, err := hex.DecodeString(idHex)
	if err != nil || len(id) != 32 {
		httpErrf(w, http.StatusBadRequest, "bad bundle id %q", idHex)
		return
	}

	run, err := s.waitForRun(req.Context(), id)
	if err != nil {
		httpErrf(w, http.StatusInternalServerError, "looking up run: %s", err)
		return
	}
	if run == nil {
		httpErrf(w, http.StatusRequestTimeout, "timed out")
		return
	}

	respondReceipts(w, run.Receipts)
}

// waitForRun returns the stored run for id, blocking until one lands
// or ctx expires (then it returns nil with no error). The broadcast
// reader only sees runs recorded after it exists, so it is registered
// before the first store check: a run committing in between is caught
// by the re-check, not missed.
func (s *server) waitForRun(ctx context.Context, id []byte) (*store.Run, error) {
	r := s.runs.Reader()
	defer r.Dispose()
	for {
		run, err := s.store.GetRun(ctx, id)
		if err != nil || run != nil {
			return run, err
		}
		if _, ok := r.Read(ctx); !ok {
			return nil, nil
		}
	}
}
