// Command avmd runs the kernel behind an HTTP interface: POST a
// transaction bundle to /submit to execute it against the persistent
// global state, GET /get?bundle=<hex id> to fetch (or wait for) the
// receipts of a run.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/bobg/multichan"
	_ "github.com/mattn/go-sqlite3"

	"github.com/alonmuroch/aVM/kernel"
	"github.com/alonmuroch/aVM/state"
	"github.com/alonmuroch/aVM/store"
)

// Boot layout handed to every kernel run. The kernel heap sits below
// the user window; each task gets a 128KiB window plus the call-args
// page.
const (
	kernelHeapBase = 0x1000
	kernelHeapLen  = 0x40000
	userVABase     = 0x100000
	userVALen      = 0x20000
)

type server struct {
	mu    sync.Mutex // guards st and the run sequence
	st    *state.State
	cfg   kernel.Config
	boot  kernel.BootParams // Bundle filled per submit
	store *store.RunStore
	runs  *multichan.W // of int64 run seqs
}

func main() {
	ctx := context.Background()

	var (
		addr   = flag.String("addr", "localhost:2524", "server listen address")
		dbfile = flag.String("db", "", "path to db")
		pages  = flag.Int("pages", 1024, "physical memory pages per run")
		depth  = flag.Int("depth", 0, "max nested cross-program calls (0 for default)")
	)

	flag.Parse()

	db, err := sql.Open("sqlite3", *dbfile)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	rs, err := store.New(db)
	if err != nil {
		log.Fatal(err)
	}

	st, seq, err := recoverState(ctx, rs)
	if err != nil {
		log.Fatal(err)
	}

	s := &server{
		st:  st,
		cfg: kernel.Config{MaxCallDepth: *depth},
		boot: kernel.BootParams{
			HeapBase: kernelHeapBase,
			HeapLen:  kernelHeapLen,
			VABase:   userVABase,
			VALen:    userVALen,
			NPages:   *pages,
		},
		store: rs,
		runs:  multichan.New(int64(0)),
	}

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("listening on %s, resuming from run %d", listener.Addr(), seq)

	http.HandleFunc("/submit", s.submit)
	http.HandleFunc("/get", s.get)
	http.Serve(listener, nil)
}

// recoverState rebuilds the global state from the latest snapshot,
// starting empty when there is none.
func recoverState(ctx context.Context, rs *store.RunStore) (*state.State, int64, error) {
	seq, bits, err := rs.LatestSnapshot(ctx)
	if err != nil {
		return nil, 0, err
	}
	if bits == nil {
		return state.New(), 0, nil
	}
	st, err := state.Decode(bits)
	if err != nil {
		return nil, 0, err
	}
	return st, seq, nil
}

func httpErrf(w http.ResponseWriter, code int, msgfmt string, args ...interface{}) {
	http.Error(w, fmt.Sprintf(msgfmt, args...), code)
	log.Printf(msgfmt, args...)
}
