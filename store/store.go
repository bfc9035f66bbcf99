// Package store persists kernel runs and state snapshots in sqlite.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/bobg/sqlutil"
	"github.com/chain/txvm/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  bundle_id BLOB NOT NULL UNIQUE,
  bundle BLOB NOT NULL,
  receipts BLOB NOT NULL,
  receipt_root BLOB NOT NULL,
  created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
  run_seq INTEGER NOT NULL PRIMARY KEY,
  bits BLOB NOT NULL
);
`

// Run is one persisted kernel run.
type Run struct {
	Seq         int64
	BundleID    []byte
	Bundle      []byte
	Receipts    []byte
	ReceiptRoot []byte
}

// RunStore records finished runs and the state snapshots they
// produced. Writes are idempotent on bundle id: resubmitting a bundle
// that already ran changes nothing.
type RunStore struct {
	db *sql.DB
}

// New creates the schema if needed and returns a store over db.
func New(db *sql.DB) (*RunStore, error) {
	_, err := db.Exec(schema)
	if err != nil {
		return nil, errors.Wrap(err, "creating db schema")
	}
	return &RunStore{db: db}, nil
}

// SaveRun records a finished run and returns its sequence number. A
// bundle id that was already recorded keeps its original row and
// sequence number.
func (s *RunStore) SaveRun(ctx context.Context, r *Run) (int64, error) {
	const q = `INSERT OR IGNORE INTO runs (bundle_id, bundle, receipts, receipt_root, created_at_ms) VALUES ($1, $2, $3, $4, $5)`
	_, err := s.db.ExecContext(ctx, q, r.BundleID, r.Bundle, r.Receipts, r.ReceiptRoot, time.Now().UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "writing run to db")
	}
	var seq int64
	err = s.db.QueryRowContext(ctx, `SELECT seq FROM runs WHERE bundle_id = $1`, r.BundleID).Scan(&seq)
	return seq, errors.Wrap(err, "reading run seq")
}

// GetRun fetches a run by bundle id. It returns nil with no error
// when the bundle has not run.
func (s *RunStore) GetRun(ctx context.Context, bundleID []byte) (*Run, error) {
	r := &Run{BundleID: bundleID}
	const q = `SELECT seq, bundle, receipts, receipt_root FROM runs WHERE bundle_id = $1`
	err := s.db.QueryRowContext(ctx, q, bundleID).Scan(&r.Seq, &r.Bundle, &r.Receipts, &r.ReceiptRoot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, errors.Wrap(err, "reading run from db")
}

// Seq returns the latest run sequence number, zero when no run has
// been recorded.
func (s *RunStore) Seq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM runs`).Scan(&seq)
	return seq.Int64, errors.Wrap(err, "reading max run seq")
}

// RunsSince streams runs with a sequence number above since, in
// order.
func (s *RunStore) RunsSince(ctx context.Context, since int64, f func(*Run) error) error {
	const q = `SELECT seq, bundle_id, bundle, receipts, receipt_root FROM runs WHERE seq > $1 ORDER BY seq`
	return sqlutil.ForQueryRows(ctx, s.db, q, since, func(seq int64, bundleID, bundle, receipts, root []byte) error {
		return f(&Run{Seq: seq, BundleID: bundleID, Bundle: bundle, Receipts: receipts, ReceiptRoot: root})
	})
}

// SaveSnapshot records the encoded global state as of the given run.
func (s *RunStore) SaveSnapshot(ctx context.Context, runSeq int64, bits []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO snapshots (run_seq, bits) VALUES ($1, $2)`, runSeq, bits)
	return errors.Wrapf(err, "writing snapshot for run %d to db", runSeq)
}

// LatestSnapshot returns the newest snapshot and the run it belongs
// to. It returns nil bits with no error when no snapshot exists.
func (s *RunStore) LatestSnapshot(ctx context.Context) (int64, []byte, error) {
	var (
		seq  int64
		bits []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT run_seq, bits FROM snapshots ORDER BY run_seq DESC LIMIT 1`).Scan(&seq, &bits)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	return seq, bits, errors.Wrap(err, "reading latest snapshot from db")
}
