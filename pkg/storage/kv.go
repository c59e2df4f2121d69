// Package storage implements the storage collaborator of spec §6: typed
// collections for headers, transactions, contracts, pointer storage,
// witnesses, epochs, submissions, and the IBD checkpoint, plus atomic
// per-block batch commits.
//
// Two backends are wired, per the teacher's own split between a relational
// store and a raw KV store: github.com/lib/pq (Postgres) for the typed,
// queryable collections, and github.com/cometbft/cometbft-db for the
// height-indexed pointer-storage overlay, where a flat key/value layout
// with big-endian height suffixes is the natural shape.
package storage

import (
	"encoding/binary"

	dbm "github.com/cometbft/cometbft-db"
)

// KV is the minimal key-value contract the pointer store needs, matching
// the teacher's ledger.KV interface.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	Iterator(start, end []byte) (dbm.Iterator, error)
}

// CometKV adapts a cometbft-db dbm.DB to the KV interface, mirroring the
// teacher's pkg/kvdb.KVAdapter.
type CometKV struct {
	db dbm.DB
}

// NewCometKV wraps an already-open cometbft-db database.
func NewCometKV(db dbm.DB) *CometKV {
	return &CometKV{db: db}
}

// OpenGoLevelDB opens (creating if necessary) a goleveldb-backed store at
// dir, the on-disk engine cometbft-db defaults to.
func OpenGoLevelDB(name, dir string) (*CometKV, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, err
	}
	return NewCometKV(db), nil
}

func (c *CometKV) Get(key []byte) ([]byte, error) {
	return c.db.Get(key)
}

func (c *CometKV) Set(key, value []byte) error {
	return c.db.SetSync(key, value)
}

func (c *CometKV) Delete(key []byte) error {
	return c.db.DeleteSync(key)
}

func (c *CometKV) Has(key []byte) (bool, error) {
	return c.db.Has(key)
}

func (c *CometKV) Iterator(start, end []byte) (dbm.Iterator, error) {
	return c.db.Iterator(start, end)
}

func (c *CometKV) Close() error {
	return c.db.Close()
}

// Batch groups multiple Set/Delete calls on the KV store into one atomic
// write. It covers the cometbft-db store only; the block processor commits
// headers, receipts and pointer writes through separate Adapter calls and
// does not use it.
type Batch struct {
	db    dbm.DB
	batch dbm.Batch
}

// NewBatch starts a new atomic batch against the underlying database.
func (c *CometKV) NewBatch() *Batch {
	return &Batch{db: c.db, batch: c.db.NewBatch()}
}

func (b *Batch) Set(key, value []byte) error {
	return b.batch.Set(key, value)
}

func (b *Batch) Delete(key []byte) error {
	return b.batch.Delete(key)
}

// WriteSync commits the batch durably.
func (b *Batch) WriteSync() error {
	return b.batch.WriteSync()
}

// BigEndianHeight renders height as an 8-byte big-endian suffix, matching
// the teacher's ledger.systemBlockKey convention so range scans stay in
// height order.
func BigEndianHeight(height uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	return buf
}
