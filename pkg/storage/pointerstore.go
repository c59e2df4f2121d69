package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/l2indexer/node/pkg/txtypes"
)

// PointerStore implements the persistent, height-indexed pointer-storage
// collection of spec §3/§6: "every read observes the value set by the
// latest committed write at a height <= the reading height".
//
// Key layout: "ptr:" || contract(20) || pointer(32) || height(be8) -> value(32)
// A forward scan over [prefix, prefix||be8(atHeight+1)) visits every write
// at or before the reading height; the one with the highest height wins.
type PointerStore struct {
	kv KV
}

// NewPointerStore wraps a KV backend (typically a CometKV instance) as the
// pointer-storage collection.
func NewPointerStore(kv KV) *PointerStore {
	return &PointerStore{kv: kv}
}

const pointerKeyPrefix = "ptr:"

func pointerPrefix(contract [20]byte, pointer txtypes.Hash32) []byte {
	key := make([]byte, 0, len(pointerKeyPrefix)+20+32)
	key = append(key, []byte(pointerKeyPrefix)...)
	key = append(key, contract[:]...)
	key = append(key, pointer[:]...)
	return key
}

func pointerKey(contract [20]byte, pointer txtypes.Hash32, height uint64) []byte {
	key := pointerPrefix(contract, pointer)
	return append(key, BigEndianHeight(height)...)
}

// Get returns the pointer's value at the given reading height, or the zero
// hash if no write has ever been committed at or before that height.
func (p *PointerStore) Get(contract [20]byte, pointer txtypes.Hash32, atHeight uint64) (txtypes.Hash32, error) {
	prefix := pointerPrefix(contract, pointer)
	upperExclusive := append(append([]byte{}, prefix...), BigEndianHeight(atHeight+1)...)

	it, err := p.kv.Iterator(prefix, upperExclusive)
	if err != nil {
		return txtypes.Hash32{}, fmt.Errorf("pointer store iterator: %w", err)
	}
	defer it.Close()

	var latestHeight uint64
	var latestValue txtypes.Hash32
	found := false
	for ; it.Valid(); it.Next() {
		key := it.Key()
		if len(key) < len(prefix)+8 {
			continue
		}
		h := binary.BigEndian.Uint64(key[len(prefix):])
		if !found || h >= latestHeight {
			latestHeight = h
			copy(latestValue[:], it.Value())
			found = true
		}
	}
	if err := it.Error(); err != nil {
		return txtypes.Hash32{}, err
	}
	return latestValue, nil
}

// Put records a committed write for (contract, pointer) at height. Writes
// are append-only by height; Get resolves the most recent one <= the
// reading height.
func (p *PointerStore) Put(contract [20]byte, pointer, value txtypes.Hash32, height uint64) error {
	return p.kv.Set(pointerKey(contract, pointer, height), value[:])
}

// PutBatch stages multiple pointer records into batch; they are written
// atomically when the caller commits the batch. The block processor does
// not use it (it writes pointers one by one through the Adapter).
func (p *PointerStore) PutBatch(batch *Batch, records []txtypes.PointerRecord) error {
	for _, rec := range records {
		if err := batch.Set(pointerKey(rec.Contract, rec.Pointer, rec.Height), rec.Value[:]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAbove removes every pointer write committed at a height greater
// than keepHeight, implementing the safe-rewind discard of §4.1/§5:
// "the state store's view is rolled back to R before any new block at
// R+1 is processed".
func (p *PointerStore) DeleteAbove(keepHeight uint64) error {
	it, err := p.kv.Iterator([]byte(pointerKeyPrefix), nil)
	if err != nil {
		return err
	}
	defer it.Close()

	var stale [][]byte
	for ; it.Valid(); it.Next() {
		key := it.Key()
		if len(key) < 8 {
			continue
		}
		h := binary.BigEndian.Uint64(key[len(key)-8:])
		if h > keepHeight {
			stale = append(stale, append([]byte{}, key...))
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	for _, key := range stale {
		if err := p.kv.Delete(key); err != nil {
			return fmt.Errorf("delete stale pointer key: %w", err)
		}
	}
	return nil
}
