package blockproc

import (
	"context"
	"testing"

	"github.com/l2indexer/node/pkg/config"
	"github.com/l2indexer/node/pkg/nodeerrors"
	"github.com/l2indexer/node/pkg/storage"
	"github.com/l2indexer/node/pkg/txtypes"
)

// fakeAdapter is an in-memory storage.Adapter double, sized to exactly what
// Processor exercises; every other method is a trivial stub.
type fakeAdapter struct {
	headers      map[uint64]*txtypes.BlockHeader
	transactions map[uint64][]txtypes.Transaction
	pointers     map[string]txtypes.Hash32
	contracts    map[[20]byte]*txtypes.Contract
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		headers:      map[uint64]*txtypes.BlockHeader{},
		transactions: map[uint64][]txtypes.Transaction{},
		pointers:     map[string]txtypes.Hash32{},
		contracts:    map[[20]byte]*txtypes.Contract{},
	}
}

func (f *fakeAdapter) GetHeader(_ context.Context, height uint64) (*txtypes.BlockHeader, error) {
	h, ok := f.headers[height]
	if !ok {
		return nil, nodeerrors.ErrHeaderMissing
	}
	return h, nil
}
func (f *fakeAdapter) PutHeader(_ context.Context, header *txtypes.BlockHeader, _ map[int][][]byte) error {
	cp := *header
	f.headers[header.Height] = &cp
	return nil
}
func (f *fakeAdapter) GetTransactions(_ context.Context, height uint64) ([]txtypes.Transaction, error) {
	return f.transactions[height], nil
}
func (f *fakeAdapter) PutTransactions(_ context.Context, height uint64, txs []txtypes.Transaction, _ []storage.Receipt) error {
	f.transactions[height] = txs
	return nil
}
func (f *fakeAdapter) GetContract(_ context.Context, address [20]byte, _ uint64) (*txtypes.Contract, error) {
	c, ok := f.contracts[address]
	if !ok {
		return nil, nodeerrors.ErrUnknownContract
	}
	return c, nil
}
func (f *fakeAdapter) PutContract(_ context.Context, c *txtypes.Contract) error {
	cp := *c
	f.contracts[c.Address] = &cp
	return nil
}
func (f *fakeAdapter) GetPointer(_ context.Context, address [20]byte, pointer txtypes.Hash32, _ uint64) (txtypes.Hash32, error) {
	return f.pointers[pointerKey(address, pointer)], nil
}
func (f *fakeAdapter) PutPointer(_ context.Context, address [20]byte, pointer, value txtypes.Hash32, _ uint64) error {
	f.pointers[pointerKey(address, pointer)] = value
	return nil
}
func pointerKey(address [20]byte, pointer txtypes.Hash32) string {
	return string(address[:]) + string(pointer[:])
}
func (f *fakeAdapter) PutWitness(context.Context, *txtypes.BlockWitness) error { return nil }
func (f *fakeAdapter) GetWitnessesForRange(context.Context, uint64, uint64, int) ([]txtypes.BlockWitness, error) {
	return nil, nil
}
func (f *fakeAdapter) UpdateWitnessProofs(context.Context, []txtypes.BlockWitness) error { return nil }
func (f *fakeAdapter) PutSubmission(context.Context, *txtypes.EpochSubmission) error     { return nil }
func (f *fakeAdapter) GetSubmissionsForEpoch(context.Context, uint64) ([]txtypes.EpochSubmission, error) {
	return nil, nil
}
func (f *fakeAdapter) PutEpoch(context.Context, *txtypes.Epoch) error { return nil }
func (f *fakeAdapter) GetEpochByNumber(context.Context, uint64) (*txtypes.Epoch, error) {
	return nil, nodeerrors.ErrEpochMissing
}
func (f *fakeAdapter) DeleteTargetEpochsBefore(context.Context, uint64) error { return nil }
func (f *fakeAdapter) GetCheckpoint(context.Context) (*txtypes.IBDCheckpoint, error) {
	return nil, nil
}
func (f *fakeAdapter) PutCheckpoint(context.Context, *txtypes.IBDCheckpoint) error { return nil }
func (f *fakeAdapter) DeleteCheckpoint(context.Context) error                     { return nil }
func (f *fakeAdapter) RewindAbove(context.Context, uint64) error                  { return nil }

// noopExecutor never executes contract-impacting transactions in these
// tests; only generic/coinbase-like blocks are processed.
type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, *txtypes.BlockHeader, *txtypes.Transaction, int) (storage.Receipt, []txtypes.PointerRecord, []txtypes.Contract, error) {
	return storage.Receipt{}, nil, nil, nil
}

func TestProcessBlock_Genesis(t *testing.T) {
	adapter := newFakeAdapter()
	proc, err := NewProcessor(config.Defaults(), adapter, noopExecutor{}, nil, nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	header := &txtypes.BlockHeader{Height: 0, Hash: hash32(0xAA), MerkleRoot: hash32(0xBB)}
	txs := []txtypes.Transaction{
		{Txid: "coinbase", Inputs: []txtypes.TxInput{{SpentTxid: ""}}},
	}

	if err := proc.ProcessBlock(context.Background(), header, txs); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}

	if header.PreviousBlockHash != (txtypes.Hash32{}) || header.PreviousBlockChecksum != (txtypes.Hash32{}) {
		t.Error("genesis block must have zero previous fields")
	}
	if header.ChecksumRoot == (txtypes.Hash32{}) {
		t.Error("checksum root should not be zero once computed")
	}

	stored, err := adapter.GetHeader(context.Background(), 0)
	if err != nil {
		t.Fatalf("stored header missing: %v", err)
	}
	if stored.ChecksumRoot != header.ChecksumRoot {
		t.Error("stored header checksum root mismatch")
	}
}

func TestProcessBlock_ChainsPreviousChecksum(t *testing.T) {
	adapter := newFakeAdapter()
	proc, err := NewProcessor(config.Defaults(), adapter, noopExecutor{}, nil, nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	genesis := &txtypes.BlockHeader{Height: 0, Hash: hash32(0x01)}
	if err := proc.ProcessBlock(context.Background(), genesis, nil); err != nil {
		t.Fatalf("ProcessBlock genesis: %v", err)
	}

	next := &txtypes.BlockHeader{Height: 1, Hash: hash32(0x02), PreviousBlockHash: genesis.Hash}
	if err := proc.ProcessBlock(context.Background(), next, nil); err != nil {
		t.Fatalf("ProcessBlock height 1: %v", err)
	}

	if next.PreviousBlockChecksum != genesis.ChecksumRoot {
		t.Errorf("expected previous_block_checksum to chain from genesis, got %x want %x",
			next.PreviousBlockChecksum, genesis.ChecksumRoot)
	}
}

func hash32(b byte) txtypes.Hash32 {
	var h txtypes.Hash32
	h[0] = b
	return h
}
