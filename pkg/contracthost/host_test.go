package contracthost

import (
	"context"
	"testing"

	"github.com/l2indexer/node/pkg/config"
	"github.com/l2indexer/node/pkg/nodeerrors"
	"github.com/l2indexer/node/pkg/storage"
	"github.com/l2indexer/node/pkg/txtypes"
)

// fakeAdapter is an in-memory storage.Adapter double sized to what Host
// exercises; every other method is a trivial stub.
type fakeAdapter struct {
	contracts map[[20]byte]*txtypes.Contract
	headers   map[uint64]*txtypes.BlockHeader
	pointers  map[pointerKey]txtypes.Hash32
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		contracts: map[[20]byte]*txtypes.Contract{},
		headers:   map[uint64]*txtypes.BlockHeader{},
		pointers:  map[pointerKey]txtypes.Hash32{},
	}
}

func (f *fakeAdapter) GetHeader(_ context.Context, height uint64) (*txtypes.BlockHeader, error) {
	h, ok := f.headers[height]
	if !ok {
		return nil, nodeerrors.ErrHeaderMissing
	}
	return h, nil
}
func (f *fakeAdapter) PutHeader(context.Context, *txtypes.BlockHeader, map[int][][]byte) error {
	return nil
}
func (f *fakeAdapter) GetTransactions(context.Context, uint64) ([]txtypes.Transaction, error) {
	return nil, nil
}
func (f *fakeAdapter) PutTransactions(context.Context, uint64, []txtypes.Transaction, []storage.Receipt) error {
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
	f.contracts[c.Address] = c
	return nil
}
func (f *fakeAdapter) GetPointer(_ context.Context, address [20]byte, pointer txtypes.Hash32, _ uint64) (txtypes.Hash32, error) {
	return f.pointers[pointerKey{address, pointer}], nil
}
func (f *fakeAdapter) PutPointer(_ context.Context, address [20]byte, pointer, value txtypes.Hash32, _ uint64) error {
	f.pointers[pointerKey{address, pointer}] = value
	return nil
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

func TestDeployAddress_DeterministicAndBytecodeDependent(t *testing.T) {
	var deployer [20]byte
	deployer[0] = 0xAA
	var salt [32]byte
	salt[0] = 0x01

	addr1, err := deployAddress(deployer, salt, []byte{0x00, 0x61, 0x73, 0x6D})
	if err != nil {
		t.Fatalf("deployAddress: %v", err)
	}
	addr2, err := deployAddress(deployer, salt, []byte{0x00, 0x61, 0x73, 0x6D})
	if err != nil {
		t.Fatalf("deployAddress: %v", err)
	}
	if addr1 != addr2 {
		t.Error("deployAddress must be deterministic for identical inputs")
	}

	addr3, err := deployAddress(deployer, salt, []byte{0xFF})
	if err != nil {
		t.Fatalf("deployAddress: %v", err)
	}
	if addr1 == addr3 {
		t.Error("deployAddress must depend on bytecode content")
	}

	if _, err := deployAddress(deployer, salt, nil); err != nodeerrors.ErrInvalidBytecode {
		t.Errorf("expected ErrInvalidBytecode for empty bytecode, got %v", err)
	}
}

func TestGasMeter_ChargeAndOutOfGas(t *testing.T) {
	g := newGasMeter(10, 1000, 1_000_000) // budget 10_000
	if err := g.charge(4000); err != nil {
		t.Fatalf("unexpected charge failure: %v", err)
	}
	if err := g.charge(7000); err != nodeerrors.ErrOutOfGas {
		t.Errorf("expected ErrOutOfGas once budget exceeded, got %v", err)
	}
	if got := g.used(10_000); got != 10_000 {
		t.Errorf("expected full budget consumed on overdraw, got %d", got)
	}
}

func TestGasMeter_CappedByLimit(t *testing.T) {
	g := newGasMeter(1_000_000, 1000, 5000) // fee*rate far exceeds the limit
	if g.remaining != 5000 {
		t.Errorf("expected budget capped at GasLimitPerTx (5000), got %d", g.remaining)
	}
}

func TestOverlay_MergeChildWinsOverParent(t *testing.T) {
	var addr [20]byte
	addr[0] = 0x01
	var ptr, v1, v2 txtypes.Hash32
	ptr[0] = 0x02
	v1[0] = 0x03
	v2[0] = 0x04

	parent := newOverlay()
	parent.set(addr, ptr, v1)

	child := newOverlay()
	child.set(addr, ptr, v2)

	parent.merge(child)
	got, ok := parent.get(addr, ptr)
	if !ok || got != v2 {
		t.Errorf("expected child's write to win after merge, got %x ok=%v", got, ok)
	}
}

func TestCallStack_DepthTracking(t *testing.T) {
	var s callStack
	var a, b [20]byte
	a[0], b[0] = 0x01, 0x02

	s.push(a)
	if s.depth() != 1 || s.current() != a {
		t.Fatalf("unexpected state after first push: depth=%d current=%x", s.depth(), s.current())
	}
	s.push(b)
	if s.depth() != 2 || s.current() != b {
		t.Fatalf("unexpected state after second push: depth=%d current=%x", s.depth(), s.current())
	}
	s.pop()
	if s.depth() != 1 || s.current() != a {
		t.Fatalf("unexpected state after pop: depth=%d current=%x", s.depth(), s.current())
	}
}

func TestExecute_UnknownContractInteractionReverts(t *testing.T) {
	adapter := newFakeAdapter()
	host, err := New(config.Defaults(), adapter, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	header := &txtypes.BlockHeader{Height: 1}
	tx := &txtypes.Transaction{
		Txid:            "tx1",
		Kind:            txtypes.TxKindContractInteraction,
		ContractAddress: [20]byte{0xEE},
		BurnedFee:       10,
	}

	receipt, writes, deployed, err := host.Execute(context.Background(), header, tx, 0)
	if err != nil {
		t.Fatalf("Execute should fold unknown-contract into a reverted receipt, got hard error: %v", err)
	}
	if !receipt.Reverted {
		t.Error("expected a reverted receipt for an unknown contract target")
	}
	if writes != nil || deployed != nil {
		t.Error("expected no writes or deployed contracts on revert")
	}
}

func TestExecute_InvalidBytecodeDeploymentReverts(t *testing.T) {
	adapter := newFakeAdapter()
	host, err := New(config.Defaults(), adapter, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	header := &txtypes.BlockHeader{Height: 1}
	tx := &txtypes.Transaction{
		Txid:           "tx2",
		Kind:           txtypes.TxKindContractDeployment,
		DeployBytecode: nil, // empty bytecode is always invalid
		BurnedFee:      10,
	}

	receipt, _, _, err := host.Execute(context.Background(), header, tx, 0)
	if err != nil {
		t.Fatalf("Execute should fold invalid bytecode into a reverted receipt, got hard error: %v", err)
	}
	if !receipt.Reverted {
		t.Error("expected a reverted receipt for empty deployment bytecode")
	}
}

func TestExecute_RejectsNonContractKind(t *testing.T) {
	adapter := newFakeAdapter()
	host, err := New(config.Defaults(), adapter, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	header := &txtypes.BlockHeader{Height: 1}
	tx := &txtypes.Transaction{Txid: "tx3", Kind: txtypes.TxKindGeneric}

	if _, _, _, err := host.Execute(context.Background(), header, tx, 0); err == nil {
		t.Error("expected a hard error when Execute is called for a non-contract-impacting transaction kind")
	}
}
