package storage

import (
	"context"

	"github.com/l2indexer/node/pkg/txtypes"
)

// Adapter is the storage collaborator interface of spec §6. The block
// processor, chain follower, bulk-sync controller, epoch manager, and
// contract host all depend on this interface rather than on Postgres or
// cometbft-db directly, so the core stays testable against a fake.
type Adapter interface {
	// Headers.
	GetHeader(ctx context.Context, height uint64) (*txtypes.BlockHeader, error)
	PutHeader(ctx context.Context, header *txtypes.BlockHeader, proofs map[int][][]byte) error

	// Transactions (one block's worth, in final §4.4 order).
	GetTransactions(ctx context.Context, height uint64) ([]txtypes.Transaction, error)
	PutTransactions(ctx context.Context, height uint64, txs []txtypes.Transaction, receipts []Receipt) error

	// Contracts.
	GetContract(ctx context.Context, address [20]byte, atHeight uint64) (*txtypes.Contract, error)
	PutContract(ctx context.Context, c *txtypes.Contract) error

	// Pointer storage.
	GetPointer(ctx context.Context, address [20]byte, pointer txtypes.Hash32, atHeight uint64) (txtypes.Hash32, error)
	PutPointer(ctx context.Context, address [20]byte, pointer, value txtypes.Hash32, atHeight uint64) error

	// Witnesses.
	PutWitness(ctx context.Context, w *txtypes.BlockWitness) error
	GetWitnessesForRange(ctx context.Context, start, end uint64, cap int) ([]txtypes.BlockWitness, error)
	UpdateWitnessProofs(ctx context.Context, witnesses []txtypes.BlockWitness) error

	// Epoch submissions.
	PutSubmission(ctx context.Context, s *txtypes.EpochSubmission) error
	GetSubmissionsForEpoch(ctx context.Context, epochNumber uint64) ([]txtypes.EpochSubmission, error)

	// Epochs.
	PutEpoch(ctx context.Context, e *txtypes.Epoch) error
	GetEpochByNumber(ctx context.Context, epochNumber uint64) (*txtypes.Epoch, error)
	DeleteTargetEpochsBefore(ctx context.Context, epochNumber uint64) error

	// IBD checkpoint (singleton).
	GetCheckpoint(ctx context.Context) (*txtypes.IBDCheckpoint, error)
	PutCheckpoint(ctx context.Context, cp *txtypes.IBDCheckpoint) error
	DeleteCheckpoint(ctx context.Context) error

	// Reorg support: discard every mutation above keepHeight (§4.1, §5).
	RewindAbove(ctx context.Context, keepHeight uint64) error
}
