package blockproc

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log"
	"sort"

	"github.com/l2indexer/node/pkg/checksum"
	"github.com/l2indexer/node/pkg/config"
	"github.com/l2indexer/node/pkg/metrics"
	"github.com/l2indexer/node/pkg/nodeerrors"
	"github.com/l2indexer/node/pkg/storage"
	"github.com/l2indexer/node/pkg/txorder"
	"github.com/l2indexer/node/pkg/txtypes"
)

// Executor runs a single contract-impacting transaction against the
// contract host (pkg/contracthost implements this) and returns its
// receipt plus the pointer writes and newly-deployed contracts to commit.
// Generic and coinbase-like transactions never reach the executor.
type Executor interface {
	Execute(ctx context.Context, header *txtypes.BlockHeader, tx *txtypes.Transaction, txIndex int) (
		receipt storage.Receipt, pointerWrites []txtypes.PointerRecord, deployed []txtypes.Contract, err error)
}

// EpochCollector is notified of every committed block so the epoch manager
// can fold block-witness attestations and submissions into the epoch it
// belongs to (§4.7). Implemented by pkg/epoch.Manager.
type EpochCollector interface {
	OnBlockCommitted(ctx context.Context, header *txtypes.BlockHeader, txs []txtypes.Transaction) error
}

// Processor implements the per-block pipeline of §4.3: classify, order,
// execute, checksum, commit.
type Processor struct {
	cfg      *config.ConsensusConfig
	storage  storage.Adapter
	executor Executor
	epoch    EpochCollector
	logger   *log.Logger
	metrics  *metrics.Registry
}

// Config mirrors the teacher's functional-option collector configuration
// style (pkg/batch.CollectorConfig): a plain struct with a Default
// constructor, passed once at construction rather than via option funcs.
type Config struct {
	Logger *log.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Registry
}

// DefaultConfig returns the baseline Processor configuration.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(log.Writer(), "[blockproc] ", log.LstdFlags),
	}
}

// NewProcessor wires a Processor from its collaborators.
func NewProcessor(cfg *config.ConsensusConfig, adapter storage.Adapter, executor Executor, epoch EpochCollector, pcfg *Config) (*Processor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if adapter == nil {
		return nil, fmt.Errorf("storage adapter cannot be nil")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if pcfg == nil {
		pcfg = DefaultConfig()
	}
	if pcfg.Logger == nil {
		pcfg.Logger = DefaultConfig().Logger
	}
	return &Processor{cfg: cfg, storage: adapter, executor: executor, epoch: epoch, logger: pcfg.Logger, metrics: pcfg.Metrics}, nil
}

// ProcessBlock runs the full §4.3 pipeline for one block and commits the
// result. header must already carry hash/previous-hash/merkle-root as
// fetched from the base chain; StateRoot, ReceiptRoot, ChecksumRoot, and
// PreviousBlockChecksum are computed here.
func (p *Processor) ProcessBlock(ctx context.Context, header *txtypes.BlockHeader, txs []txtypes.Transaction) error {
	for i := range txs {
		Classify(&txs[i], p.cfg)
		if p.metrics != nil {
			p.metrics.TxClassified.WithLabelValues(string(txs[i].Kind)).Inc()
		}
	}

	ordered, err := txorder.Order(txs)
	if err != nil {
		return fmt.Errorf("order block %d: %w", header.Height, err)
	}

	receipts := make([]storage.Receipt, len(ordered))
	var pointerWrites []txtypes.PointerRecord
	var deployedContracts []txtypes.Contract

	for i := range ordered {
		tx := &ordered[i]
		switch tx.Kind {
		case txtypes.TxKindContractInteraction, txtypes.TxKindContractDeployment:
			receipt, writes, deployed, execErr := p.executor.Execute(ctx, header, tx, i)
			if execErr != nil {
				if _, isRevert := execErr.(*nodeerrors.Revert); !isRevert {
					return fmt.Errorf("execute tx %s at height %d: %w", tx.Txid, header.Height, execErr)
				}
			}
			receipts[i] = receipt
			pointerWrites = append(pointerWrites, writes...)
			deployedContracts = append(deployedContracts, deployed...)
			if p.metrics != nil {
				p.metrics.ContractExecution.WithLabelValues(metrics.ExecutionOutcome(receipt.Reverted, receipt.RevertReason)).Inc()
				p.metrics.GasConsumed.Add(float64(receipt.GasUsed))
			}
		default:
			receipts[i] = storage.Receipt{}
		}
	}

	header.StateRoot = computeStateRoot(pointerWrites)
	header.ReceiptRoot = computeReceiptRoot(receipts)

	if header.Height == 0 {
		header.PreviousBlockHash = txtypes.Hash32{}
		header.PreviousBlockChecksum = txtypes.Hash32{}
	} else {
		prevHeader, err := p.storage.GetHeader(ctx, header.Height-1)
		if err != nil {
			return nodeerrors.Wrap(nodeerrors.KindCorruption, err, "previous header missing")
		}
		header.PreviousBlockChecksum = prevHeader.ChecksumRoot
	}

	tree := checksum.Build(checksum.Input{
		PreviousBlockHash:     header.PreviousBlockHash,
		PreviousBlockChecksum: header.PreviousBlockChecksum,
		BlockHash:             header.Hash,
		BlockMerkleRoot:       header.MerkleRoot,
		StateRoot:             header.StateRoot,
		ReceiptRoot:           header.ReceiptRoot,
	})
	header.ChecksumRoot = tree.Root

	proofs := make(map[int][][]byte, len(tree.Proofs))
	for idx, path := range tree.Proofs {
		proofs[idx] = encodeProofPath(path)
	}

	if err := p.storage.PutHeader(ctx, header, proofs); err != nil {
		return fmt.Errorf("commit header %d: %w", header.Height, err)
	}
	if err := p.storage.PutTransactions(ctx, header.Height, ordered, receipts); err != nil {
		return fmt.Errorf("commit transactions %d: %w", header.Height, err)
	}
	for _, w := range pointerWrites {
		if err := p.storage.PutPointer(ctx, w.Contract, w.Pointer, w.Value, header.Height); err != nil {
			return fmt.Errorf("commit pointer write %d: %w", header.Height, err)
		}
	}
	for _, c := range deployedContracts {
		cc := c
		if err := p.storage.PutContract(ctx, &cc); err != nil {
			return fmt.Errorf("commit contract %d: %w", header.Height, err)
		}
	}

	if p.epoch != nil {
		if err := p.epoch.OnBlockCommitted(ctx, header, ordered); err != nil {
			return fmt.Errorf("epoch collector for block %d: %w", header.Height, err)
		}
	}

	if p.metrics != nil {
		p.metrics.BlocksProcessed.Inc()
	}
	p.logger.Printf("committed block %d: %d txs, checksum_root=%x", header.Height, len(ordered), header.ChecksumRoot)
	return nil
}

func encodeProofPath(path []checksum.ProofStep) [][]byte {
	out := make([][]byte, len(path))
	for i, step := range path {
		b := make([]byte, 33)
		copy(b, step.Sibling[:])
		if step.Right {
			b[32] = 1
		}
		out[i] = b
	}
	return out
}

// computeStateRoot hashes the block's pointer writes, sorted by
// (contract, pointer) so the root is independent of the order the
// executor happened to emit them in, matching §8 invariant 9's determinism
// requirement.
func computeStateRoot(writes []txtypes.PointerRecord) txtypes.Hash32 {
	if len(writes) == 0 {
		return txtypes.Hash32{}
	}
	sorted := append([]txtypes.PointerRecord(nil), writes...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Contract != sorted[j].Contract {
			return lessBytes(sorted[i].Contract[:], sorted[j].Contract[:])
		}
		return lessBytes(sorted[i].Pointer[:], sorted[j].Pointer[:])
	})
	h := sha256.New()
	for _, w := range sorted {
		h.Write(w.Contract[:])
		h.Write(w.Pointer[:])
		h.Write(w.Value[:])
	}
	var out txtypes.Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// computeReceiptRoot hashes receipts in transaction order (order is part
// of the committed fact, unlike state writes).
func computeReceiptRoot(receipts []storage.Receipt) txtypes.Hash32 {
	if len(receipts) == 0 {
		return txtypes.Hash32{}
	}
	h := sha256.New()
	for i, r := range receipts {
		var idxBuf [8]byte
		binary.BigEndian.PutUint64(idxBuf[:], uint64(i))
		h.Write(idxBuf[:])
		var gasBuf [8]byte
		binary.BigEndian.PutUint64(gasBuf[:], uint64(r.GasUsed))
		h.Write(gasBuf[:])
		if r.Reverted {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		h.Write([]byte(r.RevertReason))
		for _, l := range r.Logs {
			h.Write(l.Contract[:])
			for _, topic := range l.Topics {
				h.Write(topic)
			}
			h.Write(l.Data)
		}
	}
	var out txtypes.Hash32
	copy(out[:], h.Sum(nil))
	return out
}

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
