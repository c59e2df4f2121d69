// Package chainfollower implements the chain follower and reorganization
// watchdog of spec §4.1: maintains the node's view of the canonical
// base-chain tip and the last-validated indexed height, detects reorgs via
// continuity checks, and computes the safe-rewind target when one occurs.
package chainfollower

import (
	"context"
	"fmt"
	"sync"

	"github.com/l2indexer/node/pkg/chainrpc"
	"github.com/l2indexer/node/pkg/checksum"
	"github.com/l2indexer/node/pkg/config"
	"github.com/l2indexer/node/pkg/nodeerrors"
	"github.com/l2indexer/node/pkg/txtypes"
)

// Storage is the subset of storage.Adapter the follower needs: reading
// headers for continuity checks and discarding mutations above a height
// once a reorg's fork point is known. storage.Adapter satisfies this
// structurally without either package importing the other.
type Storage interface {
	GetHeader(ctx context.Context, height uint64) (*txtypes.BlockHeader, error)
	RewindAbove(ctx context.Context, keepHeight uint64) error
}

// ReorgNotification is delivered to every subscribed Listener when a reorg
// is detected: "Notify listeners with (R+1, H, new_best_hash)" (§4.1).
type ReorgNotification struct {
	RewindTo    uint64 // R+1
	OldTip      uint64 // H
	NewBestHash txtypes.Hash32
}

// Listener observes reorg notifications. Mirrors the teacher's
// StateChangeListener callback-slice pattern (pkg/proof/lifecycle.go).
type Listener func(n ReorgNotification)

// Follower maintains chain continuity and drives reorg recovery.
type Follower struct {
	cfg     *config.ConsensusConfig
	rpc     chainrpc.Client
	storage Storage

	mu        sync.RWMutex
	listeners []Listener
}

// Config carries the constructor's non-required collaborators.
type Config struct{}

// New builds a Follower from its collaborators.
func New(cfg *config.ConsensusConfig, rpc chainrpc.Client, adapter Storage) (*Follower, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if rpc == nil {
		return nil, fmt.Errorf("rpc client cannot be nil")
	}
	if adapter == nil {
		return nil, fmt.Errorf("storage adapter cannot be nil")
	}
	return &Follower{cfg: cfg, rpc: rpc, storage: adapter}, nil
}

// Subscribe registers a reorg listener.
func (f *Follower) Subscribe(l Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *Follower) notify(n ReorgNotification) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, l := range f.listeners {
		l(n)
	}
}

// AdvanceTo pulls headers forward to height, verifying continuity for
// each one as it arrives.
func (f *Follower) AdvanceTo(ctx context.Context, height uint64) error {
	last, err := f.lastIndexedHeight(ctx)
	if err != nil {
		return err
	}
	for h := last + 1; h <= height; h++ {
		hash, err := f.rpc.GetBlockHash(ctx, h)
		if err != nil {
			return classifyRPCErr(err)
		}
		header, err := f.rpc.GetBlockHeader(ctx, hash)
		if err != nil {
			return classifyRPCErr(err)
		}
		if err := f.OnNewTip(ctx, header); err != nil {
			return err
		}
	}
	return nil
}

// OnNewTip is the notification input for a newly observed header at the
// chain's current tip.
func (f *Follower) OnNewTip(ctx context.Context, header *txtypes.BlockHeader) error {
	tip, err := f.rpc.GetBlockCount(ctx)
	if err != nil {
		return classifyRPCErr(err)
	}

	// Fast path: gaps of >= ReorgFastPathDepth bypass continuity checking
	// (§4.1).
	if tip >= f.cfg.ReorgFastPathDepth && header.Height+f.cfg.ReorgFastPathDepth <= tip {
		return nil
	}

	reorg, err := f.VerifyContinuity(ctx, header)
	if err != nil {
		return err
	}
	if !reorg {
		return nil
	}

	return f.recoverFromReorg(ctx, header)
}

// VerifyContinuity implements §4.1's continuity check for incoming block
// header at height H: previous_block_hash must match the cached hash at
// H-1, the cached checksum_root at H-1 must match previous_block_checksum,
// and the cached checksum proofs at H-1 must re-verify.
func (f *Follower) VerifyContinuity(ctx context.Context, header *txtypes.BlockHeader) (bool, error) {
	if header.Height == 0 {
		return false, nil
	}
	prev, err := f.storage.GetHeader(ctx, header.Height-1)
	if err != nil {
		return false, nodeerrors.Wrap(nodeerrors.KindCorruption, err, "stored header missing where required")
	}

	if prev.Hash != header.PreviousBlockHash {
		return true, nil
	}
	if prev.ChecksumRoot != header.PreviousBlockChecksum {
		return true, nil
	}
	if ok, err := f.reverifyStoredProofs(prev); err != nil || !ok {
		return true, err
	}
	return false, nil
}

func (f *Follower) reverifyStoredProofs(header *txtypes.BlockHeader) (bool, error) {
	// The stored checksum tree's six leaves are re-derived from the header
	// itself; a header carries its own checksum-binding fields.
	tree := checksum.Build(checksum.Input{
		PreviousBlockHash:     header.PreviousBlockHash,
		PreviousBlockChecksum: header.PreviousBlockChecksum,
		BlockHash:             header.Hash,
		BlockMerkleRoot:       header.MerkleRoot,
		StateRoot:             header.StateRoot,
		ReceiptRoot:           header.ReceiptRoot,
	})
	return tree.Root == header.ChecksumRoot, nil
}

// recoverFromReorg runs the safe-rewind algorithm and notifies listeners.
func (f *Follower) recoverFromReorg(ctx context.Context, newHeader *txtypes.BlockHeader) error {
	h := newHeader.Height

	target, err := f.safeRewindTarget(ctx, h)
	if err != nil {
		return err
	}

	if err := f.storage.RewindAbove(ctx, target); err != nil {
		return fmt.Errorf("rewind storage above %d: %w", target, err)
	}

	f.notify(ReorgNotification{
		RewindTo:    target + 1,
		OldTip:      h,
		NewBestHash: newHeader.Hash,
	})
	return nil
}

// safeRewindTarget implements §4.1's safe-rewind algorithm: starting from
// H-1, decrement one height at a time comparing the locally stored header
// hash with the base chain's hash at that height; the first equal hash is
// the fork-point candidate. From there downward, also re-verify stored
// checksum proofs; the first height where both validate is R.
func (f *Follower) safeRewindTarget(ctx context.Context, h uint64) (uint64, error) {
	if h == 0 {
		return 0, nodeerrors.New(nodeerrors.KindCorruption, "cannot rewind below genesis")
	}

	for height := h - 1; ; height-- {
		local, err := f.storage.GetHeader(ctx, height)
		if err != nil {
			return 0, nodeerrors.Wrap(nodeerrors.KindCorruption, err, "stored header missing during safe-rewind")
		}
		remoteHash, err := f.rpc.GetBlockHash(ctx, height)
		if err != nil {
			return 0, classifyRPCErr(err)
		}

		if local.Hash == remoteHash {
			if ok, err := f.reverifyStoredProofs(local); err != nil {
				return 0, err
			} else if ok {
				return height, nil
			}
		}

		if height == 0 {
			return 0, nil
		}
	}
}

func (f *Follower) lastIndexedHeight(ctx context.Context) (uint64, error) {
	var height uint64
	for {
		if _, err := f.storage.GetHeader(ctx, height+1); err != nil {
			return height, nil
		}
		height++
	}
}

func classifyRPCErr(err error) error {
	if chainrpc.Classify(err) == chainrpc.ErrorClassTransient {
		return nodeerrors.Wrap(nodeerrors.KindTransient, err, "base-chain rpc call failed")
	}
	return nodeerrors.Wrap(nodeerrors.KindContinuity, err, "base-chain rpc call failed")
}
