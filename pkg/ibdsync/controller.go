// Package ibdsync implements the bulk-sync controller of spec §4.2: a
// phased, checkpointed, resumable initial-block-download pipeline that
// takes over from the live chain follower whenever the gap to the base
// chain's tip crosses IBD_THRESHOLD.
package ibdsync

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/l2indexer/node/pkg/blockproc"
	"github.com/l2indexer/node/pkg/chainrpc"
	"github.com/l2indexer/node/pkg/checksum"
	"github.com/l2indexer/node/pkg/config"
	"github.com/l2indexer/node/pkg/metrics"
	"github.com/l2indexer/node/pkg/nodeerrors"
	"github.com/l2indexer/node/pkg/storage"
	"github.com/l2indexer/node/pkg/txorder"
	"github.com/l2indexer/node/pkg/txtypes"
)

// Controller drives the phased bulk-sync pipeline.
type Controller struct {
	cfg     *config.ConsensusConfig
	rpc     chainrpc.Client
	storage storage.Adapter
	epoch   blockproc.EpochCollector // may be nil if epoch finalization is wired elsewhere

	runID   string // random id generated once per Controller in New; not included in any log line
	logger  *log.Logger
	metrics *metrics.Registry
}

// Config carries optional overrides for the controller's own behavior
// (distinct from ConsensusConfig, which carries the shared tunables).
type Config struct {
	Logger *log.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Registry
}

// DefaultConfig mirrors the teacher's Default*Config constructor style.
func DefaultConfig() *Config {
	return &Config{Logger: log.New(log.Writer(), "[ibdsync] ", log.LstdFlags)}
}

// New builds a Controller from its collaborators.
func New(cfg *config.ConsensusConfig, rpc chainrpc.Client, adapter storage.Adapter, epoch blockproc.EpochCollector, ccfg *Config) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if rpc == nil {
		return nil, fmt.Errorf("rpc client cannot be nil")
	}
	if adapter == nil {
		return nil, fmt.Errorf("storage adapter cannot be nil")
	}
	if ccfg == nil {
		ccfg = DefaultConfig()
	}
	if ccfg.Logger == nil {
		ccfg.Logger = DefaultConfig().Logger
	}
	return &Controller{cfg: cfg, rpc: rpc, storage: adapter, epoch: epoch, runID: uuid.NewString(), logger: ccfg.Logger, metrics: ccfg.Metrics}, nil
}

// ShouldActivate reports whether the gap to the base chain's current tip
// meets IBD_THRESHOLD (§4.2's activation condition).
func ShouldActivate(cfg *config.ConsensusConfig, lastCompletedHeight, targetHeight uint64) bool {
	return targetHeight > lastCompletedHeight && targetHeight-lastCompletedHeight >= cfg.IBDThreshold
}

// Start runs (or resumes) bulk sync up to targetHeight. On resume, the
// persisted checkpoint determines the phase and progress to continue from
// (§4.2's "read the singleton ... continue from last_completed + 1").
func (c *Controller) Start(ctx context.Context, originalStart, targetHeight uint64) error {
	cp, err := c.storage.GetCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if cp == nil {
		cp = &txtypes.IBDCheckpoint{
			Phase:         txtypes.PhaseHeaderDownload,
			OriginalStart: originalStart,
			LastCompleted: originalStart - 1,
			Target:        targetHeight,
		}
	}
	if cp.Phase == txtypes.PhaseComplete {
		return nil
	}

	phases := []txtypes.IBDPhase{
		txtypes.PhaseHeaderDownload,
		txtypes.PhaseChecksumGeneration,
		txtypes.PhaseTransactionDownload,
		txtypes.PhaseWitnessSync,
		txtypes.PhaseEpochFinalization,
		txtypes.PhaseComplete,
	}

	startIdx := 0
	for i, p := range phases {
		if p == cp.Phase {
			startIdx = i
			break
		}
	}

	for i, phase := range phases[startIdx:] {
		if err := ctx.Err(); err != nil {
			return c.checkpointAndReturn(ctx, cp, err)
		}

		// i == 0 is the phase resumed from the persisted checkpoint (or the
		// first phase of a fresh run); its LastCompleted/CompletedRanges
		// already describe genuine partial progress within this same phase
		// and must survive. Every later phase starts that bookkeeping over,
		// since each phase re-walks the same [original_start, target] range
		// independently.
		if i > 0 {
			cp.LastCompleted = cp.OriginalStart - 1
			cp.CompletedRanges = nil
		}
		cp.Phase = phase
		if c.metrics != nil {
			c.metrics.IBDPhase.Reset()
			c.metrics.IBDPhase.WithLabelValues(string(phase)).Set(1)
		}
		var runErr error
		switch phase {
		case txtypes.PhaseHeaderDownload:
			runErr = c.runHeaderDownload(ctx, cp)
		case txtypes.PhaseChecksumGeneration:
			runErr = c.runChecksumGeneration(ctx, cp)
		case txtypes.PhaseTransactionDownload:
			runErr = c.runTransactionDownload(ctx, cp)
		case txtypes.PhaseWitnessSync:
			runErr = c.runWitnessSync(ctx, cp)
		case txtypes.PhaseEpochFinalization:
			runErr = c.runEpochFinalization(ctx, cp)
		case txtypes.PhaseComplete:
			runErr = nil
		}

		if runErr != nil {
			return c.checkpointAndReturn(ctx, cp, runErr)
		}
		cp.LastCompleted = cp.Target
		if err := c.storage.PutCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("checkpoint after phase %s: %w", phase, err)
		}
		if c.metrics != nil {
			c.metrics.IBDProgress.Set(float64(cp.LastCompleted))
		}
	}

	return c.storage.DeleteCheckpoint(ctx)
}

func (c *Controller) checkpointAndReturn(ctx context.Context, cp *txtypes.IBDCheckpoint, cause error) error {
	if err := c.storage.PutCheckpoint(context.Background(), cp); err != nil {
		return fmt.Errorf("persist checkpoint after interruption: %w (original cause: %v)", err, cause)
	}
	return cause
}

// runHeaderDownload implements phase 1: fan out ranges to WorkerCount
// parallel workers, each fetching batches of up to HeaderBatchSize
// headers; results merge in height order into the header store.
func (c *Controller) runHeaderDownload(ctx context.Context, cp *txtypes.IBDCheckpoint) error {
	start := cp.LastCompleted + 1
	if start > cp.Target {
		return nil
	}

	ranges := splitRanges(start, cp.Target, c.cfg.WorkerCount)
	tracker := newProgressTracker(cp, c.storage, start)

	var wg sync.WaitGroup
	errs := make([]error, len(ranges))

	for i, r := range ranges {
		wg.Add(1)
		go func(idx int, rng txtypes.Range) {
			defer wg.Done()
			errs[idx] = c.downloadHeaderRange(ctx, rng, tracker)
		}(i, r)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// downloadHeaderRange fetches headers for r in HeaderBatchSize batches, and
// every CheckpointInterval blocks hands the completed sub-range to tracker
// so partial progress within this phase survives an interruption (spec
// §4.2: "after every CHECKPOINT_INTERVAL blocks within a phase, atomically
// write {phase, original_start, last_completed, target, metadata}").
func (c *Controller) downloadHeaderRange(ctx context.Context, r txtypes.Range, tracker *progressTracker) error {
	interval := c.cfg.CheckpointInterval
	if interval == 0 {
		interval = r.End - r.Start + 1
	}
	segStart := r.Start
	for height := r.Start; height <= r.End; height += uint64(c.cfg.HeaderBatchSize) {
		batchEnd := height + uint64(c.cfg.HeaderBatchSize) - 1
		if batchEnd > r.End {
			batchEnd = r.End
		}
		for h := height; h <= batchEnd; h++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			hash, err := c.rpc.GetBlockHash(ctx, h)
			if err != nil {
				return classifyRPCErr(err)
			}
			header, err := c.rpc.GetBlockHeader(ctx, hash)
			if err != nil {
				return classifyRPCErr(err)
			}
			if err := c.storage.PutHeader(ctx, header, nil); err != nil {
				return fmt.Errorf("store header %d: %w", h, err)
			}
			if h-segStart+1 >= interval {
				if err := tracker.markRange(ctx, txtypes.Range{Start: segStart, End: h}); err != nil {
					return fmt.Errorf("checkpoint header progress at %d: %w", h, err)
				}
				segStart = h + 1
			}
		}
	}
	if segStart <= r.End {
		if err := tracker.markRange(ctx, txtypes.Range{Start: segStart, End: r.End}); err != nil {
			return fmt.Errorf("checkpoint header progress at %d: %w", r.End, err)
		}
	}
	return nil
}

// runChecksumGeneration implements phase 2: strictly sequential, since
// each block's checksum binds the previous one. This pass establishes the
// previous-hash/previous-checksum chain over header-intrinsic fields,
// using whatever state_root and receipt_root the stored header carries
// (zero for a header fresh from the base chain). No later phase of this
// controller recomputes the checksum; the block processor rebuilds it once
// state_root and receipt_root are known.
func (c *Controller) runChecksumGeneration(ctx context.Context, cp *txtypes.IBDCheckpoint) error {
	start := cp.LastCompleted + 1
	interval := c.cfg.CheckpointInterval
	if interval == 0 {
		interval = cp.Target - start + 1
	}
	segStart := start
	for height := start; height <= cp.Target; height++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := c.storage.GetHeader(ctx, height)
		if err != nil {
			return nodeerrors.Wrap(nodeerrors.KindCorruption, err, "header missing during checksum generation")
		}

		if height == 0 {
			header.PreviousBlockHash = txtypes.Hash32{}
			header.PreviousBlockChecksum = txtypes.Hash32{}
		} else {
			prev, err := c.storage.GetHeader(ctx, height-1)
			if err != nil {
				return nodeerrors.Wrap(nodeerrors.KindCorruption, err, "previous header missing during checksum generation")
			}
			header.PreviousBlockChecksum = prev.ChecksumRoot
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
			b := make([][]byte, len(path))
			for i, step := range path {
				entry := make([]byte, 33)
				copy(entry, step.Sibling[:])
				if step.Right {
					entry[32] = 1
				}
				b[i] = entry
			}
			proofs[idx] = b
		}
		if err := c.storage.PutHeader(ctx, header, proofs); err != nil {
			return fmt.Errorf("store checksum for header %d: %w", height, err)
		}

		if height-segStart+1 >= interval {
			cp.CompletedRanges = mergeRanges(append(cp.CompletedRanges, txtypes.Range{Start: segStart, End: height}))
			cp.LastCompleted = contiguousHeight(cp.CompletedRanges, start)
			if err := c.storage.PutCheckpoint(ctx, cp); err != nil {
				return fmt.Errorf("checkpoint checksum progress at %d: %w", height, err)
			}
			segStart = height + 1
		}
	}
	if segStart <= cp.Target {
		cp.CompletedRanges = mergeRanges(append(cp.CompletedRanges, txtypes.Range{Start: segStart, End: cp.Target}))
		cp.LastCompleted = contiguousHeight(cp.CompletedRanges, start)
		if err := c.storage.PutCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("checkpoint checksum progress at %d: %w", cp.Target, err)
		}
	}
	return nil
}

// runTransactionDownload implements phase 3: parallel ranges; each worker
// downloads transactions for its range, classifies and orders them
// (§4.3 steps 3-4), and persists the result.
func (c *Controller) runTransactionDownload(ctx context.Context, cp *txtypes.IBDCheckpoint) error {
	start := cp.LastCompleted + 1
	if start > cp.Target {
		return nil
	}
	ranges := splitRanges(start, cp.Target, c.cfg.WorkerCount)
	tracker := newProgressTracker(cp, c.storage, start)

	var wg sync.WaitGroup
	errs := make([]error, len(ranges))
	for i, r := range ranges {
		wg.Add(1)
		go func(idx int, rng txtypes.Range) {
			defer wg.Done()
			errs[idx] = c.downloadTransactionRange(ctx, rng, tracker)
		}(i, r)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// downloadTransactionRange mirrors downloadHeaderRange's per-CheckpointInterval
// progress reporting via tracker.
func (c *Controller) downloadTransactionRange(ctx context.Context, r txtypes.Range, tracker *progressTracker) error {
	interval := c.cfg.CheckpointInterval
	if interval == 0 {
		interval = r.End - r.Start + 1
	}
	segStart := r.Start
	for height := r.Start; height <= r.End; height++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := c.storage.GetHeader(ctx, height)
		if err != nil {
			return nodeerrors.Wrap(nodeerrors.KindCorruption, err, "header missing during transaction download")
		}
		hash, err := c.rpc.GetBlockHash(ctx, height)
		if err != nil {
			return classifyRPCErr(err)
		}
		block, err := c.rpc.GetBlock(ctx, hash, 2)
		if err != nil {
			return classifyRPCErr(err)
		}

		for i := range block.Transactions {
			blockproc.Classify(&block.Transactions[i], c.cfg)
		}
		// Contract execution (and therefore state_root/receipt_root) is
		// deferred past IBD; this phase only needs classification and
		// ordering, which don't depend on execution results.
		ordered, err := txorder.Order(block.Transactions)
		if err != nil {
			return fmt.Errorf("order transactions at height %d: %w", height, err)
		}

		receipts := make([]storage.Receipt, len(ordered))
		if err := c.storage.PutTransactions(ctx, header.Height, ordered, receipts); err != nil {
			return fmt.Errorf("store transactions at height %d: %w", height, err)
		}

		if height-segStart+1 >= interval {
			if err := tracker.markRange(ctx, txtypes.Range{Start: segStart, End: height}); err != nil {
				return fmt.Errorf("checkpoint transaction progress at %d: %w", height, err)
			}
			segStart = height + 1
		}
	}
	if segStart <= r.End {
		if err := tracker.markRange(ctx, txtypes.Range{Start: segStart, End: r.End}); err != nil {
			return fmt.Errorf("checkpoint transaction progress at %d: %w", r.End, err)
		}
	}
	return nil
}

// runWitnessSync implements phase 4: optional, collects block attestations
// over a sliding window. Witnesses arrive out-of-band (gossiped by other
// nodes). This implementation performs no work and returns nil: no
// witnesses are collected during bulk sync.
func (c *Controller) runWitnessSync(ctx context.Context, cp *txtypes.IBDCheckpoint) error {
	return nil
}

// runEpochFinalization implements phase 5: sequential over epoch
// boundaries within the synced range.
func (c *Controller) runEpochFinalization(ctx context.Context, cp *txtypes.IBDCheckpoint) error {
	if c.epoch == nil {
		return nil
	}
	k := c.cfg.BlocksPerEpoch
	firstEpoch := cp.OriginalStart / k
	lastEpoch := cp.Target / k

	for epochNumber := firstEpoch; epochNumber <= lastEpoch; epochNumber++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		endBlock := epochNumber*k + k - 1
		if endBlock > cp.Target {
			continue // epoch not yet fully synced
		}
		header, err := c.storage.GetHeader(ctx, endBlock)
		if err != nil {
			continue
		}
		txs, err := c.storage.GetTransactions(ctx, endBlock)
		if err != nil {
			continue
		}
		if err := c.epoch.OnBlockCommitted(ctx, header, txs); err != nil {
			return fmt.Errorf("finalize epoch %d: %w", epochNumber, err)
		}
		cp.LastFinalizedEpoch = epochNumber
	}
	return nil
}

func splitRanges(start, end uint64, workers int) []txtypes.Range {
	if workers < 1 {
		workers = 1
	}
	total := end - start + 1
	perWorker := total / uint64(workers)
	if perWorker == 0 {
		perWorker = 1
	}

	var ranges []txtypes.Range
	cur := start
	for cur <= end {
		rangeEnd := cur + perWorker - 1
		if rangeEnd > end {
			rangeEnd = end
		}
		ranges = append(ranges, txtypes.Range{Start: cur, End: rangeEnd})
		cur = rangeEnd + 1
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	return ranges
}

func classifyRPCErr(err error) error {
	if chainrpc.Classify(err) == chainrpc.ErrorClassTransient {
		return nodeerrors.Wrap(nodeerrors.KindTransient, err, "base-chain rpc call failed during bulk sync")
	}
	return nodeerrors.Wrap(nodeerrors.KindContinuity, err, "base-chain rpc call failed during bulk sync")
}

// progressTracker accumulates per-range completion reported by parallel
// workers within a single phase and persists the checkpoint every time a
// worker closes a CheckpointInterval-sized gap, so an interrupted phase
// resumes from genuine partial progress rather than restarting at its
// start (spec §4.2).
type progressTracker struct {
	mu      sync.Mutex
	cp      *txtypes.IBDCheckpoint
	storage storage.Adapter
	base    uint64 // phase start height; LastCompleted tracks contiguous completion from here
}

func newProgressTracker(cp *txtypes.IBDCheckpoint, adapter storage.Adapter, base uint64) *progressTracker {
	return &progressTracker{cp: cp, storage: adapter, base: base}
}

// markRange folds r into cp.CompletedRanges, advances cp.LastCompleted to
// the highest height reachable by an unbroken run of completed ranges from
// base, and persists the result.
func (t *progressTracker) markRange(ctx context.Context, r txtypes.Range) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cp.CompletedRanges = mergeRanges(append(t.cp.CompletedRanges, r))
	t.cp.LastCompleted = contiguousHeight(t.cp.CompletedRanges, t.base)
	return t.storage.PutCheckpoint(ctx, t.cp)
}

// mergeRanges sorts ranges by start height and coalesces overlapping or
// adjacent ones into the minimal equivalent set.
func mergeRanges(ranges []txtypes.Range) []txtypes.Range {
	if len(ranges) == 0 {
		return ranges
	}
	sorted := append([]txtypes.Range(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := []txtypes.Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// contiguousHeight returns the highest height covered by an unbroken run of
// ranges starting at base, or base-1 (which wraps to base once incremented,
// the same convention Start uses for "nothing completed yet") if the run
// hasn't started.
func contiguousHeight(ranges []txtypes.Range, base uint64) uint64 {
	if len(ranges) == 0 || ranges[0].Start > base {
		return base - 1
	}
	height := ranges[0].End
	for _, r := range ranges[1:] {
		if r.Start > height+1 {
			break
		}
		if r.End > height {
			height = r.End
		}
	}
	return height
}
