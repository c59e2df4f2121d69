// Package epoch implements the epoch manager of spec §4.7: target
// selection, PoW-style submission validation and winner selection,
// attestation aggregation, and the OPEN -> CLOSING -> FROZEN -> PERSISTED
// state machine, finalized via pkg/epochmerkle's tree.
package epoch

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"math/bits"
	"sort"
	"time"

	"github.com/l2indexer/node/pkg/config"
	"github.com/l2indexer/node/pkg/epochmerkle"
	"github.com/l2indexer/node/pkg/metrics"
	"github.com/l2indexer/node/pkg/nodeerrors"
	"github.com/l2indexer/node/pkg/storage"
	"github.com/l2indexer/node/pkg/txtypes"
)

// Manager implements blockproc.EpochCollector: it is notified of every
// committed block, records epoch-submission transactions as they arrive,
// and finalizes an epoch's record the moment its last block commits.
type Manager struct {
	cfg     *config.ConsensusConfig
	storage storage.Adapter
	logger  *log.Logger
	metrics *metrics.Registry
}

// Config carries the manager's own overridable collaborators.
type Config struct {
	Logger *log.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Registry
}

// DefaultConfig mirrors the teacher's Default*Config constructor style.
func DefaultConfig() *Config {
	return &Config{Logger: log.New(log.Writer(), "[epoch] ", log.LstdFlags)}
}

// New builds a Manager from its collaborators.
func New(cfg *config.ConsensusConfig, adapter storage.Adapter, ecfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if adapter == nil {
		return nil, fmt.Errorf("storage adapter cannot be nil")
	}
	if ecfg == nil {
		ecfg = DefaultConfig()
	}
	if ecfg.Logger == nil {
		ecfg.Logger = DefaultConfig().Logger
	}
	return &Manager{cfg: cfg, storage: adapter, logger: ecfg.Logger, metrics: ecfg.Metrics}, nil
}

// epochBounds returns [start, end] for the epoch height falls in.
func (m *Manager) epochBounds(height uint64) (epochNumber, start, end uint64) {
	k := m.cfg.BlocksPerEpoch
	epochNumber = height / k
	start = epochNumber * k
	end = start + k - 1
	return
}

// OnBlockCommitted records any epoch-submission transactions in the
// committed block and, once the block is the epoch's last, finalizes that
// epoch (§4.7).
func (m *Manager) OnBlockCommitted(ctx context.Context, header *txtypes.BlockHeader, txs []txtypes.Transaction) error {
	epochNumber, start, end := m.epochBounds(header.Height)

	for i := range txs {
		tx := &txs[i]
		if tx.Kind != txtypes.TxKindEpochSubmission || tx.Submission == nil {
			continue
		}
		sub := *tx.Submission
		sub.SubmissionTxid = tx.Txid
		sub.ConfirmationHeight = header.Height
		if err := m.storage.PutSubmission(ctx, &sub); err != nil {
			return fmt.Errorf("record submission for tx %s: %w", tx.Txid, err)
		}
	}

	if header.Height != end {
		return nil
	}
	return m.finalize(ctx, epochNumber, start, end)
}

// finalize runs §4.7 steps 1-7 for the epoch ending at `end` and persists
// the result. Any inconsistency here (wrong epoch number on a submission,
// an attestation outside the epoch's range) is an Epoch-class error: fatal,
// because it indicates a bug upstream rather than a recoverable condition.
func (m *Manager) finalize(ctx context.Context, epochNumber, start, end uint64) error {
	if existing, err := m.storage.GetEpochByNumber(ctx, epochNumber); err == nil && existing != nil {
		if existing.State == txtypes.EpochFrozen || existing.State == txtypes.EpochPersisted {
			return nodeerrors.Wrap(nodeerrors.KindEpoch, nodeerrors.ErrEpochFrozen,
				fmt.Sprintf("epoch %d already finalized in state %s", epochNumber, existing.State))
		}
	}

	target, err := m.selectTarget(ctx, epochNumber, start)
	if err != nil {
		return err
	}
	targetHash := txtypes.Hash20(sha1.Sum(target[:]))

	winner, err := m.selectWinner(ctx, epochNumber, target, targetHash)
	if err != nil {
		return err
	}

	attestedEpochNumber, attestedChecksumRoot, err := m.attestedReference(ctx, epochNumber)
	if err != nil {
		return err
	}

	attestations, emptyFlags, err := m.aggregateAttestations(ctx, start, end)
	if err != nil {
		return err
	}

	epoch := &txtypes.Epoch{
		EpochNumber:          epochNumber,
		StartBlock:           start,
		EndBlock:             end,
		State:                txtypes.EpochClosing,
		Target:               target,
		TargetHash:           targetHash,
		Winner:               winner,
		AttestedEpochNumber:  attestedEpochNumber,
		AttestedChecksumRoot: attestedChecksumRoot,
		Attestations:         attestations,
	}
	if epochNumber > 0 {
		prev, err := m.storage.GetEpochByNumber(ctx, epochNumber-1)
		if err == nil {
			epoch.PreviousEpochHash = prev.EpochHash
		}
	}

	epochmerkle.BuildEpochTree(m.cfg, epoch, attestations, emptyFlags, time.Now())
	epoch.State = txtypes.EpochFrozen

	if err := m.storage.PutEpoch(ctx, epoch); err != nil {
		return fmt.Errorf("persist epoch %d: %w", epochNumber, err)
	}

	real := make([]txtypes.BlockWitness, 0, len(attestations))
	for i, w := range attestations {
		if !emptyFlags[i] {
			real = append(real, w)
		}
	}
	if len(real) > 0 {
		if err := m.storage.UpdateWitnessProofs(ctx, real); err != nil {
			return fmt.Errorf("update witness proofs for epoch %d: %w", epochNumber, err)
		}
	}
	if err := m.storage.DeleteTargetEpochsBefore(ctx, epochNumber); err != nil {
		return fmt.Errorf("delete obsolete target-epoch hints before %d: %w", epochNumber, err)
	}

	epoch.State = txtypes.EpochPersisted
	if m.metrics != nil {
		m.metrics.EpochsFinalized.Inc()
	}
	m.logger.Printf("finalized epoch %d: blocks [%d,%d], winner_genesis=%v, matching_bits=%d, attestations=%d",
		epochNumber, start, end, winner.IsGenesis, winner.MatchingBits, len(attestations))
	return nil
}

// selectTarget implements §4.7 step 1: the zero hash for epoch 0, else the
// checksum_root of the final block of the previous epoch.
func (m *Manager) selectTarget(ctx context.Context, epochNumber, start uint64) (txtypes.Hash32, error) {
	if epochNumber == 0 {
		return txtypes.Hash32{}, nil
	}
	prevEndHeight := start - 1
	hdr, err := m.storage.GetHeader(ctx, prevEndHeight)
	if err != nil {
		return txtypes.Hash32{}, nodeerrors.Wrap(nodeerrors.KindCorruption, err, "target block header missing at epoch finalization")
	}
	return hdr.ChecksumRoot, nil
}

// selectWinner implements §4.7 steps 3-4: validate every submission for
// this epoch, then choose the one with the highest matching_bits, breaking
// ties lexicographically by candidate (solution hash). Falls back to the
// genesis proposer when no submission is valid.
func (m *Manager) selectWinner(ctx context.Context, epochNumber uint64, target txtypes.Hash32, targetHash txtypes.Hash20) (txtypes.EpochWinner, error) {
	subs, err := m.storage.GetSubmissionsForEpoch(ctx, epochNumber)
	if err != nil {
		return txtypes.EpochWinner{}, fmt.Errorf("load submissions for epoch %d: %w", epochNumber, err)
	}

	var best *txtypes.EpochSubmission
	for i := range subs {
		s := &subs[i]
		if s.EpochNumber != epochNumber {
			return txtypes.EpochWinner{}, nodeerrors.Wrap(nodeerrors.KindEpoch, nodeerrors.ErrWinnerEpochMismatch,
				fmt.Sprintf("submission %s declares epoch %d, expected %d", s.SubmissionTxid, s.EpochNumber, epochNumber))
		}
		if len(s.Graffiti) > m.cfg.GraffitiLength {
			continue
		}

		preimage := make([]byte, 0, 32+32+32)
		preimage = append(preimage, target[:]...)
		preimage = append(preimage, s.PublicKey[:]...)
		preimage = append(preimage, s.Salt[:]...)
		candidate := txtypes.Hash20(sha1.Sum(preimage))

		s.SolutionHash = candidate
		s.MatchingBits = matchingBits(candidate[:], targetHash[:])
		s.Valid = s.MatchingBits >= m.cfg.MinDifficulty

		if err := m.storage.PutSubmission(ctx, s); err != nil {
			return txtypes.EpochWinner{}, fmt.Errorf("record validation result for submission %s: %w", s.SubmissionTxid, err)
		}

		if m.metrics != nil {
			if s.Valid {
				m.metrics.SubmissionsValid.Inc()
			} else {
				m.metrics.SubmissionsReject.Inc()
			}
		}
		if !s.Valid {
			continue
		}
		if best == nil || s.MatchingBits > best.MatchingBits ||
			(s.MatchingBits == best.MatchingBits && bytes.Compare(s.SolutionHash[:], best.SolutionHash[:]) < 0) {
			best = s
		}
	}

	if best != nil {
		return txtypes.EpochWinner{
			PublicKey:    best.PublicKey,
			Salt:         best.Salt,
			SolutionHash: best.SolutionHash,
			Graffiti:     best.Graffiti,
			MatchingBits: best.MatchingBits,
		}, nil
	}

	genesisKey, err := decodeGenesisProposer(m.cfg.GenesisProposerPublicKeyHex)
	if err != nil {
		return txtypes.EpochWinner{}, nodeerrors.Wrap(nodeerrors.KindEpoch, err, "decode genesis proposer public key")
	}
	return txtypes.EpochWinner{PublicKey: genesisKey, IsGenesis: true}, nil
}

// attestedReference implements the SPEC_FULL §D decision for §3's
// "attested_epoch_number = epoch_number − 4 when epoch_number ≥ 4, else
// zero": epochs below 4 carry the zero value for both fields.
func (m *Manager) attestedReference(ctx context.Context, epochNumber uint64) (uint64, txtypes.Hash32, error) {
	if epochNumber < 4 {
		return 0, txtypes.Hash32{}, nil
	}
	refEpochNumber := epochNumber - 4
	refEnd := refEpochNumber*m.cfg.BlocksPerEpoch + m.cfg.BlocksPerEpoch - 1
	hdr, err := m.storage.GetHeader(ctx, refEnd)
	if err != nil {
		return 0, txtypes.Hash32{}, nodeerrors.Wrap(nodeerrors.KindCorruption, err, "referenced epoch's final block header missing")
	}
	return refEpochNumber, hdr.ChecksumRoot, nil
}

// aggregateAttestations implements §4.7 step 5: collect witnesses in
// [start, end], cap, sort descending by timestamp, and pad to at least two
// with deterministic EMPTY_ATTESTATION leaves. The returned bool slice
// marks which entries are padding rather than genuine witnesses.
func (m *Manager) aggregateAttestations(ctx context.Context, start, end uint64) ([]txtypes.BlockWitness, []bool, error) {
	k := m.cfg.BlocksPerEpoch
	limit := m.cfg.MaxAttestationPerBlock * int(k)

	atts, err := m.storage.GetWitnessesForRange(ctx, start, end, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("load attestations for [%d,%d]: %w", start, end, err)
	}
	for _, w := range atts {
		if w.BlockNumber < start || w.BlockNumber > end {
			return nil, nil, nodeerrors.Wrap(nodeerrors.KindEpoch, nodeerrors.ErrBlockOutsideEpochRange,
				fmt.Sprintf("attestation at block %d outside epoch range [%d,%d]", w.BlockNumber, start, end))
		}
	}

	sort.SliceStable(atts, func(i, j int) bool { return atts[i].Timestamp > atts[j].Timestamp })

	emptyFlags := make([]bool, len(atts))
	switch len(atts) {
	case 0:
		atts = []txtypes.BlockWitness{epochmerkle.EmptyAttestation(start), epochmerkle.EmptyAttestation(end - 1)}
		emptyFlags = []bool{true, true}
	case 1:
		atts = append(atts, epochmerkle.EmptyAttestation(end-1))
		emptyFlags = append(emptyFlags, true)
	}
	return atts, emptyFlags, nil
}

// matchingBits returns the length (in bits) of the longest common
// most-significant-bit prefix of two equal-length byte strings.
func matchingBits(a, b []byte) int {
	total := 0
	for i := 0; i < len(a) && i < len(b); i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			total += 8
			continue
		}
		return total + bits.LeadingZeros8(x)
	}
	return total
}

func decodeGenesisProposer(hexKey string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return out, fmt.Errorf("decode genesis proposer public key hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("genesis proposer public key must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
