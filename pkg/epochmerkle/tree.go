// Package epochmerkle builds the epoch Merkle tree of spec §4.8: a
// leaf-sorted SHA-256 tree over one epoch-data leaf and the epoch's
// (possibly padded) attestation leaves, exported with proofs and
// metadata for offline re-verification (cmd/epochtool).
//
// The tree-building shape (sort leaves, pair with SHA-256, record
// proofs by original leaf index rather than sorted position) is the
// same one pkg/checksum uses for the fixed six-leaf block checksum
// tree; this package generalizes it to an arbitrary leaf count.
package epochmerkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math/bits"
	"sort"
	"time"

	"github.com/l2indexer/node/pkg/config"
	"github.com/l2indexer/node/pkg/txtypes"
)

const (
	attestationLeafTypeReal  byte = 0x01
	attestationLeafTypeEmpty byte = 0x00
)

// ProofStep is one sibling hash on the path from a leaf to the root.
type ProofStep struct {
	Sibling txtypes.Hash32
	Right   bool
}

// Metadata accompanies every exported proof artifact (§4.8).
type Metadata struct {
	ChainID     uint32
	ProtocolID  uint16
	TreeHeight  int
	LeafCount   int
	GeneratedAt time.Time
}

// Result is the built tree plus one proof per leaf, indexed by leaf
// position (0 = epoch-data leaf, 1..M = attestation leaves in the order
// passed to Build).
type Result struct {
	Root       txtypes.Hash32
	LeafHashes []txtypes.Hash32
	Proofs     map[int][]ProofStep
	Metadata   Metadata
}

// EpochDataLeafBytes serializes leaf 0, the epoch-data leaf, in the fixed
// big-endian field order of §4.8.
func EpochDataLeafBytes(cfg *config.ConsensusConfig, e *txtypes.Epoch) []byte {
	buf := make([]byte, 0, 4+2+8+8+8+32+32+8+32+32+2+32+32+cfg.GraffitiLength)
	buf = appendU32(buf, cfg.ChainID)
	buf = appendU16(buf, cfg.ProtocolID)
	buf = appendU64(buf, e.EpochNumber)
	buf = appendU64(buf, e.StartBlock)
	buf = appendU64(buf, e.EndBlock)
	buf = append(buf, e.Target[:]...) // checksum_root of the previous epoch's final block (zero for epoch 0), bound as Target
	buf = append(buf, e.PreviousEpochHash[:]...)
	buf = appendU64(buf, e.AttestedEpochNumber)
	buf = append(buf, e.AttestedChecksumRoot[:]...)
	buf = append(buf, e.Winner.PublicKey[:]...)
	buf = appendU16(buf, uint16(e.Winner.MatchingBits))
	buf = append(buf, e.Winner.Salt[:]...)
	buf = append(buf, e.Winner.SolutionHash[:]...)
	graffiti := make([]byte, cfg.GraffitiLength)
	copy(graffiti, e.Winner.Graffiti)
	buf = append(buf, graffiti...)
	return buf
}

// AttestationLeafBytes serializes an attestation leaf per §4.8's field
// order. isEmpty marks one of the deterministic EMPTY_ATTESTATION padding
// leaves (§4.7 step 5), which carry a zero checksum root and a type tag
// distinguishing them from a genuine, zero-signature attestation.
func AttestationLeafBytes(w txtypes.BlockWitness, isEmpty bool) []byte {
	leafType := attestationLeafTypeReal
	if isEmpty {
		leafType = attestationLeafTypeEmpty
	}
	buf := make([]byte, 0, 1+8+32+64+8+32)
	buf = append(buf, leafType)
	buf = appendU64(buf, w.BlockNumber)
	buf = append(buf, w.ChecksumRoot[:]...)
	sig := make([]byte, 64)
	copy(sig, w.Signature)
	buf = append(buf, sig...)
	buf = appendU64(buf, uint64(w.Timestamp))
	buf = append(buf, w.PublicKey[:]...)
	return buf
}

// EmptyAttestation builds one of the two deterministic padding leaves
// used when fewer than two real attestations exist for an epoch (§4.7
// step 5): zero checksum root, the given block number.
func EmptyAttestation(blockNumber uint64) txtypes.BlockWitness {
	return txtypes.BlockWitness{BlockNumber: blockNumber}
}

// BuildEpochTree assembles leaf 0 (epoch data) and one leaf per entry in
// attestations, builds the tree, and stamps epoch.EpochRoot, epoch.EpochHash
// (independent of the tree: SHA-256 of the epoch-data leaf bytes alone),
// epoch.EpochDataProof, and each attestation's AttestationProof/
// AttestationIndex in place. emptyFlags[i] marks attestations[i] as one of
// the EMPTY_ATTESTATION padding leaves rather than a genuine witness; it
// must be the same length as attestations.
func BuildEpochTree(cfg *config.ConsensusConfig, epoch *txtypes.Epoch, attestations []txtypes.BlockWitness, emptyFlags []bool, generatedAt time.Time) Result {
	epochDataBytes := EpochDataLeafBytes(cfg, epoch)
	leafBytes := make([][]byte, 0, 1+len(attestations))
	leafBytes = append(leafBytes, epochDataBytes)
	for i, w := range attestations {
		leafBytes = append(leafBytes, AttestationLeafBytes(w, emptyFlags[i]))
	}

	result := Build(cfg, leafBytes, generatedAt)

	epoch.EpochHash = sha256.Sum256(epochDataBytes)
	epoch.EpochRoot = result.Root
	epoch.EpochDataProof = proofBytes(result.Proofs[0])

	for i := range attestations {
		attestations[i].AttestationProof = proofBytes(result.Proofs[i+1])
		attestations[i].AttestationIndex = i + 1
	}

	return result
}

// proofBytes flattens a ProofStep path into the [][]byte wire shape
// storage.Adapter and cmd/epochtool expect: each entry is the 32-byte
// sibling hash followed by one direction byte (1 = sibling is on the
// right), mirroring pkg/checksum's proof encoding.
func proofBytes(path []ProofStep) [][]byte {
	out := make([][]byte, len(path))
	for i, step := range path {
		entry := make([]byte, 33)
		copy(entry, step.Sibling[:])
		if step.Right {
			entry[32] = 1
		}
		out[i] = entry
	}
	return out
}

// Build constructs a leaf-sorted SHA-256 Merkle tree over leafBytes (leaf
// 0 is the epoch-data leaf; the rest are attestation leaves, in order).
func Build(cfg *config.ConsensusConfig, leafBytes [][]byte, generatedAt time.Time) Result {
	n := len(leafBytes)
	leafHashes := make([]txtypes.Hash32, n)
	for i, b := range leafBytes {
		leafHashes[i] = sha256.Sum256(b)
	}

	type sortedLeaf struct {
		hash        txtypes.Hash32
		originalIdx int
	}
	sorted := make([]sortedLeaf, n)
	for i, h := range leafHashes {
		sorted[i] = sortedLeaf{hash: h, originalIdx: i}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].hash[:], sorted[j].hash[:]) < 0
	})

	level := make([]txtypes.Hash32, n)
	originalAt := make([]int, n)
	for i, sl := range sorted {
		level[i] = sl.hash
		originalAt[i] = sl.originalIdx
	}

	positionOf := make([]int, n)
	for pos, orig := range originalAt {
		positionOf[orig] = pos
	}

	proofs := make(map[int][]ProofStep, n)
	for i := 0; i < n; i++ {
		proofs[i] = nil
	}

	for len(level) > 1 {
		next := make([]txtypes.Hash32, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			combined := hashPair(left, right)

			for orig, pos := range positionOf {
				if pos == i {
					proofs[orig] = append(proofs[orig], ProofStep{Sibling: right, Right: true})
				} else if pos == i+1 && i+1 < len(level) {
					proofs[orig] = append(proofs[orig], ProofStep{Sibling: left, Right: false})
				}
			}

			next = append(next, combined)
		}
		for orig, pos := range positionOf {
			positionOf[orig] = pos / 2
		}
		level = next
	}

	var root txtypes.Hash32
	if n > 0 {
		root = level[0]
	}

	return Result{
		Root:       root,
		LeafHashes: leafHashes,
		Proofs:     proofs,
		Metadata: Metadata{
			ChainID:     cfg.ChainID,
			ProtocolID:  cfg.ProtocolID,
			TreeHeight:  treeHeight(n),
			LeafCount:   n,
			GeneratedAt: generatedAt,
		},
	}
}

// treeHeight computes ⌈log2(leafCount)⌉, the number of levels above the
// leaves (§4.8 calls this tree_height = ⌈log2(M+1)⌉ with M the number of
// attestation leaves; leafCount here already includes the epoch-data
// leaf, i.e. leafCount = M+1).
func treeHeight(leafCount int) int {
	if leafCount <= 1 {
		return 0
	}
	return bits.Len(uint(leafCount - 1))
}

func hashPair(left, right txtypes.Hash32) txtypes.Hash32 {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return sha256.Sum256(buf[:])
}

// DecodeProof reverses proofBytes, turning a persisted [][]byte proof back
// into the []ProofStep shape Verify expects. Used by cmd/epochtool to
// re-verify proofs read back from storage.
func DecodeProof(proof [][]byte) []ProofStep {
	steps := make([]ProofStep, len(proof))
	for i, entry := range proof {
		var step ProofStep
		copy(step.Sibling[:], entry)
		if len(entry) > 32 && entry[32] == 1 {
			step.Right = true
		}
		steps[i] = step
	}
	return steps
}

// Verify reports whether (leafHash) reconstructs root under path.
func Verify(root, leafHash txtypes.Hash32, path []ProofStep) bool {
	current := leafHash
	for _, step := range path {
		if step.Right {
			current = hashPair(current, step.Sibling)
		} else {
			current = hashPair(step.Sibling, current)
		}
	}
	return current == root
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
