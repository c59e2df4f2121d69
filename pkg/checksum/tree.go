// Package checksum builds the per-block checksum Merkle tree of spec §4.5:
// six fixed leaves (previous-block-hash, previous-block-checksum,
// block-hash, block-Merkle-root, state-root, receipt-root), built
// leaf-sorted so that proofs are order-independent of the leaves' original
// positions.
//
// The tree construction itself is adapted from the teacher's
// pkg/merkle.Tree (same SHA-256(left||right) pairing, same odd-node
// duplication rule); what changes is that leaves are sorted before
// pairing, and proofs are indexed by the leaf's *semantic* position
// (0..5) rather than by tree-build order.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/l2indexer/node/pkg/txtypes"
)

// LeafIndex enumerates the six fixed checksum leaves in their semantic
// order (§4.5). The zero hash substitutes a missing field.
type LeafIndex int

const (
	LeafPreviousBlockHash LeafIndex = iota
	LeafPreviousBlockChecksum
	LeafBlockHash
	LeafBlockMerkleRoot
	LeafStateRoot
	LeafReceiptRoot
	leafCount
)

// Input holds the six leaf values, by semantic position.
type Input struct {
	PreviousBlockHash     txtypes.Hash32
	PreviousBlockChecksum txtypes.Hash32
	BlockHash             txtypes.Hash32
	BlockMerkleRoot       txtypes.Hash32
	StateRoot             txtypes.Hash32
	ReceiptRoot           txtypes.Hash32
}

func (in Input) leaves() [leafCount]txtypes.Hash32 {
	return [leafCount]txtypes.Hash32{
		LeafPreviousBlockHash:     in.PreviousBlockHash,
		LeafPreviousBlockChecksum: in.PreviousBlockChecksum,
		LeafBlockHash:             in.BlockHash,
		LeafBlockMerkleRoot:       in.BlockMerkleRoot,
		LeafStateRoot:             in.StateRoot,
		LeafReceiptRoot:           in.ReceiptRoot,
	}
}

// ProofStep is one sibling hash on the path from a leaf to the root.
// Right=true means the sibling sits to the right of the current hash.
type ProofStep struct {
	Sibling txtypes.Hash32
	Right   bool
}

// Result is the built checksum tree: the root plus one proof per semantic
// leaf index, the shape spec §4.5 calls "proofs {leaf_index -> proof_path}
// stored alongside the header".
type Result struct {
	Root  txtypes.Hash32
	Proofs map[int][]ProofStep
}

// Build constructs the six-leaf, leaf-sorted checksum tree.
func Build(in Input) Result {
	leaves := in.leaves()

	// Sort leaves by byte value; remember each leaf's original semantic
	// index so proofs can be indexed by it rather than by sorted position.
	type sortedLeaf struct {
		hash         txtypes.Hash32
		originalIdx  int
	}
	sorted := make([]sortedLeaf, leafCount)
	for i, h := range leaves {
		sorted[i] = sortedLeaf{hash: h, originalIdx: i}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].hash[:], sorted[j].hash[:]) < 0
	})

	level := make([]txtypes.Hash32, leafCount)
	originalAt := make([]int, leafCount)
	for i, sl := range sorted {
		level[i] = sl.hash
		originalAt[i] = sl.originalIdx
	}

	// positionOf[originalIdx] = its position within the current level,
	// updated as the tree collapses level by level.
	positionOf := make([]int, leafCount)
	for pos, orig := range originalAt {
		positionOf[orig] = pos
	}

	proofs := make(map[int][]ProofStep, leafCount)
	for i := 0; i < leafCount; i++ {
		proofs[i] = nil
	}

	for len(level) > 1 {
		next := make([]txtypes.Hash32, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var left, right txtypes.Hash32
			left = level[i]
			if i+1 < len(level) {
				right = level[i+1]
			} else {
				right = level[i] // odd node duplicated
			}
			combined := hashPair(left, right)

			// Record the proof step for whichever original leaf currently
			// sits at position i or i+1.
			for orig, pos := range positionOf {
				if pos == i {
					proofs[orig] = append(proofs[orig], ProofStep{Sibling: right, Right: true})
				} else if pos == i+1 && i+1 < len(level) {
					proofs[orig] = append(proofs[orig], ProofStep{Sibling: left, Right: false})
				}
			}

			next = append(next, combined)
		}
		// Update positions for the next level.
		for orig, pos := range positionOf {
			positionOf[orig] = pos / 2
		}
		level = next
	}

	return Result{Root: level[0], Proofs: proofs}
}

func hashPair(left, right txtypes.Hash32) txtypes.Hash32 {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	sum := sha256.Sum256(buf[:])
	return sum
}

// Verify reports whether (index, value) reconstructs root under path,
// implementing §4.5's verification contract.
func Verify(root txtypes.Hash32, index int, value txtypes.Hash32, path []ProofStep) (bool, error) {
	if index < 0 || index >= leafCount {
		return false, fmt.Errorf("leaf index %d out of range [0, %d)", index, leafCount)
	}
	current := value
	for _, step := range path {
		if step.Right {
			current = hashPair(current, step.Sibling)
		} else {
			current = hashPair(step.Sibling, current)
		}
	}
	return current == root, nil
}
