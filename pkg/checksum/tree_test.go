package checksum

import (
	"crypto/sha256"
	"testing"

	"github.com/l2indexer/node/pkg/txtypes"
)

func hashOf(s string) txtypes.Hash32 {
	return sha256.Sum256([]byte(s))
}

func TestBuild_AllLeavesVerify(t *testing.T) {
	in := Input{
		PreviousBlockHash:     hashOf("prev-hash"),
		PreviousBlockChecksum: hashOf("prev-checksum"),
		BlockHash:             hashOf("block-hash"),
		BlockMerkleRoot:       hashOf("merkle-root"),
		StateRoot:             hashOf("state-root"),
		ReceiptRoot:           hashOf("receipt-root"),
	}
	result := Build(in)

	leaves := in.leaves()
	for idx, leaf := range leaves {
		path, ok := result.Proofs[idx]
		if !ok {
			t.Fatalf("leaf %d: no proof recorded", idx)
		}
		valid, err := Verify(result.Root, idx, leaf, path)
		if err != nil {
			t.Fatalf("leaf %d: verify error: %v", idx, err)
		}
		if !valid {
			t.Errorf("leaf %d: proof failed to verify", idx)
		}
	}
}

func TestBuild_WrongLeafFailsVerify(t *testing.T) {
	in := Input{
		PreviousBlockHash:     hashOf("a"),
		PreviousBlockChecksum: hashOf("b"),
		BlockHash:             hashOf("c"),
		BlockMerkleRoot:       hashOf("d"),
		StateRoot:             hashOf("e"),
		ReceiptRoot:           hashOf("f"),
	}
	result := Build(in)

	path := result.Proofs[int(LeafBlockHash)]
	valid, err := Verify(result.Root, int(LeafBlockHash), hashOf("not-c"), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if valid {
		t.Error("proof should not verify against a substituted leaf value")
	}
}

func TestBuild_ZeroLeavesAllowed(t *testing.T) {
	// A missing field is represented by the zero hash, per spec §4.5; the
	// tree must still build and verify.
	in := Input{
		PreviousBlockHash: hashOf("only-one-set"),
	}
	result := Build(in)

	path := result.Proofs[int(LeafPreviousBlockHash)]
	valid, err := Verify(result.Root, int(LeafPreviousBlockHash), in.PreviousBlockHash, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !valid {
		t.Error("proof for the one non-zero leaf should verify")
	}

	zeroPath := result.Proofs[int(LeafStateRoot)]
	valid, err = Verify(result.Root, int(LeafStateRoot), txtypes.Hash32{}, zeroPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !valid {
		t.Error("proof for a zero-hash leaf should still verify")
	}
}

func TestBuild_Deterministic(t *testing.T) {
	in := Input{
		PreviousBlockHash:     hashOf("x"),
		PreviousBlockChecksum: hashOf("y"),
		BlockHash:             hashOf("z"),
	}
	r1 := Build(in)
	r2 := Build(in)
	if r1.Root != r2.Root {
		t.Error("Build is not deterministic")
	}
}

func TestVerify_OutOfRangeIndex(t *testing.T) {
	in := Input{PreviousBlockHash: hashOf("a")}
	result := Build(in)

	if _, err := Verify(result.Root, -1, hashOf("a"), nil); err == nil {
		t.Error("expected error for negative index")
	}
	if _, err := Verify(result.Root, 6, hashOf("a"), nil); err == nil {
		t.Error("expected error for index >= leafCount")
	}
}
