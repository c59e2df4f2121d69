package epochmerkle

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/l2indexer/node/pkg/config"
	"github.com/l2indexer/node/pkg/txtypes"
)

func testEpoch() *txtypes.Epoch {
	e := &txtypes.Epoch{
		EpochNumber: 4,
		StartBlock:  8064,
		EndBlock:    10079,
	}
	e.Target[0] = 0xAA
	e.Winner = txtypes.EpochWinner{MatchingBits: 12}
	e.Winner.Graffiti = []byte("hello")
	return e
}

func TestBuildEpochTree_EpochHashIndependentOfAttestations(t *testing.T) {
	cfg := config.Defaults()
	generatedAt := time.Unix(0, 0)

	epochA := testEpoch()
	attsA := []txtypes.BlockWitness{
		EmptyAttestation(epochA.StartBlock),
		EmptyAttestation(epochA.EndBlock - 1),
	}
	BuildEpochTree(cfg, epochA, attsA, []bool{true, true}, generatedAt)

	epochB := testEpoch()
	attsB := []txtypes.BlockWitness{
		{BlockNumber: 8100, ChecksumRoot: txtypes.Hash32{0x01}, Timestamp: 42, Signature: make([]byte, 64)},
		EmptyAttestation(epochB.EndBlock - 1),
	}
	BuildEpochTree(cfg, epochB, attsB, []bool{false, true}, generatedAt)

	if epochA.EpochHash != epochB.EpochHash {
		t.Error("epoch_hash must depend only on the epoch-data leaf, not on attestations")
	}

	expected := sha256.Sum256(EpochDataLeafBytes(cfg, epochA))
	if epochA.EpochHash != expected {
		t.Error("epoch_hash must equal SHA-256 of the serialized epoch-data leaf")
	}

	if epochA.EpochRoot == epochB.EpochRoot {
		t.Error("epoch_root should differ when attestations differ")
	}
}

func TestBuildEpochTree_ProofsVerify(t *testing.T) {
	cfg := config.Defaults()
	epoch := testEpoch()
	atts := []txtypes.BlockWitness{
		{BlockNumber: 8100, ChecksumRoot: txtypes.Hash32{0x01}, Timestamp: 10, Signature: make([]byte, 64)},
		{BlockNumber: 8200, ChecksumRoot: txtypes.Hash32{0x02}, Timestamp: 20, Signature: make([]byte, 64)},
		{BlockNumber: 8300, ChecksumRoot: txtypes.Hash32{0x03}, Timestamp: 30, Signature: make([]byte, 64)},
	}
	result := BuildEpochTree(cfg, epoch, atts, []bool{false, false, false}, time.Unix(0, 0))

	dataLeafHash := sha256.Sum256(EpochDataLeafBytes(cfg, epoch))
	if !Verify(epoch.EpochRoot, dataLeafHash, DecodeProof(epoch.EpochDataProof)) {
		t.Error("epoch-data leaf proof failed to verify against the epoch root")
	}

	for i, w := range atts {
		leafHash := result.LeafHashes[i+1]
		if !Verify(epoch.EpochRoot, leafHash, DecodeProof(w.AttestationProof)) {
			t.Errorf("attestation %d proof failed to verify", i)
		}
		if w.AttestationIndex != i+1 {
			t.Errorf("attestation %d: expected AttestationIndex %d, got %d", i, i+1, w.AttestationIndex)
		}
	}
}

func TestTreeHeight(t *testing.T) {
	cases := map[int]int{1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 8: 3, 9: 4}
	for leafCount, want := range cases {
		if got := treeHeight(leafCount); got != want {
			t.Errorf("treeHeight(%d) = %d, want %d", leafCount, got, want)
		}
	}
}
