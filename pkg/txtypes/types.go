// Package txtypes holds the data-model entities of spec §3: block headers,
// transactions, contracts, pointer storage records, block witnesses, epoch
// submissions, epochs, and the IBD checkpoint.
package txtypes

import (
	"time"

	cmted25519 "github.com/cometbft/cometbft/crypto/ed25519"
)

// Hash32 is a fixed 32-byte identity value. The zero value is the "zero
// hash" referenced throughout spec §3/§4.
type Hash32 [32]byte

// Hash20 is a fixed 20-byte value (SHA-1 digests, e.g. target_hash).
type Hash20 [20]byte

// IsZero reports whether h is the all-zero hash.
func (h Hash32) IsZero() bool {
	return h == Hash32{}
}

// TxKind classifies a transaction's shape (§4.3).
type TxKind string

const (
	TxKindCoinbaseLike       TxKind = "coinbase_like"
	TxKindGeneric            TxKind = "generic"
	TxKindContractInteraction TxKind = "contract_interaction"
	TxKindContractDeployment TxKind = "contract_deployment"
	TxKindEpochSubmission    TxKind = "epoch_submission"
	TxKindSpecial            TxKind = "special"
)

// TxInput is a single transaction input. SpentTxid is empty for
// coinbase-like inputs.
type TxInput struct {
	SpentTxid string
	Sequence  uint32
}

// TxOutput is a single transaction output; payload carries any recognized
// protocol envelope bytes (submission/deployment/interaction), opaque
// otherwise.
type TxOutput struct {
	Value   int64
	Payload []byte
}

// BlockHeader identifies a base-chain block at Height (§3).
type BlockHeader struct {
	Height                uint64
	Hash                  Hash32
	PreviousBlockHash     Hash32
	MerkleRoot            Hash32 // transaction root
	StateRoot             Hash32
	ReceiptRoot           Hash32
	ChecksumRoot          Hash32
	PreviousBlockChecksum Hash32
	MedianTime            int64
}

// Transaction is the classified, ordered representation of a base-chain
// transaction carrying (possibly) a protocol payload (§3).
type Transaction struct {
	Txid         string
	BlockHash    Hash32
	IndexingHash Hash32 // SHA-256(txid || block_hash), deterministic tiebreak
	Kind         TxKind
	Raw          []byte // opaque base-chain bytes
	Inputs       []TxInput
	Outputs      []TxOutput
	BurnedFee    int64
	PriorityFee  int64
	Index        int // assigned by the ordering step, 0 until then

	// Populated only for contract-interaction / contract-deployment kinds.
	ContractAddress [20]byte
	Calldata        []byte
	DeployBytecode  []byte
	DeploySalt      [32]byte

	// Populated only for epoch-submission kind (see EpochSubmission).
	Submission *EpochSubmission
}

// Contract is keyed by a deterministic contract address (§3). Bytecode is
// immutable after deployment; a contract is never destroyed.
type Contract struct {
	Address      [20]byte
	Bytecode     []byte
	Deployer     [20]byte
	DeploymentTxid string
	Seed         [32]byte
	Salt         [32]byte
	DeployedAt   uint64 // block height
}

// PointerRecord is one committed write of a contract's pointer storage at
// a given height (§3 "Pointer storage").
type PointerRecord struct {
	Contract [20]byte
	Pointer  Hash32
	Value    Hash32
	Height   uint64
}

// BlockWitness is an attestation by a validator for a specific block
// height (§3).
type BlockWitness struct {
	BlockNumber  uint64
	ChecksumRoot Hash32
	Signature    []byte // 64-byte ed25519-like signature
	Timestamp    int64
	PublicKey    cmted25519.PubKey // 32 bytes

	// Populated once the enclosing epoch is finalized (§4.7 step 7).
	AttestationProof [][]byte
	AttestationIndex int
}

// Verify checks the witness signature over its own checksum commitment,
// using the cometbft ed25519 public key type. Nothing in this repository
// calls it; neither epoch aggregation nor cmd/epochtool checks signatures.
func (w *BlockWitness) Verify() bool {
	if len(w.PublicKey) != cmted25519.PubKeySize {
		return false
	}
	msg := witnessSignedMessage(w.BlockNumber, w.ChecksumRoot, w.Timestamp)
	return w.PublicKey.VerifySignature(msg, w.Signature)
}

func witnessSignedMessage(blockNumber uint64, checksumRoot Hash32, timestamp int64) []byte {
	msg := make([]byte, 0, 8+32+8)
	msg = appendUint64(msg, blockNumber)
	msg = append(msg, checksumRoot[:]...)
	msg = appendUint64(msg, uint64(timestamp))
	return msg
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// EpochSubmission is a PoW-style record (§3, §4.7).
type EpochSubmission struct {
	EpochNumber      uint64
	PublicKey        [32]byte
	Salt             [32]byte // exactly 32 bytes
	SolutionHash     Hash20   // exactly 20 bytes, SHA-1 of the preimage
	Graffiti         []byte   // <= configured length
	SubmissionTxid   string
	ConfirmationHeight uint64

	// Populated during validation (§4.7 step 3).
	MatchingBits int
	Valid        bool
}

// EpochState is the state machine of §4.7: OPEN -> CLOSING -> FROZEN -> PERSISTED.
type EpochState string

const (
	EpochOpen      EpochState = "OPEN"
	EpochClosing   EpochState = "CLOSING"
	EpochFrozen    EpochState = "FROZEN"
	EpochPersisted EpochState = "PERSISTED"
)

// Epoch is finalized once its end block is processed (§3, §4.7).
type Epoch struct {
	EpochNumber  uint64
	StartBlock   uint64
	EndBlock     uint64
	State        EpochState

	Target     Hash32 // checksum of the deterministically chosen previous block
	TargetHash Hash20 // SHA-1(target)

	Winner EpochWinner

	AttestedEpochNumber  uint64 // 0 when EpochNumber < 4, per SPEC_FULL §D
	AttestedChecksumRoot Hash32

	// PreviousEpochHash is epoch N-1's EpochHash (zero for epoch 0), bound
	// into this epoch's data leaf so epochs chain (§4.8).
	PreviousEpochHash Hash32

	Attestations []BlockWitness

	EpochRoot Hash32
	EpochHash Hash32 // SHA-256(serialized epoch-data leaf)

	// Proof binding the epoch-data leaf to EpochRoot.
	EpochDataProof [][]byte
}

// EpochWinner is the chosen PoW submission for an epoch, or the genesis
// proposer substitute when no submission was valid (§4.7 step 4).
type EpochWinner struct {
	PublicKey    [32]byte
	Salt         [32]byte
	SolutionHash Hash20
	Graffiti     []byte
	MatchingBits int
	IsGenesis    bool
}

// IBDPhase enumerates the bulk-sync controller's strict phase order (§4.2).
type IBDPhase string

const (
	PhaseHeaderDownload      IBDPhase = "HEADER_DOWNLOAD"
	PhaseChecksumGeneration  IBDPhase = "CHECKSUM_GENERATION"
	PhaseTransactionDownload IBDPhase = "TRANSACTION_DOWNLOAD"
	PhaseWitnessSync         IBDPhase = "WITNESS_SYNC"
	PhaseEpochFinalization   IBDPhase = "EPOCH_FINALIZATION"
	PhaseComplete            IBDPhase = "COMPLETE"
)

// IBDCheckpoint is the singleton record owned exclusively by the bulk-sync
// controller (§3).
type IBDCheckpoint struct {
	Phase            IBDPhase
	OriginalStart    uint64
	LastCompleted    uint64
	Target           uint64
	Timestamp        time.Time

	// Phase-specific metadata.
	CompletedRanges      []Range
	LastFinalizedEpoch   uint64
}

// Range is an inclusive [Start, End] height range.
type Range struct {
	Start uint64
	End   uint64
}
