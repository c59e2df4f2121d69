// Package blockproc implements the block processor and transaction
// classifier of spec §4.3: per block, classify every transaction by shape,
// order them (pkg/txorder), execute contract-impacting ones
// (pkg/contracthost), compute the per-block checksum (pkg/checksum), and
// commit the result through the storage Adapter.
package blockproc

import (
	"encoding/binary"

	"github.com/l2indexer/node/pkg/config"
	"github.com/l2indexer/node/pkg/txtypes"
)

const (
	envelopeVersionSubmission = 0x01
	envelopeVersionInteraction = 0x02
	envelopeVersionDeployment  = 0x03
)

// envelope is a decoded protocol payload recognized in a transaction
// output, or nil if the output carries no recognized envelope.
type envelope struct {
	kind txtypes.TxKind

	contractAddress [20]byte
	calldata        []byte

	deploySalt     [32]byte
	deployBytecode []byte

	submission *txtypes.EpochSubmission
}

// Classify assigns t.Kind (and the kind-specific fields it carries) per
// §4.3's classification rules, consulting cfg for the graffiti-length bound
// the submission envelope must respect.
func Classify(t *txtypes.Transaction, cfg *config.ConsensusConfig) {
	for _, in := range t.Inputs {
		if in.SpentTxid == "" {
			t.Kind = txtypes.TxKindCoinbaseLike
			return
		}
	}

	for _, out := range t.Outputs {
		env := decodeEnvelope(out.Payload, cfg)
		if env == nil {
			continue
		}
		switch env.kind {
		case txtypes.TxKindEpochSubmission:
			t.Kind = txtypes.TxKindEpochSubmission
			t.Submission = env.submission
			return
		case txtypes.TxKindContractDeployment:
			t.Kind = txtypes.TxKindContractDeployment
			t.DeploySalt = env.deploySalt
			t.DeployBytecode = env.deployBytecode
			return
		case txtypes.TxKindContractInteraction:
			t.Kind = txtypes.TxKindContractInteraction
			t.ContractAddress = env.contractAddress
			t.Calldata = env.calldata
			return
		}
	}

	t.Kind = txtypes.TxKindGeneric
}

// decodeEnvelope recognizes the fixed-order wire formats of SPEC_FULL §C.6:
// version byte 0x01 = epoch submission, 0x02 = contract interaction,
// 0x03 = contract deployment. Any other tag, or a payload too short for its
// declared length fields, is not a recognized envelope.
func decodeEnvelope(payload []byte, cfg *config.ConsensusConfig) *envelope {
	if len(payload) == 0 {
		return nil
	}
	switch payload[0] {
	case envelopeVersionSubmission:
		return decodeSubmissionEnvelope(payload, cfg)
	case envelopeVersionInteraction:
		return decodeInteractionEnvelope(payload)
	case envelopeVersionDeployment:
		return decodeDeploymentEnvelope(payload)
	default:
		return nil
	}
}

// decodeSubmissionEnvelope parses `version(1), epoch_number(8, BE),
// target_hash(20), salt(32), public_key(32), graffiti_length(1),
// graffiti(...)` per spec §6. A graffiti_length exceeding cfg's configured
// bound is malformed and rejected (the transaction then falls through to
// generic classification).
func decodeSubmissionEnvelope(payload []byte, cfg *config.ConsensusConfig) *envelope {
	const fixedLen = 1 + 8 + 20 + 32 + 32 + 1
	if len(payload) < fixedLen {
		return nil
	}
	off := 1
	epochNumber := binary.BigEndian.Uint64(payload[off : off+8])
	off += 8
	var targetHash txtypes.Hash20
	copy(targetHash[:], payload[off:off+20])
	off += 20
	var salt [32]byte
	copy(salt[:], payload[off:off+32])
	off += 32
	var pubKey [32]byte
	copy(pubKey[:], payload[off:off+32])
	off += 32
	graffitiLen := int(payload[off])
	off++

	if cfg != nil && graffitiLen > cfg.GraffitiLength {
		return nil
	}
	if len(payload) < off+graffitiLen {
		return nil
	}
	graffiti := append([]byte(nil), payload[off:off+graffitiLen]...)

	_ = targetHash // recomputed and checked by pkg/epoch at finalization time

	return &envelope{
		kind: txtypes.TxKindEpochSubmission,
		submission: &txtypes.EpochSubmission{
			EpochNumber: epochNumber,
			PublicKey:   pubKey,
			Salt:        salt,
			Graffiti:    graffiti,
		},
	}
}

// decodeInteractionEnvelope parses `version(1) = 0x02, contract_address(20),
// calldata_length(4, BE), calldata(...)` per SPEC_FULL §C.6.
func decodeInteractionEnvelope(payload []byte) *envelope {
	const fixedLen = 1 + 20 + 4
	if len(payload) < fixedLen {
		return nil
	}
	var addr [20]byte
	copy(addr[:], payload[1:21])
	calldataLen := binary.BigEndian.Uint32(payload[21:25])
	if uint32(len(payload)-25) < calldataLen {
		return nil
	}
	calldata := append([]byte(nil), payload[25:25+calldataLen]...)

	return &envelope{
		kind:            txtypes.TxKindContractInteraction,
		contractAddress: addr,
		calldata:        calldata,
	}
}

// decodeDeploymentEnvelope parses `version(1) = 0x03, salt(32),
// bytecode_length(4, BE), bytecode(...)` per SPEC_FULL §C.6.
func decodeDeploymentEnvelope(payload []byte) *envelope {
	const fixedLen = 1 + 32 + 4
	if len(payload) < fixedLen {
		return nil
	}
	var salt [32]byte
	copy(salt[:], payload[1:33])
	bytecodeLen := binary.BigEndian.Uint32(payload[33:37])
	if uint32(len(payload)-37) < bytecodeLen {
		return nil
	}
	bytecode := append([]byte(nil), payload[37:37+bytecodeLen]...)

	return &envelope{
		kind:           txtypes.TxKindContractDeployment,
		deploySalt:     salt,
		deployBytecode: bytecode,
	}
}
