package blockproc

import (
	"encoding/binary"
	"testing"

	"github.com/l2indexer/node/pkg/config"
	"github.com/l2indexer/node/pkg/txtypes"
)

func TestClassify_CoinbaseLike(t *testing.T) {
	tx := txtypes.Transaction{Inputs: []txtypes.TxInput{{SpentTxid: ""}}}
	Classify(&tx, config.Defaults())
	if tx.Kind != txtypes.TxKindCoinbaseLike {
		t.Fatalf("expected coinbase_like, got %s", tx.Kind)
	}
}

func TestClassify_Generic(t *testing.T) {
	tx := txtypes.Transaction{
		Inputs:  []txtypes.TxInput{{SpentTxid: "parent"}},
		Outputs: []txtypes.TxOutput{{Payload: []byte{0xff, 0x01, 0x02}}},
	}
	Classify(&tx, config.Defaults())
	if tx.Kind != txtypes.TxKindGeneric {
		t.Fatalf("expected generic, got %s", tx.Kind)
	}
}

func TestClassify_ContractInteraction(t *testing.T) {
	var addr [20]byte
	addr[0] = 0xAB
	calldata := []byte{0x01, 0x02, 0x03}

	payload := make([]byte, 0, 25+len(calldata))
	payload = append(payload, envelopeVersionInteraction)
	payload = append(payload, addr[:]...)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(calldata)))
	payload = append(payload, lenBuf...)
	payload = append(payload, calldata...)

	tx := txtypes.Transaction{
		Inputs:  []txtypes.TxInput{{SpentTxid: "parent"}},
		Outputs: []txtypes.TxOutput{{Payload: payload}},
	}
	Classify(&tx, config.Defaults())
	if tx.Kind != txtypes.TxKindContractInteraction {
		t.Fatalf("expected contract_interaction, got %s", tx.Kind)
	}
	if tx.ContractAddress != addr {
		t.Errorf("contract address mismatch")
	}
	if string(tx.Calldata) != string(calldata) {
		t.Errorf("calldata mismatch")
	}
}

func TestClassify_ContractDeployment(t *testing.T) {
	var salt [32]byte
	salt[0] = 0x11
	bytecode := []byte{0xde, 0xad, 0xbe, 0xef}

	payload := make([]byte, 0, 37+len(bytecode))
	payload = append(payload, envelopeVersionDeployment)
	payload = append(payload, salt[:]...)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(bytecode)))
	payload = append(payload, lenBuf...)
	payload = append(payload, bytecode...)

	tx := txtypes.Transaction{
		Inputs:  []txtypes.TxInput{{SpentTxid: "parent"}},
		Outputs: []txtypes.TxOutput{{Payload: payload}},
	}
	Classify(&tx, config.Defaults())
	if tx.Kind != txtypes.TxKindContractDeployment {
		t.Fatalf("expected contract_deployment, got %s", tx.Kind)
	}
	if tx.DeploySalt != salt {
		t.Errorf("salt mismatch")
	}
	if string(tx.DeployBytecode) != string(bytecode) {
		t.Errorf("bytecode mismatch")
	}
}

func TestClassify_EpochSubmission(t *testing.T) {
	var targetHash [20]byte
	var salt [32]byte
	var pubKey [32]byte
	salt[0] = 0x22
	pubKey[0] = 0x33
	graffiti := []byte("hello")

	payload := make([]byte, 0, 126+len(graffiti))
	payload = append(payload, envelopeVersionSubmission)
	epochBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBuf, 5)
	payload = append(payload, epochBuf...)
	payload = append(payload, targetHash[:]...)
	payload = append(payload, salt[:]...)
	payload = append(payload, pubKey[:]...)
	payload = append(payload, byte(len(graffiti)))
	payload = append(payload, graffiti...)

	tx := txtypes.Transaction{
		Inputs:  []txtypes.TxInput{{SpentTxid: "parent"}},
		Outputs: []txtypes.TxOutput{{Payload: payload}},
	}
	Classify(&tx, config.Defaults())
	if tx.Kind != txtypes.TxKindEpochSubmission {
		t.Fatalf("expected epoch_submission, got %s", tx.Kind)
	}
	if tx.Submission == nil || tx.Submission.EpochNumber != 5 {
		t.Fatalf("submission not decoded correctly: %+v", tx.Submission)
	}
	if tx.Submission.Salt != salt || tx.Submission.PublicKey != pubKey {
		t.Errorf("salt/pubkey mismatch")
	}
	if string(tx.Submission.Graffiti) != string(graffiti) {
		t.Errorf("graffiti mismatch")
	}
}

func TestClassify_SubmissionGraffitiTooLongFallsBackToGeneric(t *testing.T) {
	cfg := config.Defaults()
	cfg.GraffitiLength = 2

	var targetHash [20]byte
	var salt [32]byte
	var pubKey [32]byte
	graffiti := []byte("too-long-graffiti")

	payload := make([]byte, 0, 126+len(graffiti))
	payload = append(payload, envelopeVersionSubmission)
	epochBuf := make([]byte, 8)
	payload = append(payload, epochBuf...)
	payload = append(payload, targetHash[:]...)
	payload = append(payload, salt[:]...)
	payload = append(payload, pubKey[:]...)
	payload = append(payload, byte(len(graffiti)))
	payload = append(payload, graffiti...)

	tx := txtypes.Transaction{
		Inputs:  []txtypes.TxInput{{SpentTxid: "parent"}},
		Outputs: []txtypes.TxOutput{{Payload: payload}},
	}
	Classify(&tx, cfg)
	if tx.Kind != txtypes.TxKindGeneric {
		t.Fatalf("expected generic fallback for malformed submission, got %s", tx.Kind)
	}
}
