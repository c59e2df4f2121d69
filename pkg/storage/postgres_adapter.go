package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/l2indexer/node/pkg/nodeerrors"
	"github.com/l2indexer/node/pkg/txtypes"
)

// PostgresAdapter implements Adapter using a Postgres-backed Client for the
// typed relational collections and a PointerStore (cometbft-db) for the
// height-indexed pointer overlay.
type PostgresAdapter struct {
	client  *Client
	pointers *PointerStore
}

// NewPostgresAdapter composes the two storage backends into one Adapter.
func NewPostgresAdapter(client *Client, pointers *PointerStore) *PostgresAdapter {
	return &PostgresAdapter{client: client, pointers: pointers}
}

// ---- Headers ----

func (a *PostgresAdapter) GetHeader(ctx context.Context, height uint64) (*txtypes.BlockHeader, error) {
	row := a.client.DB().QueryRowContext(ctx, `
		SELECT hash, previous_block_hash, merkle_root, state_root, receipt_root,
		       checksum_root, previous_block_checksum, median_time
		FROM block_headers WHERE height = $1`, int64(height))

	var hash, prevHash, merkleRoot, stateRoot, receiptRoot, checksumRoot, prevChecksum []byte
	var medianTime int64
	if err := row.Scan(&hash, &prevHash, &merkleRoot, &stateRoot, &receiptRoot, &checksumRoot, &prevChecksum, &medianTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: height %d", nodeerrors.ErrHeaderMissing, height)
		}
		return nil, fmt.Errorf("get header %d: %w", height, err)
	}

	h := &txtypes.BlockHeader{Height: height, MedianTime: medianTime}
	copy(h.Hash[:], hash)
	copy(h.PreviousBlockHash[:], prevHash)
	copy(h.MerkleRoot[:], merkleRoot)
	copy(h.StateRoot[:], stateRoot)
	copy(h.ReceiptRoot[:], receiptRoot)
	copy(h.ChecksumRoot[:], checksumRoot)
	copy(h.PreviousBlockChecksum[:], prevChecksum)
	return h, nil
}

func (a *PostgresAdapter) PutHeader(ctx context.Context, header *txtypes.BlockHeader, proofs map[int][][]byte) error {
	proofsJSON, err := json.Marshal(proofs)
	if err != nil {
		return fmt.Errorf("marshal checksum proofs: %w", err)
	}
	_, err = a.client.DB().ExecContext(ctx, `
		INSERT INTO block_headers
			(height, hash, previous_block_hash, merkle_root, state_root, receipt_root,
			 checksum_root, previous_block_checksum, median_time, checksum_proofs)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (height) DO UPDATE SET
			hash=EXCLUDED.hash, previous_block_hash=EXCLUDED.previous_block_hash,
			merkle_root=EXCLUDED.merkle_root, state_root=EXCLUDED.state_root,
			receipt_root=EXCLUDED.receipt_root, checksum_root=EXCLUDED.checksum_root,
			previous_block_checksum=EXCLUDED.previous_block_checksum,
			median_time=EXCLUDED.median_time, checksum_proofs=EXCLUDED.checksum_proofs`,
		int64(header.Height), header.Hash[:], header.PreviousBlockHash[:], header.MerkleRoot[:],
		header.StateRoot[:], header.ReceiptRoot[:], header.ChecksumRoot[:],
		header.PreviousBlockChecksum[:], header.MedianTime, proofsJSON)
	if err != nil {
		return fmt.Errorf("put header %d: %w", header.Height, err)
	}
	return nil
}

// ---- Transactions ----

func (a *PostgresAdapter) GetTransactions(ctx context.Context, height uint64) ([]txtypes.Transaction, error) {
	rows, err := a.client.DB().QueryContext(ctx, `
		SELECT txid, block_hash, indexing_hash, kind, tx_index, burned_fee, priority_fee,
		       raw, inputs, outputs
		FROM transactions WHERE block_height = $1 ORDER BY tx_index`, int64(height))
	if err != nil {
		return nil, fmt.Errorf("get transactions for height %d: %w", height, err)
	}
	defer rows.Close()

	var out []txtypes.Transaction
	for rows.Next() {
		var tx txtypes.Transaction
		var blockHash, indexingHash []byte
		var inputsJSON, outputsJSON []byte
		var kind string
		if err := rows.Scan(&tx.Txid, &blockHash, &indexingHash, &kind, &tx.Index,
			&tx.BurnedFee, &tx.PriorityFee, &tx.Raw, &inputsJSON, &outputsJSON); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		copy(tx.BlockHash[:], blockHash)
		copy(tx.IndexingHash[:], indexingHash)
		tx.Kind = txtypes.TxKind(kind)
		if err := json.Unmarshal(inputsJSON, &tx.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
		if err := json.Unmarshal(outputsJSON, &tx.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshal outputs: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (a *PostgresAdapter) PutTransactions(ctx context.Context, height uint64, txs []txtypes.Transaction, receipts []Receipt) error {
	if len(txs) != len(receipts) {
		return fmt.Errorf("transactions/receipts length mismatch: %d vs %d", len(txs), len(receipts))
	}

	tx, err := a.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx commit: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE block_height = $1`, int64(height)); err != nil {
		return fmt.Errorf("clear existing transactions: %w", err)
	}

	for i, t := range txs {
		inputsJSON, err := json.Marshal(t.Inputs)
		if err != nil {
			return fmt.Errorf("marshal inputs: %w", err)
		}
		outputsJSON, err := json.Marshal(t.Outputs)
		if err != nil {
			return fmt.Errorf("marshal outputs: %w", err)
		}
		receiptJSON, err := json.Marshal(receipts[i])
		if err != nil {
			return fmt.Errorf("marshal receipt: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transactions
				(txid, block_height, block_hash, indexing_hash, kind, tx_index,
				 burned_fee, priority_fee, raw, inputs, outputs, receipt)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			t.Txid, int64(height), t.BlockHash[:], t.IndexingHash[:], string(t.Kind), t.Index,
			t.BurnedFee, t.PriorityFee, t.Raw, inputsJSON, outputsJSON, receiptJSON)
		if err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.Txid, err)
		}
	}

	return tx.Commit()
}

// ---- Contracts ----

func (a *PostgresAdapter) GetContract(ctx context.Context, address [20]byte, atHeight uint64) (*txtypes.Contract, error) {
	row := a.client.DB().QueryRowContext(ctx, `
		SELECT bytecode, deployer, deployment_txid, seed, salt, deployed_at
		FROM contracts WHERE address = $1 AND deployed_at <= $2`, address[:], int64(atHeight))

	c := &txtypes.Contract{Address: address}
	var deployer, seed, salt []byte
	if err := row.Scan(&c.Bytecode, &deployer, &c.DeploymentTxid, &seed, &salt, &c.DeployedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nodeerrors.ErrUnknownContract
		}
		return nil, fmt.Errorf("get contract: %w", err)
	}
	copy(c.Deployer[:], deployer)
	copy(c.Seed[:], seed)
	copy(c.Salt[:], salt)
	return c, nil
}

func (a *PostgresAdapter) PutContract(ctx context.Context, c *txtypes.Contract) error {
	_, err := a.client.DB().ExecContext(ctx, `
		INSERT INTO contracts (address, bytecode, deployer, deployment_txid, seed, salt, deployed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (address) DO NOTHING`,
		c.Address[:], c.Bytecode, c.Deployer[:], c.DeploymentTxid, c.Seed[:], c.Salt[:], int64(c.DeployedAt))
	if err != nil {
		return fmt.Errorf("put contract: %w", err)
	}
	return nil
}

// ---- Pointer storage ----

func (a *PostgresAdapter) GetPointer(ctx context.Context, address [20]byte, pointer txtypes.Hash32, atHeight uint64) (txtypes.Hash32, error) {
	return a.pointers.Get(address, pointer, atHeight)
}

func (a *PostgresAdapter) PutPointer(ctx context.Context, address [20]byte, pointer, value txtypes.Hash32, atHeight uint64) error {
	return a.pointers.Put(address, pointer, value, atHeight)
}

// ---- Witnesses ----

func (a *PostgresAdapter) PutWitness(ctx context.Context, w *txtypes.BlockWitness) error {
	_, err := a.client.DB().ExecContext(ctx, `
		INSERT INTO block_witnesses (block_number, public_key, checksum_root, signature, "timestamp")
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (block_number, public_key) DO NOTHING`,
		int64(w.BlockNumber), []byte(w.PublicKey), w.ChecksumRoot[:], w.Signature, w.Timestamp)
	if err != nil {
		return fmt.Errorf("put witness: %w", err)
	}
	return nil
}

func (a *PostgresAdapter) GetWitnessesForRange(ctx context.Context, start, end uint64, cap int) ([]txtypes.BlockWitness, error) {
	rows, err := a.client.DB().QueryContext(ctx, `
		SELECT block_number, public_key, checksum_root, signature, "timestamp",
		       attestation_proof, attestation_index
		FROM block_witnesses WHERE block_number BETWEEN $1 AND $2
		ORDER BY "timestamp" DESC LIMIT $3`, int64(start), int64(end), cap)
	if err != nil {
		return nil, fmt.Errorf("get witnesses for range: %w", err)
	}
	defer rows.Close()

	var out []txtypes.BlockWitness
	for rows.Next() {
		var w txtypes.BlockWitness
		var pubKey, checksumRoot []byte
		var proofJSON []byte
		if err := rows.Scan(&w.BlockNumber, &pubKey, &checksumRoot, &w.Signature, &w.Timestamp,
			&proofJSON, &w.AttestationIndex); err != nil {
			return nil, fmt.Errorf("scan witness: %w", err)
		}
		w.PublicKey = pubKey
		copy(w.ChecksumRoot[:], checksumRoot)
		if len(proofJSON) > 0 {
			if err := json.Unmarshal(proofJSON, &w.AttestationProof); err != nil {
				return nil, fmt.Errorf("unmarshal attestation proof: %w", err)
			}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWitnessProofs persists each witness's post-finalization
// AttestationProof/AttestationIndex (§4.7 step 7) back onto its stored row.
func (a *PostgresAdapter) UpdateWitnessProofs(ctx context.Context, witnesses []txtypes.BlockWitness) error {
	tx, err := a.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin witness proof update: %w", err)
	}
	defer tx.Rollback()

	for _, w := range witnesses {
		proofJSON, err := json.Marshal(w.AttestationProof)
		if err != nil {
			return fmt.Errorf("marshal attestation proof: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE block_witnesses SET attestation_proof = $1, attestation_index = $2
			WHERE block_number = $3 AND public_key = $4`,
			proofJSON, w.AttestationIndex, int64(w.BlockNumber), []byte(w.PublicKey)); err != nil {
			return fmt.Errorf("update witness proof: %w", err)
		}
	}
	return tx.Commit()
}

// ---- Epoch submissions ----

func (a *PostgresAdapter) PutSubmission(ctx context.Context, s *txtypes.EpochSubmission) error {
	_, err := a.client.DB().ExecContext(ctx, `
		INSERT INTO epoch_submissions
			(epoch_number, public_key, salt, solution_hash, graffiti, submission_txid, confirmation_height)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (epoch_number, public_key, salt) DO NOTHING`,
		int64(s.EpochNumber), s.PublicKey[:], s.Salt[:], s.SolutionHash[:], s.Graffiti,
		s.SubmissionTxid, int64(s.ConfirmationHeight))
	if err != nil {
		return fmt.Errorf("put submission: %w", err)
	}
	return nil
}

func (a *PostgresAdapter) GetSubmissionsForEpoch(ctx context.Context, epochNumber uint64) ([]txtypes.EpochSubmission, error) {
	rows, err := a.client.DB().QueryContext(ctx, `
		SELECT public_key, salt, solution_hash, graffiti, submission_txid, confirmation_height
		FROM epoch_submissions WHERE epoch_number = $1`, int64(epochNumber))
	if err != nil {
		return nil, fmt.Errorf("get submissions for epoch %d: %w", epochNumber, err)
	}
	defer rows.Close()

	var out []txtypes.EpochSubmission
	for rows.Next() {
		s := txtypes.EpochSubmission{EpochNumber: epochNumber}
		var pubKey, salt, solutionHash []byte
		if err := rows.Scan(&pubKey, &salt, &solutionHash, &s.Graffiti, &s.SubmissionTxid, &s.ConfirmationHeight); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		copy(s.PublicKey[:], pubKey)
		copy(s.Salt[:], salt)
		copy(s.SolutionHash[:], solutionHash)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---- Epochs ----

func (a *PostgresAdapter) PutEpoch(ctx context.Context, e *txtypes.Epoch) error {
	proofJSON, err := json.Marshal(e.EpochDataProof)
	if err != nil {
		return fmt.Errorf("marshal epoch data proof: %w", err)
	}
	attestationsJSON, err := json.Marshal(e.Attestations)
	if err != nil {
		return fmt.Errorf("marshal attestations: %w", err)
	}
	_, err = a.client.DB().ExecContext(ctx, `
		INSERT INTO epochs
			(epoch_number, start_block, end_block, state, target, target_hash,
			 winner_public_key, winner_salt, winner_solution_hash, winner_graffiti,
			 winner_matching_bits, winner_is_genesis, attested_epoch_number,
			 attested_checksum_root, previous_epoch_hash, epoch_root, epoch_hash,
			 epoch_data_proof, attestations)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (epoch_number) DO UPDATE SET
			state=EXCLUDED.state, winner_public_key=EXCLUDED.winner_public_key,
			winner_salt=EXCLUDED.winner_salt, winner_solution_hash=EXCLUDED.winner_solution_hash,
			winner_graffiti=EXCLUDED.winner_graffiti, winner_matching_bits=EXCLUDED.winner_matching_bits,
			winner_is_genesis=EXCLUDED.winner_is_genesis, previous_epoch_hash=EXCLUDED.previous_epoch_hash,
			epoch_root=EXCLUDED.epoch_root, epoch_hash=EXCLUDED.epoch_hash,
			epoch_data_proof=EXCLUDED.epoch_data_proof, attestations=EXCLUDED.attestations`,
		int64(e.EpochNumber), int64(e.StartBlock), int64(e.EndBlock), string(e.State),
		e.Target[:], e.TargetHash[:], e.Winner.PublicKey[:], e.Winner.Salt[:],
		e.Winner.SolutionHash[:], e.Winner.Graffiti, e.Winner.MatchingBits, e.Winner.IsGenesis,
		int64(e.AttestedEpochNumber), e.AttestedChecksumRoot[:], e.PreviousEpochHash[:],
		e.EpochRoot[:], e.EpochHash[:], proofJSON, attestationsJSON)
	if err != nil {
		return fmt.Errorf("put epoch %d: %w", e.EpochNumber, err)
	}
	return nil
}

func (a *PostgresAdapter) GetEpochByNumber(ctx context.Context, epochNumber uint64) (*txtypes.Epoch, error) {
	row := a.client.DB().QueryRowContext(ctx, `
		SELECT start_block, end_block, state, target, target_hash,
		       winner_public_key, winner_salt, winner_solution_hash, winner_graffiti,
		       winner_matching_bits, winner_is_genesis, attested_epoch_number,
		       attested_checksum_root, previous_epoch_hash, epoch_root, epoch_hash,
		       epoch_data_proof, attestations
		FROM epochs WHERE epoch_number = $1`, int64(epochNumber))

	e := &txtypes.Epoch{EpochNumber: epochNumber}
	var state string
	var target, targetHash, winnerPubKey, winnerSalt, winnerSolutionHash, attestedChecksumRoot, previousEpochHash, epochRoot, epochHash []byte
	var proofJSON, attestationsJSON []byte
	if err := row.Scan(&e.StartBlock, &e.EndBlock, &state, &target, &targetHash,
		&winnerPubKey, &winnerSalt, &winnerSolutionHash, &e.Winner.Graffiti,
		&e.Winner.MatchingBits, &e.Winner.IsGenesis, &e.AttestedEpochNumber,
		&attestedChecksumRoot, &previousEpochHash, &epochRoot, &epochHash, &proofJSON, &attestationsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: epoch %d", nodeerrors.ErrEpochMissing, epochNumber)
		}
		return nil, fmt.Errorf("get epoch %d: %w", epochNumber, err)
	}
	e.State = txtypes.EpochState(state)
	copy(e.Target[:], target)
	copy(e.TargetHash[:], targetHash)
	copy(e.Winner.PublicKey[:], winnerPubKey)
	copy(e.Winner.Salt[:], winnerSalt)
	copy(e.Winner.SolutionHash[:], winnerSolutionHash)
	copy(e.AttestedChecksumRoot[:], attestedChecksumRoot)
	copy(e.PreviousEpochHash[:], previousEpochHash)
	copy(e.EpochRoot[:], epochRoot)
	copy(e.EpochHash[:], epochHash)
	if err := json.Unmarshal(proofJSON, &e.EpochDataProof); err != nil {
		return nil, fmt.Errorf("unmarshal epoch data proof: %w", err)
	}
	if err := json.Unmarshal(attestationsJSON, &e.Attestations); err != nil {
		return nil, fmt.Errorf("unmarshal attestations: %w", err)
	}
	return e, nil
}

func (a *PostgresAdapter) DeleteTargetEpochsBefore(ctx context.Context, epochNumber uint64) error {
	_, err := a.client.DB().ExecContext(ctx, `
		DELETE FROM epochs WHERE epoch_number < $1 AND state = $2`,
		int64(epochNumber), string(txtypes.EpochPersisted))
	if err != nil {
		return fmt.Errorf("delete target epochs before %d: %w", epochNumber, err)
	}
	return nil
}

// ---- IBD checkpoint ----

func (a *PostgresAdapter) GetCheckpoint(ctx context.Context) (*txtypes.IBDCheckpoint, error) {
	row := a.client.DB().QueryRowContext(ctx, `
		SELECT phase, original_start, last_completed, target, "timestamp",
		       completed_ranges, last_finalized_epoch
		FROM ibd_checkpoint WHERE id = 1`)

	cp := &txtypes.IBDCheckpoint{}
	var phase string
	var rangesJSON []byte
	if err := row.Scan(&phase, &cp.OriginalStart, &cp.LastCompleted, &cp.Target, &cp.Timestamp,
		&rangesJSON, &cp.LastFinalizedEpoch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.Phase = txtypes.IBDPhase(phase)
	if err := json.Unmarshal(rangesJSON, &cp.CompletedRanges); err != nil {
		return nil, fmt.Errorf("unmarshal completed ranges: %w", err)
	}
	return cp, nil
}

func (a *PostgresAdapter) PutCheckpoint(ctx context.Context, cp *txtypes.IBDCheckpoint) error {
	rangesJSON, err := json.Marshal(cp.CompletedRanges)
	if err != nil {
		return fmt.Errorf("marshal completed ranges: %w", err)
	}
	ts := cp.Timestamp
	if ts.IsZero() {
		ts = time.Unix(0, 0).UTC()
	}
	_, err = a.client.DB().ExecContext(ctx, `
		INSERT INTO ibd_checkpoint (id, phase, original_start, last_completed, target, "timestamp", completed_ranges, last_finalized_epoch)
		VALUES (1, $1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			phase=EXCLUDED.phase, original_start=EXCLUDED.original_start,
			last_completed=EXCLUDED.last_completed, target=EXCLUDED.target,
			"timestamp"=EXCLUDED."timestamp", completed_ranges=EXCLUDED.completed_ranges,
			last_finalized_epoch=EXCLUDED.last_finalized_epoch`,
		string(cp.Phase), int64(cp.OriginalStart), int64(cp.LastCompleted), int64(cp.Target),
		ts, rangesJSON, int64(cp.LastFinalizedEpoch))
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

func (a *PostgresAdapter) DeleteCheckpoint(ctx context.Context) error {
	_, err := a.client.DB().ExecContext(ctx, `DELETE FROM ibd_checkpoint WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// ---- Reorg support ----

func (a *PostgresAdapter) RewindAbove(ctx context.Context, keepHeight uint64) error {
	tx, err := a.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rewind: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM block_headers WHERE height > $1`, int64(keepHeight)); err != nil {
		return fmt.Errorf("rewind headers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE block_height > $1`, int64(keepHeight)); err != nil {
		return fmt.Errorf("rewind transactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM block_witnesses WHERE block_number > $1`, int64(keepHeight)); err != nil {
		return fmt.Errorf("rewind witnesses: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contracts WHERE deployed_at > $1`, int64(keepHeight)); err != nil {
		return fmt.Errorf("rewind contracts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM epoch_submissions WHERE confirmation_height > $1`, int64(keepHeight)); err != nil {
		return fmt.Errorf("rewind epoch submissions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	return a.pointers.DeleteAbove(keepHeight)
}
