// Package contracthost implements the deterministic contract execution
// host of spec §4.6: the host ABI a WebAssembly guest observes (Load,
// Store, Call, DeployAt, AccountType, BlockHash, Log, Gas), backed by
// github.com/tetratelabs/wazero as the embeddable WASM runtime.
package contracthost

import (
	"context"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/l2indexer/node/pkg/config"
	"github.com/l2indexer/node/pkg/nodeerrors"
	"github.com/l2indexer/node/pkg/storage"
	"github.com/l2indexer/node/pkg/txtypes"
)

// Host implements blockproc.Executor: the contract-impacting transaction
// executor wired into the block processor.
type Host struct {
	cfg     *config.ConsensusConfig
	storage storage.Adapter
	logger  *log.Logger
}

// Config carries the host's own overridable collaborators.
type Config struct {
	Logger *log.Logger
}

// DefaultConfig mirrors the teacher's Default*Config constructor style.
func DefaultConfig() *Config {
	return &Config{Logger: log.New(log.Writer(), "[contracthost] ", log.LstdFlags)}
}

// New builds a Host from its collaborators.
func New(cfg *config.ConsensusConfig, adapter storage.Adapter, ccfg *Config) (*Host, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
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
	return &Host{cfg: cfg, storage: adapter, logger: ccfg.Logger}, nil
}

// execState is the per-transaction mutable state threaded through every
// host callback invocation, including nested Call frames.
type execState struct {
	ctx       context.Context
	header    *txtypes.BlockHeader
	txid      string
	txIndex   int
	stack     callStack
	overlays  []*overlay // one per stack depth, innermost last
	gas       *gasMeter
	logs      []storage.Log
	deployed  []txtypes.Contract
	readCache map[pointerKey]txtypes.Hash32
}

func (s *execState) currentOverlay() *overlay { return s.overlays[len(s.overlays)-1] }

// Execute runs a single contract-impacting transaction to completion and
// returns its receipt, committed pointer writes, and any newly deployed
// contracts. A Revert discards the overlay but still reports gas used.
func (h *Host) Execute(ctx context.Context, header *txtypes.BlockHeader, tx *txtypes.Transaction, txIndex int) (storage.Receipt, []txtypes.PointerRecord, []txtypes.Contract, error) {
	budget := newGasMeter(tx.BurnedFee, h.cfg.SatToGas, h.cfg.GasLimitPerTx)
	limit := budget.remaining

	state := &execState{
		ctx:       ctx,
		header:    header,
		txid:      tx.Txid,
		txIndex:   txIndex,
		overlays:  []*overlay{newOverlay()},
		gas:       budget,
		readCache: map[pointerKey]txtypes.Hash32{},
	}

	// Every failure mode named by §4.6 — OutOfGas, CallDepthExceeded,
	// Revert, UnknownContract, InvalidBytecode, InvalidStorageAccess — is a
	// transaction-local failure: the overlay is discarded, gas already
	// spent stays charged, and a receipt is still produced. A bare Go
	// error return from Execute is reserved for a call with a transaction
	// kind that is not contract-impacting; everything else becomes a
	// Reverted receipt with a descriptive reason, converged here rather
	// than re-deriving the same branch at every call site.
	reject := func(reason error) (storage.Receipt, []txtypes.PointerRecord, []txtypes.Contract, error) {
		return storage.Receipt{Reverted: true, RevertReason: reason.Error(), GasUsed: state.gas.used(limit)}, nil, nil, nil
	}

	var target [20]byte
	var bytecode []byte
	var calldata []byte

	switch tx.Kind {
	case txtypes.TxKindContractInteraction:
		target = tx.ContractAddress
		calldata = tx.Calldata
		contract, err := h.storage.GetContract(ctx, target, header.Height)
		if err != nil {
			return reject(fmt.Errorf("%w: %s", nodeerrors.ErrUnknownContract, tx.Txid))
		}
		bytecode = contract.Bytecode
	case txtypes.TxKindContractDeployment:
		deployer := pseudoDeployer(tx.Txid)
		addr, err := deployAddress(deployer, tx.DeploySalt, tx.DeployBytecode)
		if err != nil {
			return reject(err)
		}
		target = addr
		bytecode = tx.DeployBytecode
		calldata = nil
		state.deployed = append(state.deployed, txtypes.Contract{
			Address:        addr,
			Bytecode:       tx.DeployBytecode,
			Deployer:       deployer,
			DeploymentTxid: tx.Txid,
			Salt:           tx.DeploySalt,
			DeployedAt:     header.Height,
		})
	default:
		return storage.Receipt{}, nil, nil, fmt.Errorf("contracthost.Execute called for non-contract-impacting kind %q", tx.Kind)
	}

	state.stack.push(target)

	rt := newWazeroRuntime(ctx)
	defer rt.close(ctx)

	if _, err := rt.run(ctx, bytecode, calldata, h.callbacksFor(state, target)); err != nil {
		return reject(err)
	}

	receipt := storage.Receipt{GasUsed: state.gas.used(limit), Logs: state.logs}
	writes := make([]txtypes.PointerRecord, 0, len(state.currentOverlay().writes))
	for k, v := range state.currentOverlay().writes {
		writes = append(writes, txtypes.PointerRecord{Contract: k.contract, Pointer: k.pointer, Value: v, Height: header.Height})
	}
	addrs := make([][20]byte, len(state.deployed))
	for i, c := range state.deployed {
		addrs[i] = c.Address
	}
	receipt.DeployedContracts = addrs
	return receipt, writes, state.deployed, nil
}

// callbacksFor binds the host ABI to a specific call frame's contract
// address, closing over the shared execState.
func (h *Host) callbacksFor(state *execState, self [20]byte) hostCallbacks {
	return hostCallbacks{
		load: func(pointer [32]byte) ([32]byte, error) {
			if v, ok := state.currentOverlay().get(self, pointer); ok {
				return v, nil
			}
			key := pointerKey{self, pointer}
			if v, ok := state.readCache[key]; ok {
				return v, nil
			}
			v, err := h.storage.GetPointer(state.ctx, self, pointer, state.header.Height)
			if err != nil {
				return txtypes.Hash32{}, nodeerrors.ErrInvalidStorageAccess
			}
			state.readCache[key] = v
			return v, nil
		},
		store: func(pointer, value [32]byte) error {
			state.currentOverlay().set(self, pointer, value)
			return nil
		},
		call: func(target [20]byte, calldata []byte) ([]byte, error) {
			if state.stack.depth() >= h.cfg.CallDepthMax {
				return nil, nodeerrors.ErrCallDepthExceeded
			}
			contract, err := h.storage.GetContract(state.ctx, target, state.header.Height)
			if err != nil {
				return nil, nodeerrors.ErrUnknownContract
			}

			state.stack.push(target)
			state.overlays = append(state.overlays, newOverlay())
			defer func() {
				state.stack.pop()
			}()

			rt := newWazeroRuntime(state.ctx)
			defer rt.close(state.ctx)

			out, err := rt.run(state.ctx, contract.Bytecode, calldata, h.callbacksFor(state, target))
			child := state.overlays[len(state.overlays)-1]
			state.overlays = state.overlays[:len(state.overlays)-1]

			if err != nil {
				// Nested frame's overlay is discarded on revert; gas
				// already charged against the shared state.gas stays
				// spent. The calling contract observes the failure via
				// this returned error and decides whether to propagate it.
				return nil, err
			}
			state.currentOverlay().merge(child)
			return out, nil
		},
		deployAt: func(bytecode []byte, salt [32]byte) ([20]byte, error) {
			if state.stack.deployDepth >= h.cfg.DeployDepthMax {
				return [20]byte{}, nodeerrors.ErrDeployDepthExceeded
			}
			addr, err := deployAddress(self, salt, bytecode)
			if err != nil {
				return [20]byte{}, err
			}
			state.stack.deployDepth++
			state.deployed = append(state.deployed, txtypes.Contract{
				Address:        addr,
				Bytecode:       bytecode,
				Deployer:       self,
				DeploymentTxid: state.txid,
				Salt:           salt,
				DeployedAt:     state.header.Height,
			})
			return addr, nil
		},
		accountType: func(address [20]byte) (uint32, error) {
			if _, err := h.storage.GetContract(state.ctx, address, state.header.Height); err == nil {
				return 1, nil // contract account
			}
			return 0, nil // non-contract (base-chain) account
		},
		blockHash: func(height uint64) ([32]byte, error) {
			if height > state.header.Height {
				return [32]byte{}, nodeerrors.ErrInvalidStorageAccess
			}
			hdr, err := h.storage.GetHeader(state.ctx, height)
			if err != nil {
				return [32]byte{}, nodeerrors.ErrInvalidStorageAccess
			}
			return hdr.Hash, nil
		},
		log: func(topics [][]byte, data []byte) {
			state.logs = append(state.logs, storage.Log{Contract: self, Topics: topics, Data: data})
		},
		gas: func(amount int64) error {
			// Unlike Call/DeployAt (whose failures the calling contract is
			// expected to observe via the returned status code), gas
			// exhaustion must abort unconditionally — the host, not the
			// guest's bytecode, enforces the budget. Panicking here
			// unwinds the current guest call entirely; wazero surfaces it
			// as the error returned from the runtime's Call.
			if err := state.gas.charge(amount); err != nil {
				panic(err)
			}
			return nil
		},
	}
}

// deployAddress derives a deterministic contract address from
// (deployer, salt, bytecode_hash), per §4.6 DeployAt. The derivation follows
// the CREATE2 shape (deployer ‖ salt ‖ keccak256(bytecode)), keccak-hashed
// down to a 20-byte address the same way the teacher's pkg/ethereum client
// treats contract addresses.
func deployAddress(deployer [20]byte, salt [32]byte, bytecode []byte) ([20]byte, error) {
	if len(bytecode) == 0 {
		return [20]byte{}, nodeerrors.ErrInvalidBytecode
	}
	bytecodeHash := crypto.Keccak256Hash(bytecode)
	preimage := make([]byte, 0, 20+32+32)
	preimage = append(preimage, deployer[:]...)
	preimage = append(preimage, salt[:]...)
	preimage = append(preimage, bytecodeHash.Bytes()...)
	return [20]byte(common.BytesToAddress(crypto.Keccak256(preimage))), nil
}

// pseudoDeployer stands in for the "deployer" identity of a top-level
// deployment transaction. The base chain has no account model, only
// UTXO-spending transactions, so there is no native sender address to
// reuse; a transaction's own txid is keccak-hashed down to 20 bytes instead,
// giving every deployment transaction a unique, deterministic deployer
// identity without inventing an account system.
func pseudoDeployer(txid string) [20]byte {
	return [20]byte(common.BytesToAddress(crypto.Keccak256([]byte(txid))))
}
