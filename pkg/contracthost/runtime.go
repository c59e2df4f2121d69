package contracthost

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/l2indexer/node/pkg/nodeerrors"
)

// hostCallbacks is the set of pure, deterministic functions a compiled
// guest module may invoke (§4.6). Every callback communicates through
// explicit byte buffers in the guest's own linear memory — the host never
// shares memory directly with the guest (§6 "Host ABI boundary to WASM").
type hostCallbacks struct {
	load        func(pointer [32]byte) ([32]byte, error)
	store       func(pointer, value [32]byte) error
	call        func(target [20]byte, calldata []byte) ([]byte, error)
	deployAt    func(bytecode []byte, salt [32]byte) ([20]byte, error)
	accountType func(address [20]byte) (uint32, error)
	blockHash   func(height uint64) ([32]byte, error)
	log         func(topics [][]byte, data []byte)
	gas         func(amount int64) error
}

// wazeroRuntime adapts wazero's runtime to the compile/instantiate/call
// shape contracthost needs; it is the §6 "WASM runtime collaborator".
type wazeroRuntime struct {
	runtime wazero.Runtime
}

func newWazeroRuntime(ctx context.Context) *wazeroRuntime {
	return &wazeroRuntime{runtime: wazero.NewRuntime(ctx)}
}

func (w *wazeroRuntime) close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// run compiles bytecode, wires the host module's callbacks, instantiates
// the guest, invokes its "execute" export with calldata, and returns the
// guest's response buffer. Every host function takes/returns an
// (offset, length) pair into the guest's own memory, per the
// message-passing ABI boundary.
func (w *wazeroRuntime) run(ctx context.Context, bytecode []byte, calldata []byte, cb hostCallbacks) ([]byte, error) {
	hostBuilder := w.runtime.NewHostModuleBuilder("env")

	hostBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptrPointer, ptrLen, outPtr uint32) uint32 {
			key, ok := readHash32(mod, ptrPointer, ptrLen)
			if !ok {
				return 1
			}
			val, err := cb.load(key)
			if err != nil {
				return 1
			}
			if !mod.Memory().Write(outPtr, val[:]) {
				return 1
			}
			return 0
		}).
		WithParameterNames("ptr_ptr", "ptr_len", "out_ptr").
		Export("host_load")

	hostBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptrPointer, ptrLen, valPointer, valLen uint32) uint32 {
			key, ok := readHash32(mod, ptrPointer, ptrLen)
			if !ok {
				return 1
			}
			val, ok := readHash32(mod, valPointer, valLen)
			if !ok {
				return 1
			}
			if err := cb.store(key, val); err != nil {
				return 1
			}
			return 0
		}).
		Export("host_store")

	hostBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, targetPtr, targetLen, callPtr, callLen, outPtr, outLen uint32) uint32 {
			target, ok := readAddress(mod, targetPtr, targetLen)
			if !ok {
				return 1
			}
			data, ok := mod.Memory().Read(callPtr, callLen)
			if !ok {
				return 1
			}
			ret, err := cb.call(target, append([]byte(nil), data...))
			if err != nil {
				return 1
			}
			if uint32(len(ret)) > outLen || !mod.Memory().Write(outPtr, ret) {
				return 1
			}
			return 0
		}).
		Export("host_call")

	hostBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, codePtr, codeLen, saltPtr, saltLen, outPtr uint32) uint32 {
			code, ok := mod.Memory().Read(codePtr, codeLen)
			if !ok {
				return 1
			}
			salt, ok := readHash32(mod, saltPtr, saltLen)
			if !ok {
				return 1
			}
			addr, err := cb.deployAt(append([]byte(nil), code...), salt)
			if err != nil {
				return 1
			}
			if !mod.Memory().Write(outPtr, addr[:]) {
				return 1
			}
			return 0
		}).
		Export("host_deploy_at")

	hostBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, addrPtr, addrLen uint32) uint32 {
			addr, ok := readAddress(mod, addrPtr, addrLen)
			if !ok {
				return 0
			}
			kind, err := cb.accountType(addr)
			if err != nil {
				return 0
			}
			return kind
		}).
		Export("host_account_type")

	hostBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, height uint64, outPtr uint32) uint32 {
			h, err := cb.blockHash(height)
			if err != nil {
				return 1
			}
			if !mod.Memory().Write(outPtr, h[:]) {
				return 1
			}
			return 0
		}).
		Export("host_block_hash")

	hostBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, topicsPtr, topicsLen, dataPtr, dataLen uint32) {
			raw, ok := mod.Memory().Read(topicsPtr, topicsLen)
			if !ok {
				return
			}
			topics := decodeTopics(raw)
			data, ok := mod.Memory().Read(dataPtr, dataLen)
			if !ok {
				return
			}
			cb.log(topics, append([]byte(nil), data...))
		}).
		Export("host_log")

	hostBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, amount uint64) uint32 {
			if err := cb.gas(int64(amount)); err != nil {
				return 1
			}
			return 0
		}).
		Export("host_gas")

	env, err := hostBuilder.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	defer env.Close(ctx)

	compiled, err := w.runtime.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.KindExecution, err, "invalid bytecode")
	}
	defer compiled.Close(ctx)

	guest, err := w.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, nodeerrors.Wrap(nodeerrors.KindExecution, err, "instantiate guest module")
	}
	defer guest.Close(ctx)

	execute := guest.ExportedFunction("execute")
	if execute == nil {
		return nil, nodeerrors.ErrInvalidBytecode
	}

	mem := guest.Memory()
	callPtr, callLen := uint32(0), uint32(len(calldata))
	if callLen > 0 {
		if !mem.Write(callPtr, calldata) {
			return nil, fmt.Errorf("write calldata into guest memory")
		}
	}

	results, err := execute.Call(ctx, uint64(callPtr), uint64(callLen))
	if err != nil {
		return nil, &nodeerrors.Revert{Reason: err.Error()}
	}
	if len(results) < 2 {
		return nil, nil
	}
	outPtr, outLen := uint32(results[0]), uint32(results[1])
	ret, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("read return buffer from guest memory")
	}
	return append([]byte(nil), ret...), nil
}

func readHash32(mod api.Module, ptr, length uint32) ([32]byte, bool) {
	var out [32]byte
	b, ok := mod.Memory().Read(ptr, length)
	if !ok || len(b) != 32 {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

func readAddress(mod api.Module, ptr, length uint32) ([20]byte, bool) {
	var out [20]byte
	b, ok := mod.Memory().Read(ptr, length)
	if !ok || len(b) != 20 {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

// decodeTopics splits a flat buffer of 32-byte topics: a 4-byte
// big-endian count prefix followed by count*32 bytes.
func decodeTopics(raw []byte) [][]byte {
	if len(raw) < 4 {
		return nil
	}
	count := binary.BigEndian.Uint32(raw[:4])
	raw = raw[4:]
	topics := make([][]byte, 0, count)
	for i := uint32(0); i < count && len(raw) >= 32; i++ {
		topics = append(topics, append([]byte(nil), raw[:32]...))
		raw = raw[32:]
	}
	return topics
}
