package chainrpc

import (
	"context"
	"errors"

	"github.com/l2indexer/node/pkg/txtypes"
)

// FakeClient is a minimal in-memory Client implementation used as a test
// double by this package's own tests and by pkg/chainfollower and
// pkg/ibdsync, which depend on Client but must never open a real
// connection in unit tests.
type FakeClient struct {
	Tip     uint64
	Heights map[uint64]txtypes.Hash32
	Headers map[txtypes.Hash32]*txtypes.BlockHeader
	Blocks  map[txtypes.Hash32]*Block
}

// NewFakeClient returns an empty FakeClient ready for its maps to be
// populated directly by the caller.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Heights: map[uint64]txtypes.Hash32{},
		Headers: map[txtypes.Hash32]*txtypes.BlockHeader{},
		Blocks:  map[txtypes.Hash32]*Block{},
	}
}

func (f *FakeClient) GetBlockCount(context.Context) (uint64, error) { return f.Tip, nil }

func (f *FakeClient) GetBlockHash(_ context.Context, height uint64) (txtypes.Hash32, error) {
	h, ok := f.Heights[height]
	if !ok {
		return txtypes.Hash32{}, &TransportError{Op: "getblockhash", Err: errors.New("not found"), IsTransient: false}
	}
	return h, nil
}

func (f *FakeClient) GetBlockHeader(_ context.Context, hash txtypes.Hash32) (*txtypes.BlockHeader, error) {
	h, ok := f.Headers[hash]
	if !ok {
		return nil, &TransportError{Op: "getblockheader", Err: errors.New("not found"), IsTransient: false}
	}
	return h, nil
}

func (f *FakeClient) GetBlock(_ context.Context, hash txtypes.Hash32, _ int) (*Block, error) {
	b, ok := f.Blocks[hash]
	if !ok {
		return nil, &TransportError{Op: "getblock", Err: errors.New("not found"), IsTransient: false}
	}
	return b, nil
}

func (f *FakeClient) GetRawTransaction(context.Context, string) (*txtypes.Transaction, error) {
	return nil, &TransportError{Op: "getrawtransaction", Err: errors.New("not implemented in fake"), IsTransient: false}
}

func (f *FakeClient) SendRawTransaction(context.Context, string) (string, error) {
	return "", &TransportError{Op: "sendrawtransaction", Err: errors.New("not implemented in fake"), IsTransient: false}
}

var _ Client = (*FakeClient)(nil)
