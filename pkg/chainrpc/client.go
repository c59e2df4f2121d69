// Package chainrpc defines the Base-chain RPC collaborator of spec §6: the
// read-only interface the chain follower and bulk-sync controller use to
// pull headers, blocks, and transactions from the underlying Bitcoin-like
// base chain, plus the transient/fatal error classification they depend on
// to decide whether to retry or abort. No concrete transport is wired
// here — the concrete client (HTTP/JSON-RPC, ZMQ, etc.) is delegated, per
// spec §1/§6 — only the interface and the error-classification helper that
// are shared by every concrete implementation.
package chainrpc

import (
	"context"
	"errors"

	"github.com/l2indexer/node/pkg/txtypes"
)

// Client is the Base-chain RPC collaborator interface of spec §6.
type Client interface {
	GetBlockCount(ctx context.Context) (uint64, error)
	GetBlockHash(ctx context.Context, height uint64) (txtypes.Hash32, error)
	GetBlockHeader(ctx context.Context, hash txtypes.Hash32) (*txtypes.BlockHeader, error)
	GetBlock(ctx context.Context, hash txtypes.Hash32, verbosity int) (*Block, error)
	GetRawTransaction(ctx context.Context, txid string) (*txtypes.Transaction, error)
	SendRawTransaction(ctx context.Context, rawHex string) (string, error)
}

// Block is the base chain's block payload at the requested verbosity; a
// verbosity of 0 leaves Transactions empty (header-only fetch).
type Block struct {
	Header       txtypes.BlockHeader
	Transactions []txtypes.Transaction
}

// ErrorClass classifies a Client error by recovery policy (§6: "Errors are
// classified as transient (timeout, 5xx) or fatal (404, validation)").
type ErrorClass int

const (
	ErrorClassUnknown ErrorClass = iota
	ErrorClassTransient
	ErrorClassFatal
)

// Classify reports whether err should be retried with back-off (transient)
// or treated as a fatal, non-retryable failure. Concrete transports
// implement ClassifiableError so this package stays transport-agnostic.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var ce ClassifiableError
	if errors.As(err, &ce) {
		if ce.Transient() {
			return ErrorClassTransient
		}
		return ErrorClassFatal
	}
	return ErrorClassFatal
}

// ClassifiableError lets a concrete transport's error type declare its own
// recovery policy without this package importing the transport.
type ClassifiableError interface {
	error
	Transient() bool
}

// TransportError is the minimal concrete error shape a transport can use
// directly instead of defining its own ClassifiableError type.
type TransportError struct {
	Op        string
	Err       error
	IsTransient bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Transient() bool { return e.IsTransient }
