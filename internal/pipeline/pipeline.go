// Package pipeline runs the ordered multi-step protocols of a session: claim, encrypted deposit
// and balance reveal. Each run holds the session's processing flag for its whole duration.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/ayumi-zama/ayumi/internal/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrInvalidConfig = errors.New("pipeline: invalid config")
	ErrInvalidAmount = errors.New("pipeline: invalid amount")

	// ErrNoBalanceHandle means the wallet has no encrypted balance to reveal yet.
	ErrNoBalanceHandle = errors.New("pipeline: no encrypted balance")
	// ErrMissingValue means the relayer answered without a value for the requested handle.
	ErrMissingValue = errors.New("pipeline: relayer returned no value for handle")
)

// Chain is the subset of *chain.Client the pipelines drive.
type Chain interface {
	Wallet() common.Address
	Portfolio() common.Address
	Claim(ctx context.Context, amount uint64) (chain.TxRef, error)
	Approve(ctx context.Context, spender common.Address, amount uint64) (chain.TxRef, error)
	DepositEncrypted(ctx context.Context, handle common.Hash, proof []byte) (chain.TxRef, error)
	ReadBalanceHandle(ctx context.Context) (common.Hash, error)
}

// TypedDataSigner is the wallet's EIP-712 signing surface.
type TypedDataSigner interface {
	Address() common.Address
	SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error)
}

var _ Chain = (*chain.Client)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
