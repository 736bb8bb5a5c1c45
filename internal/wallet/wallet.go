// Package wallet provides the connected wallet: chain selection, the transaction signer, and
// typed-data signatures.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ayumi-zama/ayumi/internal/eth"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrInvalidConfig = errors.New("wallet: invalid config")
	ErrWrongChain    = errors.New("wallet: connected to a different chain")
)

// Session is everything the protocol needs from a connected wallet.
type Session interface {
	Address() common.Address
	SwitchChain(ctx context.Context, chainID uint64) error
	Signer(ctx context.Context) (eth.Signer, error)
	SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error)
}

type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Local is a Session backed by a private key held in process and a single RPC endpoint.
//
// An RPC endpoint serves exactly one chain, so SwitchChain verifies rather than switches.
type Local struct {
	signer *eth.LocalSigner
	rpc    ChainIDReader

	mu      sync.Mutex
	chainID *big.Int
}

func NewLocal(key *ecdsa.PrivateKey, rpc ChainIDReader) (*Local, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", ErrInvalidConfig)
	}
	if rpc == nil {
		return nil, fmt.Errorf("%w: nil rpc", ErrInvalidConfig)
	}
	return &Local{signer: eth.NewLocalSigner(key), rpc: rpc}, nil
}

func (l *Local) Address() common.Address { return l.signer.Address() }

func (l *Local) SwitchChain(ctx context.Context, chainID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.chainID == nil {
		id, err := l.rpc.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("wallet: fetch chain id: %w", err)
		}
		l.chainID = id
	}
	if !l.chainID.IsUint64() || l.chainID.Uint64() != chainID {
		return fmt.Errorf("%w: want %d got %s", ErrWrongChain, chainID, l.chainID)
	}
	return nil
}

func (l *Local) Signer(_ context.Context) (eth.Signer, error) {
	return l.signer, nil
}

func (l *Local) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.signer.SignTypedData(td)
}
