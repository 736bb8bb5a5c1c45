// Package fhe is the client-side surface of the homomorphic-encryption stack: encrypted inputs
// with proofs, ephemeral decryption keypairs, signed decryption authorizations, and
// relayer-mediated user decryption.
package fhe

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotReady          = errors.New("fhe: encryption client not initialized")
	ErrInvalidConfig     = errors.New("fhe: invalid config")
	ErrInvalidInput      = errors.New("fhe: invalid input")
	ErrMalformedResponse = errors.New("fhe: malformed relayer response")
)

// EncryptedInput is a ciphertext bound to (Contract, Owner). It is consumed by exactly one
// deposit transaction and never persisted.
type EncryptedInput struct {
	Handle   common.Hash
	Proof    []byte
	Contract common.Address
	Owner    common.Address
}

type HandleContractPair struct {
	Handle   common.Hash
	Contract common.Address
}

// DecryptRequest carries everything a user decryption needs. PrivateKey stays in process; only
// the public key and the signed authorization reach the relayer.
type DecryptRequest struct {
	Pairs        []HandleContractPair
	PrivateKey   [32]byte
	PublicKey    [32]byte
	Signature    string // hex, no 0x prefix
	Contracts    []common.Address
	User         common.Address
	IssuedAt     time.Time
	ValidForDays uint32
}

// Client is the narrow encryption surface used by the deposit and reveal pipelines.
type Client interface {
	IsReady() bool
	CreateEncryptedInput(ctx context.Context, contract, owner common.Address, value uint32) (EncryptedInput, error)
	GenerateKeypair() (Keypair, error)
	CreateAuthorization(publicKey [32]byte, contracts []common.Address, issuedAt time.Time, validForDays uint32) (Authorization, error)
	Decrypt(ctx context.Context, req DecryptRequest) (map[common.Hash]*big.Int, error)
}

// Encrypter is the external SDK that turns plaintext values into ciphertext handles plus an
// input proof.
type Encrypter interface {
	Ping(ctx context.Context) error
	Encrypt(ctx context.Context, contract, owner common.Address, value uint32) (EncryptedInput, error)
}

// UserDecryptRequest is the relayer-facing part of a DecryptRequest.
type UserDecryptRequest struct {
	Pairs            []HandleContractPair
	ContractsChainID uint64
	Contracts        []common.Address
	User             common.Address
	Signature        string
	PublicKey        []byte
	StartTimestamp   int64
	DurationDays     uint32
}

// SealedValue is a plaintext sealed by the relayer to the requester's ephemeral public key.
type SealedValue struct {
	Handle common.Hash
	Sealed []byte
}

type Decrypter interface {
	Ping(ctx context.Context) error
	UserDecrypt(ctx context.Context, req UserDecryptRequest) ([]SealedValue, error)
}
