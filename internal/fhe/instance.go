package fhe

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds the network constants of the encryption stack.
type Config struct {
	// ContractsChainID is the chain the confidential contracts live on.
	ContractsChainID uint64
	// Domain is the decryption verifier's EIP-712 domain on the gateway chain.
	Domain Domain
	// Rand is the keypair entropy source; nil means crypto/rand.
	Rand io.Reader
}

// SepoliaConfig returns the public testnet deployment constants.
func SepoliaConfig() Config {
	return Config{
		ContractsChainID: 11155111,
		Domain: Domain{
			ChainID:           55815,
			VerifyingContract: common.HexToAddress("0xb6E160B1ff80D67Bfe90A85eE06Ce0A2613607D1"),
		},
	}
}

// Instance implements Client over an external SDK helper (encryption) and the relayer
// (decryption). It reports ready only after Init succeeded.
type Instance struct {
	cfg   Config
	enc   Encrypter
	dec   Decrypter
	ready atomic.Bool
}

var _ Client = (*Instance)(nil)

func NewInstance(cfg Config, enc Encrypter, dec Decrypter) (*Instance, error) {
	if enc == nil || dec == nil {
		return nil, fmt.Errorf("%w: nil encrypter or decrypter", ErrInvalidConfig)
	}
	if cfg.ContractsChainID == 0 {
		return nil, fmt.Errorf("%w: contracts chain id must be > 0", ErrInvalidConfig)
	}
	if cfg.Domain.ChainID == 0 || cfg.Domain.VerifyingContract == (common.Address{}) {
		return nil, fmt.Errorf("%w: incomplete eip712 domain", ErrInvalidConfig)
	}
	return &Instance{cfg: cfg, enc: enc, dec: dec}, nil
}

// Init checks both backends. It may be called again after a failure.
func (i *Instance) Init(ctx context.Context) error {
	if err := i.enc.Ping(ctx); err != nil {
		return fmt.Errorf("fhe: init encrypter: %w", err)
	}
	if err := i.dec.Ping(ctx); err != nil {
		return fmt.Errorf("fhe: init relayer: %w", err)
	}
	i.ready.Store(true)
	return nil
}

func (i *Instance) IsReady() bool { return i.ready.Load() }

func (i *Instance) CreateEncryptedInput(ctx context.Context, contract, owner common.Address, value uint32) (EncryptedInput, error) {
	if !i.IsReady() {
		return EncryptedInput{}, ErrNotReady
	}
	if contract == (common.Address{}) || owner == (common.Address{}) {
		return EncryptedInput{}, fmt.Errorf("%w: contract and owner required", ErrInvalidInput)
	}
	in, err := i.enc.Encrypt(ctx, contract, owner, value)
	if err != nil {
		return EncryptedInput{}, err
	}
	if in.Handle == (common.Hash{}) || len(in.Proof) == 0 {
		return EncryptedInput{}, fmt.Errorf("%w: encrypter returned empty handle or proof", ErrMalformedResponse)
	}
	in.Contract = contract
	in.Owner = owner
	return in, nil
}

func (i *Instance) GenerateKeypair() (Keypair, error) {
	if !i.IsReady() {
		return Keypair{}, ErrNotReady
	}
	return GenerateKeypair(i.cfg.Rand)
}

func (i *Instance) CreateAuthorization(publicKey [32]byte, contracts []common.Address, issuedAt time.Time, validForDays uint32) (Authorization, error) {
	if !i.IsReady() {
		return Authorization{}, ErrNotReady
	}
	return BuildAuthorization(i.cfg.Domain, publicKey[:], contracts, issuedAt, validForDays)
}

// Decrypt asks the relayer for the requested handles and opens the sealed plaintexts locally.
// Entries for handles that were not requested are ignored; missing entries are simply absent
// from the result.
func (i *Instance) Decrypt(ctx context.Context, req DecryptRequest) (map[common.Hash]*big.Int, error) {
	if !i.IsReady() {
		return nil, ErrNotReady
	}
	if len(req.Pairs) == 0 {
		return nil, fmt.Errorf("%w: no handles", ErrInvalidInput)
	}
	sig := strings.TrimPrefix(strings.TrimPrefix(req.Signature, "0x"), "0X")
	if sig == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrInvalidInput)
	}
	if req.User == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	kp := Keypair{PublicKey: req.PublicKey, PrivateKey: req.PrivateKey}
	defer kp.Wipe()

	sealed, err := i.dec.UserDecrypt(ctx, UserDecryptRequest{
		Pairs:            req.Pairs,
		ContractsChainID: i.cfg.ContractsChainID,
		Contracts:        req.Contracts,
		User:             req.User,
		Signature:        sig,
		PublicKey:        req.PublicKey[:],
		StartTimestamp:   req.IssuedAt.Unix(),
		DurationDays:     req.ValidForDays,
	})
	if err != nil {
		return nil, err
	}

	wanted := make(map[common.Hash]struct{}, len(req.Pairs))
	for _, p := range req.Pairs {
		wanted[p.Handle] = struct{}{}
	}

	out := make(map[common.Hash]*big.Int, len(sealed))
	for _, sv := range sealed {
		if _, ok := wanted[sv.Handle]; !ok {
			continue
		}
		plain, ok := kp.OpenSealed(sv.Sealed)
		if !ok {
			return nil, fmt.Errorf("%w: cannot open value for handle %s", ErrMalformedResponse, sv.Handle.Hex())
		}
		if len(plain) == 0 || len(plain) > 32 {
			clear(plain)
			return nil, fmt.Errorf("%w: plaintext for handle %s has %d bytes", ErrMalformedResponse, sv.Handle.Hex(), len(plain))
		}
		out[sv.Handle] = new(big.Int).SetBytes(plain)
		clear(plain)
	}
	return out, nil
}
