package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ayumi-zama/ayumi/internal/classify"
	"github.com/ayumi-zama/ayumi/internal/fhe"
	"github.com/ayumi-zama/ayumi/internal/session"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultValidForDays bounds how long a signed decryption authorization can be replayed.
const DefaultValidForDays = 10

type RevealConfig struct {
	ValidForDays uint32
	Now          func() time.Time
}

type RevealResult struct {
	Balance session.RevealedBalance
	Handle  common.Hash

	// Cached is true when the balance had already been revealed and nothing was decrypted.
	Cached bool
}

// Reveal decrypts the wallet's encrypted total through the relayer, at most once per session.
type Reveal struct {
	cfg    RevealConfig
	chain  Chain
	enc    fhe.Client
	signer TypedDataSigner
	log    *slog.Logger
}

func NewReveal(cfg RevealConfig, c Chain, enc fhe.Client, signer TypedDataSigner, log *slog.Logger) (*Reveal, error) {
	if c == nil || enc == nil || signer == nil {
		return nil, fmt.Errorf("%w: nil chain, encryption client or signer", ErrInvalidConfig)
	}
	if cfg.ValidForDays == 0 {
		cfg.ValidForDays = DefaultValidForDays
	}
	if cfg.ValidForDays > fhe.MaxValidForDays {
		return nil, fmt.Errorf("%w: validity must be <= %d days", ErrInvalidConfig, fhe.MaxValidForDays)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = discardLogger()
	}
	return &Reveal{cfg: cfg, chain: c, enc: enc, signer: signer, log: log}, nil
}

// Run returns the session's revealed balance, decrypting it on the first call. Every failure is
// a DecryptionFailure (or EncryptionNotReady) and leaves the session unrevealed.
func (r *Reveal) Run(ctx context.Context, s *session.Session) (RevealResult, error) {
	const op = "pipeline: reveal"

	if rb, ok := s.Revealed(); ok {
		return RevealResult{Balance: rb, Handle: s.BalanceHandle(), Cached: true}, nil
	}

	release, err := s.TryBegin()
	if err != nil {
		return RevealResult{}, err
	}
	defer release()

	if rb, ok := s.Revealed(); ok {
		return RevealResult{Balance: rb, Handle: s.BalanceHandle(), Cached: true}, nil
	}
	if step := s.Step(); step != session.StepDashboard {
		return RevealResult{}, fmt.Errorf("%w: reveal in step %s", session.ErrInvalidTransition, step)
	}
	if !r.enc.IsReady() {
		return RevealResult{}, classify.New(classify.EncryptionNotReady, op, fhe.ErrNotReady)
	}

	handle, err := r.chain.ReadBalanceHandle(ctx)
	if err != nil {
		return RevealResult{}, classify.Decryption(op, err)
	}
	if handle == (common.Hash{}) {
		return RevealResult{}, classify.Decryption(op, ErrNoBalanceHandle)
	}

	kp, err := r.enc.GenerateKeypair()
	if err != nil {
		return RevealResult{}, classify.Decryption(op, err)
	}
	defer kp.Wipe()

	portfolio := r.chain.Portfolio()
	issuedAt := r.cfg.Now()
	auth, err := r.enc.CreateAuthorization(kp.PublicKey, []common.Address{portfolio}, issuedAt, r.cfg.ValidForDays)
	if err != nil {
		return RevealResult{}, classify.Decryption(op, err)
	}

	sig, err := r.signer.SignTypedData(ctx, auth.TypedData)
	if err != nil {
		return RevealResult{}, classify.Decryption(op, classify.Wrap("sign authorization", err))
	}

	values, err := r.enc.Decrypt(ctx, fhe.DecryptRequest{
		Pairs:        []fhe.HandleContractPair{{Handle: handle, Contract: portfolio}},
		PrivateKey:   kp.PrivateKey,
		PublicKey:    kp.PublicKey,
		Signature:    hex.EncodeToString(sig),
		Contracts:    auth.Contracts,
		User:         r.signer.Address(),
		IssuedAt:     auth.IssuedAt,
		ValidForDays: auth.ValidForDays,
	})
	if err != nil {
		return RevealResult{}, classify.Decryption(op, err)
	}
	v, ok := values[handle]
	if !ok || v == nil {
		return RevealResult{}, classify.Decryption(op, fmt.Errorf("%w: %s", ErrMissingValue, handle.Hex()))
	}
	if v.Sign() < 0 {
		return RevealResult{}, classify.Decryption(op, fmt.Errorf("%w: negative value", fhe.ErrMalformedResponse))
	}

	rb, err := s.SetRevealed(handle, v.String(), r.cfg.Now())
	if errors.Is(err, session.ErrAlreadyRevealed) {
		return RevealResult{Balance: rb, Handle: s.BalanceHandle(), Cached: true}, nil
	}
	if err != nil {
		return RevealResult{}, err
	}
	r.log.Info("balance revealed", "handle", handle, "valid_until", auth.ExpiresAt())
	return RevealResult{Balance: rb, Handle: handle}, nil
}
