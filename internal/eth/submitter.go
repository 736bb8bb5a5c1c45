package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidSubmitterConfig = errors.New("eth: invalid submitter config")
	ErrInvalidFeeArgs         = errors.New("eth: invalid fee args")

	// ErrReverted is returned when a transaction was mined with a failed status.
	ErrReverted = errors.New("eth: transaction reverted")
)

type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type SubmitterConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	MinTipCap          *big.Int

	ReceiptPollInterval time.Duration

	// Replacement is disabled when MaxReplacements is 0.
	ReplaceAfter           time.Duration
	MaxReplacements        int
	ReplacementBumpPercent int
	MinReplacementBump     *big.Int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Submitter broadcasts wallet transactions and blocks until they are mined.
//
// A transaction that is not mined after ReplaceAfter is re-signed with the same nonce and bumped
// fees. Whichever of the sent hashes gets a receipt first wins.
type Submitter struct {
	backend Backend
	cfg     SubmitterConfig

	mu     sync.Mutex
	nonces map[common.Address]*NonceManager
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 => estimate
}

type SendResult struct {
	From         common.Address
	Nonce        uint64
	TxHash       common.Hash
	Receipt      *types.Receipt
	Replacements int
}

func NewSubmitter(backend Backend, cfg SubmitterConfig) (*Submitter, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidSubmitterConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidSubmitterConfig)
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, fmt.Errorf("%w: gas limit multiplier must be > 0", ErrInvalidSubmitterConfig)
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: min tip cap must be >= 0", ErrInvalidSubmitterConfig)
	}
	if cfg.ReceiptPollInterval <= 0 {
		return nil, fmt.Errorf("%w: receipt poll interval must be > 0", ErrInvalidSubmitterConfig)
	}
	if cfg.MaxReplacements < 0 {
		return nil, fmt.Errorf("%w: max replacements must be >= 0", ErrInvalidSubmitterConfig)
	}
	if cfg.MaxReplacements > 0 {
		if cfg.ReplaceAfter <= 0 || cfg.ReplacementBumpPercent <= 0 {
			return nil, fmt.Errorf("%w: replacement requires replace-after and bump percent", ErrInvalidSubmitterConfig)
		}
		if cfg.MinReplacementBump == nil || cfg.MinReplacementBump.Sign() < 0 {
			return nil, fmt.Errorf("%w: min replacement bump must be >= 0", ErrInvalidSubmitterConfig)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}

	return &Submitter{
		backend: backend,
		cfg:     cfg,
		nonces:  make(map[common.Address]*NonceManager),
	}, nil
}

func (s *Submitter) ChainID() *big.Int { return new(big.Int).Set(s.cfg.ChainID) }

func (s *Submitter) nonceManager(addr common.Address) *NonceManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	nm, ok := s.nonces[addr]
	if !ok {
		nm = NewNonceManager(s.backend, addr)
		s.nonces[addr] = nm
	}
	return nm
}

// SendAndWaitMined signs req with signer, broadcasts it and polls for a receipt.
//
// A mined receipt with a failed status is returned together with an error wrapping ErrReverted.
func (s *Submitter) SendAndWaitMined(ctx context.Context, signer Signer, req TxRequest) (SendResult, error) {
	if signer == nil {
		return SendResult{}, ErrInvalidSigner
	}
	from := signer.Address()
	if (from == common.Address{}) {
		return SendResult{}, ErrInvalidSigner
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		// Reverts (cooldowns, missing allowance) surface here, before a nonce is reserved.
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return SendResult{}, err
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	tipCap, feeCap, err := s.currentFees(ctx)
	if err != nil {
		return SendResult{}, err
	}

	nm := s.nonceManager(from)
	nonce, err := nm.Reserve(ctx)
	if err != nil {
		return SendResult{}, err
	}

	sign := func(tip, fee *big.Int) (*types.Transaction, error) {
		to := req.To
		return signer.SignTx(types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: fee,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      req.Data,
		}), s.cfg.ChainID)
	}

	tx, err := sign(tipCap, feeCap)
	if err != nil {
		nm.Release(nonce)
		return SendResult{}, err
	}
	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		nm.Release(nonce)
		return SendResult{}, err
	}

	sent := []common.Hash{tx.Hash()}
	lastSentAt := s.cfg.Now()
	replacements := 0

	for {
		for _, h := range sent {
			receipt, err := s.backend.TransactionReceipt(ctx, h)
			if errors.Is(err, ethereum.NotFound) {
				continue
			}
			if err != nil {
				return SendResult{}, err
			}
			res := SendResult{
				From:         from,
				Nonce:        nonce,
				TxHash:       h,
				Receipt:      receipt,
				Replacements: replacements,
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return res, fmt.Errorf("%w: tx %s", ErrReverted, h.Hex())
			}
			return res, nil
		}

		if replacements < s.cfg.MaxReplacements && s.cfg.Now().Sub(lastSentAt) >= s.cfg.ReplaceAfter {
			tipCap, feeCap, err = Bump1559Fees(tipCap, feeCap, s.cfg.ReplacementBumpPercent, s.cfg.MinReplacementBump)
			if err != nil {
				return SendResult{}, err
			}
			tx, err := sign(tipCap, feeCap)
			if err != nil {
				return SendResult{}, err
			}
			if err := s.backend.SendTransaction(ctx, tx); err != nil {
				return SendResult{}, err
			}
			sent = append(sent, tx.Hash())
			lastSentAt = s.cfg.Now()
			replacements++
			continue
		}

		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return SendResult{}, err
		}
	}
}

func (s *Submitter) currentFees(ctx context.Context) (*big.Int, *big.Int, error) {
	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return nil, nil, errors.New("eth: missing baseFee in latest header")
	}
	return Calc1559Fees(header.BaseFee, suggestedTip, s.cfg.MinTipCap)
}

// Calc1559Fees returns tipCap = max(suggested, min) and feeCap = 2*baseFee + tipCap.
func Calc1559Fees(baseFee, suggestedTipCap, minTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTipCap == nil || minTipCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTipCap.Sign() < 0 || minTipCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	tipCap = bigMax(suggestedTipCap, minTipCap)
	feeCap = new(big.Int).Lsh(baseFee, 1)
	feeCap.Add(feeCap, tipCap)
	return tipCap, feeCap, nil
}

// Bump1559Fees raises both caps by bumpPercent, and by at least minBump so that small values
// still clear the txpool's replacement threshold. feeCap never drops below tipCap.
func Bump1559Fees(tipCap, feeCap *big.Int, bumpPercent int, minBump *big.Int) (*big.Int, *big.Int, error) {
	if tipCap == nil || feeCap == nil || tipCap.Sign() < 0 || feeCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if bumpPercent <= 0 || (minBump != nil && minBump.Sign() < 0) {
		return nil, nil, ErrInvalidFeeArgs
	}

	bump := func(v *big.Int) *big.Int {
		out := new(big.Int).Mul(v, big.NewInt(int64(100+bumpPercent)))
		out.Quo(out, big.NewInt(100))
		if minBump != nil {
			out = bigMax(out, new(big.Int).Add(v, minBump))
		}
		return out
	}

	newTip := bump(tipCap)
	newFee := bigMax(bump(feeCap), newTip)
	return newTip, newFee, nil
}

func bigMax(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow; fall back to the estimate.
		return est
	}
	return out
}
