package eth

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeBackend struct {
	mu sync.Mutex

	pendingNonce uint64
	nonceCalls   int

	suggestTip  *big.Int
	baseFee     *big.Int
	gasEst      uint64
	estimateErr error

	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt

	// sendHook runs with mu held.
	sendHook func(tx *types.Transaction) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		suggestTip: big.NewInt(2),
		baseFee:    big.NewInt(100),
		gasEst:     50_000,
		receipts:   make(map[common.Hash]*types.Receipt),
	}
}

func (b *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return b.pendingNonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.suggestTip), nil
}

func (b *fakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{BaseFee: new(big.Int).Set(b.baseFee)}, nil
}

func (b *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return b.gasEst, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	if b.sendHook != nil {
		return b.sendHook(tx)
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (b *fakeBackend) mine(tx *types.Transaction, status uint64) {
	b.receipts[tx.Hash()] = &types.Receipt{
		TxHash:      tx.Hash(),
		Status:      status,
		BlockNumber: big.NewInt(1),
	}
}

func newTestSubmitter(t *testing.T, backend *fakeBackend, clock *fakeClock, maxReplacements int) *Submitter {
	t.Helper()
	s, err := NewSubmitter(backend, SubmitterConfig{
		ChainID:                big.NewInt(11155111),
		GasLimitMultiplier:     1.2,
		MinTipCap:              big.NewInt(1),
		ReceiptPollInterval:    5 * time.Second,
		ReplaceAfter:           10 * time.Second,
		MaxReplacements:        maxReplacements,
		ReplacementBumpPercent: 10,
		MinReplacementBump:     big.NewInt(1),
		Now:                    clock.Now,
		Sleep:                  clock.Sleep,
	})
	if err != nil {
		t.Fatalf("NewSubmitter: %v", err)
	}
	return s
}

var testTo = common.HexToAddress("0x7D5BA7DeB9A5d2F36FE38782129F6401A66e1096")

func TestSubmitter_ReplacesStuckTxByBumpingFees(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 10, 27, 0, 0, 0, 0, time.UTC)}
	backend := newFakeBackend()
	backend.sendHook = func(tx *types.Transaction) error {
		if len(backend.sent) == 2 {
			backend.mine(tx, types.ReceiptStatusSuccessful)
		}
		return nil
	}

	s := newTestSubmitter(t, backend, clock, 1)
	res, err := s.SendAndWaitMined(context.Background(), testSigner(t), TxRequest{To: testTo, Data: []byte{0x01}})
	if err != nil {
		t.Fatalf("SendAndWaitMined: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sent) != 2 {
		t.Fatalf("sent txs: got %d want %d", len(backend.sent), 2)
	}
	tx0, tx1 := backend.sent[0], backend.sent[1]
	if tx0.Nonce() != tx1.Nonce() {
		t.Fatalf("replacement must reuse nonce: %d %d", tx0.Nonce(), tx1.Nonce())
	}
	if tx1.GasTipCap().Cmp(tx0.GasTipCap()) <= 0 || tx1.GasFeeCap().Cmp(tx0.GasFeeCap()) <= 0 {
		t.Fatalf("fees not bumped: tip %s->%s fee %s->%s", tx0.GasTipCap(), tx1.GasTipCap(), tx0.GasFeeCap(), tx1.GasFeeCap())
	}
	if res.TxHash != tx1.Hash() || res.Replacements != 1 {
		t.Fatalf("result: hash=%s replacements=%d", res.TxHash, res.Replacements)
	}
	if tx0.Gas() != 60_000 {
		t.Fatalf("gas limit: got %d want %d", tx0.Gas(), 60_000)
	}
}

func TestSubmitter_RevertedReceiptIsAnError(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := newFakeBackend()
	backend.sendHook = func(tx *types.Transaction) error {
		backend.mine(tx, types.ReceiptStatusFailed)
		return nil
	}

	s := newTestSubmitter(t, backend, clock, 0)
	res, err := s.SendAndWaitMined(context.Background(), testSigner(t), TxRequest{To: testTo})
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	if res.Receipt == nil || res.Receipt.Status != types.ReceiptStatusFailed {
		t.Fatalf("expected failed receipt in result, got %+v", res.Receipt)
	}
}

func TestSubmitter_EstimateFailureDoesNotReserveNonce(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := newFakeBackend()
	backend.estimateErr = errors.New("execution reverted: Claim cooldown")

	s := newTestSubmitter(t, backend, clock, 0)
	if _, err := s.SendAndWaitMined(context.Background(), testSigner(t), TxRequest{To: testTo}); err == nil {
		t.Fatalf("expected estimate error")
	}
	if backend.nonceCalls != 0 || len(backend.sent) != 0 {
		t.Fatalf("nothing should be reserved or sent: nonceCalls=%d sent=%d", backend.nonceCalls, len(backend.sent))
	}
}

func TestSubmitter_SendFailureReleasesNonce(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	backend := newFakeBackend()
	backend.pendingNonce = 4
	fail := true
	backend.sendHook = func(tx *types.Transaction) error {
		if fail {
			fail = false
			return errors.New("insufficient funds for gas * price + value")
		}
		backend.mine(tx, types.ReceiptStatusSuccessful)
		return nil
	}

	s := newTestSubmitter(t, backend, clock, 0)
	signer := testSigner(t)
	if _, err := s.SendAndWaitMined(context.Background(), signer, TxRequest{To: testTo}); err == nil {
		t.Fatalf("expected send error")
	}
	res, err := s.SendAndWaitMined(context.Background(), signer, TxRequest{To: testTo})
	if err != nil {
		t.Fatalf("SendAndWaitMined: %v", err)
	}
	if res.Nonce != 4 {
		t.Fatalf("nonce: got %d want %d", res.Nonce, 4)
	}
}

func TestNewSubmitter_RejectsInvalidConfig(t *testing.T) {
	if _, err := NewSubmitter(newFakeBackend(), SubmitterConfig{}); !errors.Is(err, ErrInvalidSubmitterConfig) {
		t.Fatalf("expected ErrInvalidSubmitterConfig, got %v", err)
	}
	if _, err := NewSubmitter(nil, SubmitterConfig{}); !errors.Is(err, ErrInvalidSubmitterConfig) {
		t.Fatalf("expected ErrInvalidSubmitterConfig, got %v", err)
	}
}

func TestCalc1559Fees_UsesMinTipAndTwoXBaseFee(t *testing.T) {
	tip, fee, err := Calc1559Fees(big.NewInt(100), big.NewInt(2), big.NewInt(5))
	if err != nil {
		t.Fatalf("Calc1559Fees: %v", err)
	}
	if tip.Int64() != 5 {
		t.Fatalf("tip: got %s want 5", tip)
	}
	if fee.Int64() != 205 {
		t.Fatalf("fee: got %s want 205", fee)
	}
}

func TestBump1559Fees_EnforcesMinimumBump(t *testing.T) {
	tip, fee, err := Bump1559Fees(big.NewInt(1), big.NewInt(2), 10, big.NewInt(1))
	if err != nil {
		t.Fatalf("Bump1559Fees: %v", err)
	}
	// 1*1.10 and 2*1.10 round down; the minimum bump forces +1.
	if tip.Int64() != 2 || fee.Int64() != 3 {
		t.Fatalf("bumped: tip=%s fee=%s want 2 3", tip, fee)
	}
	if _, _, err := Bump1559Fees(big.NewInt(1), big.NewInt(2), 0, nil); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("expected ErrInvalidFeeArgs, got %v", err)
	}
}
