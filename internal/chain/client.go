// Package chain is the typed call layer over the token and PortfolioManager contracts. Every
// operation verifies the wallet's chain first, and every returned error is classified.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ayumi-zama/ayumi/internal/classify"
	"github.com/ayumi-zama/ayumi/internal/eth"
	"github.com/ayumi-zama/ayumi/internal/portfolioabi"
	"github.com/ayumi-zama/ayumi/internal/wallet"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig = errors.New("chain: invalid config")
	ErrInvalidInput  = errors.New("chain: invalid input")

	// ErrCooldown is the cause of a claim refused by the pre-flight canClaim check.
	ErrCooldown = errors.New("chain: claim cooldown has not elapsed")
)

type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type TxSender interface {
	SendAndWaitMined(ctx context.Context, signer eth.Signer, req eth.TxRequest) (eth.SendResult, error)
}

type Config struct {
	ChainID   uint64
	Token     common.Address
	Portfolio common.Address
	Decimals  uint8

	// GasLimit overrides estimation when non-zero.
	GasLimit uint64
}

// TxRef identifies a mined transaction.
type TxRef struct {
	Hash        common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

type Client struct {
	cfg    Config
	wallet wallet.Session
	caller ContractCaller
	sender TxSender
	unit   *big.Int
}

func New(cfg Config, w wallet.Session, caller ContractCaller, sender TxSender) (*Client, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
	}
	if cfg.Token == (common.Address{}) || cfg.Portfolio == (common.Address{}) {
		return nil, fmt.Errorf("%w: token and portfolio addresses required", ErrInvalidConfig)
	}
	if cfg.Decimals > 36 {
		return nil, fmt.Errorf("%w: decimals must be <= 36", ErrInvalidConfig)
	}
	if w == nil || caller == nil || sender == nil {
		return nil, fmt.Errorf("%w: nil wallet, caller or sender", ErrInvalidConfig)
	}
	return &Client{
		cfg:    cfg,
		wallet: w,
		caller: caller,
		sender: sender,
		unit:   new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.Decimals)), nil),
	}, nil
}

func (c *Client) Portfolio() common.Address { return c.cfg.Portfolio }
func (c *Client) Token() common.Address     { return c.cfg.Token }
func (c *Client) Wallet() common.Address    { return c.wallet.Address() }

// BaseUnits scales a whole-token amount by the token decimals.
func (c *Client) BaseUnits(amount uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(amount), c.unit)
}

// Claim mints amount whole tokens to the wallet. A claim inside the cooldown window fails with
// CooldownActive before anything is signed.
func (c *Client) Claim(ctx context.Context, amount uint64) (TxRef, error) {
	const op = "chain: claim"
	if amount == 0 {
		return TxRef{}, classify.Wrap(op, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput))
	}
	if err := c.switchChain(ctx, op); err != nil {
		return TxRef{}, err
	}

	ok, err := c.CanClaim(ctx)
	if err != nil {
		return TxRef{}, err
	}
	if !ok {
		cerr := classify.New(classify.CooldownActive, op, ErrCooldown)
		if wait, werr := c.TimeUntilNextClaim(ctx); werr == nil {
			cerr.RetryAfter = wait
		}
		return TxRef{}, cerr
	}

	data, err := portfolioabi.PackClaimTokens(c.BaseUnits(amount))
	if err != nil {
		return TxRef{}, classify.Wrap(op, err)
	}
	return c.send(ctx, op, c.cfg.Token, data)
}

// Approve grants spender an allowance of amount whole tokens.
func (c *Client) Approve(ctx context.Context, spender common.Address, amount uint64) (TxRef, error) {
	const op = "chain: approve"
	if err := c.switchChain(ctx, op); err != nil {
		return TxRef{}, err
	}
	data, err := portfolioabi.PackApprove(spender, c.BaseUnits(amount))
	if err != nil {
		return TxRef{}, classify.Wrap(op, err)
	}
	return c.send(ctx, op, c.cfg.Token, data)
}

func (c *Client) DepositEncrypted(ctx context.Context, handle common.Hash, proof []byte) (TxRef, error) {
	const op = "chain: deposit"
	if err := c.switchChain(ctx, op); err != nil {
		return TxRef{}, err
	}
	data, err := portfolioabi.PackDeposit(handle, proof)
	if err != nil {
		return TxRef{}, classify.Wrap(op, err)
	}
	return c.send(ctx, op, c.cfg.Portfolio, data)
}

// ReadBalanceHandle returns the wallet's current encrypted total. getTotalBalance reads
// msg.sender, so the call is made from the wallet address.
func (c *Client) ReadBalanceHandle(ctx context.Context) (common.Hash, error) {
	const op = "chain: read balance handle"
	if err := c.switchChain(ctx, op); err != nil {
		return common.Hash{}, err
	}
	data, err := portfolioabi.PackGetTotalBalance()
	if err != nil {
		return common.Hash{}, classify.Wrap(op, err)
	}
	out, err := c.call(ctx, c.cfg.Portfolio, data)
	if err != nil {
		return common.Hash{}, classify.Wrap(op, err)
	}
	h, err := portfolioabi.UnpackTotalBalance(out)
	if err != nil {
		return common.Hash{}, classify.Wrap(op, err)
	}
	return h, nil
}

// TokenBalance returns the wallet's plaintext token balance in base units.
func (c *Client) TokenBalance(ctx context.Context) (*big.Int, error) {
	const op = "chain: balance"
	if err := c.switchChain(ctx, op); err != nil {
		return nil, err
	}
	data, err := portfolioabi.PackBalanceOf(c.wallet.Address())
	if err != nil {
		return nil, classify.Wrap(op, err)
	}
	return c.readUint(ctx, op, "balanceOf", data)
}

// Allowance returns what the portfolio contract may still spend, in base units.
func (c *Client) Allowance(ctx context.Context) (*big.Int, error) {
	const op = "chain: allowance"
	if err := c.switchChain(ctx, op); err != nil {
		return nil, err
	}
	data, err := portfolioabi.PackAllowance(c.wallet.Address(), c.cfg.Portfolio)
	if err != nil {
		return nil, classify.Wrap(op, err)
	}
	return c.readUint(ctx, op, "allowance", data)
}

func (c *Client) CanClaim(ctx context.Context) (bool, error) {
	const op = "chain: can claim"
	if err := c.switchChain(ctx, op); err != nil {
		return false, err
	}
	data, err := portfolioabi.PackCanClaim(c.wallet.Address())
	if err != nil {
		return false, classify.Wrap(op, err)
	}
	out, err := c.call(ctx, c.cfg.Token, data)
	if err != nil {
		return false, classify.Wrap(op, err)
	}
	ok, err := portfolioabi.UnpackBool("canClaim", out)
	if err != nil {
		return false, classify.Wrap(op, err)
	}
	return ok, nil
}

func (c *Client) TimeUntilNextClaim(ctx context.Context) (time.Duration, error) {
	const op = "chain: time until next claim"
	if err := c.switchChain(ctx, op); err != nil {
		return 0, err
	}
	data, err := portfolioabi.PackTimeUntilNextClaim(c.wallet.Address())
	if err != nil {
		return 0, classify.Wrap(op, err)
	}
	secs, err := c.readUint(ctx, op, "timeUntilNextClaim", data)
	if err != nil {
		return 0, err
	}
	if !secs.IsInt64() || secs.Int64() > int64(time.Duration(1<<63-1)/time.Second) {
		return 0, classify.Wrap(op, fmt.Errorf("%w: cooldown %s out of range", ErrInvalidInput, secs))
	}
	return time.Duration(secs.Int64()) * time.Second, nil
}

func (c *Client) switchChain(ctx context.Context, op string) error {
	if err := c.wallet.SwitchChain(ctx, c.cfg.ChainID); err != nil {
		return classify.Wrap(op, err)
	}
	return nil
}

func (c *Client) readUint(ctx context.Context, op, method string, data []byte) (*big.Int, error) {
	out, err := c.call(ctx, c.cfg.Token, data)
	if err != nil {
		return nil, classify.Wrap(op, err)
	}
	v, err := portfolioabi.UnpackUint256(method, out)
	if err != nil {
		return nil, classify.Wrap(op, err)
	}
	return v, nil
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{
		From: c.wallet.Address(),
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return nil, withRevertReason(err)
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, op string, to common.Address, data []byte) (TxRef, error) {
	signer, err := c.wallet.Signer(ctx)
	if err != nil {
		return TxRef{}, classify.Wrap(op, err)
	}
	res, err := c.sender.SendAndWaitMined(ctx, signer, eth.TxRequest{
		To:       to,
		Data:     data,
		GasLimit: c.cfg.GasLimit,
	})
	ref := txRef(res)
	if err != nil {
		return ref, classify.Wrap(op, withRevertReason(err))
	}
	return ref, nil
}

func txRef(res eth.SendResult) TxRef {
	ref := TxRef{Hash: res.TxHash}
	if res.Receipt != nil {
		if res.Receipt.BlockNumber != nil && res.Receipt.BlockNumber.IsUint64() {
			ref.BlockNumber = res.Receipt.BlockNumber.Uint64()
		}
		ref.GasUsed = res.Receipt.GasUsed
	}
	return ref
}

// withRevertReason surfaces the contract's Error(string) text so the classifier can match it.
func withRevertReason(err error) error {
	reason, ok := portfolioabi.RevertReason(err)
	if !ok {
		return err
	}
	return fmt.Errorf("execution reverted: %s: %w", reason, err)
}
