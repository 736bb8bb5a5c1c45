package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/ayumi-zama/ayumi/internal/chain"
	"github.com/ayumi-zama/ayumi/internal/classify"
	"github.com/ayumi-zama/ayumi/internal/fhe"
	"github.com/ayumi-zama/ayumi/internal/session"
	"github.com/ethereum/go-ethereum/common"
)

type DepositResult struct {
	Amount uint64

	// ApproveTx is nil when a confirmed approval from an earlier run was reused.
	ApproveTx *chain.TxRef
	DepositTx chain.TxRef

	// Handle is the wallet's new encrypted total.
	Handle common.Hash
}

// Deposit runs approve -> encrypt -> deposit.
//
// A confirmed approval is recorded on the session before encryption starts, so a retry after a
// failed encrypt or deposit resumes at the encrypt step instead of approving again.
type Deposit struct {
	chain Chain
	enc   fhe.Client
	log   *slog.Logger
}

func NewDeposit(c Chain, enc fhe.Client, log *slog.Logger) (*Deposit, error) {
	if c == nil || enc == nil {
		return nil, fmt.Errorf("%w: nil chain or encryption client", ErrInvalidConfig)
	}
	if log == nil {
		log = discardLogger()
	}
	return &Deposit{chain: c, enc: enc, log: log}, nil
}

// Run deposits amount whole tokens. The returned result carries the approval even when a later
// step failed.
func (d *Deposit) Run(ctx context.Context, s *session.Session, amount uint64) (DepositResult, error) {
	const op = "pipeline: deposit"
	res := DepositResult{Amount: amount}
	if amount == 0 || amount > math.MaxUint32 {
		return res, classify.Wrap(op, fmt.Errorf("%w: deposit amount must be 1..%d", ErrInvalidAmount, uint64(math.MaxUint32)))
	}

	release, err := s.TryBegin()
	if err != nil {
		return res, err
	}
	defer release()

	if step := s.Step(); step != session.StepDeposit {
		return res, fmt.Errorf("%w: deposit in step %s", session.ErrInvalidTransition, step)
	}
	if !d.enc.IsReady() {
		return res, classify.New(classify.EncryptionNotReady, op, fhe.ErrNotReady)
	}

	portfolio := d.chain.Portfolio()
	owner := d.chain.Wallet()

	progress := s.DepositProgress()
	if progress.Approved && progress.Amount >= amount {
		d.log.Info("reusing confirmed approval", "amount", amount, "approved_amount", progress.Amount, "approve_tx", progress.ApproveTx)
	} else {
		tx, err := d.chain.Approve(ctx, portfolio, amount)
		if err != nil {
			return res, err
		}
		res.ApproveTx = &tx
		if err := s.MarkApproved(amount, tx.Hash); err != nil {
			return res, err
		}
		d.log.Info("approval confirmed", "amount", amount, "tx_hash", tx.Hash)
	}

	in, err := d.enc.CreateEncryptedInput(ctx, portfolio, owner, uint32(amount))
	if err != nil {
		return res, classify.Wrap(op, err)
	}

	tx, err := d.chain.DepositEncrypted(ctx, in.Handle, in.Proof)
	if err != nil {
		return res, err
	}
	res.DepositTx = tx

	// The deposit is mined; a failed read must not turn it into a failure.
	handle, err := d.chain.ReadBalanceHandle(ctx)
	if err != nil || handle == (common.Hash{}) {
		d.log.Warn("read balance handle after deposit failed, using input handle", "err", err, "tx_hash", tx.Hash)
		handle = in.Handle
	}
	res.Handle = handle

	if err := s.DepositConfirmed(handle); err != nil {
		return res, err
	}
	d.log.Info("deposit confirmed", "amount", amount, "tx_hash", tx.Hash, "block", tx.BlockNumber)
	return res, nil
}
