package pipeline

import (
	"context"
	"fmt"

	"github.com/ayumi-zama/ayumi/internal/chain"
	"github.com/ayumi-zama/ayumi/internal/classify"
	"github.com/ayumi-zama/ayumi/internal/session"
)

// DefaultSuggestedDeposit is offered as the deposit amount after a successful claim.
const DefaultSuggestedDeposit = 100

type ClaimResult struct {
	Tx     chain.TxRef
	Amount uint64

	SuggestedDepositAmount uint64
}

type Claimer struct {
	chain Chain
}

func NewClaimer(c Chain) (*Claimer, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil chain", ErrInvalidConfig)
	}
	return &Claimer{chain: c}, nil
}

// Run claims amount whole tokens and advances the session to the deposit step. On failure the
// session stays at the claim step.
func (c *Claimer) Run(ctx context.Context, s *session.Session, amount uint64) (ClaimResult, error) {
	const op = "pipeline: claim"
	if amount == 0 {
		return ClaimResult{}, classify.Wrap(op, fmt.Errorf("%w: claim amount must be > 0", ErrInvalidAmount))
	}

	release, err := s.TryBegin()
	if err != nil {
		return ClaimResult{}, err
	}
	defer release()

	if step := s.Step(); step != session.StepClaim {
		return ClaimResult{}, fmt.Errorf("%w: claim in step %s", session.ErrInvalidTransition, step)
	}

	tx, err := c.chain.Claim(ctx, amount)
	if err != nil {
		return ClaimResult{}, err
	}
	if err := s.ClaimConfirmed(); err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Tx: tx, Amount: amount, SuggestedDepositAmount: DefaultSuggestedDeposit}, nil
}
