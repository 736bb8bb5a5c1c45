// Package session holds the per-wallet dashboard session: the three-step flow, the processing
// flag that keeps one pipeline in flight, and the at-most-once revealed balance.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput      = errors.New("session: invalid input")
	ErrNotFound          = errors.New("session: not found")
	ErrAlreadyExists     = errors.New("session: already exists")
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrBusy              = errors.New("session: another operation is in progress")
	ErrAlreadyRevealed   = errors.New("session: balance already revealed")
)

type Step uint8

const (
	StepClaim Step = iota
	StepDeposit
	StepDashboard
)

func (s Step) String() string {
	switch s {
	case StepClaim:
		return "claim"
	case StepDeposit:
		return "deposit"
	case StepDashboard:
		return "dashboard"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseStep(v string) (Step, error) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "claim":
		return StepClaim, nil
	case "deposit":
		return StepDeposit, nil
	case "dashboard":
		return StepDashboard, nil
	default:
		return 0, fmt.Errorf("%w: unknown step %q", ErrInvalidInput, v)
	}
}

type RevealedBalance struct {
	Value      string
	RevealedAt time.Time
}

// DepositProgress records how far an unfinished deposit got, so a retry can skip a confirmed
// approval.
type DepositProgress struct {
	Amount    uint64
	Approved  bool
	ApproveTx common.Hash
}

// Record is the persisted form of a session. The processing flag is process-local and never
// stored.
type Record struct {
	ID            string
	Wallet        common.Address
	ChainID       uint64
	Step          Step
	BalanceHandle common.Hash
	Revealed      *RevealedBalance
	Deposit       DepositProgress
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ID derives the session id for a wallet on a chain.
func ID(wallet common.Address, chainID uint64) string {
	return strings.ToLower(wallet.Hex()) + ":" + strconv.FormatUint(chainID, 10)
}

func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	if r.Wallet == (common.Address{}) {
		return fmt.Errorf("%w: zero wallet", ErrInvalidInput)
	}
	if r.ChainID == 0 {
		return fmt.Errorf("%w: chain id must be > 0", ErrInvalidInput)
	}
	if r.Step > StepDashboard {
		return fmt.Errorf("%w: step %s", ErrInvalidInput, r.Step)
	}
	if r.Revealed != nil && r.Step != StepDashboard {
		return fmt.Errorf("%w: revealed balance outside dashboard", ErrInvalidInput)
	}
	return nil
}

func (r Record) clone() Record {
	if r.Revealed != nil {
		rb := *r.Revealed
		r.Revealed = &rb
	}
	return r
}

// Session is the live, concurrency-safe view of a Record.
type Session struct {
	mu         sync.Mutex
	rec        Record
	processing bool
	now        func() time.Time
}

func New(wallet common.Address, chainID uint64, now func() time.Time) (*Session, error) {
	if now == nil {
		now = time.Now
	}
	t := now().UTC()
	rec := Record{
		ID:        ID(wallet, chainID),
		Wallet:    wallet,
		ChainID:   chainID,
		Step:      StepClaim,
		CreatedAt: t,
		UpdatedAt: t,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &Session{rec: rec, now: now}, nil
}

func FromRecord(rec Record, now func() time.Time) (*Session, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Session{rec: rec.clone(), now: now}, nil
}

func (s *Session) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.clone()
}

func (s *Session) ID() string { return s.rec.ID }

func (s *Session) Wallet() common.Address { return s.rec.Wallet }

func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Step
}

// TryBegin takes the processing flag. It never waits: while another operation holds the flag it
// returns ErrBusy. The returned release func is idempotent.
func (s *Session) TryBegin() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return nil, ErrBusy
	}
	s.processing = true

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.processing = false
			s.mu.Unlock()
		})
	}, nil
}

func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// ClaimConfirmed advances Claim -> Deposit once a claim transaction is mined.
func (s *Session) ClaimConfirmed() error {
	return s.transition(StepClaim, StepDeposit, false)
}

// Skip advances Claim -> Deposit without a claim.
func (s *Session) Skip() error {
	return s.transition(StepClaim, StepDeposit, true)
}

// Back returns Deposit -> Claim. Any unfinished deposit progress is kept; the allowance it
// records is still on chain.
func (s *Session) Back() error {
	return s.transition(StepDeposit, StepClaim, true)
}

// DepositConfirmed advances Deposit -> Dashboard and records the new balance handle.
func (s *Session) DepositConfirmed(handle common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Step != StepDeposit {
		return fmt.Errorf("%w: deposit confirmed in step %s", ErrInvalidTransition, s.rec.Step)
	}
	s.rec.Step = StepDashboard
	s.rec.BalanceHandle = handle
	s.rec.Deposit = DepositProgress{}
	s.touch()
	return nil
}

// transition moves from -> to. UI transitions (ui=true) are refused while a pipeline holds the
// processing flag.
func (s *Session) transition(from, to Step, ui bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ui && s.processing {
		return ErrBusy
	}
	if s.rec.Step != from {
		return fmt.Errorf("%w: %s -> %s from step %s", ErrInvalidTransition, from, to, s.rec.Step)
	}
	s.rec.Step = to
	s.touch()
	return nil
}

func (s *Session) MarkApproved(amount uint64, tx common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Step != StepDeposit {
		return fmt.Errorf("%w: approval recorded in step %s", ErrInvalidTransition, s.rec.Step)
	}
	s.rec.Deposit = DepositProgress{Amount: amount, Approved: true, ApproveTx: tx}
	s.touch()
	return nil
}

func (s *Session) DepositProgress() DepositProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Deposit
}

func (s *Session) BalanceHandle() common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.BalanceHandle
}

// SetRevealed stores the plaintext of handle and makes handle the session's balance handle. It
// is write-once: a second call returns the stored value together with ErrAlreadyRevealed.
func (s *Session) SetRevealed(handle common.Hash, value string, at time.Time) (RevealedBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Revealed != nil {
		return *s.rec.Revealed, ErrAlreadyRevealed
	}
	if s.rec.Step != StepDashboard {
		return RevealedBalance{}, fmt.Errorf("%w: reveal in step %s", ErrInvalidTransition, s.rec.Step)
	}
	if strings.TrimSpace(value) == "" {
		return RevealedBalance{}, fmt.Errorf("%w: empty revealed value", ErrInvalidInput)
	}
	if handle == (common.Hash{}) {
		return RevealedBalance{}, fmt.Errorf("%w: empty balance handle", ErrInvalidInput)
	}
	rb := RevealedBalance{Value: value, RevealedAt: at.UTC()}
	s.rec.Revealed = &rb
	s.rec.BalanceHandle = handle
	s.touch()
	return rb, nil
}

func (s *Session) Revealed() (RevealedBalance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Revealed == nil {
		return RevealedBalance{}, false
	}
	return *s.rec.Revealed, true
}

func (s *Session) touch() {
	s.rec.UpdatedAt = s.now().UTC()
}
