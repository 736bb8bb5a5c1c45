// Package dashboard drives one wallet's session: it gates which pipeline may run in the current
// step, persists the session after every change and publishes lifecycle events.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ayumi-zama/ayumi/internal/events"
	"github.com/ayumi-zama/ayumi/internal/fhe"
	"github.com/ayumi-zama/ayumi/internal/pipeline"
	"github.com/ayumi-zama/ayumi/internal/proclock"
	"github.com/ayumi-zama/ayumi/internal/session"
)

var ErrInvalidConfig = errors.New("dashboard: invalid config")

const (
	saveAttempts   = 3
	saveBackoff    = 50 * time.Millisecond
	persistTimeout = 5 * time.Second
)

// Chain is the chain surface the dashboard needs beyond the pipelines.
type Chain interface {
	pipeline.Chain
	TokenBalance(ctx context.Context) (*big.Int, error)
	Allowance(ctx context.Context) (*big.Int, error)
	CanClaim(ctx context.Context) (bool, error)
	TimeUntilNextClaim(ctx context.Context) (time.Duration, error)
}

type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

type Config struct {
	ChainID uint64

	// RevealValidForDays is the decryption authorization window; 0 means the default.
	RevealValidForDays uint32

	// Locks extends the processing flag to every replica sharing the session store. While a
	// replica holds the lock the stored record is authoritative. A run under the lock is
	// cancelled once nine tenths of LockTTL have passed, so it ends before the lock can be
	// taken over.
	Locks   proclock.Store
	Holder  string
	LockTTL time.Duration

	Now func() time.Time
}

type Controller struct {
	cfg   Config
	store session.Store
	chain Chain
	pub   Publisher
	log   *slog.Logger

	claimer *pipeline.Claimer
	deposit *pipeline.Deposit
	reveal  *pipeline.Reveal

	mu   sync.Mutex
	live *session.Session
	// unsaved is set while live holds progress the store has not accepted yet.
	unsaved bool

	saveMu sync.Mutex
}

func New(cfg Config, store session.Store, c Chain, enc fhe.Client, signer pipeline.TypedDataSigner, pub Publisher, log *slog.Logger) (*Controller, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
	}
	if cfg.Locks != nil && (cfg.Holder == "" || cfg.LockTTL <= 0) {
		return nil, fmt.Errorf("%w: locks need a holder and a positive ttl", ErrInvalidConfig)
	}
	if store == nil || c == nil || pub == nil {
		return nil, fmt.Errorf("%w: nil store, chain or publisher", ErrInvalidConfig)
	}
	if signer != nil && signer.Address() != c.Wallet() {
		return nil, fmt.Errorf("%w: signer %s does not own wallet %s", ErrInvalidConfig, signer.Address(), c.Wallet())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	claimer, err := pipeline.NewClaimer(c)
	if err != nil {
		return nil, err
	}
	deposit, err := pipeline.NewDeposit(c, enc, log)
	if err != nil {
		return nil, err
	}
	reveal, err := pipeline.NewReveal(pipeline.RevealConfig{ValidForDays: cfg.RevealValidForDays, Now: cfg.Now}, c, enc, signer, log)
	if err != nil {
		return nil, err
	}

	return &Controller{
		cfg:     cfg,
		store:   store,
		chain:   c,
		pub:     pub,
		log:     log.With("wallet", c.Wallet().Hex(), "chain_id", cfg.ChainID),
		claimer: claimer,
		deposit: deposit,
		reveal:  reveal,
	}, nil
}

// Open returns the wallet's session, resuming a stored one or creating it at the claim step.
func (c *Controller) Open(ctx context.Context) (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live != nil {
		return c.live, nil
	}

	id := session.ID(c.chain.Wallet(), c.cfg.ChainID)
	rec, err := c.store.Get(ctx, id)
	switch {
	case err == nil:
		s, err := session.FromRecord(rec, c.cfg.Now)
		if err != nil {
			return nil, fmt.Errorf("dashboard: load session: %w", err)
		}
		c.live = s
		c.log.Info("session resumed", "session_id", id, "step", s.Step())
		return s, nil
	case !errors.Is(err, session.ErrNotFound):
		return nil, fmt.Errorf("dashboard: load session: %w", err)
	}

	s, err := session.New(c.chain.Wallet(), c.cfg.ChainID, c.cfg.Now)
	if err != nil {
		return nil, fmt.Errorf("dashboard: new session: %w", err)
	}
	if err := c.store.Create(ctx, s.Snapshot()); err != nil {
		if !errors.Is(err, session.ErrAlreadyExists) {
			return nil, fmt.Errorf("dashboard: create session: %w", err)
		}
		// Another process created it first.
		rec, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("dashboard: load session: %w", err)
		}
		if s, err = session.FromRecord(rec, c.cfg.Now); err != nil {
			return nil, fmt.Errorf("dashboard: load session: %w", err)
		}
	}
	c.live = s
	c.log.Info("session opened", "session_id", id)
	return s, nil
}

// Status is a point-in-time view of the session.
type Status struct {
	Record     session.Record
	Processing bool
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	s, err := c.Open(ctx)
	if err != nil {
		return Status{}, err
	}
	if c.cfg.Locks == nil {
		return Status{Record: s.Snapshot(), Processing: s.Processing()}, nil
	}

	rec := s.Snapshot()
	if !c.isUnsaved(s) {
		if rec, err = c.store.Get(ctx, s.ID()); err != nil {
			return Status{}, fmt.Errorf("dashboard: load session: %w", err)
		}
	}
	l, err := c.cfg.Locks.Get(ctx, s.ID())
	switch {
	case errors.Is(err, proclock.ErrNotFound):
		return Status{Record: rec, Processing: s.Processing()}, nil
	case err != nil:
		return Status{}, fmt.Errorf("dashboard: read lock: %w", err)
	}
	return Status{Record: rec, Processing: s.Processing() || l.Live}, nil
}

// Claim runs the claim pipeline. A mined claim is never reported as failed because the session
// could not be stored.
func (c *Controller) Claim(ctx context.Context, amount uint64) (pipeline.ClaimResult, error) {
	runCtx, s, release, err := c.acquire(ctx)
	if err != nil {
		return pipeline.ClaimResult{}, err
	}
	defer release()

	res, err := c.claimer.Run(runCtx, s, amount)
	if err != nil {
		c.logFailure("claim", err)
		return res, err
	}
	c.log.Info("claim confirmed", "amount", amount, "tx_hash", res.Tx.Hash, "block", res.Tx.BlockNumber)
	c.publish(ctx, s, events.Event{Type: events.TypeClaimed, Amount: amount, TxHash: res.Tx.Hash.Hex(), Block: res.Tx.BlockNumber})
	c.persist(ctx, s)
	return res, nil
}

// Next moves from the claim step to the deposit step without claiming.
func (c *Controller) Next(ctx context.Context) error {
	return c.uiTransition(ctx, "next", events.TypeSkipped, (*session.Session).Skip)
}

func (c *Controller) Back(ctx context.Context) error {
	return c.uiTransition(ctx, "back", events.TypeBack, (*session.Session).Back)
}

func (c *Controller) uiTransition(ctx context.Context, op string, typ events.Type, fn func(*session.Session) error) error {
	_, s, unlock, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := fn(s); err != nil {
		c.logFailure(op, err)
		return err
	}
	c.publish(ctx, s, events.Event{Type: typ})
	c.persist(ctx, s)
	return nil
}

// Deposit runs the deposit pipeline. Progress made before a failure (a confirmed approval) is
// persisted so that a retry from another process also resumes at encryption. Like Claim, a mined
// deposit is reported as done even when the session could not be stored.
func (c *Controller) Deposit(ctx context.Context, amount uint64) (pipeline.DepositResult, error) {
	runCtx, s, release, err := c.acquire(ctx)
	if err != nil {
		return pipeline.DepositResult{}, err
	}
	defer release()

	res, runErr := c.deposit.Run(runCtx, s, amount)
	if res.ApproveTx != nil {
		c.publish(ctx, s, events.Event{Type: events.TypeDepositApproved, Amount: amount, TxHash: res.ApproveTx.Hash.Hex(), Block: res.ApproveTx.BlockNumber})
	}
	if runErr != nil {
		c.logFailure("deposit", runErr)
		if res.ApproveTx != nil {
			c.persist(ctx, s)
		}
		return res, runErr
	}
	c.publish(ctx, s, events.Event{Type: events.TypeDeposited, Amount: amount, TxHash: res.DepositTx.Hash.Hex(), Block: res.DepositTx.BlockNumber, Handle: res.Handle.Hex()})
	c.persist(ctx, s)
	return res, nil
}

func (c *Controller) Reveal(ctx context.Context) (pipeline.RevealResult, error) {
	runCtx, s, release, err := c.acquire(ctx)
	if err != nil {
		return pipeline.RevealResult{}, err
	}
	defer release()

	res, err := c.reveal.Run(runCtx, s)
	if err != nil {
		c.logFailure("reveal", err)
		return res, err
	}
	if res.Cached {
		return res, nil
	}
	c.log.Info("balance revealed", "handle", res.Handle)
	c.publish(ctx, s, events.Event{Type: events.TypeRevealed, Handle: res.Handle.Hex()})
	c.persist(ctx, s)
	return res, nil
}

// Balances are the wallet's plaintext token figures in base units.
type Balances struct {
	Token     *big.Int
	Allowance *big.Int
}

func (c *Controller) TokenBalance(ctx context.Context) (Balances, error) {
	bal, err := c.chain.TokenBalance(ctx)
	if err != nil {
		return Balances{}, err
	}
	allowance, err := c.chain.Allowance(ctx)
	if err != nil {
		return Balances{}, err
	}
	return Balances{Token: bal, Allowance: allowance}, nil
}

// ClaimStatus reports whether a claim would pass the cooldown check right now.
type ClaimStatus struct {
	CanClaim   bool
	RetryAfter time.Duration
}

func (c *Controller) ClaimStatus(ctx context.Context) (ClaimStatus, error) {
	ok, err := c.chain.CanClaim(ctx)
	if err != nil {
		return ClaimStatus{}, err
	}
	if ok {
		return ClaimStatus{CanClaim: true}, nil
	}
	wait, err := c.chain.TimeUntilNextClaim(ctx)
	if err != nil {
		return ClaimStatus{}, err
	}
	return ClaimStatus{RetryAfter: wait}, nil
}

// Logout deletes the session. A session with a pipeline in flight cannot be logged out.
func (c *Controller) Logout(ctx context.Context) error {
	_, s, unlock, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	release, err := s.TryBegin()
	if err != nil {
		return err
	}
	defer release()

	c.saveMu.Lock()
	err = c.store.Delete(ctx, s.ID())
	c.saveMu.Unlock()
	if err != nil {
		return fmt.Errorf("dashboard: delete session: %w", err)
	}

	c.mu.Lock()
	if c.live == s {
		c.live = nil
		c.unsaved = false
	}
	c.mu.Unlock()

	c.log.Info("logged out", "session_id", s.ID())
	c.publish(ctx, s, events.Event{Type: events.TypeLoggedOut})
	return nil
}

// acquire returns the session a state-changing operation should run against and the context
// its pipeline runs under. With a lock store configured it first takes the session's
// cross-replica lock and reloads the stored record, since another replica may have advanced it.
// The returned context then ends before the lock expires. The returned func releases the lock.
func (c *Controller) acquire(ctx context.Context) (context.Context, *session.Session, func(), error) {
	s, err := c.Open(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if c.cfg.Locks == nil {
		if c.isUnsaved(s) {
			c.persist(ctx, s)
		}
		return ctx, s, func() {}, nil
	}
	if s.Processing() {
		return nil, nil, nil, session.ErrBusy
	}

	id := s.ID()
	cur, ok, err := c.cfg.Locks.Acquire(ctx, id, c.cfg.Holder, c.cfg.LockTTL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dashboard: acquire lock: %w", err)
	}
	if !ok {
		c.log.Info("session locked", "session_id", id, "holder", cur.Holder, "expires_at", cur.ExpiresAt)
		return nil, nil, nil, session.ErrBusy
	}
	runCtx, cancelRun := context.WithTimeout(ctx, c.cfg.LockTTL-c.cfg.LockTTL/10)
	release := func() {
		cancelRun()
		// The request context may already be cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.cfg.Locks.Release(rctx, id, c.cfg.Holder); err != nil {
			c.log.Warn("release lock failed", "session_id", id, "err", err)
		}
	}

	fresh, err := c.reload(runCtx, s)
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	return runCtx, fresh, release, nil
}

// reload replaces the live session with the stored record, unless the live session holds
// progress the store has not accepted yet. That progress is written instead.
func (c *Controller) reload(ctx context.Context, s *session.Session) (*session.Session, error) {
	if c.isUnsaved(s) {
		c.persist(ctx, s)
		return s, nil
	}

	rec, err := c.store.Get(ctx, s.ID())
	if errors.Is(err, session.ErrNotFound) {
		// Logged out through another replica.
		c.mu.Lock()
		if c.live == s {
			c.live = nil
		}
		c.mu.Unlock()
		return c.Open(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("dashboard: load session: %w", err)
	}
	fresh, err := session.FromRecord(rec, c.cfg.Now)
	if err != nil {
		return nil, fmt.Errorf("dashboard: load session: %w", err)
	}
	c.mu.Lock()
	c.live = fresh
	c.mu.Unlock()
	if fresh.Step() != s.Step() {
		c.log.Info("session advanced elsewhere", "session_id", rec.ID, "step", fresh.Step())
	}
	return fresh, nil
}

func (c *Controller) isUnsaved(s *session.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsaved && c.live == s
}

// persist saves s with a bounded retry. It runs detached from ctx's cancellation so that
// confirmed on-chain progress is still written after the request ends. When every attempt fails
// the session stays live and marked unsaved; the next operation writes it before running.
func (c *Controller) persist(ctx context.Context, s *session.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		if err = c.save(ctx, s); err == nil {
			c.mu.Lock()
			if c.live == s {
				c.unsaved = false
			}
			c.mu.Unlock()
			return
		}
		if attempt < saveAttempts {
			time.Sleep(saveBackoff)
		}
	}

	c.mu.Lock()
	if c.live == s {
		c.unsaved = true
	}
	c.mu.Unlock()
	c.log.Error("session progress kept in memory only", "session_id", s.ID(), "step", s.Step(), "err", err)
}

func (c *Controller) save(ctx context.Context, s *session.Session) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if err := c.store.Save(ctx, s.Snapshot()); err != nil {
		c.log.Error("save session failed", "session_id", s.ID(), "err", err)
		return fmt.Errorf("dashboard: save session: %w", err)
	}
	return nil
}

func (c *Controller) publish(ctx context.Context, s *session.Session, e events.Event) {
	rec := s.Snapshot()
	e.SessionID = rec.ID
	e.Wallet = rec.Wallet.Hex()
	e.ChainID = rec.ChainID
	e.Step = rec.Step.String()
	e.At = c.cfg.Now()
	if err := c.pub.Publish(ctx, e); err != nil {
		c.log.Warn("publish event failed", "type", e.Type, "err", err)
	}
}

func (c *Controller) logFailure(op string, err error) {
	if errors.Is(err, session.ErrBusy) {
		c.log.Info("operation rejected while processing", "op", op)
		return
	}
	c.log.Warn("operation failed", "op", op, "err", err)
}
