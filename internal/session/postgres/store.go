package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ayumi-zama/ayumi/internal/session"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("session/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ session.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("session/postgres: ensure schema: %w", err)
	}
	return nil
}

type row struct {
	chainID        int64
	step           int16
	depositAmount  int64
	revealedValue  *string
	revealedAt     *time.Time
	approveTxBytes []byte
}

func toRow(rec session.Record) (row, error) {
	if rec.ChainID > math.MaxInt64 {
		return row{}, fmt.Errorf("%w: chain id too large", session.ErrInvalidInput)
	}
	if rec.Deposit.Amount > math.MaxInt64 {
		return row{}, fmt.Errorf("%w: deposit amount too large", session.ErrInvalidInput)
	}
	r := row{
		chainID:        int64(rec.ChainID),
		step:           int16(rec.Step),
		depositAmount:  int64(rec.Deposit.Amount),
		approveTxBytes: rec.Deposit.ApproveTx[:],
	}
	if rec.Revealed != nil {
		v := rec.Revealed.Value
		at := rec.Revealed.RevealedAt
		r.revealedValue = &v
		r.revealedAt = &at
	}
	return r, nil
}

func (s *Store) Create(ctx context.Context, rec session.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	r, err := toRow(rec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO portfolio_sessions (
			id,
			wallet,
			chain_id,
			step,
			balance_handle,
			revealed_value,
			revealed_at,
			deposit_amount,
			deposit_approved,
			approve_tx,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.Wallet[:], r.chainID, r.step, rec.BalanceHandle[:], r.revealedValue, r.revealedAt,
		r.depositAmount, rec.Deposit.Approved, r.approveTxBytes, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("session/postgres: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrAlreadyExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (session.Record, error) {
	if s == nil || s.pool == nil {
		return session.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if id == "" {
		return session.Record{}, session.ErrInvalidInput
	}

	var (
		walletRaw      []byte
		chainID        int64
		step           int16
		handleRaw      []byte
		revealedValue  *string
		revealedAt     *time.Time
		depositAmount  int64
		depositApprove bool
		approveTxRaw   []byte
		createdAt      time.Time
		updatedAt      time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			wallet,
			chain_id,
			step,
			balance_handle,
			revealed_value,
			revealed_at,
			deposit_amount,
			deposit_approved,
			approve_tx,
			created_at,
			updated_at
		FROM portfolio_sessions
		WHERE id = $1
	`, id).Scan(
		&walletRaw,
		&chainID,
		&step,
		&handleRaw,
		&revealedValue,
		&revealedAt,
		&depositAmount,
		&depositApprove,
		&approveTxRaw,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Record{}, session.ErrNotFound
		}
		return session.Record{}, fmt.Errorf("session/postgres: get: %w", err)
	}
	if len(walletRaw) != common.AddressLength || len(handleRaw) != common.HashLength || len(approveTxRaw) != common.HashLength {
		return session.Record{}, fmt.Errorf("session/postgres: get: corrupt row %q", id)
	}

	rec := session.Record{
		ID:            id,
		Wallet:        common.BytesToAddress(walletRaw),
		ChainID:       uint64(chainID),
		Step:          session.Step(step),
		BalanceHandle: common.BytesToHash(handleRaw),
		Deposit: session.DepositProgress{
			Amount:    uint64(depositAmount),
			Approved:  depositApprove,
			ApproveTx: common.BytesToHash(approveTxRaw),
		},
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}
	if revealedValue != nil && revealedAt != nil {
		rec.Revealed = &session.RevealedBalance{Value: *revealedValue, RevealedAt: revealedAt.UTC()}
	}
	return rec, nil
}

// Save overwrites the record. A revealed balance already stored, and the handle it was read
// from, is never replaced.
func (s *Store) Save(ctx context.Context, rec session.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	r, err := toRow(rec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE portfolio_sessions
		SET step = $2,
			balance_handle = CASE WHEN portfolio_sessions.revealed_value IS NULL THEN $3 ELSE portfolio_sessions.balance_handle END,
			revealed_value = COALESCE(portfolio_sessions.revealed_value, $4),
			revealed_at = COALESCE(portfolio_sessions.revealed_at, $5),
			deposit_amount = $6,
			deposit_approved = $7,
			approve_tx = $8,
			updated_at = $9
		WHERE id = $1
	`, rec.ID, r.step, rec.BalanceHandle[:], r.revealedValue, r.revealedAt,
		r.depositAmount, rec.Deposit.Approved, r.approveTxBytes, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("session/postgres: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if id == "" {
		return session.ErrInvalidInput
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM portfolio_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("session/postgres: delete: %w", err)
	}
	return nil
}
