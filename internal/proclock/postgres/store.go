package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayumi-zama/ayumi/internal/proclock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("proclock/postgres: invalid config")

// Store keeps session locks in postgres. Expiry is judged by the database clock so replicas
// with skewed clocks agree on when a lock can be taken over.
type Store struct {
	pool *pgxpool.Pool
}

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
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("proclock/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, sessionID, holder string, ttl time.Duration) (proclock.Lock, bool, error) {
	if s == nil || s.pool == nil {
		return proclock.Lock{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := proclock.Validate(sessionID, holder, ttl); err != nil {
		return proclock.Lock{}, false, err
	}

	ttlMS := ttl.Milliseconds()
	if ttlMS <= 0 {
		ttlMS = 1
	}

	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO session_processing_locks (session_id, holder, expires_at, acquired_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now())
		ON CONFLICT (session_id) DO UPDATE
		SET holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at,
			acquired_at = now()
		WHERE session_processing_locks.expires_at <= now()
		RETURNING expires_at
	`, sessionID, holder, ttlMS).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, sessionID)
		if gerr != nil {
			return proclock.Lock{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return proclock.Lock{}, false, fmt.Errorf("proclock/postgres: acquire: %w", err)
	}
	return proclock.Lock{SessionID: sessionID, Holder: holder, ExpiresAt: expires, Live: true}, true, nil
}

func (s *Store) Release(ctx context.Context, sessionID, holder string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if sessionID == "" || holder == "" {
		return proclock.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM session_processing_locks WHERE session_id = $1 AND holder = $2`, sessionID, holder)
	if err != nil {
		return fmt.Errorf("proclock/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, err := s.Get(ctx, sessionID)
	if errors.Is(err, proclock.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Holder != holder {
		return proclock.ErrNotHolder
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (proclock.Lock, error) {
	if s == nil || s.pool == nil {
		return proclock.Lock{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if sessionID == "" {
		return proclock.Lock{}, proclock.ErrInvalidInput
	}

	l := proclock.Lock{SessionID: sessionID}
	err := s.pool.QueryRow(ctx, `
		SELECT holder, expires_at, expires_at > now()
		FROM session_processing_locks
		WHERE session_id = $1
	`, sessionID).Scan(&l.Holder, &l.ExpiresAt, &l.Live)
	if errors.Is(err, pgx.ErrNoRows) {
		return proclock.Lock{}, proclock.ErrNotFound
	}
	if err != nil {
		return proclock.Lock{}, fmt.Errorf("proclock/postgres: get: %w", err)
	}
	return l, nil
}
