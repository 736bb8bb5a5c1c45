// Package proclock holds per-session processing locks shared by every API replica that serves
// the same session store. The in-process flag on a session only protects one replica; the lock
// extends the one-pipeline-at-a-time rule across replicas.
package proclock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("proclock: invalid input")
	ErrNotFound     = errors.New("proclock: not found")
	ErrNotHolder    = errors.New("proclock: not holder")
)

// Lock records which replica is running a pipeline for a session and until when the claim holds.
type Lock struct {
	SessionID string
	Holder    string
	ExpiresAt time.Time

	// Live reports whether the lock was unexpired when read, judged by the store's clock.
	Live bool
}

// Store hands out session locks.
//
// Acquire succeeds when no lock exists for the session or the existing one has expired. When it
// does not succeed it returns the current lock. Release is a no-op for an absent lock. Get returns
// expired locks too; callers check Live rather than comparing ExpiresAt with their own clock.
type Store interface {
	Acquire(ctx context.Context, sessionID, holder string, ttl time.Duration) (Lock, bool, error)
	Release(ctx context.Context, sessionID, holder string) error
	Get(ctx context.Context, sessionID string) (Lock, error)
}

func Validate(sessionID, holder string, ttl time.Duration) error {
	if sessionID == "" || holder == "" {
		return fmt.Errorf("%w: session id and holder must be non-empty", ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
