package proclock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps locks in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]Lock
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, locks: make(map[string]Lock)}
}

func (s *MemoryStore) Acquire(_ context.Context, sessionID, holder string, ttl time.Duration) (Lock, bool, error) {
	if err := Validate(sessionID, holder, ttl); err != nil {
		return Lock{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.locks[sessionID]; ok && cur.ExpiresAt.After(now) {
		cur.Live = true
		return cur, false, nil
	}
	l := Lock{SessionID: sessionID, Holder: holder, ExpiresAt: now.Add(ttl), Live: true}
	s.locks[sessionID] = l
	return l, true, nil
}

func (s *MemoryStore) Release(_ context.Context, sessionID, holder string) error {
	if sessionID == "" || holder == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[sessionID]
	if !ok {
		return nil
	}
	if cur.Holder != holder {
		return ErrNotHolder
	}
	delete(s.locks, sessionID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (Lock, error) {
	if sessionID == "" {
		return Lock{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[sessionID]
	if !ok {
		return Lock{}, ErrNotFound
	}
	l.Live = l.ExpiresAt.After(s.now())
	return l, nil
}
