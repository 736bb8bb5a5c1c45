package session

import (
	"context"
	"sync"
)

// Store persists session records.
//
// Semantics:
// - Create fails with ErrAlreadyExists if the id is taken.
// - Save overwrites an existing record and fails with ErrNotFound otherwise.
// - Delete is idempotent.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory Store intended for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return ErrAlreadyExists
	}
	s.recs[rec.ID] = rec.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	if id == "" {
		return Record{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; !ok {
		return ErrNotFound
	}
	s.recs[rec.ID] = rec.clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}
