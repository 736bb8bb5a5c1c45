package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out nonces for one account. It seeds from the node's pending nonce and
// counts locally from there, so an approve followed right away by a deposit never reuses a
// nonce the node has not yet seen in its pool.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu     sync.Mutex
	next   uint64
	seeded bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{backend: backend, addr: addr}
}

func (m *NonceManager) Reserve(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.seeded {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next, m.seeded = n, true
	}
	n := m.next
	m.next++
	return n, nil
}

// Release gives back a nonce that was never broadcast. Only the latest reservation goes back in
// place; releasing an older one leaves a gap, so the counter is dropped and reseeded from the
// node on the next Reserve.
func (m *NonceManager) Release(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seeded && n+1 == m.next {
		m.next = n
		return
	}
	m.seeded = false
}
