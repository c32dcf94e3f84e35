// Package nonce issues transaction sequence numbers for a signing identity.
//
// Manager is a process-local cache: one instance per signing identity,
// constructed explicitly and injected into whatever submits transactions.
// If the same identity is driven from multiple processes, use Shared, which
// routes issuance through an atomic.Store; conflicting nonces are otherwise
// possible no matter how careful each process is.
package nonce

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"relayd/pkg/logger"
)

// DefaultStaleAfter is how long a cached nonce may sit unused before the
// next issuance re-seeds from the network. A prior transaction that failed
// without consuming its nonce leaves the cache ahead of the chain's
// authoritative count; re-seeding recovers from that drift.
const DefaultStaleAfter = 30 * time.Second

// Reader fetches the authoritative next nonce for an address.
// *ethclient.Client satisfies it via PendingNonceAt.
type Reader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Manager caches the next nonce for one signing identity.
type Manager struct {
	mu          sync.Mutex
	addr        common.Address
	nonce       uint64
	initialized bool
	lastUsedAt  time.Time
	staleAfter  time.Duration
}

// NewManager returns a manager for addr. staleAfter <= 0 uses the default.
func NewManager(addr common.Address, staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{addr: addr, staleAfter: staleAfter}
}

// Next returns the next nonce for the managed identity. Issuance is
// strictly serialized: callers block on the instance mutex and no two
// callers observe the same value.
func (m *Manager) Next(ctx context.Context, reader Reader) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized && time.Since(m.lastUsedAt) > m.staleAfter {
		logger.Debug("nonce_stale_reseed", "address", m.addr.Hex(), "idle", time.Since(m.lastUsedAt).String())
		m.initialized = false
	}

	if !m.initialized {
		n, err := reader.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.nonce = n
		m.initialized = true
		m.lastUsedAt = time.Now()
		return m.nonce, nil
	}

	m.nonce++
	m.lastUsedAt = time.Now()
	return m.nonce, nil
}

// Reset forces the next issuance to re-seed from the network. Used for
// explicit recovery and test isolation.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
}

// Address returns the managed signing identity.
func (m *Manager) Address() common.Address { return m.addr }
