package nonce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"relayd/pkg/atomic"
	"relayd/pkg/logger"
)

// Shared issues nonces for one signing identity through an atomic.Store,
// making issuance safe across processes. The counter holds the last-issued
// nonce, so Increment yields the next one; seeding happens once under a
// store lock and the seeded counter is authoritative from then on.
type Shared struct {
	store atomic.Store
	addr  common.Address
}

const seedLockTTL = 10 * time.Second

func NewShared(store atomic.Store, addr common.Address) *Shared {
	return &Shared{store: store, addr: addr}
}

func (s *Shared) counterKey() string { return "nonce:" + s.addr.Hex() }
func (s *Shared) lockKey() string    { return "nonce-seed:" + s.addr.Hex() }

// Next returns the next nonce, seeding the shared counter from the network
// on first use.
func (s *Shared) Next(ctx context.Context, reader Reader) (uint64, error) {
	if err := s.ensureSeeded(ctx, reader); err != nil {
		return 0, err
	}
	v, err := s.store.Increment(ctx, s.counterKey())
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("shared nonce counter underflow for %s: %d", s.addr.Hex(), v)
	}
	return uint64(v), nil
}

// Reset deletes the shared counter so the next issuance re-seeds.
func (s *Shared) Reset(ctx context.Context) error {
	return s.store.Delete(ctx, s.counterKey())
}

// Address returns the managed signing identity.
func (s *Shared) Address() common.Address { return s.addr }

func (s *Shared) ensureSeeded(ctx context.Context, reader Reader) error {
	_, err := s.store.Get(ctx, s.counterKey())
	if err == nil {
		return nil
	}
	if !errors.Is(err, atomic.ErrNotFound) {
		return err
	}

	// Seed under a store lock so only one process fetches and writes.
	for {
		token, err := s.store.AcquireLock(ctx, s.lockKey(), seedLockTTL)
		if err != nil {
			return err
		}
		if token != "" {
			defer func() { _ = s.store.ReleaseLock(ctx, s.lockKey(), token) }()
			// re-check: another process may have seeded before we locked
			if _, err := s.store.Get(ctx, s.counterKey()); err == nil {
				return nil
			} else if !errors.Is(err, atomic.ErrNotFound) {
				return err
			}
			n, err := reader.PendingNonceAt(ctx, s.addr)
			if err != nil {
				return err
			}
			// counter holds last-issued, so store n-1 and let Increment return n
			if err := s.store.Set(ctx, s.counterKey(), strconv.FormatInt(int64(n)-1, 10)); err != nil {
				return err
			}
			logger.Info("shared_nonce_seeded", "address", s.addr.Hex(), "next", n)
			return nil
		}

		// another holder is seeding; wait and re-check
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		if _, err := s.store.Get(ctx, s.counterKey()); err == nil {
			return nil
		} else if !errors.Is(err, atomic.ErrNotFound) {
			return err
		}
	}
}
