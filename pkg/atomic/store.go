// Package atomic provides atomic counters and distributed mutual-exclusion
// locks over a shared backend. The Redis implementation is the one intended
// for cross-process coordination; the in-memory implementation carries the
// same semantics for tests and single-process runs.
package atomic

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Store is the coordination surface shared by the nonce manager, the relay
// service, and anything else that needs cross-process atomicity.
type Store interface {
	// Increment atomically increments key and returns the new value.
	// Absent keys are treated as 0, so the first call returns 1.
	Increment(ctx context.Context, key string) (int64, error)

	// AcquireLock attempts to take the named lock with the given TTL. It
	// returns a holder token on success and "" (with nil error) when the
	// lock is already held.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)

	// ReleaseLock releases the lock only when token matches the stored
	// holder. A mismatched or absent lock is a no-op, never an error.
	ReleaseLock(ctx context.Context, key, token string) error

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = fmt.Errorf("atomic: key not found")

// newToken builds a lock-holder token. Timestamp plus random suffix is
// enough to avoid collision between concurrent acquirers; it only guards
// against accidental release, not adversarial actors.
func newToken() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}
