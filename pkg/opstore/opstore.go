// Package opstore persists the state of relayed operations with TTL expiry
// and a per-status index for monitoring. The index is best-effort: a status
// move is a remove-then-add pair, not a transaction, which is acceptable
// for a monitoring surface and would not be for correctness-critical state.
package opstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relayd/pkg/logger"
)

// Status is the lifecycle state of a relayed operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Statuses lists every known status, for stats and sweeps.
var Statuses = []Status{StatusPending, StatusConfirmed, StatusFailed}

// ErrNotFound is returned by Update when no record exists for the ID.
var ErrNotFound = errors.New("opstore: operation not found")

// Operation is the persisted state of one relayed submission. Gas fields
// use the tagged BigInt codec so values beyond 2^53 round-trip exactly.
type Operation struct {
	ID          string         `json:"id"`
	Status      Status         `json:"status"`
	SubmittedAt int64          `json:"submitted_at"` // unix ms
	TxHash      string         `json:"tx_hash,omitempty"`
	UserAddress string         `json:"user_address,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
	GasLimit    *BigInt        `json:"gas_limit,omitempty"`
	GasFeeCap   *BigInt        `json:"gas_fee_cap,omitempty"`
	Error       string         `json:"error,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Patch holds the fields an Update may change. Nil pointers are left alone.
type Patch struct {
	Status    *Status
	TxHash    *string
	Attempts  *int
	GasLimit  *BigInt
	GasFeeCap *BigInt
	Error     *string
	Extra     map[string]any
}

// Stats is the aggregate monitoring view.
type Stats struct {
	Total         int64            `json:"total"`
	ByStatus      map[Status]int64 `json:"by_status"`
	OldestPending int64            `json:"oldest_pending,omitempty"` // unix ms, 0 when none
}

// client is the subset of *redis.Client the store needs; narrowed so tests
// can substitute a fake.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Store tracks relayed operations in Redis.
type Store struct {
	rdb    client
	prefix string
	ttl    time.Duration
}

// DefaultTTL bounds the lifetime of every stored record.
const DefaultTTL = 24 * time.Hour

// New returns a store over rdb. prefix defaults to "relayd:op:" and ttl to
// DefaultTTL when zero.
func New(rdb *redis.Client, prefix string, ttl time.Duration) *Store {
	return newStore(rdb, prefix, ttl)
}

func newStore(rdb client, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "relayd:op:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *Store) opKey(id string) string          { return s.prefix + id }
func (s *Store) statusKey(st Status) string      { return s.prefix + "status:" + string(st) }
func (s *Store) isStatusKey(key string) bool     { return strings.HasPrefix(key, s.prefix+"status:") }
func (s *Store) idFromKey(key string) string     { return strings.TrimPrefix(key, s.prefix) }

// Set stores op under id with the configured TTL and indexes the id under
// its status, scored by the current time. Index entries older than the TTL
// window are trimmed on each write.
func (s *Store) Set(ctx context.Context, id string, op *Operation) error {
	op.ID = id
	if op.SubmittedAt == 0 {
		op.SubmittedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to serialize operation %s: %w", id, err)
	}
	if err := s.rdb.Set(ctx, s.opKey(id), data, s.ttl).Err(); err != nil {
		return err
	}
	now := float64(time.Now().UnixMilli())
	if err := s.rdb.ZAdd(ctx, s.statusKey(op.Status), redis.Z{Score: now, Member: id}).Err(); err != nil {
		return err
	}
	cutoff := strconv.FormatInt(time.Now().Add(-s.ttl).UnixMilli(), 10)
	return s.rdb.ZRemRangeByScore(ctx, s.statusKey(op.Status), "-inf", cutoff).Err()
}

// Get returns the operation, or nil when absent. A record that fails to
// deserialize is treated as absent and logged; it is not an error.
func (s *Store) Get(ctx context.Context, id string) (*Operation, error) {
	raw, err := s.rdb.Get(ctx, s.opKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var op Operation
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		logger.Warn("opstore_corrupt_record", "id", id, "error", err)
		return nil, nil
	}
	return &op, nil
}

// Update merges patch into the existing record and re-persists it with a
// refreshed TTL. When the status changes the id is moved between status
// indices: a remove on the old index followed by an add on the new one.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*Operation, error) {
	op, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	oldStatus := op.Status
	if patch.Status != nil {
		op.Status = *patch.Status
	}
	if patch.TxHash != nil {
		op.TxHash = *patch.TxHash
	}
	if patch.Attempts != nil {
		op.Attempts = *patch.Attempts
	}
	if patch.GasLimit != nil {
		op.GasLimit = patch.GasLimit
	}
	if patch.GasFeeCap != nil {
		op.GasFeeCap = patch.GasFeeCap
	}
	if patch.Error != nil {
		op.Error = *patch.Error
	}
	if len(patch.Extra) > 0 {
		if op.Extra == nil {
			op.Extra = map[string]any{}
		}
		for k, v := range patch.Extra {
			op.Extra[k] = v
		}
	}

	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize operation %s: %w", id, err)
	}
	if err := s.rdb.Set(ctx, s.opKey(id), data, s.ttl).Err(); err != nil {
		return nil, err
	}
	if op.Status != oldStatus {
		if err := s.rdb.ZRem(ctx, s.statusKey(oldStatus), id).Err(); err != nil {
			return nil, err
		}
		if err := s.rdb.ZAdd(ctx, s.statusKey(op.Status), redis.Z{Score: float64(time.Now().UnixMilli()), Member: id}).Err(); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// Delete removes the record and its index entry. The index that holds the
// id is looked up from the record's current status, not guessed.
func (s *Store) Delete(ctx context.Context, id string) error {
	op, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, s.opKey(id)).Err(); err != nil {
		return err
	}
	if op != nil {
		return s.rdb.ZRem(ctx, s.statusKey(op.Status), id).Err()
	}
	return nil
}

// GetByStatus returns every non-expired operation under status. Index
// entries whose primary record has expired are skipped.
func (s *Store) GetByStatus(ctx context.Context, status Status) ([]*Operation, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-s.ttl).UnixMilli(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, s.statusKey(status), &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Operation, 0, len(ids))
	for _, id := range ids {
		op, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if op != nil {
			out = append(out, op)
		}
	}
	return out, nil
}

// Stats aggregates operation counts per status and the oldest pending
// submission time.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByStatus: map[Status]int64{}}
	for _, status := range Statuses {
		ops, err := s.GetByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		st.ByStatus[status] = int64(len(ops))
		st.Total += int64(len(ops))
		if status == StatusPending {
			for _, op := range ops {
				if st.OldestPending == 0 || op.SubmittedAt < st.OldestPending {
					st.OldestPending = op.SubmittedAt
				}
			}
		}
	}
	return st, nil
}

// Cleanup sweeps every primary key under the prefix, removing records whose
// submission time is older than the TTL window or whose payload no longer
// parses. The backend's native per-key expiry is the primary eviction
// mechanism; this sweep is the defensive backstop. Returns the number of
// records removed.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-s.ttl).UnixMilli()
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return removed, err
		}
		for _, key := range keys {
			if s.isStatusKey(key) {
				continue
			}
			raw, err := s.rdb.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return removed, err
			}
			var op Operation
			if uerr := json.Unmarshal([]byte(raw), &op); uerr != nil {
				logger.Warn("opstore_sweeping_corrupt_record", "key", key, "error", uerr)
				if err := s.Delete(ctx, s.idFromKey(key)); err != nil {
					return removed, err
				}
				removed++
				continue
			}
			if op.SubmittedAt < cutoff {
				if err := s.Delete(ctx, s.idFromKey(key)); err != nil {
					return removed, err
				}
				removed++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if removed > 0 {
		logger.Info("opstore_cleanup", "removed", removed)
	}
	return removed, nil
}
