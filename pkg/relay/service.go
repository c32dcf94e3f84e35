package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"relayd/pkg/atomic"
	"relayd/pkg/chain"
	"relayd/pkg/logger"
	"relayd/pkg/nonce"
	"relayd/pkg/opstore"
)

// ErrSignerMismatch means the recovered signer does not match the address
// the caller claimed. The submission is rejected before anything touches
// the chain.
var ErrSignerMismatch = errors.New("relay: signature does not match expected user address")

// ErrBusy means the per-user submission lock could not be acquired within
// the wait budget.
var ErrBusy = errors.New("relay: user submission already in flight")

// NonceSource issues relayer nonces; both nonce.Manager and nonce.Shared
// satisfy it.
type NonceSource interface {
	Next(ctx context.Context, reader nonce.Reader) (uint64, error)
}

// OperationTracker is the slice of the operation store the service and
// router use; *opstore.Store satisfies it.
type OperationTracker interface {
	Set(ctx context.Context, id string, op *opstore.Operation) error
	Update(ctx context.Context, id string, patch opstore.Patch) (*opstore.Operation, error)
	Get(ctx context.Context, id string) (*opstore.Operation, error)
	GetByStatus(ctx context.Context, status opstore.Status) ([]*opstore.Operation, error)
	Stats(ctx context.Context) (*opstore.Stats, error)
}

// Broadcaster turns a verified submission into an on-chain transaction
// paid for by the relayer identity.
type Broadcaster interface {
	Broadcast(ctx context.Context, sub Submission, relayerNonce uint64) (common.Hash, error)
}

// Service verifies signed submissions, serializes them per user through
// the atomic store, tracks them in the operation store, and broadcasts
// through the relayer identity.
type Service struct {
	store      atomic.Store
	ops        OperationTracker
	nonces     NonceSource
	reader     nonce.Reader
	caster     Broadcaster
	receipts   chain.ReceiptFetcher
	lockTTL    time.Duration
	confirmTTL time.Duration
}

// ServiceConfig wires a Service; all fields are required except
// ConfirmTimeout (default 2m) and LockTTL (default 30s).
type ServiceConfig struct {
	Store          atomic.Store
	Ops            OperationTracker
	Nonces         NonceSource
	Reader         nonce.Reader
	Broadcaster    Broadcaster
	Receipts       chain.ReceiptFetcher
	LockTTL        time.Duration
	ConfirmTimeout time.Duration
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	return &Service{
		store:      cfg.Store,
		ops:        cfg.Ops,
		nonces:     cfg.Nonces,
		reader:     cfg.Reader,
		caster:     cfg.Broadcaster,
		receipts:   cfg.Receipts,
		lockTTL:    cfg.LockTTL,
		confirmTTL: cfg.ConfirmTimeout,
	}
}

// HandleSubmission validates and broadcasts one signed submission,
// returning the operation ID and transaction hash.
func (s *Service) HandleSubmission(ctx context.Context, sub Submission) (string, string, error) {
	start := time.Now()
	if sub.Type != "signed" {
		return "", "", fmt.Errorf("unsupported submission type %q", sub.Type)
	}
	if sub.Operation != OperationAddPermission {
		return "", "", fmt.Errorf("unsupported operation %q", sub.Operation)
	}

	sig, err := decodeHexSig(sub.Signature)
	if err != nil {
		return "", "", err
	}
	recovered, err := chain.RecoverTypedData(sub.TypedData, sig)
	if err != nil {
		return "", "", err
	}
	expected := common.HexToAddress(sub.ExpectedUserAddress)
	if recovered != expected {
		logger.Warn("relay_signer_mismatch", "recovered", recovered.Hex(), "expected", expected.Hex())
		submissionsTotal.WithLabelValues("rejected").Inc()
		return "", "", fmt.Errorf("%w: recovered %s", ErrSignerMismatch, recovered.Hex())
	}

	opID := uuid.NewString()
	if err := s.ops.Set(ctx, opID, &opstore.Operation{
		Status:      opstore.StatusPending,
		UserAddress: recovered.Hex(),
	}); err != nil {
		return "", "", fmt.Errorf("failed to record operation: %w", err)
	}

	hash, err := s.broadcastLocked(ctx, recovered, sub)
	if err != nil {
		failed := opstore.StatusFailed
		msg := err.Error()
		if _, uerr := s.ops.Update(ctx, opID, opstore.Patch{Status: &failed, Error: &msg}); uerr != nil {
			logger.Error("relay_operation_update_failed", "id", opID, "error", uerr)
		}
		submissionsTotal.WithLabelValues("failed").Inc()
		return opID, "", err
	}

	hashHex := hash.Hex()
	if _, err := s.ops.Update(ctx, opID, opstore.Patch{TxHash: &hashHex}); err != nil {
		logger.Error("relay_operation_update_failed", "id", opID, "error", err)
	}
	submissionsTotal.WithLabelValues("accepted").Inc()
	relayLatency.Observe(time.Since(start).Seconds())
	logger.Info("relay_submission_broadcast", "id", opID, "tx", hashHex, "user", recovered.Hex())

	// confirmation runs in the background; the caller already has the hash
	go s.watchConfirmation(opID, hash)

	return opID, hashHex, nil
}

// broadcastLocked serializes broadcast per end-user so two submissions
// from one user cannot race each other's nonce on the relayer side.
func (s *Service) broadcastLocked(ctx context.Context, user common.Address, sub Submission) (common.Hash, error) {
	lockKey := "relay:" + user.Hex()
	var token string
	deadline := time.Now().Add(s.lockTTL)
	for {
		var err error
		token, err = s.store.AcquireLock(ctx, lockKey, s.lockTTL)
		if err != nil {
			return common.Hash{}, err
		}
		if token != "" {
			break
		}
		if time.Now().After(deadline) {
			return common.Hash{}, fmt.Errorf("%w: %s", ErrBusy, user.Hex())
		}
		select {
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	defer func() {
		if err := s.store.ReleaseLock(ctx, lockKey, token); err != nil {
			logger.Warn("relay_lock_release_failed", "key", lockKey, "error", err)
		}
	}()

	relayerNonce, err := s.nonces.Next(ctx, s.reader)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to issue relayer nonce: %w", err)
	}
	return s.caster.Broadcast(ctx, sub, relayerNonce)
}

func (s *Service) watchConfirmation(opID string, hash common.Hash) {
	ctx, cancel := context.WithTimeout(context.Background(), s.confirmTTL+time.Minute)
	defer cancel()

	permID, err := chain.WaitForPermission(ctx, s.receipts, hash, s.confirmTTL)
	if err != nil {
		failed := opstore.StatusFailed
		msg := err.Error()
		if _, uerr := s.ops.Update(ctx, opID, opstore.Patch{Status: &failed, Error: &msg}); uerr != nil {
			logger.Error("relay_operation_update_failed", "id", opID, "error", uerr)
		}
		logger.Warn("relay_confirmation_failed", "id", opID, "tx", hash.Hex(), "error", err)
		return
	}
	confirmed := opstore.StatusConfirmed
	if _, err := s.ops.Update(ctx, opID, opstore.Patch{
		Status: &confirmed,
		Extra:  map[string]any{"permission_id": permID.String()},
	}); err != nil {
		logger.Error("relay_operation_update_failed", "id", opID, "error", err)
	}
	logger.Info("relay_confirmed", "id", opID, "tx", hash.Hex(), "permission", permID.String())
}

func decodeHexSig(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(raw) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(raw))
	}
	return raw, nil
}
