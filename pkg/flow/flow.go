// Package flow drives the end-user side of a permission grant from raw
// payload to inference result: encrypt, upload, grant, wrap the key for
// the trusted server, sign the EIP-712 grant, submit through the relayer,
// wait for on-chain confirmation, then start and poll inference. The
// pipeline is strictly sequential; each stage consumes the previous
// stage's output.
package flow

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"

	"relayd/pkg/chain"
	"relayd/pkg/logger"
	"relayd/pkg/nonce"
	"relayd/pkg/relay"
	"relayd/pkg/server"
	"relayd/pkg/storage"
)

// ErrNoEncryptionKey means a key-dependent stage ran before the payload
// was encrypted, so there is no cached symmetric key to wrap.
var ErrNoEncryptionKey = errors.New("flow: no encryption key cached; encrypt a payload first")

// Stage names the pipeline step a status or error callback refers to.
type Stage string

const (
	StageValidate Stage = "validate"
	StageEncrypt  Stage = "encrypt"
	StageUpload   Stage = "upload"
	StageGrant    Stage = "grant"
	StageWrapKey  Stage = "wrap_key"
	StageSubmit   Stage = "submit"
	StageConfirm  Stage = "confirm"
	StageInfer    Stage = "infer"
	StagePoll     Stage = "poll"
)

// ValidationMode controls how schema validation failures are treated.
type ValidationMode string

const (
	ValidationOff    ValidationMode = "off"
	ValidationWarn   ValidationMode = "warn"
	ValidationStrict ValidationMode = "strict"
)

// Wallet is the end-user signing identity; *chain.Signer satisfies it.
type Wallet interface {
	Address() common.Address
	SignMessage(msg []byte) ([]byte, error)
	SignTypedData(td apitypes.TypedData) ([]byte, error)
}

// TrustedServer starts and polls inference jobs; *server.Client satisfies
// it.
type TrustedServer interface {
	StartInference(ctx context.Context, permissionID string) (string, error)
	PollOperation(ctx context.Context, operationID string) (server.JobStatus, string, error)
}

// SchemaSource validates a payload against a schema ID. Optional; when
// absent the validate stage is skipped.
type SchemaSource interface {
	Validate(ctx context.Context, schemaID *big.Int, payload []byte) error
}

// Input is one grant-and-infer request.
type Input struct {
	Payload    []byte
	GranteeID  *big.Int
	ServerID   *big.Int
	SchemaIDs  []*big.Int
	Operation  string // inference operation named in the grant descriptor
	Parameters map[string]any
}

// Result collects everything a completed flow produced.
type Result struct {
	FileURL         string
	GrantURL        string
	TxHash          string
	PermissionID    string
	OperationID     string
	InferenceResult string
}

// Config wires an Orchestrator. Wallet, Storage, Relayer, Registry,
// Server, Receipts, and Reader are required; the rest have defaults.
type Config struct {
	Wallet   Wallet
	Reader   nonce.Reader // authoritative source of the user's chain nonce
	Storage  storage.Provider
	Relayer  relay.Submitter
	Registry chain.Registry
	Server   TrustedServer
	Receipts chain.ReceiptFetcher

	Domain         chain.Domain
	Validation     ValidationMode
	Schemas        SchemaSource
	ConfirmTimeout time.Duration // default 2m
	PollInterval   time.Duration // default 2s
	PollAttempts   int           // default 30
	Retry          RetryOptions

	OnStatus func(stage Stage, msg string)
	OnError  func(stage Stage, err error)
}

// Orchestrator runs complete flows for one wallet. The symmetric key is
// derived once per wallet and cached; flows on the same instance reuse it.
type Orchestrator struct {
	cfg Config

	mu     sync.Mutex
	encKey []byte
}

func New(cfg Config) *Orchestrator {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 30
	}
	if cfg.Validation == "" {
		cfg.Validation = ValidationOff
	}
	return &Orchestrator{cfg: cfg}
}

func (o *Orchestrator) emit(stage Stage, msg string) {
	if o.cfg.OnStatus != nil {
		o.cfg.OnStatus(stage, msg)
	}
	logger.Debug("flow_stage", "stage", string(stage), "msg", msg)
}

// failed reports the error once through the callback and wraps it with
// the stage name.
func (o *Orchestrator) failed(stage Stage, err error) error {
	wrapped := fmt.Errorf("%s: %w", stage, err)
	if o.cfg.OnError != nil {
		o.cfg.OnError(stage, err)
	}
	logger.Error("flow_stage_failed", "stage", string(stage), "error", err)
	return wrapped
}

// EncryptionKey returns the cached symmetric key, deriving it from the
// wallet on first use.
func (o *Orchestrator) EncryptionKey() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.encKey != nil {
		return o.encKey, nil
	}
	key, err := chain.DeriveKey(o.cfg.Wallet, "")
	if err != nil {
		return nil, err
	}
	o.encKey = key
	return key, nil
}

// WrapKeyFor wraps the cached symmetric key for the server registered
// under serverID. It fails with ErrNoEncryptionKey when no payload has
// been encrypted yet, and fails fast when the registry record carries no
// public key.
func (o *Orchestrator) WrapKeyFor(ctx context.Context, serverID *big.Int) (string, *chain.ServerInfo, error) {
	o.mu.Lock()
	key := o.encKey
	o.mu.Unlock()
	if key == nil {
		return "", nil, ErrNoEncryptionKey
	}
	info, err := o.cfg.Registry.Server(ctx, serverID)
	if err != nil {
		return "", nil, err
	}
	wrapped, err := chain.WrapKey(key, info.PublicKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to wrap key for server %s: %w", serverID, err)
	}
	return wrapped, info, nil
}

// ExecuteCompleteFlow runs the whole pipeline for one input.
func (o *Orchestrator) ExecuteCompleteFlow(ctx context.Context, in Input) (*Result, error) {
	res := &Result{}

	// 1. validate
	if o.cfg.Validation != ValidationOff && o.cfg.Schemas != nil {
		o.emit(StageValidate, "validating payload")
		for _, id := range in.SchemaIDs {
			if err := o.cfg.Schemas.Validate(ctx, id, in.Payload); err != nil {
				if o.cfg.Validation == ValidationStrict {
					return nil, o.failed(StageValidate, err)
				}
				logger.Warn("flow_validation_warning", "schema", id.String(), "error", err)
				o.emit(StageValidate, fmt.Sprintf("schema %s: %v (continuing)", id, err))
			}
		}
	}

	// 2. encrypt
	o.emit(StageEncrypt, "encrypting payload")
	key, err := o.EncryptionKey()
	if err != nil {
		return nil, o.failed(StageEncrypt, err)
	}
	sealed, err := encryptPayload(key, in.Payload)
	if err != nil {
		return nil, o.failed(StageEncrypt, err)
	}

	// 3. upload ciphertext
	o.emit(StageUpload, "uploading encrypted payload")
	res.FileURL, err = o.cfg.Storage.Upload(ctx, "data-"+uuid.NewString(), sealed)
	if err != nil {
		return nil, o.failed(StageUpload, err)
	}

	// 4. grant descriptor
	o.emit(StageGrant, "resolving grantee and uploading grant")
	grantee, err := o.cfg.Registry.GranteeAddress(ctx, in.GranteeID)
	if err != nil {
		return nil, o.failed(StageGrant, fmt.Errorf("grantee %s: %w", in.GranteeID, err))
	}
	grant, err := json.Marshal(map[string]any{
		"grantee":    grantee.Hex(),
		"operation":  in.Operation,
		"parameters": in.Parameters,
	})
	if err != nil {
		return nil, o.failed(StageGrant, err)
	}
	res.GrantURL, err = o.cfg.Storage.Upload(ctx, "grant-"+uuid.NewString(), grant)
	if err != nil {
		return nil, o.failed(StageGrant, err)
	}

	// 5. wrap key for the trusted server
	o.emit(StageWrapKey, "wrapping encryption key")
	wrapped, srv, err := o.WrapKeyFor(ctx, in.ServerID)
	if err != nil {
		return nil, o.failed(StageWrapKey, err)
	}

	// 6. sign and submit; the user's own chain nonce is authoritative
	o.emit(StageSubmit, "signing and submitting grant")
	userNonce, err := o.cfg.Reader.PendingNonceAt(ctx, o.cfg.Wallet.Address())
	if err != nil {
		return nil, o.failed(StageSubmit, fmt.Errorf("failed to read user nonce: %w", err))
	}
	td := chain.NewTypedData(o.cfg.Domain, chain.GrantMessage{
		Nonce:           userNonce,
		GranteeID:       in.GranteeID,
		Grant:           res.GrantURL,
		FileURLs:        []string{res.FileURL},
		SchemaIDs:       in.SchemaIDs,
		ServerAddress:   srv.Address.Hex(),
		ServerURL:       srv.URL,
		ServerPublicKey: srv.PublicKey,
		FilePermissions: []chain.FilePermission{{Account: srv.Address.Hex(), Key: wrapped}},
	})
	sig, err := o.cfg.Wallet.SignTypedData(td)
	if err != nil {
		return nil, o.failed(StageSubmit, err)
	}
	sub := relay.Submission{
		Type:                "signed",
		Operation:           relay.OperationAddPermission,
		TypedData:           td,
		Signature:           "0x" + hex.EncodeToString(sig),
		ExpectedUserAddress: o.cfg.Wallet.Address().Hex(),
	}
	res.TxHash, err = ExecuteWithSelectiveRetry(ctx, o.cfg.Retry, func(ctx context.Context) (string, error) {
		return o.cfg.Relayer.Submit(ctx, sub)
	})
	if err != nil {
		return nil, o.failed(StageSubmit, err)
	}

	// 7. confirm; an absent event is fatal, never retried: the
	// transaction already mined and a resubmit would double-grant
	o.emit(StageConfirm, "waiting for on-chain confirmation")
	permID, err := chain.WaitForPermission(ctx, o.cfg.Receipts, common.HexToHash(res.TxHash), o.cfg.ConfirmTimeout)
	if err != nil {
		return nil, o.failed(StageConfirm, err)
	}
	res.PermissionID = permID.String()

	// 8. start inference
	o.emit(StageInfer, "starting inference")
	res.OperationID, err = ExecuteWithSelectiveRetry(ctx, o.cfg.Retry, func(ctx context.Context) (string, error) {
		return o.cfg.Server.StartInference(ctx, res.PermissionID)
	})
	if err != nil {
		return nil, o.failed(StageInfer, err)
	}

	// 9. poll until terminal
	o.emit(StagePoll, "polling inference operation")
	res.InferenceResult, err = o.pollOperation(ctx, res.OperationID)
	if err != nil {
		return nil, o.failed(StagePoll, err)
	}

	o.emit(StagePoll, "flow complete")
	logger.Info("flow_complete", "permission", res.PermissionID, "tx", res.TxHash, "operation", res.OperationID)
	return res, nil
}

func (o *Orchestrator) pollOperation(ctx context.Context, operationID string) (string, error) {
	type pollOut struct {
		status server.JobStatus
		result string
	}
	for attempt := 1; attempt <= o.cfg.PollAttempts; attempt++ {
		out, err := ExecuteWithSelectiveRetry(ctx, o.cfg.Retry, func(ctx context.Context) (pollOut, error) {
			st, result, err := o.cfg.Server.PollOperation(ctx, operationID)
			return pollOut{status: st, result: result}, err
		})
		if err != nil {
			return "", err
		}
		switch out.status {
		case server.JobSucceeded:
			return out.result, nil
		case server.JobFailed:
			return "", fmt.Errorf("inference operation %s failed: %s", operationID, out.result)
		}
		if attempt == o.cfg.PollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}
	}
	return "", fmt.Errorf("inference operation %s not terminal after %d attempts", operationID, o.cfg.PollAttempts)
}
