package flow

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"relayd/pkg/chain"
	"relayd/pkg/relay"
	"relayd/pkg/server"
)

type memStorage struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStorage() *memStorage { return &memStorage{blobs: make(map[string][]byte)} }

func (s *memStorage) Upload(_ context.Context, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := "mem://" + name
	s.blobs[url] = append([]byte(nil), data...)
	return url, nil
}

func (s *memStorage) Download(_ context.Context, url string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[url]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", url)
	}
	return data, nil
}

type fakeRegistry struct {
	grantee    common.Address
	granteeErr error
	info       *chain.ServerInfo
}

func (f *fakeRegistry) Server(context.Context, *big.Int) (*chain.ServerInfo, error) {
	return f.info, nil
}

func (f *fakeRegistry) GranteeAddress(_ context.Context, id *big.Int) (common.Address, error) {
	if f.granteeErr != nil {
		return common.Address{}, fmt.Errorf("grantee %s: %w", id, f.granteeErr)
	}
	return f.grantee, nil
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls int
	errs  []error // consumed per call; nil entry means success
	last  relay.Submission
	hash  string
}

func (f *fakeSubmitter) Submit(_ context.Context, sub relay.Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = sub
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.hash, nil
}

type flowReceipts struct{ permissionID int64 }

func (f *flowReceipts) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	topic := crypto.Keccak256Hash([]byte("PermissionAdded(uint256,address)"))
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Topics: []common.Hash{topic, common.BigToHash(big.NewInt(f.permissionID))},
		}},
	}, nil
}

type fakeServer struct {
	mu       sync.Mutex
	polls    int
	perm     string
	failPoll bool
}

func (f *fakeServer) StartInference(_ context.Context, permissionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perm = permissionID
	return "job-1", nil
}

func (f *fakeServer) PollOperation(context.Context, string) (server.JobStatus, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls < 2 {
		return server.JobProcessing, "", nil
	}
	if f.failPoll {
		return server.JobFailed, "model exploded", nil
	}
	return server.JobSucceeded, `{"answer":42}`, nil
}

type nonceAt uint64

func (n nonceAt) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(n), nil
}

type rejectAll struct{ err error }

func (r rejectAll) Validate(context.Context, *big.Int, []byte) error { return r.err }

func testConfig(t *testing.T, wallet Wallet, sub *fakeSubmitter, srv *fakeServer) (Config, *memStorage) {
	t.Helper()
	serverKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}
	store := newMemStorage()
	return Config{
		Wallet:   wallet,
		Reader:   nonceAt(7),
		Storage:  store,
		Relayer:  sub,
		Registry: &fakeRegistry{
			grantee: common.HexToAddress("0x3333333333333333333333333333333333333333"),
			info: &chain.ServerInfo{
				Address:   crypto.PubkeyToAddress(serverKey.PublicKey),
				URL:       "https://server.example",
				PublicKey: "0x" + hex.EncodeToString(crypto.FromECDSAPub(&serverKey.PublicKey)),
			},
		},
		Server:         srv,
		Receipts:       &flowReceipts{permissionID: 123},
		Domain:         chain.Domain{Name: "DataPermissions", Version: "1", ChainID: 1480, VerifyingContract: "0x1111111111111111111111111111111111111111"},
		ConfirmTimeout: 5 * time.Second,
		PollInterval:   time.Millisecond,
		PollAttempts:   5,
		Retry:          fastRetry,
	}, store
}

func TestExecuteCompleteFlow(t *testing.T) {
	signer, err := chain.NewRandomSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	sub := &fakeSubmitter{hash: "0x" + strings.Repeat("ab", 32)}
	srv := &fakeServer{}
	cfg, store := testConfig(t, signer, sub, srv)

	var stages []Stage
	cfg.OnStatus = func(stage Stage, _ string) { stages = append(stages, stage) }

	payload := []byte(`{"message":"hello"}`)
	res, err := New(cfg).ExecuteCompleteFlow(context.Background(), Input{
		Payload:   payload,
		GranteeID: big.NewInt(5),
		ServerID:  big.NewInt(1),
		SchemaIDs: []*big.Int{big.NewInt(9)},
		Operation: "llm_inference",
	})
	if err != nil {
		t.Fatalf("ExecuteCompleteFlow: %v", err)
	}

	if res.PermissionID != "123" {
		t.Errorf("permission id = %q, want 123", res.PermissionID)
	}
	if len(res.TxHash) != 66 || !strings.HasPrefix(res.TxHash, "0x") {
		t.Errorf("tx hash = %q, want 0x-prefixed 66 chars", res.TxHash)
	}
	if res.OperationID != "job-1" {
		t.Errorf("operation id = %q", res.OperationID)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(res.InferenceResult), &parsed); err != nil {
		t.Errorf("inference result is not JSON: %q", res.InferenceResult)
	}
	if srv.perm != "123" {
		t.Errorf("inference started with permission %q, want 123", srv.perm)
	}

	// the uploaded blob must decrypt back to the payload under the
	// wallet-derived key
	key, err := chain.DeriveKey(signer, "")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	sealed, err := store.Download(context.Background(), res.FileURL)
	if err != nil {
		t.Fatalf("download ciphertext: %v", err)
	}
	plain, err := decryptPayload(key, sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plain, payload) {
		t.Errorf("decrypted payload = %q, want %q", plain, payload)
	}
	if bytes.Contains(sealed, []byte("hello")) {
		t.Error("ciphertext leaks plaintext")
	}

	// the submitted signature must recover the wallet, and the message
	// nonce must be the user's chain nonce
	sig, err := hex.DecodeString(strings.TrimPrefix(sub.last.Signature, "0x"))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	recovered, err := chain.RecoverTypedData(sub.last.TypedData, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.Address().Hex())
	}
	if got := sub.last.TypedData.Message["nonce"]; got != "7" {
		t.Errorf("message nonce = %v, want 7", got)
	}

	want := []Stage{StageEncrypt, StageUpload, StageGrant, StageWrapKey, StageSubmit, StageConfirm, StageInfer, StagePoll, StagePoll}
	if len(stages) != len(want) {
		t.Fatalf("stage sequence %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stage[%d] = %s, want %s", i, stages[i], want[i])
		}
	}
}

func TestWrapKeyForWithoutEncryptedPayload(t *testing.T) {
	signer, err := chain.NewRandomSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	cfg, _ := testConfig(t, signer, &fakeSubmitter{hash: "0x00"}, &fakeServer{})
	o := New(cfg)
	if _, _, err := o.WrapKeyFor(context.Background(), big.NewInt(1)); !errors.Is(err, ErrNoEncryptionKey) {
		t.Fatalf("expected ErrNoEncryptionKey, got %v", err)
	}
}

func TestEncryptionKeyCachedAcrossFlows(t *testing.T) {
	signer, err := chain.NewRandomSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	cfg, _ := testConfig(t, signer, &fakeSubmitter{hash: "0x" + strings.Repeat("cd", 32)}, &fakeServer{})
	o := New(cfg)

	k1, err := o.EncryptionKey()
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := o.EncryptionKey()
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("key not cached")
	}
	if len(k1) != 32 {
		t.Fatalf("key length = %d, want 32", len(k1))
	}
}

func TestStrictValidationAborts(t *testing.T) {
	signer, err := chain.NewRandomSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	sub := &fakeSubmitter{hash: "0x00"}
	cfg, _ := testConfig(t, signer, sub, &fakeServer{})
	cfg.Validation = ValidationStrict
	cfg.Schemas = rejectAll{err: errors.New("field message missing")}

	var failedStage Stage
	cfg.OnError = func(stage Stage, _ error) { failedStage = stage }

	_, err = New(cfg).ExecuteCompleteFlow(context.Background(), Input{
		Payload:   []byte(`{}`),
		GranteeID: big.NewInt(1),
		ServerID:  big.NewInt(1),
		SchemaIDs: []*big.Int{big.NewInt(9)},
	})
	if err == nil {
		t.Fatal("strict validation must abort the flow")
	}
	if failedStage != StageValidate {
		t.Fatalf("failed stage = %s, want %s", failedStage, StageValidate)
	}
	if sub.calls != 0 {
		t.Fatalf("nothing should be submitted, got %d calls", sub.calls)
	}
}

func TestWarnValidationContinues(t *testing.T) {
	signer, err := chain.NewRandomSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	cfg, _ := testConfig(t, signer, &fakeSubmitter{hash: "0x" + strings.Repeat("ef", 32)}, &fakeServer{})
	cfg.Validation = ValidationWarn
	cfg.Schemas = rejectAll{err: errors.New("field message missing")}

	res, err := New(cfg).ExecuteCompleteFlow(context.Background(), Input{
		Payload:   []byte(`{}`),
		GranteeID: big.NewInt(1),
		ServerID:  big.NewInt(1),
		SchemaIDs: []*big.Int{big.NewInt(9)},
	})
	if err != nil {
		t.Fatalf("warn mode must continue: %v", err)
	}
	if res.PermissionID != "123" {
		t.Fatalf("flow did not complete, got %+v", res)
	}
}

func TestSubmitNonceErrorNotRetried(t *testing.T) {
	signer, err := chain.NewRandomSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	nonceErr := errors.New("nonce too low")
	sub := &fakeSubmitter{errs: []error{nonceErr, nonceErr, nonceErr}}
	cfg, _ := testConfig(t, signer, sub, &fakeServer{})

	errorCalls := 0
	var failedStage Stage
	cfg.OnError = func(stage Stage, _ error) {
		errorCalls++
		failedStage = stage
	}

	_, err = New(cfg).ExecuteCompleteFlow(context.Background(), Input{
		Payload:   []byte(`{}`),
		GranteeID: big.NewInt(1),
		ServerID:  big.NewInt(1),
	})
	if err == nil {
		t.Fatal("expected submit failure")
	}
	if sub.calls != 1 {
		t.Fatalf("submit calls = %d; nonce errors must not be retried", sub.calls)
	}
	if errorCalls != 1 || failedStage != StageSubmit {
		t.Fatalf("error callback calls = %d stage = %s, want 1 call at submit", errorCalls, failedStage)
	}
}

func TestSubmitTransientErrorRetried(t *testing.T) {
	signer, err := chain.NewRandomSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	transient := errors.New("connection refused")
	sub := &fakeSubmitter{
		hash: "0x" + strings.Repeat("12", 32),
		errs: []error{transient, transient, nil},
	}
	cfg, _ := testConfig(t, signer, sub, &fakeServer{})

	res, err := New(cfg).ExecuteCompleteFlow(context.Background(), Input{
		Payload:   []byte(`{}`),
		GranteeID: big.NewInt(1),
		ServerID:  big.NewInt(1),
	})
	if err != nil {
		t.Fatalf("flow should recover from transient errors: %v", err)
	}
	if sub.calls != 3 {
		t.Fatalf("submit calls = %d, want 3", sub.calls)
	}
	if res.TxHash == "" {
		t.Fatal("missing tx hash after recovery")
	}
}

func TestGranteeResolutionFailsFast(t *testing.T) {
	signer, err := chain.NewRandomSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	sub := &fakeSubmitter{}
	cfg, _ := testConfig(t, signer, sub, &fakeServer{})
	cfg.Registry.(*fakeRegistry).granteeErr = errors.New("unknown grantee")

	_, err = New(cfg).ExecuteCompleteFlow(context.Background(), Input{
		Payload:   []byte(`{}`),
		GranteeID: big.NewInt(42),
		ServerID:  big.NewInt(1),
	})
	if err == nil {
		t.Fatal("expected grantee resolution failure")
	}
	if !strings.Contains(err.Error(), "42") {
		t.Fatalf("error should name the grantee id: %v", err)
	}
	if sub.calls != 0 {
		t.Fatal("nothing should be submitted after grantee failure")
	}
}

func TestPollSurfacesJobFailure(t *testing.T) {
	signer, err := chain.NewRandomSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	cfg, _ := testConfig(t, signer, &fakeSubmitter{hash: "0x" + strings.Repeat("34", 32)}, &fakeServer{failPoll: true})

	_, err = New(cfg).ExecuteCompleteFlow(context.Background(), Input{
		Payload:   []byte(`{}`),
		GranteeID: big.NewInt(1),
		ServerID:  big.NewInt(1),
	})
	if err == nil {
		t.Fatal("expected poll failure")
	}
	if !strings.Contains(err.Error(), "model exploded") {
		t.Fatalf("failure reason lost: %v", err)
	}
}
