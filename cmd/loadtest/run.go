package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"relayd/pkg/chain"
	"relayd/pkg/flow"
	"relayd/pkg/logger"
	"relayd/pkg/relay"
	"relayd/pkg/server"
	"relayd/pkg/storage"
)

type runOptions struct {
	count      int // simulated users
	total      int // flows per user
	concurrent int // users in flight at once
	preset     string

	relayerURL string
	serverURL  string
	rpcURL     string
	apiKey     string

	registryAddr string
	contractAddr string
	chainID      int64
	granteeID    int64
	serverID     int64
	schemaID     int64

	domainName    string
	domainVersion string

	storagePath string
	keysFile    string
	threshold   float64
	flowTimeout time.Duration
}

// presets bundle count/total/concurrent for common shapes.
var presets = map[string]struct{ count, total, concurrent int }{
	"smoke":  {count: 5, total: 1, concurrent: 2},
	"steady": {count: 50, total: 4, concurrent: 10},
	"burst":  {count: 200, total: 1, concurrent: 100},
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive complete grant-and-infer flows with simulated users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoadTest(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.count, "count", 5, "number of simulated users")
	f.IntVar(&opts.total, "total", 1, "flows per user")
	f.IntVar(&opts.concurrent, "concurrent", 2, "users running at once")
	f.StringVar(&opts.preset, "preset", "", "load shape preset (smoke|steady|burst), overrides count/total/concurrent")
	f.StringVar(&opts.relayerURL, "relayer-url", "http://localhost:8090", "relay service base URL")
	f.StringVar(&opts.serverURL, "server-url", "http://localhost:8091", "trusted server base URL")
	f.StringVar(&opts.rpcURL, "rpc-url", "http://localhost:8545", "chain RPC endpoint")
	f.StringVar(&opts.apiKey, "api-key", "", "relay API key")
	f.StringVar(&opts.registryAddr, "registry-contract", "", "registry contract address")
	f.StringVar(&opts.contractAddr, "permissions-contract", "", "permissions contract address (EIP-712 verifying contract)")
	f.Int64Var(&opts.chainID, "chain-id", 1480, "chain ID for the EIP-712 domain")
	f.Int64Var(&opts.granteeID, "grantee-id", 1, "grantee registry ID")
	f.Int64Var(&opts.serverID, "server-id", 1, "trusted server registry ID")
	f.Int64Var(&opts.schemaID, "schema-id", 1, "schema ID attached to grants")
	f.StringVar(&opts.domainName, "domain-name", "DataPermissions", "EIP-712 domain name")
	f.StringVar(&opts.domainVersion, "domain-version", "1", "EIP-712 domain version")
	f.StringVar(&opts.storagePath, "storage-path", "./loadtest-blobs", "pebble blob store path")
	f.StringVar(&opts.keysFile, "keys-file", "", "file of pre-funded user keys (one hex key per line, from fund --out)")
	f.Float64Var(&opts.threshold, "threshold", 0.95, "minimum success rate; exit non-zero below it")
	f.DurationVar(&opts.flowTimeout, "flow-timeout", 5*time.Minute, "per-flow timeout")
	return cmd
}

func runLoadTest(ctx context.Context, opts *runOptions) error {
	if opts.preset != "" {
		p, ok := presets[opts.preset]
		if !ok {
			return fmt.Errorf("unknown preset %q", opts.preset)
		}
		opts.count, opts.total, opts.concurrent = p.count, p.total, p.concurrent
	}
	if opts.registryAddr == "" {
		return fmt.Errorf("--registry-contract is required")
	}
	if opts.contractAddr == "" {
		return fmt.Errorf("--permissions-contract is required")
	}

	ping := newPinger()
	if err := ping.check(opts.relayerURL + "/healthz"); err != nil {
		return err
	}
	if err := ping.check(opts.serverURL + "/healthz"); err != nil {
		return err
	}

	eth, err := ethclient.Dial(opts.rpcURL)
	if err != nil {
		return fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	registry, err := chain.NewServerRegistry(eth, common.HexToAddress(opts.registryAddr))
	if err != nil {
		return err
	}
	blobs, err := storage.OpenPebble(opts.storagePath)
	if err != nil {
		return err
	}
	defer blobs.Close()

	signers, err := loadOrGenerateSigners(opts.keysFile, opts.count)
	if err != nil {
		return err
	}

	m := newMetrics()
	start := time.Now()
	sema := make(chan struct{}, opts.concurrent)
	var wg sync.WaitGroup

	for i, signer := range signers {
		wg.Add(1)
		go func(userIdx int, signer *chain.Signer) {
			defer wg.Done()
			sema <- struct{}{}
			defer func() { <-sema }()
			runUser(ctx, opts, m, userIdx, signer, eth, registry, blobs)
		}(i, signer)
	}
	wg.Wait()

	fmt.Print(m.report(time.Since(start)))
	if rate := m.successRate(); rate < opts.threshold {
		return fmt.Errorf("success rate %.3f below threshold %.3f", rate, opts.threshold)
	}
	return nil
}

// runUser drives all of one simulated user's flows sequentially, reusing
// one orchestrator so the derived encryption key is cached across flows.
func runUser(ctx context.Context, opts *runOptions, m *metrics, userIdx int, signer *chain.Signer, eth *ethclient.Client, registry chain.Registry, blobs storage.Provider) {
	var failedStage flow.Stage
	orch := flow.New(flow.Config{
		Wallet:   signer,
		Reader:   eth,
		Storage:  blobs,
		Relayer:  relay.NewHTTPClient(opts.relayerURL, opts.apiKey),
		Registry: registry,
		Server:   server.NewClient(opts.serverURL, opts.chainID),
		Receipts: eth,
		Domain: chain.Domain{
			Name:              opts.domainName,
			Version:           opts.domainVersion,
			ChainID:           opts.chainID,
			VerifyingContract: opts.contractAddr,
		},
		OnError: func(stage flow.Stage, _ error) { failedStage = stage },
	})

	for n := 0; n < opts.total; n++ {
		payload := []byte(fmt.Sprintf(`{"message":"load test","user":%d,"run":%q}`, userIdx, uuid.NewString()))
		failedStage = ""

		fctx, cancel := context.WithTimeout(ctx, opts.flowTimeout)
		flowStart := time.Now()
		_, err := orch.ExecuteCompleteFlow(fctx, flow.Input{
			Payload:   payload,
			GranteeID: big.NewInt(opts.granteeID),
			ServerID:  big.NewInt(opts.serverID),
			SchemaIDs: []*big.Int{big.NewInt(opts.schemaID)},
			Operation: "llm_inference",
		})
		cancel()

		if err != nil {
			stage := string(failedStage)
			if stage == "" {
				stage = "unknown"
			}
			logger.Warn("flow_failed", "user", userIdx, "stage", stage, "error", err)
			m.recordFailure(stage)
			continue
		}
		m.recordSuccess(time.Since(flowStart))
	}
}

func loadOrGenerateSigners(keysFile string, count int) ([]*chain.Signer, error) {
	if keysFile == "" {
		signers := make([]*chain.Signer, count)
		for i := range signers {
			s, err := chain.NewRandomSigner()
			if err != nil {
				return nil, err
			}
			signers[i] = s
		}
		return signers, nil
	}

	b, err := os.ReadFile(keysFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read keys file: %w", err)
	}
	var signers []*chain.Signer
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s, err := chain.NewSigner(line)
		if err != nil {
			return nil, fmt.Errorf("bad key in %s: %w", keysFile, err)
		}
		signers = append(signers, s)
		if len(signers) == count {
			break
		}
	}
	if len(signers) < count {
		return nil, fmt.Errorf("keys file has %d keys, need %d", len(signers), count)
	}
	return signers, nil
}
