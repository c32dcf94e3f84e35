// Package app wires configuration into the running relay service: the
// Redis-backed coordination stores, the chain client and relayer identity,
// the HTTP surface, and the cleanup scheduler.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"relayd/internal/sweeper"
	astore "relayd/pkg/atomic"
	"relayd/pkg/chain"
	"relayd/pkg/config"
	"relayd/pkg/logger"
	"relayd/pkg/nonce"
	"relayd/pkg/opstore"
	"relayd/pkg/relay"
)

// App holds the relay service components and their lifecycle.
type App struct {
	cfg       *config.Config
	version   string
	commit    string
	buildDate string

	eth    *ethclient.Client
	signer *chain.Signer
	svc    *relay.Service
	ops    *opstore.Store
	sweep  *sweeper.Sweeper
	srv    *http.Server
	ready  atomic.Bool
}

// New validates cfg and builds every component that does not need a
// running context. Call Run to start the HTTP server and block until
// shutdown.
func New(cfg *config.Config, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required: the relay service shares state across processes")
	}
	config.SetRuntime(cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	coord := astore.NewRedisStoreFromClient(rdb, cfg.Redis.Prefix)
	ops := opstore.New(rdb, cfg.Redis.Prefix+"op:", cfg.Relayer.OperationTTL.Std())

	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc %s: %w", cfg.Chain.RPCURL, err)
	}

	signer, err := chain.NewSigner(cfg.Relayer.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid relayer key: %w", err)
	}

	gas := chain.NewEstimatingGasPolicy(eth, cfg.Relayer.GasMultiplier)
	caster, err := relay.NewEthBroadcaster(eth, signer, gas, cfg.Chain.ChainID,
		common.HexToAddress(cfg.Chain.PermissionsAddr))
	if err != nil {
		return nil, err
	}

	svc := relay.NewService(relay.ServiceConfig{
		Store:          coord,
		Ops:            ops,
		Nonces:         nonce.NewShared(coord, signer.Address()),
		Reader:         eth,
		Broadcaster:    caster,
		Receipts:       eth,
		LockTTL:        cfg.Relayer.LockTTL.Std(),
		ConfirmTimeout: cfg.Flow.ConfirmTimeout.Std(),
	})

	a := &App{
		cfg:       cfg,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		eth:       eth,
		signer:    signer,
		svc:       svc,
		ops:       ops,
	}

	if cfg.Sweep.Enabled {
		sw, err := sweeper.New(ops, cfg.Sweep.Cron)
		if err != nil {
			return nil, err
		}
		a.sweep = sw
	}
	return a, nil
}

// Run starts the sweeper and the HTTP server, then blocks until ctx is
// canceled or the server fails. Shutdown is graceful: in-flight requests
// get to finish before the listener closes.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	if a.sweep != nil {
		stop := a.sweep.Start(ctx)
		defer stop()
	}

	errCh := a.startHTTP()
	a.ready.Store(true)

	select {
	case <-ctx.Done():
		a.ready.Store(false)
		logger.Info("shutdown_started", "relayer", a.signer.Address().Hex())
		return a.stopHTTP()
	case err := <-errCh:
		a.ready.Store(false)
		return err
	}
}

func (a *App) printBanner() {
	ver := a.version
	if a.commit != "none" && a.commit != "" {
		ver += " (" + a.commit + ")"
	}
	if a.buildDate != "unknown" && a.buildDate != "" {
		ver += " @ " + a.buildDate
	}
	logger.Info("relayd_starting",
		"version", ver,
		"addr", a.cfg.Addr(),
		"chain", a.cfg.Chain.ChainID,
		"relayer", a.signer.Address().Hex(),
		"sweep", a.cfg.Sweep.Enabled,
	)
}
