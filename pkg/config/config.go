package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither file, env, nor flags specify a value.
const (
	DefaultAddr         = ":8090"
	DefaultRedisPrefix  = "relayd:"
	DefaultLockTTL      = "30s"
	DefaultOperationTTL = "24h"
	DefaultSweepCron    = "*/10 * * * *"
)

var (
	runtimeMu  sync.RWMutex
	runtimeCfg *Config
)

// SetRuntime stores the canonical config used by the running service so
// other packages can query it without threading it everywhere.
func SetRuntime(cfg *Config) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtimeCfg = cfg
}

// Runtime returns the canonical running config, or nil before startup.
func Runtime() *Config {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	return runtimeCfg
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with service defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Address == "" && cfg.Server.Port == 0 {
		cfg.Server.Address = DefaultAddr
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = DefaultRedisPrefix
	}
	if cfg.Relayer.LockTTL == 0 {
		cfg.Relayer.LockTTL = mustDuration(DefaultLockTTL)
	}
	if cfg.Relayer.OperationTTL == 0 {
		cfg.Relayer.OperationTTL = mustDuration(DefaultOperationTTL)
	}
	if cfg.Relayer.GasMultiplier == 0 {
		cfg.Relayer.GasMultiplier = 1.2
	}
	if cfg.Sweep.Cron == "" {
		cfg.Sweep.Cron = DefaultSweepCron
	}
	if cfg.Chain.DomainName == "" {
		cfg.Chain.DomainName = "DataPermissions"
	}
	if cfg.Chain.DomainVersion == "" {
		cfg.Chain.DomainVersion = "1"
	}
	if cfg.Flow.PollMaxAttempts == 0 {
		cfg.Flow.PollMaxAttempts = 60
	}
	if cfg.Flow.RetryAttempts == 0 {
		cfg.Flow.RetryAttempts = 3
	}
}

// Validate fails fast on configuration the service cannot run without.
// Missing credentials are configuration errors and are never retried.
func Validate(cfg *Config) error {
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain.chain_id is required")
	}
	if cfg.Chain.PermissionsAddr == "" {
		return fmt.Errorf("chain.permissions_contract is required")
	}
	if cfg.Relayer.PrivateKey == "" {
		return fmt.Errorf("relayer private key is required (set RELAYD_RELAYER_KEY)")
	}
	if cfg.Storage.Provider == "pebble" && cfg.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required for the pebble provider")
	}
	if cfg.Storage.Provider == "http" && cfg.Storage.HTTPURL == "" {
		return fmt.Errorf("storage.http_url is required for the http provider")
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	if c.Server.Port != 0 {
		return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
	}
	return c.Server.Address
}

func mustDuration(s string) Duration {
	var d Duration
	n := yamlScalar(s)
	if err := d.UnmarshalYAML(n); err != nil {
		panic(err)
	}
	return d
}

func yamlScalar(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: s}
}
