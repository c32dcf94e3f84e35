package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesDurationsAndSizes(t *testing.T) {
	path := writeConfig(t, `
server:
  address: "127.0.0.1"
  port: 9000
  max_body_size: "1MB"
relayer:
  lock_ttl: "45s"
  operation_ttl: "12h"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if got := cfg.Relayer.LockTTL.Std(); got != 45*time.Second {
		t.Errorf("lock_ttl = %s, want 45s", got)
	}
	if got := cfg.Relayer.OperationTTL.Std(); got != 12*time.Hour {
		t.Errorf("operation_ttl = %s, want 12h", got)
	}
	if uint64(cfg.Server.MaxBodySize) != 1_000_000 {
		t.Errorf("max_body_size = %d, want 1000000", cfg.Server.MaxBodySize)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "relayer:\n  lock_ttl: \"soon\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for bad duration")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Addr() != DefaultAddr {
		t.Errorf("default addr = %q, want %q", cfg.Addr(), DefaultAddr)
	}
	if cfg.Redis.Prefix != DefaultRedisPrefix {
		t.Errorf("default prefix = %q", cfg.Redis.Prefix)
	}
	if cfg.Relayer.LockTTL.Std() != 30*time.Second {
		t.Errorf("default lock ttl = %s", cfg.Relayer.LockTTL.Std())
	}
	if cfg.Sweep.Cron != DefaultSweepCron {
		t.Errorf("default sweep cron = %q", cfg.Sweep.Cron)
	}
}

func TestValidateFailsFast(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing rpc url", func(c *Config) { c.Chain.RPCURL = "" }},
		{"missing chain id", func(c *Config) { c.Chain.ChainID = 0 }},
		{"missing permissions contract", func(c *Config) { c.Chain.PermissionsAddr = "" }},
		{"missing relayer key", func(c *Config) { c.Relayer.PrivateKey = "" }},
		{"pebble without path", func(c *Config) { c.Storage.Provider = "pebble"; c.Storage.DBPath = "" }},
		{"http without url", func(c *Config) { c.Storage.Provider = "http"; c.Storage.HTTPURL = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func validConfig() *Config {
	cfg := &Config{}
	cfg.Chain.RPCURL = "http://localhost:8545"
	cfg.Chain.ChainID = 1480
	cfg.Chain.PermissionsAddr = "0x1111111111111111111111111111111111111111"
	cfg.Relayer.PrivateKey = "8f2a559490"
	ApplyDefaults(cfg)
	return cfg
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAYD_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("RELAYD_CHAIN_ID", "31337")
	t.Setenv("RELAYD_API_KEYS", "a, b ,c")
	t.Setenv("RELAYD_ADDR", "0.0.0.0:9999")

	cfg := &Config{}
	if !ApplyEnv(cfg) {
		t.Fatal("env overrides not consumed")
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Chain.ChainID != 31337 {
		t.Errorf("chain id = %d", cfg.Chain.ChainID)
	}
	if len(cfg.Relayer.APIKeys) != 3 || cfg.Relayer.APIKeys[1] != "b" {
		t.Errorf("api keys = %v", cfg.Relayer.APIKeys)
	}
	if cfg.Addr() != "0.0.0.0:9999" {
		t.Errorf("addr = %q", cfg.Addr())
	}
}
