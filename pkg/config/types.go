package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ByteSize unmarshals from human-friendly size strings ("1MB", "512KiB").
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		*b = 0
		return nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(v)
	return nil
}

// Config is the main configuration struct.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Chain   ChainConfig   `yaml:"chain"`
	Relayer RelayerConfig `yaml:"relayer"`
	Storage StorageConfig `yaml:"storage"`
	Trusted TrustedConfig `yaml:"trusted_server"`
	Flow    FlowConfig    `yaml:"flow"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP listener settings for the relay service.
type ServerConfig struct {
	Address     string   `yaml:"address"`
	Port        int      `yaml:"port"`
	MaxBodySize ByteSize `yaml:"max_body_size"`
}

// RedisConfig holds the shared coordination backend settings. The relay
// service requires Redis; the in-memory atomic store exists for embedded
// and test use only.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ChainConfig holds RPC endpoint and contract identities.
type ChainConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	ChainID         int64  `yaml:"chain_id"`
	PermissionsAddr string `yaml:"permissions_contract"`
	RegistryAddr    string `yaml:"registry_contract"`
	DomainName      string `yaml:"domain_name"`
	DomainVersion   string `yaml:"domain_version"`
}

// RelayerConfig holds the broadcasting identity and submission policy.
// PrivateKey is normally supplied via RELAYD_RELAYER_KEY rather than the
// config file.
type RelayerConfig struct {
	PrivateKey string   `yaml:"private_key"`
	APIKeys    []string `yaml:"api_keys"`
	RateLimit  struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	LockTTL       Duration `yaml:"lock_ttl"`
	OperationTTL  Duration `yaml:"operation_ttl"`
	GasMultiplier float64  `yaml:"gas_multiplier"`
}

// StorageConfig selects the blob storage provider for encrypted payloads.
type StorageConfig struct {
	Provider string `yaml:"provider"` // "pebble" or "http"
	DBPath   string `yaml:"db_path"`
	HTTPURL  string `yaml:"http_url"`
}

// TrustedConfig holds the trusted compute server endpoint.
type TrustedConfig struct {
	URL string `yaml:"url"`
}

// FlowConfig holds orchestrator timeouts and retry policy.
type FlowConfig struct {
	ConfirmTimeout  Duration `yaml:"confirm_timeout"`
	PollInterval    Duration `yaml:"poll_interval"`
	PollMaxAttempts int      `yaml:"poll_max_attempts"`
	RetryAttempts   int      `yaml:"retry_attempts"`
	RetryBaseDelay  Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   Duration `yaml:"retry_max_delay"`
}

// SweepConfig drives the operation-store cleanup scheduler.
type SweepConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// LoggingConfig holds log level and output format (text|json).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
