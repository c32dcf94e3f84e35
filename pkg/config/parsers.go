package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	Config string
	Set    map[string]bool
}

// ParseCommandFlags parses the relay service flags. Flags win over env,
// env wins over the config file.
func ParseCommandFlags() Flags {
	addrPtr := flag.String("addr", DefaultAddr, "HTTP listen address")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, Config: *cfgPtr, Set: setFlags}
}

// ResolveConfigPath prefers an explicit flag, then RELAYD_CONFIG, then the
// default path.
func ResolveConfigPath(flagVal string, flagSet bool) string {
	if flagSet && flagVal != "" {
		return flagVal
	}
	if v := os.Getenv("RELAYD_CONFIG"); v != "" {
		return v
	}
	return flagVal
}

// ApplyEnv overlays RELAYD_* environment variables onto cfg. It returns
// true when any env var was consumed.
func ApplyEnv(cfg *Config) bool {
	used := false
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
			used = true
		}
	}
	setStr("RELAYD_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("RELAYD_REDIS_PASSWORD", &cfg.Redis.Password)
	setStr("RELAYD_REDIS_PREFIX", &cfg.Redis.Prefix)
	setStr("RELAYD_RPC_URL", &cfg.Chain.RPCURL)
	setStr("RELAYD_PERMISSIONS_CONTRACT", &cfg.Chain.PermissionsAddr)
	setStr("RELAYD_REGISTRY_CONTRACT", &cfg.Chain.RegistryAddr)
	setStr("RELAYD_RELAYER_KEY", &cfg.Relayer.PrivateKey)
	setStr("RELAYD_STORAGE_PROVIDER", &cfg.Storage.Provider)
	setStr("RELAYD_STORAGE_DB_PATH", &cfg.Storage.DBPath)
	setStr("RELAYD_STORAGE_HTTP_URL", &cfg.Storage.HTTPURL)
	setStr("RELAYD_TRUSTED_SERVER_URL", &cfg.Trusted.URL)
	setStr("RELAYD_LOG_LEVEL", &cfg.Logging.Level)
	setStr("RELAYD_LOG_FORMAT", &cfg.Logging.Format)

	if v := os.Getenv("RELAYD_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Chain.ChainID = n
			used = true
		}
	}
	if v := os.Getenv("RELAYD_API_KEYS"); v != "" {
		var keys []string
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				keys = append(keys, s)
			}
		}
		if len(keys) > 0 {
			cfg.Relayer.APIKeys = keys
			used = true
		}
	}
	if v := os.Getenv("RELAYD_ADDR"); v != "" {
		used = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	return used
}

// LoadEffective loads the config file (missing file is not fatal), applies
// env overrides, then defaults. Source reports where the listen address
// came from for the startup log line.
func LoadEffective(path string) (*Config, string, error) {
	cfg, err := Load(path)
	source := "config"
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, "", err
		}
		cfg = &Config{}
		source = "defaults"
	}
	if ApplyEnv(cfg) {
		source = "env"
	}
	ApplyDefaults(cfg)
	return cfg, source, nil
}
