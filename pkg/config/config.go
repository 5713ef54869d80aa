package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

const (
	CustodyClient = "client"
	CustodyServer = "server"
)

const (
	defaultPort              = 8080
	defaultDBPath            = "./.keyrelay"
	defaultMaxRequestSize    = 1 << 20
	defaultRPS               = 200
	defaultBurst             = 400
	defaultClaimRPS          = 5
	defaultClaimBurst        = 20
	defaultMaxBatch          = 100
	defaultMaxClaim          = 10
	defaultLowWatermark      = 10
	defaultSignedGracePeriod = 7 * 24 * time.Hour
	defaultUsedPreKeyTTL     = 30 * 24 * time.Hour
	defaultRetentionCron     = "0 3 * * *" // daily at 03:00
	defaultRetentionBatch    = 10000
	masterKeyLen             = 32
)

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	_ = c.ValidateConfig()
	return c
}

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ValidateConfig fills in missing defaults and returns an error if any
// configured value is invalid.
func (c *Config) ValidateConfig() error {
	if c.Server.DBPath == "" {
		c.Server.DBPath = defaultDBPath
	}
	if c.Server.MaxRequestSize <= 0 {
		c.Server.MaxRequestSize = defaultMaxRequestSize
	}

	rl := &c.Security.RateLimit
	if rl.RPS <= 0 {
		rl.RPS = defaultRPS
	}
	if rl.Burst <= 0 {
		rl.Burst = defaultBurst
	}
	if rl.ClaimRPS <= 0 {
		rl.ClaimRPS = defaultClaimRPS
	}
	if rl.ClaimBurst <= 0 {
		rl.ClaimBurst = defaultClaimBurst
	}

	cu := &c.Security.Custody
	cu.Mode = strings.ToLower(strings.TrimSpace(cu.Mode))
	switch cu.Mode {
	case "":
		cu.Mode = CustodyClient
	case CustodyClient:
	case CustodyServer:
		if cu.MasterKeyHex == "" && cu.MasterKeyFile == "" {
			return fmt.Errorf("server custody requires security.custody.master_key_hex or master_key_file")
		}
	default:
		return fmt.Errorf("invalid custody mode: %q", cu.Mode)
	}

	pk := &c.PreKeys
	if pk.MaxBatch <= 0 {
		pk.MaxBatch = defaultMaxBatch
	}
	if pk.MaxClaim <= 0 {
		pk.MaxClaim = defaultMaxClaim
	}
	if pk.LowWatermark <= 0 {
		pk.LowWatermark = defaultLowWatermark
	}
	if pk.SignedGracePeriod <= 0 {
		pk.SignedGracePeriod = Duration(defaultSignedGracePeriod)
	}

	r := &c.Retention
	if r.Cron == "" {
		r.Cron = defaultRetentionCron
	}
	if !gronx.IsValid(r.Cron) {
		return fmt.Errorf("invalid retention cron expression: %s", r.Cron)
	}
	if r.UsedPreKeyTTL <= 0 {
		r.UsedPreKeyTTL = Duration(defaultUsedPreKeyTTL)
	}
	if r.BatchSize <= 0 {
		r.BatchSize = defaultRetentionBatch
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// MasterKey returns the decoded custody master key, read from the hex
// value or from the file holding it.
func (c *CustodyConfig) MasterKey() ([]byte, error) {
	raw := strings.TrimSpace(c.MasterKeyHex)
	if raw == "" && c.MasterKeyFile != "" {
		b, err := os.ReadFile(c.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read master key file: %w", err)
		}
		raw = strings.TrimSpace(string(b))
	}
	if raw == "" {
		return nil, fmt.Errorf("no master key configured")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("master key is not hex: %w", err)
	}
	if len(key) != masterKeyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", masterKeyLen, len(key))
	}
	return key, nil
}

// ResolveConfigPath returns the config file path, preferring the flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("KEYRELAY_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
