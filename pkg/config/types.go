package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	PreKeys   PreKeysConfig   `yaml:"prekeys"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener and storage settings.
type ServerConfig struct {
	Address        string    `yaml:"address"`
	Port           int       `yaml:"port"`
	DBPath         string    `yaml:"db_path"`
	MaxRequestSize SizeBytes `yaml:"max_request_size"`
	// DisablePebbleWAL trades durability of the last writes for speed.
	// Claims rely on synced batches, so leave it off in production.
	DisablePebbleWAL bool `yaml:"disable_pebble_wal"`
}

// SecurityConfig holds API keys, rate limits and private-key custody.
type SecurityConfig struct {
	APIKeys struct {
		Client []string `yaml:"client"`
		Admin  []string `yaml:"admin"`
	} `yaml:"api_keys"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
		// ClaimRPS limits bundle claims per requester so one caller cannot
		// drain a device's one-time prekeys.
		ClaimRPS   float64 `yaml:"claim_rps"`
		ClaimBurst int     `yaml:"claim_burst"`
	} `yaml:"rate_limit"`
	Custody CustodyConfig `yaml:"custody"`
}

// CustodyConfig selects who holds identity private keys.
type CustodyConfig struct {
	Mode          string `yaml:"mode"` // "client" or "server"
	MasterKeyHex  string `yaml:"master_key_hex"`
	MasterKeyFile string `yaml:"master_key_file"`
}

// PreKeysConfig bounds prekey operations.
type PreKeysConfig struct {
	MaxBatch          int      `yaml:"max_batch"`
	MaxClaim          int      `yaml:"max_claim"`
	SignedGracePeriod Duration `yaml:"signed_grace_period"`
	LowWatermark      int      `yaml:"low_watermark"`
}

// RetentionConfig controls garbage collection of spent key material.
type RetentionConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Cron          string   `yaml:"cron"`
	UsedPreKeyTTL Duration `yaml:"used_prekey_ttl"`
	BatchSize     int      `yaml:"batch_size"`
	DryRun        bool     `yaml:"dry_run"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	AuditDir string `yaml:"audit_dir"`
}

// SizeBytes is a byte count read from strings like "4MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseSizeBytes(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

func parseSizeBytes(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration wraps time.Duration for YAML strings like "168h"; bare numbers
// are seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
