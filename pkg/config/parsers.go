package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Flags holds parsed command-line values and which of them were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// EffectiveConfigResult is the outcome of LoadEffectiveConfig.
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", or "env"
}

// ParseConfigFlags parses args into Flags using fs.
func ParseConfigFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	addr := fs.String("addr", ":8080", "HTTP listen address")
	db := fs.String("db", defaultDBPath, "Pebble DB path")
	cfg := fs.String("config", "./config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addr, DB: *db, Config: *cfg, Set: set}, nil
}

// ParseConfigFile loads the config file; found is false when it does not exist.
func ParseConfigFile(flags Flags) (cfg *Config, found bool, err error) {
	path := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err = LoadConfigFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// ParseConfigEnvs reads KEYRELAY_* variables into a new Config. used
// reports whether any of them was set.
func ParseConfigEnvs() (cfg *Config, used bool) {
	envs := map[string]string{}
	for _, name := range []string{
		"ADDR", "SERVER_ADDRESS", "SERVER_PORT", "DB_PATH", "MAX_REQUEST_SIZE",
		"API_CLIENT_KEYS", "API_ADMIN_KEYS", "RATE_RPS", "RATE_BURST", "CLAIM_RPS", "CLAIM_BURST",
		"CUSTODY_MODE", "MASTER_KEY_HEX", "MASTER_KEY_FILE",
		"PREKEYS_MAX_BATCH", "PREKEYS_MAX_CLAIM", "SIGNED_GRACE_PERIOD",
		"RETENTION_ENABLED", "RETENTION_CRON", "RETENTION_USED_PREKEY_TTL", "RETENTION_BATCH_SIZE", "RETENTION_DRY_RUN",
		"LOG_LEVEL", "AUDIT_DIR",
	} {
		if v := strings.TrimSpace(os.Getenv("KEYRELAY_" + name)); v != "" {
			envs[name] = v
			used = true
		}
	}
	cfg = &Config{}

	parseList := func(v string) []string {
		var out []string
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	parseBool := func(v string) bool {
		switch strings.ToLower(v) {
		case "1", "true", "yes":
			return true
		}
		return false
	}
	atoi := func(v string) int {
		n, _ := strconv.Atoi(v)
		return n
	}
	atof := func(v string) float64 {
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}

	if v, ok := envs["ADDR"]; ok {
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			cfg.Server.Port = atoi(p)
		} else {
			cfg.Server.Address = v
		}
	} else {
		cfg.Server.Address = envs["SERVER_ADDRESS"]
		cfg.Server.Port = atoi(envs["SERVER_PORT"])
	}
	cfg.Server.DBPath = envs["DB_PATH"]
	if v, ok := envs["MAX_REQUEST_SIZE"]; ok {
		cfg.Server.MaxRequestSize, _ = parseSizeBytes(v)
	}

	cfg.Security.APIKeys.Client = parseList(envs["API_CLIENT_KEYS"])
	cfg.Security.APIKeys.Admin = parseList(envs["API_ADMIN_KEYS"])
	cfg.Security.RateLimit.RPS = atof(envs["RATE_RPS"])
	cfg.Security.RateLimit.Burst = atoi(envs["RATE_BURST"])
	cfg.Security.RateLimit.ClaimRPS = atof(envs["CLAIM_RPS"])
	cfg.Security.RateLimit.ClaimBurst = atoi(envs["CLAIM_BURST"])
	cfg.Security.Custody.Mode = envs["CUSTODY_MODE"]
	cfg.Security.Custody.MasterKeyHex = envs["MASTER_KEY_HEX"]
	cfg.Security.Custody.MasterKeyFile = envs["MASTER_KEY_FILE"]

	cfg.PreKeys.MaxBatch = atoi(envs["PREKEYS_MAX_BATCH"])
	cfg.PreKeys.MaxClaim = atoi(envs["PREKEYS_MAX_CLAIM"])
	if v, ok := envs["SIGNED_GRACE_PERIOD"]; ok {
		cfg.PreKeys.SignedGracePeriod, _ = parseDuration(v)
	}

	cfg.Retention.Enabled = parseBool(envs["RETENTION_ENABLED"])
	cfg.Retention.Cron = envs["RETENTION_CRON"]
	if v, ok := envs["RETENTION_USED_PREKEY_TTL"]; ok {
		cfg.Retention.UsedPreKeyTTL, _ = parseDuration(v)
	}
	cfg.Retention.BatchSize = atoi(envs["RETENTION_BATCH_SIZE"])
	cfg.Retention.DryRun = parseBool(envs["RETENTION_DRY_RUN"])

	cfg.Logging.Level = envs["LOG_LEVEL"]
	cfg.Logging.AuditDir = envs["AUDIT_DIR"]
	return cfg, used
}

// LoadEffectiveConfig picks a single source. An explicit --config means the
// file only; otherwise --addr/--db win; else the config file when present;
// else the environment.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	switch {
	case flags.Set["config"]:
		if !fileExists {
			return res, fmt.Errorf("config file %s not found", flags.Config)
		}
		res.Config, res.Source = fileCfg, "config"
	case flags.Set["addr"] || flags.Set["db"]:
		base := envCfg
		if fileExists {
			base = fileCfg
		}
		out := *base
		if flags.Set["addr"] {
			host, port := splitAddr(flags.Addr)
			out.Server.Address, out.Server.Port = host, port
		}
		if flags.Set["db"] {
			out.Server.DBPath = flags.DB
		}
		res.Config, res.Source = &out, "flags"
	case fileExists:
		res.Config, res.Source = fileCfg, "config"
	default:
		res.Config, res.Source = envCfg, "env"
	}

	if err := res.Config.ValidateConfig(); err != nil {
		return res, err
	}
	res.Addr = res.Config.Addr()
	res.DBPath = res.Config.Server.DBPath
	return res, nil
}

func splitAddr(a string) (string, int) {
	h, p, err := net.SplitHostPort(a)
	if err != nil {
		return a, 0
	}
	port, _ := strconv.Atoi(p)
	return h, port
}
