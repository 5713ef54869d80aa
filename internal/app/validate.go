package app

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"keyrelay/pkg/config"
	"keyrelay/pkg/custody"
	"keyrelay/pkg/logger"
)

// validateConfig performs fail-fast checks that need the filesystem, on top
// of what config.ValidateConfig already enforced.
func validateConfig(eff config.EffectiveConfigResult) error {
	if eff.Config == nil {
		return fmt.Errorf("no configuration loaded")
	}
	if eff.DBPath == "" {
		return fmt.Errorf("database path is empty: set --db, KEYRELAY_DB_PATH or server.db_path")
	}
	if f := eff.Config.Security.Custody.MasterKeyFile; f != "" {
		fi, err := os.Stat(f)
		if err != nil {
			return fmt.Errorf("master key file not accessible: %w", err)
		}
		if fi.Mode().Perm()&0o077 != 0 {
			logger.Warn("master_key_file_permissive", "path", f, "mode", fi.Mode().Perm().String())
		}
	}
	return nil
}

func logSummary(eff config.EffectiveConfigResult, policy custody.Policy) {
	cfg := eff.Config
	items := []string{
		fmt.Sprintf("custody: %s", policy.Mode()),
		fmt.Sprintf("client_api_keys: %d", len(cfg.Security.APIKeys.Client)),
		fmt.Sprintf("admin_api_keys: %d", len(cfg.Security.APIKeys.Admin)),
		fmt.Sprintf("rate_limit: %.0f rps, burst %s", cfg.Security.RateLimit.RPS, humanize.Comma(int64(cfg.Security.RateLimit.Burst))),
		fmt.Sprintf("claim_limit: %.1f rps, burst %d", cfg.Security.RateLimit.ClaimRPS, cfg.Security.RateLimit.ClaimBurst),
		fmt.Sprintf("max_request_size: %s", cfg.Server.MaxRequestSize),
		fmt.Sprintf("signed_prekey_grace: %s", cfg.PreKeys.SignedGracePeriod.Duration()),
		fmt.Sprintf("retention: enabled=%t cron=%q used_prekey_ttl=%s", cfg.Retention.Enabled, cfg.Retention.Cron, cfg.Retention.UsedPreKeyTTL.Duration()),
	}
	if cfg.Server.DisablePebbleWAL {
		items = append(items, "pebble_wal: DISABLED (recent writes can be lost on crash)")
	}
	logger.LogConfigSummary("config_summary", items)
}
