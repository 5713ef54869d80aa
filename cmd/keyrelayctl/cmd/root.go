package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"keyrelay/internal/app"
	"keyrelay/pkg/api"
	"keyrelay/pkg/config"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/models"
	"keyrelay/pkg/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	dbPath     string
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "keyrelayctl",
	Short: "Offline maintenance tool for a keyrelay database",
	Long: `keyrelayctl opens a keyrelay database directly to export and import
key material, compute safety numbers, run retention and inspect contents.
The server must be stopped: the database can only be opened by one process.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(".env")
		level := "warn"
		if verbose {
			level = "debug"
		}
		logger.Init(level)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default from config, env or ./.keyrelay)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// loadConfig resolves the config the same way the server does, minus the
// listener flags.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	path := config.ResolveConfigPath(configPath, configPath != "")
	if path != "" {
		cfg, err = config.LoadConfigFile(path)
		if err != nil && !(configPath == "" && os.IsNotExist(err)) {
			return nil, err
		}
	}
	if cfg == nil {
		cfg, _ = config.ParseConfigEnvs()
	}
	if dbPath != "" {
		cfg.Server.DBPath = dbPath
	}
	if err := cfg.ValidateConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openServices opens the database and builds the services on it. The
// returned close func must be called.
func openServices() (api.Services, *config.Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return api.Services{}, nil, nil, err
	}
	if _, err := os.Stat(cfg.Server.DBPath); err != nil {
		return api.Services{}, nil, nil, fmt.Errorf("database %s: %w", cfg.Server.DBPath, err)
	}
	st, err := store.Open(cfg.Server.DBPath, store.Options{})
	if err != nil {
		return api.Services{}, nil, nil, err
	}
	svc := app.BuildServices(st, nil, cfg, models.SystemClock())
	return svc, cfg, func() { _ = st.Close() }, nil
}
