package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"

	"keyrelay/internal/app"
	"keyrelay/pkg/config"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/shutdown"
)

// set by -ldflags at build time
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	flags, err := config.ParseConfigFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		shutdown.Abort("failed to parse flags", err, "")
	}

	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		shutdown.Abort("failed to load config file", err, flags.DB)
	}
	envCfg, _ := config.ParseConfigEnvs()

	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg)
	if err != nil {
		shutdown.Abort("invalid configuration", err, flags.DB)
	}

	logger.Init(eff.Config.Logging.Level)
	defer logger.Sync()
	logger.Info("effective_config_loaded", "source", eff.Source, "addr", eff.Addr, "db_path", eff.DBPath)

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	a, err := app.New(ctx, eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("failed to initialize app", err, eff.DBPath)
	}

	runErr := a.Run(ctx)

	// bounded so teardown cannot hang forever
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", "error", err)
	}
	if runErr != nil {
		shutdown.Abort("app run failed", runErr, eff.DBPath)
	}
}
