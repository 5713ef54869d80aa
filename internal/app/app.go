// Package app assembles the store, key services, retention scheduler and
// HTTP server into one process.
package app

import (
	"context"
	"fmt"

	"github.com/valyala/fasthttp"

	"keyrelay/internal/retention"
	"keyrelay/pkg/api"
	"keyrelay/pkg/config"
	"keyrelay/pkg/custody"
	"keyrelay/pkg/envelopes"
	"keyrelay/pkg/fingerprint"
	"keyrelay/pkg/groupkeys"
	"keyrelay/pkg/identity"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/models"
	"keyrelay/pkg/prekeys"
	"keyrelay/pkg/sessions"
	"keyrelay/pkg/signedprekeys"
	"keyrelay/pkg/store"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	store     *store.Store
	custody   custody.Policy
	services  api.Services
	api       *api.Server
	retention *retention.Manager

	retentionCancel context.CancelFunc
	srvFast         *fasthttp.Server
	state           string
}

// New opens the store and builds every service. It starts nothing; Run
// does that.
func New(ctx context.Context, eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	if err := validateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config

	if cfg.Logging.AuditDir != "" {
		if err := logger.AttachAuditFileSink(cfg.Logging.AuditDir); err != nil {
			return nil, fmt.Errorf("audit sink: %w", err)
		}
	}

	policy, err := custody.New(ctx, cfg.Security.Custody)
	if err != nil {
		return nil, fmt.Errorf("custody: %w", err)
	}

	st, err := store.Open(eff.DBPath, store.Options{DisableWAL: cfg.Server.DisablePebbleWAL})
	if err != nil {
		_ = policy.Close()
		return nil, err
	}

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		store:     st,
		custody:   policy,
		state:     "initialized",
	}
	a.services = BuildServices(st, policy, cfg, models.SystemClock())
	a.retention = a.services.Retention
	a.api = api.New(a.services, cfg, version)
	logSummary(eff, policy)
	return a, nil
}

// BuildServices wires every key service onto one store and custody policy.
func BuildServices(st *store.Store, policy custody.Policy, cfg *config.Config, clock models.Clock) api.Services {
	pk := prekeys.New(st, prekeys.Options{
		MaxBatch: cfg.PreKeys.MaxBatch,
		MaxClaim: cfg.PreKeys.MaxClaim,
		Clock:    clock,
	})
	signed := signedprekeys.New(st, signedprekeys.Options{
		GracePeriod: cfg.PreKeys.SignedGracePeriod.Duration(),
		Clock:       clock,
		Custody:     policy,
	})
	return api.Services{
		Store:        st,
		Identities:   identity.New(st, identity.Options{Clock: clock, Custody: policy}),
		PreKeys:      pk,
		Signed:       signed,
		Sessions:     sessions.New(st, clock),
		Groups:       groupkeys.New(st, clock),
		Envelopes:    envelopes.New(st, clock),
		Fingerprints: fingerprint.NewService(st),
		Retention:    retention.New(cfg.Retention, pk, signed, clock),
	}
}

// Run starts the retention scheduler and the HTTP server, then blocks
// until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()
	a.retentionCancel = a.retention.Start(ctx)

	errCh := a.startHTTP()
	a.state = "running"
	logger.Info("server_started", "addr", a.eff.Addr, "version", a.version)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
