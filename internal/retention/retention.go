// Package retention removes spent key material on a cron schedule: used
// one-time prekeys past their TTL and superseded signed prekeys past their
// grace period.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"keyrelay/pkg/config"
	"keyrelay/pkg/logger"
	"keyrelay/pkg/metrics"
	"keyrelay/pkg/models"
)

// ErrRunning is returned by RunImmediate while a run is in progress.
var ErrRunning = errors.New("retention run already in progress")

// UsedPreKeys is the prekey side of a retention run.
type UsedPreKeys interface {
	ExpiredUsed(ctx context.Context, cutoff time.Time, limit int) ([]models.OneTimePreKey, error)
	PurgeUsed(ctx context.Context, used []models.OneTimePreKey) (int, error)
}

// SignedPreKeys is the signed prekey side of a retention run.
type SignedPreKeys interface {
	Expired(ctx context.Context, now time.Time, limit int) ([]models.SignedPreKey, error)
	Purge(ctx context.Context, expired []models.SignedPreKey) (int, error)
}

// Report summarizes one run.
type Report struct {
	RunID         string        `json:"run_id"`
	DryRun        bool          `json:"dry_run"`
	PreKeys       int           `json:"prekeys"`
	SignedPreKeys int           `json:"signed_prekeys"`
	Duration      time.Duration `json:"duration"`
}

type Manager struct {
	cfg     config.RetentionConfig
	prekeys UsedPreKeys
	signed  SignedPreKeys
	clock   models.Clock

	mu      sync.Mutex
	running bool
}

func New(cfg config.RetentionConfig, prekeys UsedPreKeys, signed SignedPreKeys, clock models.Clock) *Manager {
	if clock == nil {
		clock = models.SystemClock()
	}
	return &Manager{cfg: cfg, prekeys: prekeys, signed: signed, clock: clock}
}

// Start runs the schedule loop until the returned cancel func is called or
// ctx ends. When retention is disabled it does nothing.
func (m *Manager) Start(ctx context.Context) context.CancelFunc {
	if !m.cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	logger.Info("retention_enabled", "cron", m.cfg.Cron, "used_prekey_ttl", m.cfg.UsedPreKeyTTL.Duration(), "dry_run", m.cfg.DryRun)
	go m.scheduleLoop(ctx)
	return cancel
}

func (m *Manager) scheduleLoop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(m.cfg.Cron, m.clock.Now(), false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", m.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := next.Sub(m.clock.Now())
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if _, err := m.RunImmediate(ctx); err != nil && !errors.Is(err, ErrRunning) {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunImmediate performs one run now. Only one run is active at a time.
func (m *Manager) RunImmediate(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, ErrRunning
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()
	return m.run(ctx)
}

func (m *Manager) run(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := m.clock.Now()
	rep := &Report{RunID: uuid.NewString(), DryRun: m.cfg.DryRun}
	logger.Info("retention_run_start", "run_id", rep.RunID, "dry_run", rep.DryRun)

	limit := m.cfg.BatchSize
	used, err := m.prekeys.ExpiredUsed(ctx, now.Add(-m.cfg.UsedPreKeyTTL.Duration()), limit)
	if err != nil {
		return nil, fmt.Errorf("scan used prekeys: %w", err)
	}
	if limit > 0 {
		limit -= len(used)
	}

	var expired []models.SignedPreKey
	if m.cfg.BatchSize <= 0 || limit > 0 {
		if expired, err = m.signed.Expired(ctx, now, limit); err != nil {
			return nil, fmt.Errorf("scan signed prekeys: %w", err)
		}
	}

	if m.cfg.DryRun {
		rep.PreKeys, rep.SignedPreKeys = len(used), len(expired)
		logger.Info("retention_dry_run", "run_id", rep.RunID, "prekeys", rep.PreKeys, "signed_prekeys", rep.SignedPreKeys)
	} else {
		if rep.PreKeys, err = m.prekeys.PurgeUsed(ctx, used); err != nil {
			return nil, fmt.Errorf("purge used prekeys: %w", err)
		}
		if rep.SignedPreKeys, err = m.signed.Purge(ctx, expired); err != nil {
			return nil, fmt.Errorf("purge signed prekeys: %w", err)
		}
		metrics.RetentionDeleted.WithLabelValues("prekey").Add(float64(rep.PreKeys))
		metrics.RetentionDeleted.WithLabelValues("signed_prekey").Add(float64(rep.SignedPreKeys))
	}

	rep.Duration = time.Since(start)
	metrics.RetentionLastRun.Set(float64(m.clock.Now().Unix()))
	logger.Info("retention_run_done", "run_id", rep.RunID, "prekeys", rep.PreKeys, "signed_prekeys", rep.SignedPreKeys, "took", rep.Duration)
	return rep, nil
}
