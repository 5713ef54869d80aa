package app

import (
	"context"
	"errors"

	"keyrelay/pkg/logger"
)

// Shutdown stops the components in dependency order: the listener first
// so no new operation starts, then in-flight operations, the scheduler, and
// finally the store and custody keys.
func (a *App) Shutdown(ctx context.Context) error {
	a.state = "shutting_down"
	logger.Info("shutdown_requested")
	var errs []error

	if a.srvFast != nil {
		logger.Info("shutdown_stopping_http")
		done := make(chan error, 1)
		go func() { done <- a.srvFast.Shutdown() }()
		select {
		case err := <-done:
			if err != nil {
				logger.Error("shutdown_http_error", "error", err)
				errs = append(errs, err)
			}
		case <-ctx.Done():
			logger.Warn("shutdown_http_timeout", "error", ctx.Err())
			errs = append(errs, ctx.Err())
		}
	}
	if a.api != nil {
		a.api.Close()
	}
	if a.retentionCancel != nil {
		logger.Info("shutdown_stopping_retention")
		a.retentionCancel()
	}
	if a.store != nil {
		logger.Info("shutdown_syncing_store")
		if err := a.store.Flush(); err != nil {
			logger.Error("shutdown_store_flush_error", "error", err)
			errs = append(errs, err)
		}
		logger.Info("shutdown_closing_store")
		if err := a.store.Close(); err != nil {
			logger.Error("shutdown_store_close_error", "error", err)
			errs = append(errs, err)
		}
	}
	if a.custody != nil {
		if err := a.custody.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.state = "stopped"
	logger.Info("shutdown_complete")
	return nil
}
