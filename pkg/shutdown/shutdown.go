// Package shutdown handles process signals and fatal startup errors.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"keyrelay/pkg/logger"
)

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
// SIGQUIT dumps goroutine stacks to the log without stopping.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigc:
			logger.Info("signal_received", "signal", s.String(), "msg", "shutdown requested")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigc)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGQUIT)
	go func() {
		defer signal.Stop(quit)
		for {
			select {
			case <-quit:
				logger.Info("goroutine_stack_dump", "dump", stacks())
			case <-ctx.Done():
				return
			}
		}
	}()

	return ctx, cancel
}

func stacks() string {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}

// WriteCrashDump writes reason, err and all goroutine stacks to
// <dbPath>/crash/crash-<ts>.log and returns its path. The environment is
// left out since it may carry the custody master key.
func WriteCrashDump(dbPath, reason string, err error) (string, error) {
	dir := "./crash"
	if dbPath != "" {
		dir = filepath.Join(dbPath, "crash")
	}
	if e := os.MkdirAll(dir, 0o700); e != nil {
		return "", fmt.Errorf("failed to create crash dir: %w", e)
	}

	f, ferr := os.CreateTemp(dir, ".crash-*.tmp")
	if ferr != nil {
		return "", fmt.Errorf("failed to create temp crash file: %w", ferr)
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	fmt.Fprintf(f, "time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(f, "reason: %s\n", reason)
	fmt.Fprintf(f, "error: %v\n", err)
	fmt.Fprintf(f, "pid: %d\n", os.Getpid())
	fmt.Fprintf(f, "\n--- goroutine stacks ---\n")
	_, _ = f.WriteString(stacks())
	_ = f.Sync()
	if cerr := f.Close(); cerr != nil {
		return "", fmt.Errorf("failed to write crash dump: %w", cerr)
	}

	path := filepath.Join(dir, fmt.Sprintf("crash-%d.log", time.Now().UnixNano()))
	if e := os.Rename(tmp, path); e != nil {
		return "", fmt.Errorf("failed to move crash dump into place: %w", e)
	}
	return path, nil
}

// Abort logs a fatal error, writes a crash dump and exits with status 2.
func Abort(contextMsg string, err error, dbPath string) {
	logger.Error("startup_fatal", "msg", contextMsg, "error", err)
	fmt.Fprintf(os.Stderr, "%s: %v\n", contextMsg, err)
	if path, derr := WriteCrashDump(dbPath, contextMsg, err); derr != nil {
		fmt.Fprintf(os.Stderr, "FAILED TO WRITE CRASH DUMP: %v\n", derr)
	} else {
		fmt.Fprintf(os.Stderr, "CRASH DUMP WRITTEN: %s\n", path)
	}
	logger.Sync()
	os.Exit(2)
}
