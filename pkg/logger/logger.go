package logger

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var Log *slog.Logger

// Audit receives identity lifecycle events (registration, reset, import).
// When nil, audit events go to Log.
var Audit *slog.Logger

type asyncWriter struct {
	ch chan []byte
}

func (a *asyncWriter) Write(p []byte) (n int, err error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case a.ch <- cp:
	default:
		// drop when the queue is full rather than block a request
	}
	return len(p), nil
}

var (
	logCh     chan []byte
	logStopCh chan struct{}
	logWG     sync.WaitGroup
	auditFile *os.File
)

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the global logger. An empty level falls back to
// KEYRELAY_LOG_LEVEL. KEYRELAY_LOG_SINK=file:/path redirects output.
func Init(level string) {
	if strings.TrimSpace(level) == "" {
		level = os.Getenv("KEYRELAY_LOG_LEVEL")
	}
	sink := os.Getenv("KEYRELAY_LOG_SINK")

	logCh = make(chan []byte, 10000)
	logStopCh = make(chan struct{})
	Log = slog.New(slog.NewTextHandler(&asyncWriter{ch: logCh}, &slog.HandlerOptions{Level: ParseLevel(level)}))

	logWG.Add(1)
	go func() {
		defer logWG.Done()
		out, f := openSink(sink)
		buf := bufio.NewWriterSize(out, 8192)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case b := <-logCh:
				buf.Write(b)
			case <-ticker.C:
				buf.Flush()
			case <-logStopCh:
			drain:
				for {
					select {
					case b := <-logCh:
						buf.Write(b)
					default:
						break drain
					}
				}
				buf.Flush()
				if f != nil {
					f.Close()
				}
				return
			}
		}
	}()
}

func openSink(sink string) (*os.File, *os.File) {
	if !strings.HasPrefix(sink, "file:") {
		return os.Stdout, nil
	}
	path := strings.TrimPrefix(sink, "file:")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
		return os.Stdout, nil
	}
	return f, f
}

// AttachAuditFileSink writes audit events as JSON lines to <dir>/audit.log.
func AttachAuditFileSink(dir string) error {
	if dir == "" {
		return fmt.Errorf("empty audit dir")
	}
	if fi, err := os.Lstat(dir); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("audit path is a symlink: %s", dir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	auditFile = f
	Audit = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	Audit.Info("audit_sink_attached", "path", f.Name())
	return nil
}

// Sync flushes buffered logs and closes the audit sink.
func Sync() {
	if logStopCh != nil {
		close(logStopCh)
		logWG.Wait()
		logStopCh = nil
	}
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
		Audit = nil
	}
}

func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}

// AuditEvent records a lifecycle event on the audit sink, or on the main
// logger when no audit sink is attached.
func AuditEvent(msg string, args ...any) {
	if Audit != nil {
		Audit.Info(msg, args...)
		return
	}
	Info(msg, args...)
}

// LogConfigSummary prints a titled, hyphenated block straight to stdout so
// startup settings stay readable in a terminal.
func LogConfigSummary(title string, items []string) {
	if len(items) == 0 {
		return
	}
	header := "== " + strings.ReplaceAll(title, "_", " ") + " "
	const width = 60
	if len(header) < width {
		header += strings.Repeat("=", width-len(header))
	}
	fmt.Fprintln(os.Stdout, header)
	for _, it := range items {
		fmt.Fprintln(os.Stdout, "- "+it)
	}
	fmt.Fprintln(os.Stdout)
}
