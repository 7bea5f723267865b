// Package logging provides structured logging for the overlap CLI using slog.
//
// Usage:
//
//	// Initialize the logger (typically at daemon start)
//	if err := logging.Init(runID); err != nil {
//	    // handle error
//	}
//	defer logging.Close()
//
//	// Add context values
//	ctx = logging.WithComponent(ctx, "sender")
//	ctx = logging.WithTeam(ctx, teamURL)
//
//	// Log with context - component/team/session extracted automatically
//	logging.Info(ctx, "batch sent",
//	    slog.Int("events", n),
//	)
//
// The daemon writes JSON records to ~/.overlap/logs/tracer.log; records at
// WARN and above are mirrored to tracer.error.log. The probe leaves logging
// uninitialized unless OVERLAP_LOG_LEVEL is set, because hook mode must keep
// stdout and stderr clean.
package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/overlap-sh/cli/cmd/overlap/cli/paths"
)

// LogLevelEnvVar overrides the configured log level when set.
const LogLevelEnvVar = "OVERLAP_LOG_LEVEL"

var (
	logger *slog.Logger

	// errLogger mirrors WARN+ records to the error log
	errLogger *slog.Logger

	// open file handles and their buffered writers, kept for Close
	logFiles   []*os.File
	bufWriters []*bufio.Writer

	// currentRunID stamps every record from Init() onward
	currentRunID string

	// mu protects all of the above
	mu sync.RWMutex

	logLevelGetter func() string
)

// SetLogLevelGetter registers a callback that supplies the configured log
// level, consulted only when OVERLAP_LOG_LEVEL is unset. The indirection
// keeps this package from importing config. Call it before Init.
func SetLogLevelGetter(getter func() string) {
	mu.Lock()
	defer mu.Unlock()
	logLevelGetter = getter
}

// Init initializes the logger, writing JSON records to the daemon log files
// under the state directory. runID is a per-process identifier included in
// every record so interleaved daemon generations can be told apart.
//
// If the log files cannot be created, falls back to stderr.
func Init(runID string) error {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()

	levelStr := os.Getenv(LogLevelEnvVar)
	if levelStr == "" && logLevelGetter != nil {
		levelStr = logLevelGetter()
	}
	level := parseLogLevel(levelStr)

	if levelStr != "" && !isValidLogLevel(levelStr) {
		fmt.Fprintf(os.Stderr, "[overlap] Warning: invalid log level %q, defaulting to INFO\n", levelStr)
	}

	if err := paths.EnsureDirs(); err != nil {
		logger = createLogger(os.Stderr, level)
		currentRunID = runID
		return nil
	}

	mainPath, err := paths.LogFile()
	if err != nil {
		logger = createLogger(os.Stderr, level)
		currentRunID = runID
		return nil
	}

	main, err := openAppend(mainPath)
	if err != nil {
		logger = createLogger(os.Stderr, level)
		currentRunID = runID
		return nil
	}
	mainBuf := bufio.NewWriterSize(main, 8192)
	logFiles = append(logFiles, main)
	bufWriters = append(bufWriters, mainBuf)
	logger = createLogger(mainBuf, level)

	// Error mirror is best effort; the main log already has everything.
	if errPath, err := paths.ErrorLogFile(); err == nil {
		if errFile, err := openAppend(errPath); err == nil {
			errBuf := bufio.NewWriterSize(errFile, 8192)
			logFiles = append(logFiles, errFile)
			bufWriters = append(bufWriters, errBuf)
			errLogger = createLogger(errBuf, slog.LevelWarn)
		}
	}

	currentRunID = runID
	return nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path is from paths package
}

// Close flushes and closes the log files.
// Safe to call multiple times.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
}

func closeLocked() {
	for _, w := range bufWriters {
		_ = w.Flush()
	}
	for _, f := range logFiles {
		_ = f.Close()
	}
	bufWriters = nil
	logFiles = nil
	logger = nil
	errLogger = nil
	currentRunID = ""
}

// getLogger falls back to slog's default when Init never ran, so probe-path
// callers can log unconditionally.
func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	if logger == nil {
		return slog.Default()
	}
	return logger
}

func getErrLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return errLogger
}

func getRunID() string {
	mu.RLock()
	defer mu.RUnlock()
	return currentRunID
}

func createLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// parseLogLevel maps a level name to slog.Level, defaulting to INFO.
func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isValidLogLevel(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "":
		return true
	}
	return false
}

// Debug, Info, Warn and Error emit one record each, stamped with the run id
// and whatever component/team/session values the context carries.
func Debug(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelDebug, msg, attrs...)
}

func Info(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelInfo, msg, attrs...)
}

func Warn(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelWarn, msg, attrs...)
}

func Error(ctx context.Context, msg string, attrs ...any) {
	log(ctx, slog.LevelError, msg, attrs...)
}

// LogDuration emits one record carrying duration_ms measured from start.
// Meant to sit in a defer at the top of the timed section:
//
//	defer logging.LogDuration(ctx, slog.LevelDebug, "poll completed", time.Now())
func LogDuration(ctx context.Context, level slog.Level, msg string, start time.Time, attrs ...any) {
	withDuration := make([]any, 0, len(attrs)+1)
	withDuration = append(withDuration, slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	withDuration = append(withDuration, attrs...)
	log(ctx, level, msg, withDuration...)
}

func log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	l := getLogger()

	var all []any
	if runID := getRunID(); runID != "" {
		all = append(all, slog.String("run_id", runID))
	}
	for _, a := range attrsFromContext(ctx) {
		all = append(all, a)
	}
	all = append(all, attrs...)

	// Context values were already flattened into attributes above.
	l.Log(nil, level, msg, all...) //nolint:staticcheck // nil context, values carried as attrs

	if level >= slog.LevelWarn {
		if el := getErrLogger(); el != nil {
			el.Log(nil, level, msg, all...) //nolint:staticcheck // see above
		}
	}
}

// attrsFromContext turns the context keys this package plants into record
// attributes, skipping empties.
func attrsFromContext(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}

	keys := []struct {
		key  contextKey
		name string
	}{
		{componentKey, "component"},
		{sessionIDKey, "session_id"},
		{teamKey, "team"},
		{journalPathKey, "journal"},
		{agentKey, "agent"},
	}

	var attrs []slog.Attr
	for _, k := range keys {
		if s, ok := ctx.Value(k.key).(string); ok && s != "" {
			attrs = append(attrs, slog.String(k.name, s))
		}
	}
	return attrs
}
