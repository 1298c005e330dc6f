package bundlehost

import "log/slog"

// Logger defines the interface for framework logging.
// The framework uses structured logging with key-value pairs so that every
// lifecycle transition, lock interruption and listener failure can be parsed
// downstream.
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("Bundle started", "bundle", 3, "location", "mem://greeter")
//
// This approach is compatible with slog, logrus, zap and similar libraries.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	// Used for normal lifecycle events like installs and starts.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	// Used for failed transitions and activator errors.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	// Used for interrupted lock waits and skipped work.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	// Used for lock and resolver diagnostics.
	Debug(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps l; a nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l}
}

func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// Slog returns the wrapped logger.
func (l *SlogLogger) Slog() *slog.Logger { return l.logger }

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }
