package observability

import (
	"log/slog"
	"sync/atomic"
)

// globalLevel is the process-wide log level. All loggers built by this
// package share it, so a runtime change applies everywhere at once.
var globalLevel slog.LevelVar

// requestLogging controls whether the HTTP request-logging middleware logs
// successful requests. Errors (status >= 400) are always logged.
var requestLogging atomic.Bool

// SetLogLevel changes the process-wide log level at runtime.
// Unknown values fall back to info.
func SetLogLevel(level string) {
	globalLevel.Set(parseLevel(level))
}

// GetLogLevel returns the current process-wide log level as a string.
func GetLogLevel() string {
	switch globalLevel.Level() {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// SetRequestLogging enables or disables HTTP request logging.
func SetRequestLogging(enabled bool) {
	requestLogging.Store(enabled)
}

// IsRequestLoggingEnabled reports whether HTTP request logging is enabled.
func IsRequestLoggingEnabled() bool {
	return requestLogging.Load()
}
