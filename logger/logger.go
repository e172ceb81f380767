// Package logger is the structured logging interface of fiscalberry.
//
// Components take a Logger through their options and fall back to
// GetLogger. The default implementation writes through log/slog, as JSON
// or as colored console output.
package logger

// LogLevel is a logging severity.
type LogLevel = int8

// Severity levels, lowest first.
const (
	DebugLevel LogLevel = iota - 1 // protocol bytes and state transitions
	InfoLevel                      // connections, joins, startup
	WarnLevel                      // recoverable failures such as a swallowed relay error
	ErrorLevel                     // failed commands and transports
	FatalLevel                     // logs, then exits the process
)

// Logger logs messages with alternating key/value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// Fatal logs at FatalLevel and calls os.Exit(1) regardless of the level.
	Fatal(msg string, keysAndValues ...any)

	// With returns a child logger carrying keyValues on every message.
	// The parent is not modified.
	With(keyValues ...any) Logger

	Level() LogLevel
	SetLevel(level LogLevel)
}
