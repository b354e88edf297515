package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process-wide logger. It is usable before Init and writes
// nothing until configured.
var Logger = zerolog.Nop()

// Init configures Logger for the named service at the given level.
// An empty level falls back to LOG_LEVEL and then to info.
func Init(serviceName, level string) {
	InitWithWriter(serviceName, level, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

// InitWithWriter is Init with an explicit output, used by tests.
func InitWithWriter(serviceName, level string, w io.Writer) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	zerolog.SetGlobalLevel(ParseLevel(level))
	Logger = log.Output(w).
		With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func WithTaskID(taskID string) *zerolog.Logger {
	l := Logger.With().Str("task_id", taskID).Logger()
	return &l
}

func WithSubject(subject string) *zerolog.Logger {
	l := Logger.With().Str("subject", subject).Logger()
	return &l
}

func WithCorrelationID(correlationID string) *zerolog.Logger {
	l := Logger.With().Str("correlation_id", correlationID).Logger()
	return &l
}
