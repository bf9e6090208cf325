package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity tags a log event with its operational urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Config controls logger initialization.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// InitLogging initializes logging
func InitLogging(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339

	var w io.Writer = os.Stdout
	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	mu.Lock()
	defer mu.Unlock()
	logger = zerolog.New(w).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

// SetOutput redirects all log output to w and returns a func restoring the
// previous logger.
func SetOutput(w io.Writer) func() {
	mu.Lock()
	defer mu.Unlock()

	previous := logger
	logger = zerolog.New(w).With().Timestamp().Logger()
	return func() {
		mu.Lock()
		logger = previous
		mu.Unlock()
	}
}

// Logger returns the current base logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Infof logs info level messages
func Infof(format string, v ...interface{}) {
	l := Logger()
	l.Info().Msgf(format, v...)
}

// Errorf logs error level messages
func Errorf(format string, v ...interface{}) {
	l := Logger()
	l.Error().Msgf(format, v...)
}

// Transition logs a state transition performed by component.
func Transition(component string, severity Severity, msg string, fields map[string]interface{}) {
	l := Logger()
	l.Info().
		Str("component", component).
		Str("severity", string(severity)).
		Fields(fields).
		Msg(msg)
}

// Failure logs an error raised while component was working on an item or run.
func Failure(component string, severity Severity, msg string, err error, fields map[string]interface{}) {
	l := Logger()
	l.Error().
		Str("component", component).
		Str("severity", string(severity)).
		Err(err).
		Fields(fields).
		Msg(msg)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
