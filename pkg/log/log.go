package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Its zero value discards
// everything, so packages may log before Init runs (tests rely on
// this).
var Logger zerolog.Logger

// Level names a log level on the command line and in configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) zerologLevel() zerolog.Level {
	parsed, err := zerolog.ParseLevel(string(l))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	// Output defaults to stdout.
	Output io.Writer
}

// Init builds the root logger. Console output is the default; JSON is
// for running under a log collector.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerologLevel())

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the subsystem name
// (supervisor, poller, aggregator, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSite returns a child logger tagged with a site alias.
func WithSite(alias string) zerolog.Logger {
	return Logger.With().Str("site", alias).Logger()
}

// WithSession returns a child logger tagged with one poll session, so
// the lines of a single TCP conversation can be pulled out of the
// stream.
func WithSession(sessionID string) zerolog.Logger {
	return Logger.With().Str("session_id", sessionID).Logger()
}
