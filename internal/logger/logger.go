// Package logger builds the root zerolog logger for the billingd binary
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a JSON logger on stderr, or a console logger when env is "development".
// Unknown levels fall back to info.
func New(env, level string) zerolog.Logger {
	return newLogger(os.Stderr, env, level)
}

func newLogger(out io.Writer, env, level string) zerolog.Logger {
	// Cloud Logging parses the level from a "severity" field
	zerolog.LevelFieldName = "severity"
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out}
	}

	return zerolog.New(out).With().Timestamp().Str("service", "billingd").Logger().Level(lvl)
}
