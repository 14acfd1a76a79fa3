// Package kartlog provides the structured logger shared by every Kart core
// package. It mirrors the teacher's pkg/log: a package-level Logger, an
// Init(Config) that switches between console and JSON output, and With*
// helpers that attach the fields Kart's components care about.
package kartlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Init configures it; until then it
// discards output so tests and library callers don't need to call Init.
var Logger zerolog.Logger = zerolog.Nop()

// Level is a logging verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithDataset creates a child logger scoped to a dataset path.
func WithDataset(path string) zerolog.Logger {
	return Logger.With().Str("dataset", path).Logger()
}

// WithCommit creates a child logger scoped to a commit identifier.
func WithCommit(commitID string) zerolog.Logger {
	return Logger.With().Str("commit", commitID).Logger()
}

// WithComponent creates a child logger scoped to a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
