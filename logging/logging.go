// Package logging provides the server's structured logger, grounded on
// the teacher pack's cuemby-warren/pkg/log convention: a global
// zerolog.Logger configured once at startup, with per-component child
// loggers handed out to the packages that need them.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Set up by Init; safe to use at its
// zero value (zerolog.Logger{}) before Init runs, which discards output.
var Logger zerolog.Logger

// Config controls how Init sets up Logger.
type Config struct {
	Level  string // debug, info, warn, error
	JSON   bool   // structured JSON vs. human-readable console output
	Output io.Writer
}

// Init configures the global Logger. Called once from cmd/moord's root
// command before the server starts.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// Component returns a child logger tagged with which subsystem emitted
// the entry (scheduler, server, rpc, worker, ...), matching the
// teacher's WithComponent/WithNodeID child-logger convention.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
