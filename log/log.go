// Package log configures structured logging for the state sync engine. It
// builds on go-ethereum's slog-backed logger and hands out per-module child
// loggers so every line carries the subsystem that emitted it.
package log

import (
	"io"
	"log/slog"

	gethlog "github.com/ethereum/go-ethereum/log"
)

// Logger is the logger interface used throughout the module.
type Logger = gethlog.Logger

// VerbosityToLevel maps a 0-5 CLI verbosity onto a slog level.
func VerbosityToLevel(verbosity int) slog.Level {
	switch {
	case verbosity <= 1:
		return slog.LevelError
	case verbosity == 2:
		return slog.LevelWarn
	case verbosity == 3:
		return slog.LevelInfo
	case verbosity == 4:
		return slog.LevelDebug
	default:
		return gethlog.LevelTrace
	}
}

// Setup installs a terminal handler at the given verbosity as the process
// default.
func Setup(w io.Writer, verbosity int, color bool) {
	h := gethlog.NewTerminalHandlerWithLevel(w, VerbosityToLevel(verbosity), color)
	gethlog.SetDefault(gethlog.NewLogger(h))
}

// SetupJSON installs a JSON handler at the given verbosity as the process
// default.
func SetupJSON(w io.Writer, verbosity int) {
	gethlog.SetDefault(gethlog.NewLogger(gethlog.JSONHandlerWithLevel(w, VerbosityToLevel(verbosity))))
}

// NewWithHandler creates a Logger backed by the supplied slog.Handler.
func NewWithHandler(h slog.Handler) Logger {
	return gethlog.NewLogger(h)
}

// Module returns a child of the current default logger with a "module"
// attribute. The child is bound to the handler installed at call time.
func Module(name string) Logger {
	return gethlog.Root().With("module", name)
}
