// Package log wraps zerolog the way the rest of the ecosystem wires it up:
// a handful of type aliases plus package-level re-exports, so call sites
// never import zerolog directly.
package log

import (
	"context"
	stdlog "log"
	"os"

	console "github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type (
	Logger  = zerolog.Logger
	Context = zerolog.Context
	Event   = *zerolog.Event
)

var DefaultLogger *Logger

var (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel

	SetLevel = zerolog.SetGlobalLevel
)

var (
	Debug = log.Debug
	Info  = log.Info
	Warn  = log.Warn
	Error = log.Error
)

func init() {
	log.Logger = log.Logger.Output(zerolog.ConsoleWriter{
		Out:     os.Stderr,
		NoColor: !console.IsTerminal(os.Stderr.Fd()),
	})

	zerolog.DefaultContextLogger = &log.Logger
	DefaultLogger = &log.Logger

	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}

func With() Context {
	return log.Logger.With()
}

func WithContext(ctx context.Context) context.Context {
	return log.Logger.WithContext(ctx)
}

func Ctx(ctx context.Context) *Logger {
	return zerolog.Ctx(ctx)
}

// Named returns a child logger tagged with a component field, the way the
// engine ("submux") and the transport ("transport") tag the loggers they
// hold.
func Named(component string) Logger {
	return DefaultLogger.With().Str("component", component).Logger()
}
