// Package logger sets up zerolog for the whole process. Every component logs
// through a child logger carrying a "component" field so log lines from the
// six exchange streams, the schedulers and the gateway can be separated.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. level accepts the usual zerolog
// names ("debug", "info", …); unknown values fall back to info. When pretty
// is true, output is the human console writer instead of JSON.
func Init(service, level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.DurationFieldUnit = time.Millisecond

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var base zerolog.Logger
	if pretty {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		base = zerolog.New(os.Stdout)
	}
	base = base.With().Timestamp().Str("service", service).Logger()
	log.Logger = base
	return base
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
