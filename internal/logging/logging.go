// Package logging defines the logger contract shared by every component
// and a zerolog backed default.
package logging

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the minimal surface the engine needs for operational output.
type Logger interface {
	Print(str string)
	Printf(format string, a ...interface{})
	Errorf(format string, a ...interface{})
}

type zlogger struct {
	zl zerolog.Logger
}

// New returns a Logger writing human readable lines to stderr.
// When debug is false only error output is emitted.
func New(debug bool) Logger {
	lvl := zerolog.InfoLevel
	if debug {
		lvl = zerolog.DebugLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).With().Timestamp().Logger()
	return &zlogger{zl: zl}
}

// Wrap adapts an existing zerolog.Logger.
func Wrap(zl zerolog.Logger) Logger {
	return &zlogger{zl: zl}
}

func (z *zlogger) Print(str string) {
	z.zl.Debug().Msg(str)
}

func (z *zlogger) Printf(format string, a ...interface{}) {
	z.zl.Debug().Msg(fmt.Sprintf(format, a...))
}

func (z *zlogger) Errorf(format string, a ...interface{}) {
	z.zl.Error().Msg(fmt.Sprintf(format, a...))
}

type nop struct{}

func (nop) Print(string)                  {}
func (nop) Printf(string, ...interface{}) {}
func (nop) Errorf(string, ...interface{}) {}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nop{} }
