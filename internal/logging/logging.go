package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// #region setup

// Setup configures the process-wide logging defaults.
// level accepts zerolog level names ("debug", "info", ...); unknown
// values fall back to info. When console is true, output is rendered
// for humans instead of JSON.
func Setup(level string, console bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if console {
		baseWriter = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	} else {
		baseWriter = os.Stderr
	}
}

var baseWriter io.Writer = os.Stderr

// #endregion setup

// #region component

// Component returns a logger tagged with the subsystem name.
// Every subsystem logs through one of these so events stay attributable.
func Component(name string) zerolog.Logger {
	return zerolog.New(baseWriter).With().
		Timestamp().
		Str("component", name).
		Logger()
}

// #endregion component
