// Package sysutil holds process bootstrap helpers shared by the binaries.
package sysutil

import (
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SetLogLevel configures the global zerolog level based on a string value.
// Supported values (case-insensitive): debug, info, warn, error, fatal, panic.
func SetLogLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// NewLogger builds the process logger. Pretty output is meant for local
// runs; production keeps JSON lines for the log shipper.
func NewLogger(w io.Writer, pretty bool, service, version string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
}

// BuildVersion resolves the version string: an explicit value (ldflags or
// env) wins, then the module version stamped by the go tool, then "dev".
func BuildVersion(explicit ...string) string {
	var stamped string
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "(devel)" {
		stamped = bi.Main.Version
	}
	vals := append(explicit, stamped, "dev")
	return strings.TrimSpace(FirstNonEmpty(vals...))
}

// FirstNonEmpty returns the first non-blank string, or "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
