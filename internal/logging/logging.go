// Package logging wires up the process-wide zerolog logger. Kennel never
// reaches for a package-level global: New returns a logger that is
// threaded through every component constructor explicitly (see spec §9).
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger per the given format ("console" or "json")
// and level string (as accepted by zerolog.ParseLevel).
func New(format, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var w = os.Stdout
	var logger zerolog.Logger
	if strings.ToLower(format) == "json" {
		logger = zerolog.New(w)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"})
	}
	return logger.Level(lvl).With().Timestamp().Caller().Logger()
}
