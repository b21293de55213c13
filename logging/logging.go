// Package logging provides the structured, leveled logger every kernel-core
// subsystem traces through, in place of the bare fmt/panic calls biscuit
// uses (biscuit runs freestanding and has no hosted stderr to log to).
package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	base    = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Timestamp().Logger()
	loggers = map[string]zerolog.Logger{}
)

// SetLevel adjusts the global minimum log level, mirroring the verbosity
// knobs biscuit exposes through build-time feature flags.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(level)
	for k := range loggers {
		delete(loggers, k)
	}
}

// For returns the subsystem-scoped logger for name ("memory", "vm", "task",
// "sdmmc", "fat32", ...), creating and caching it on first use.
func For(subsystem string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[subsystem]; ok {
		return l
	}
	l := base.With().Str("subsystem", subsystem).Logger()
	loggers[subsystem] = l
	return l
}
