package sizedpool

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// logger is the package-wide diagnostic logger. The pool is an
// in-process library with no wire protocol of its own, so this is
// diagnostics only: bucket eviction during reclaim, handler.Create
// failures, and close-time teardown. The default logger writes to
// stderr at Warn level: Debug messages (reclaim, close) are filtered
// out, Warn messages (Create failures, unroutable releases) are written.
var logger atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Str("component", "sizedpool").Logger().Level(zerolog.WarnLevel)
	logger.Store(&l)
}

// SetLogger replaces the package-wide logger, e.g. to raise the level
// to Debug or to redirect output. Safe for concurrent use.
func SetLogger(l zerolog.Logger) {
	logger.Store(&l)
}

// Logger returns the current package-wide logger.
func Logger() zerolog.Logger {
	return *logger.Load()
}
