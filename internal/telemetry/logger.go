package telemetry

import (
	"io"
	"log"
)

// Logger is the minimal logging surface components depend on.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// Discard returns a Logger that drops everything. Handy in tests.
func Discard() Logger {
	return log.New(io.Discard, "", 0)
}

// OrDefault returns l, or the standard logger when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return log.Default()
	}
	return l
}
