// Package testutil provides shared test helpers. It depends only on stdlib
// so that every package, including the leaf store package, can import it
// from its tests without an import cycle.
package testutil

import (
	"log/slog"
	"testing"
)

// Logger returns a debug-level logger that writes to t.Log, so all activity
// appears in verbose test output and is attributed to the right test.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&logWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// logWriter adapts testing.T to io.Writer for slog.
type logWriter struct {
	t *testing.T
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}
