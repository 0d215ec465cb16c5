// Package reporting forwards panics and fatal conditions to Sentry when a DSN is configured.
package reporting

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

var enabled atomic.Bool

// Init configures the Sentry client. An empty dsn leaves reporting disabled.
func Init(dsn, version string) {
	if dsn == "" {
		slog.Debug("No sentry DSN configured, panic reporting disabled")
		return
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		Release:          version,
	})
	if err != nil {
		slog.Error("sentry.Init:", "error", err)
		return
	}
	enabled.Store(true)
}

// PanicHandler reports a recovered panic value. It is safe to call when reporting is disabled.
func PanicHandler(p any) {
	slog.Error("Recovered from panic", "panic", p)
	if !enabled.Load() {
		return
	}
	sentry.CurrentHub().Recover(p)
	if result := sentry.Flush(2 * time.Second); !result {
		slog.Error("sentry.Flush: timeout")
	}
}

// PanicListener reports a fatal message, typically from a crashing goroutine.
func PanicListener(msg string) {
	if !enabled.Load() {
		slog.Error("Fatal condition", "message", msg)
		return
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
	})

	sentry.CaptureMessage(msg)
	if result := sentry.Flush(6 * time.Second); !result {
		slog.Error("sentry.Flush: timeout")
	}
}

// Recover is meant to be deferred at the top of goroutines that must not crash the process.
func Recover(where string) {
	if p := recover(); p != nil {
		PanicHandler(fmt.Sprintf("%s: %v", where, p))
	}
}
