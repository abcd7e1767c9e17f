package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext
// which falls back to sentry.CurrentHub if the given context has no hub
// attached. Background work (replication, sweeps) runs off contexts that never
// saw an HTTP middleware, so this is the safe way to report from anywhere.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}
