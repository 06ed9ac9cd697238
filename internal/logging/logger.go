// Package logging defines the structured-logging interface shared by the
// sync core. Components take a Logger; the CLI decides which slog handler
// backs it.
package logging

import "context"

// Logger is a context-aware, structured logger.
//
// The variadic args are interpreted as key-value pairs, e.g.:
//
//	log.Info(ctx, "drain finished", "owner", ownerID, "applied", n)
type Logger interface {
	// Debug logs verbose diagnostics (per-entry queue outcomes, cache hits).
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs an informational message.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs conditions the core absorbed, such as a field that failed to decrypt.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key-value pairs.
	With(args ...any) Logger
}
