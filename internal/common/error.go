// Package common defines shared constants and sentinel errors used across
// the fishkeeper sync core. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Storage-level errors.
	ErrNotFound      = errors.New("not found")
	ErrQuotaExceeded = errors.New("local storage quota exceeded")

	// Remote errors. ErrUnavailable is transient and safe to retry; ErrRejected
	// and ErrIndexMissing are permanent for the affected operation.
	ErrUnavailable  = errors.New("remote store unavailable")
	ErrRejected     = errors.New("rejected by remote store")
	ErrIndexMissing = errors.New("required remote index missing")
	ErrUnauthorized = errors.New("unauthorized")

	// Encryption errors.
	ErrMissingAppSecret = errors.New("application secret is not configured")
	ErrKeyNotReady      = errors.New("session key not ready")
	ErrNotEnvelope      = errors.New("value is not an encrypted envelope")

	// Identity errors.
	ErrNoIdentity   = errors.New("no signed-in identity")
	ErrInvalidToken = errors.New("invalid token")
)
