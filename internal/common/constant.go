package common

import "time"

// Reserved record fields shared by the local and remote representations.
const (
	FieldID        = "id"
	FieldOwnerID   = "userId"
	FieldEncrypted = "_encrypted"
	FieldUpdatedAt = "updatedAt"
)

const (
	// DefaultGuestRetention is how long an idle guest session keeps its data.
	DefaultGuestRetention = 30 * 24 * time.Hour

	// DefaultMaxGuestSessions caps the number of retained guest sessions.
	DefaultMaxGuestSessions = 10

	// DefaultStuckAfter is the no-progress window after which a non-empty
	// queue is considered stuck while online.
	DefaultStuckAfter = 90 * time.Second
)
