package models

import "time"

// Op is a queued mutation kind.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// EntryState tracks a queue entry through delivery.
type EntryState string

const (
	StatePending         EntryState = "pending"
	StateInFlight        EntryState = "in-flight"
	StateApplied         EntryState = "applied"
	StateFailedRetryable EntryState = "failed-retryable"
	StateFailedPermanent EntryState = "failed-permanent"
)

// QueueEntry is one durable pending mutation.
type QueueEntry struct {
	ID            string
	Seq           int64
	Op            Op
	Collection    Collection
	RecordID      string
	OwnerID       string
	Payload       Record
	EnqueuedAt    time.Time
	State         EntryState
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	// Sent is set once the entry has been handed to the remote, even if
	// the outcome is unknown.
	Sent bool
}
