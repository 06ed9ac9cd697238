// Package queue persists sync queue entries in the local sqlite database.
//
// Entries are ordered by an autoincrement sequence number; the sequence is
// the only ordering the drainer relies on. In-flight entries left over from
// a crash are returned to pending by ResetInFlight.
package queue
