// Package remote talks to the remote document store. DocumentStore is the
// contract each backend adapter implements; Gateway sits in front of it and
// applies field encryption on the way in and out.
package remote

import (
	"context"

	"github.com/dmitrijs2005/fishkeeper/internal/models"
)

// Query selects one page of an owner's documents ordered by document id.
type Query struct {
	Collection models.Collection
	OwnerID    string
	// After is the exclusive lower bound on the document id.
	After string
	Limit int
}

// FieldUpdate is a partial write of one document.
type FieldUpdate struct {
	ID     string
	Fields models.Record
}

type ChangeType string

const (
	ChangeUpserted ChangeType = "upserted"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one event delivered by Listen.
type Change struct {
	Type ChangeType
	ID   string
	Doc  models.Record // nil for removals
}

// DocumentStore is a collection-scoped document database.
//
// Upsert merges doc into the stored document (creating it when missing) and
// stamps updatedAt with the server time. Update does the same for an
// existing document and fails with common.ErrNotFound otherwise. Delete of
// a missing document succeeds. Transient failures wrap
// common.ErrUnavailable; a missing query index is an *IndexError; a write
// the store refuses is a *RejectedError.
type DocumentStore interface {
	Get(ctx context.Context, collection models.Collection, id string) (models.Record, error)
	Upsert(ctx context.Context, collection models.Collection, id string, doc models.Record) error
	Update(ctx context.Context, collection models.Collection, id string, fields models.Record) error
	Delete(ctx context.Context, collection models.Collection, id string) error
	Query(ctx context.Context, q Query) ([]models.Record, error)
	BulkUpdate(ctx context.Context, collection models.Collection, updates []FieldUpdate) error
	// Listen delivers changes to the owner's documents until ctx is done.
	Listen(ctx context.Context, collection models.Collection, ownerID string, fn func(Change)) error
	Ping(ctx context.Context) error
	// UserSalt returns the key-derivation salt of the user's profile,
	// creating a random one on first use.
	UserSalt(ctx context.Context, userID string) ([]byte, error)
	Close(ctx context.Context) error
}
