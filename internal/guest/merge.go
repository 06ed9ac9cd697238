package guest

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/logging"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/google/uuid"
)

// Enqueuer accepts mutations for remote delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, op models.Op, collection models.Collection, ownerID string, rec models.Record) error
}

// Merger folds a guest bucket into a user's remote data.
type Merger struct {
	store *Store
	queue Enqueuer
	log   logging.Logger
}

func NewMerger(store *Store, queue Enqueuer, log logging.Logger) *Merger {
	return &Merger{store: store, queue: queue, log: logging.OrDiscard(log).With("component", "guest-merge")}
}

// Merge enqueues every record of the guest session as a create owned by
// userID and records the merge in the ledger. Records keep their client
// ids, so the remote upserts never duplicate them. Merging a session that
// was already merged for userID does nothing.
func (m *Merger) Merge(ctx context.Context, sessionID, userID string) (int, error) {
	done, err := m.store.HasMergedForUser(ctx, sessionID, userID)
	if err != nil {
		return 0, err
	}
	if done {
		m.log.Debug(ctx, "guest session already merged", "session_id", sessionID, "user_id", userID)
		return 0, nil
	}

	data, err := m.store.GetData(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	n := 0
	if data != nil {
		for _, collection := range models.AllCollections() {
			for _, rec := range data.Records[collection] {
				out := rec.Clone()
				if out.RecordID() == "" {
					out[common.FieldID] = uuid.NewString()
				}
				out[common.FieldOwnerID] = userID
				if err := m.queue.Enqueue(ctx, models.OpCreate, collection, userID, out); err != nil {
					return n, fmt.Errorf("enqueue guest record %s/%s: %w", collection, out.RecordID(), err)
				}
				n++
			}
		}
	}

	if err := m.store.MarkMergedForUser(ctx, sessionID, userID); err != nil {
		return n, err
	}
	m.log.Info(ctx, "guest session merged", "session_id", sessionID, "user_id", userID, "records", n)
	return n, nil
}
