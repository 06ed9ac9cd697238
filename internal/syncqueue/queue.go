// Package syncqueue delivers locally made mutations to the remote store.
//
// Entries are durable and ordered by sequence number. A single drainer walks
// the current owner's entries in order; an entry that cannot be delivered
// yet blocks only the later entries of the same record, so operations on one
// record always reach the remote in the order they were made.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/logging"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/retry"
	"github.com/dmitrijs2005/fishkeeper/internal/storage"
	"github.com/oklog/ulid/v2"
)

// Repository is the durable entry log.
type Repository interface {
	Append(ctx context.Context, e *models.QueueEntry) (int64, error)
	AppendDelete(ctx context.Context, e *models.QueueEntry, mayCollapse bool) (collapsed bool, err error)
	Pending(ctx context.Context, ownerID string, limit int) ([]models.QueueEntry, error)
	SetState(ctx context.Context, seq int64, state models.EntryState, attempts int, next time.Time, lastErr string) error
	MarkInFlight(ctx context.Context, seq int64) error
	Delete(ctx context.Context, seq int64) error
	Count(ctx context.Context, ownerID string) (int, error)
	CountState(ctx context.Context, ownerID string, state models.EntryState) (int, error)
	HasQueued(ctx context.Context, ownerID string, collection models.Collection, recordID string) (bool, error)
	ResetInFlight(ctx context.Context) (int64, error)
	DeleteOwner(ctx context.Context, ownerID string) (int64, error)
}

// Applier delivers one entry to the remote store. remote.Gateway
// implements it.
type Applier interface {
	Apply(ctx context.Context, e *models.QueueEntry) error
}

type Options struct {
	Retry  retry.Config
	Logger logging.Logger
	Now    func() time.Time
}

// Stats describes the current owner's backlog.
type Stats struct {
	Length            int
	LastSyncAt        time.Time
	PermanentFailures int
}

var ErrNoRecordID = errors.New("record has no id")

type Queue struct {
	repo   Repository
	remote Applier
	kv     storage.Store
	cfg    retry.Config
	log    logging.Logger
	now    func() time.Time

	// drainMu admits one drain or repair at a time.
	drainMu sync.Mutex

	mu    sync.Mutex
	owner string
	gen   uint64

	kick chan struct{}
}

// New returns a queue over repo. Entries left in flight by a previous
// process are returned to pending first.
func New(ctx context.Context, repo Repository, remote Applier, kv storage.Store, opts Options) (*Queue, error) {
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{
		repo:   repo,
		remote: remote,
		kv:     kv,
		cfg:    opts.Retry,
		log:    logging.OrDiscard(opts.Logger).With("component", "syncqueue"),
		now:    opts.Now,
		kick:   make(chan struct{}, 1),
	}

	n, err := repo.ResetInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover in-flight entries: %w", err)
	}
	if n > 0 {
		q.log.Info(ctx, "recovered in-flight entries", "count", n)
	}
	return q, nil
}

// Enqueue appends a mutation of rec. A delete of a record that never
// reached the remote removes the record's queued entries instead.
func (q *Queue) Enqueue(ctx context.Context, op models.Op, c models.Collection, ownerID string, rec models.Record) error {
	id := rec.RecordID()
	if id == "" {
		return fmt.Errorf("enqueue %s %s: %w", op, c, ErrNoRecordID)
	}
	e := &models.QueueEntry{
		ID:         ulid.Make().String(),
		Op:         op,
		Collection: c,
		RecordID:   id,
		OwnerID:    ownerID,
		EnqueuedAt: q.now().UTC(),
		State:      models.StatePending,
	}

	if op == models.OpDelete {
		mayCollapse := !q.delivered(ctx, ownerID, c, id)
		collapsed, err := q.repo.AppendDelete(ctx, e, mayCollapse)
		if err != nil {
			return err
		}
		if collapsed {
			q.log.Debug(ctx, "delete collapsed with queued create", "collection", c, "record_id", id)
		}
		q.Kick()
		return nil
	}

	e.Payload = rec.Clone()
	if _, err := q.repo.Append(ctx, e); err != nil {
		return err
	}
	q.Kick()
	return nil
}

// SetOwner switches the queue to ownerID. A drain running for the previous
// owner stops before its next entry.
func (q *Queue) SetOwner(ownerID string) {
	q.mu.Lock()
	if q.owner != ownerID {
		q.owner = ownerID
		q.gen++
	}
	q.mu.Unlock()
	q.Kick()
}

// Stop detaches the queue from its owner, as on sign-out. Entries stay
// queued.
func (q *Queue) Stop() { q.SetOwner("") }

func (q *Queue) Owner() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.owner
}

func (q *Queue) current() (string, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.owner, q.gen
}

func (q *Queue) active(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen == gen && q.owner != ""
}

// DiscardOwner drops every entry of ownerID, used when a guest session is
// cleared.
func (q *Queue) DiscardOwner(ctx context.Context, ownerID string) error {
	n, err := q.repo.DeleteOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	q.log.Info(ctx, "discarded queued entries", "owner", ownerID, "count", n)
	return nil
}

// HasQueued reports whether the record has undelivered local mutations.
func (q *Queue) HasQueued(ctx context.Context, ownerID string, c models.Collection, recordID string) (bool, error) {
	return q.repo.HasQueued(ctx, ownerID, c, recordID)
}

// Kick requests a drain from Run without blocking.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Drain delivers the current owner's deliverable entries. It returns after
// the first transient failure, leaving the rest for a later pass.
func (q *Queue) Drain(ctx context.Context) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	return q.pass(ctx, false)
}

// Repair is an aggressive drain: backoff windows are ignored and permanent
// failures are attempted again. It waits for a running drain to finish.
func (q *Queue) Repair(ctx context.Context) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	q.log.Info(ctx, "repair started", "owner", q.Owner())
	return q.pass(ctx, true)
}

type recordKey struct {
	collection models.Collection
	id         string
}

func (q *Queue) pass(ctx context.Context, aggressive bool) error {
	owner, gen := q.current()
	if owner == "" {
		return nil
	}
	entries, err := q.repo.Pending(ctx, owner, 0)
	if err != nil {
		return err
	}

	blocked := make(map[recordKey]bool)
	applied := 0
	defer func() {
		if applied > 0 {
			q.log.Info(ctx, "drain finished", "owner", owner, "applied", applied)
		}
	}()

	for i := range entries {
		e := &entries[i]
		if !q.active(gen) {
			q.log.Info(ctx, "drain aborted by owner change", "owner", owner)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		key := recordKey{e.Collection, e.RecordID}
		if blocked[key] {
			continue
		}
		if !q.deliverable(e, aggressive) {
			blocked[key] = true
			continue
		}

		if err := q.repo.MarkInFlight(ctx, e.Seq); err != nil {
			return err
		}
		err := q.apply(ctx, e)
		// outcomes are recorded even when ctx ends mid-apply
		sctx := context.WithoutCancel(ctx)

		switch {
		case err == nil:
			if err := q.repo.Delete(sctx, e.Seq); err != nil {
				return err
			}
			applied++
			q.markSynced(sctx, owner)
			q.markDelivered(sctx, e)

		case ctx.Err() != nil:
			if serr := q.repo.SetState(sctx, e.Seq, models.StatePending, e.Attempts, e.NextAttemptAt, e.LastError); serr != nil {
				return serr
			}
			return ctx.Err()

		case retry.Retryable(err):
			attempts := e.Attempts + 1
			next := q.now().Add(q.cfg.Backoff(attempts))
			if serr := q.repo.SetState(sctx, e.Seq, models.StateFailedRetryable, attempts, next, err.Error()); serr != nil {
				return serr
			}
			q.log.Warn(ctx, "remote unavailable, drain paused",
				"seq", e.Seq, "collection", e.Collection, "record_id", e.RecordID,
				"attempts", attempts, "next_attempt_at", next, "error", err)
			return fmt.Errorf("drain stopped at seq %d: %w", e.Seq, err)

		default:
			attempts := e.Attempts + 1
			if serr := q.repo.SetState(sctx, e.Seq, models.StateFailedPermanent, attempts, time.Time{}, err.Error()); serr != nil {
				return serr
			}
			blocked[key] = true
			q.log.Error(ctx, "queue entry failed permanently",
				"seq", e.Seq, "op", e.Op, "collection", e.Collection, "record_id", e.RecordID, "error", err)
		}
	}
	return nil
}

func (q *Queue) apply(ctx context.Context, e *models.QueueEntry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("apply panicked: %v", p)
		}
	}()
	return q.remote.Apply(ctx, e)
}

// deliverable reports whether e may be attempted now. In-flight entries seen
// here were left by an interrupted pass, since only one pass runs at a time.
func (q *Queue) deliverable(e *models.QueueEntry, aggressive bool) bool {
	switch e.State {
	case models.StateFailedPermanent:
		return aggressive
	case models.StateFailedRetryable:
		return aggressive || !q.now().Before(e.NextAttemptAt)
	default:
		return true
	}
}

func lastSyncKey(owner string) string { return "sync:last:" + owner }

func (q *Queue) markSynced(ctx context.Context, owner string) {
	if q.kv == nil {
		return
	}
	if err := storage.SetJSON(ctx, q.kv, lastSyncKey(owner), q.now().UTC()); err != nil {
		q.log.Warn(ctx, "failed to persist last sync time", "owner", owner, "error", err)
	}
}

func deliveredKey(owner string, c models.Collection, id string) string {
	return "sync:delivered:" + owner + "/" + string(c) + "/" + id
}

// delivered reports whether a create or update of the record has been
// applied remotely. A mark that cannot be read counts as delivered.
func (q *Queue) delivered(ctx context.Context, owner string, c models.Collection, id string) bool {
	if q.kv == nil {
		return false
	}
	b, err := q.kv.Get(ctx, deliveredKey(owner, c, id))
	if err != nil {
		q.log.Warn(ctx, "failed to read delivery mark", "collection", c, "record_id", id, "error", err)
		return true
	}
	return b != nil
}

func (q *Queue) markDelivered(ctx context.Context, e *models.QueueEntry) {
	if q.kv == nil {
		return
	}
	key := deliveredKey(e.OwnerID, e.Collection, e.RecordID)
	var err error
	if e.Op == models.OpDelete {
		err = q.kv.Remove(ctx, key)
	} else {
		err = q.kv.Set(ctx, key, []byte{1})
	}
	if err != nil {
		q.log.Warn(ctx, "failed to update delivery mark", "collection", e.Collection, "record_id", e.RecordID, "error", err)
	}
}

// Stats reports the backlog of the current owner. With no owner it is
// empty.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	owner := q.Owner()
	if owner == "" {
		return Stats{}, nil
	}
	var st Stats
	var err error
	if st.Length, err = q.repo.Count(ctx, owner); err != nil {
		return Stats{}, err
	}
	if st.PermanentFailures, err = q.repo.CountState(ctx, owner, models.StateFailedPermanent); err != nil {
		return Stats{}, err
	}
	if q.kv != nil {
		if _, err := storage.GetJSON(ctx, q.kv, lastSyncKey(owner), &st.LastSyncAt); err != nil {
			return Stats{}, err
		}
	}
	return st, nil
}

// Run drains every interval and whenever Kick is called, until ctx is
// done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.kick:
		}
		q.safeDrain(ctx)
	}
}

func (q *Queue) safeDrain(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			q.log.Error(ctx, "drain panicked", "panic", p)
		}
	}()
	if err := q.Drain(ctx); err != nil && ctx.Err() == nil {
		if retry.Retryable(err) {
			q.log.Debug(ctx, "drain deferred", "error", err)
			return
		}
		q.log.Error(ctx, "drain failed", "error", err)
	}
}
