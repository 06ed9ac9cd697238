// Package migration encrypts documents written before field encryption
// existed. A single background worker pages through each collection by
// document id, rewrites legacy candidates with their sensitive fields
// sealed, and persists a resumable cursor after every page.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/encryption"
	"github.com/dmitrijs2005/fishkeeper/internal/logging"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/remote"
	"github.com/dmitrijs2005/fishkeeper/internal/retry"
	"github.com/dmitrijs2005/fishkeeper/internal/storage"
)

const DefaultPageSize = 50

// Source reads raw documents and writes partial updates. remote.Gateway
// implements it.
type Source interface {
	ScanPage(ctx context.Context, q remote.Query) ([]models.Record, error)
	WriteFields(ctx context.Context, c models.Collection, updates []remote.FieldUpdate) error
}

// Cipher is the part of encryption.Engine the migration needs.
type Cipher interface {
	IsReady() bool
	SensitiveFields(c models.Collection) []string
	IsLegacyCandidate(c models.Collection, r models.Record) bool
	EncryptFields(c models.Collection, r models.Record) models.Record
}

// IndexErrorEvent reports a collection the migration had to give up on.
type IndexErrorEvent struct {
	Collection     models.Collection
	Message        string
	RemediationURL string
}

// Listener receives migration events. Either callback may be nil.
type Listener struct {
	OnCompleted  func(models.MigrationStatus)
	OnIndexError func(IndexErrorEvent)
}

type Options struct {
	Collections []models.Collection
	PageSize    int
	// Retry paces the re-reads of a page after a transient failure.
	Retry  retry.Config
	Logger logging.Logger
}

type Orchestrator struct {
	src    Source
	cipher Cipher
	kv     storage.Store
	opts   Options
	log    logging.Logger

	mu        sync.Mutex
	status    models.MigrationStatus
	cancel    context.CancelFunc
	done      chan struct{}
	listeners map[int]Listener
	nextID    int
}

func New(src Source, cipher Cipher, kv storage.Store, opts Options) *Orchestrator {
	if len(opts.Collections) == 0 {
		opts.Collections = models.AllCollections()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.DefaultConfig()
	}
	return &Orchestrator{
		src:       src,
		cipher:    cipher,
		kv:        kv,
		opts:      opts,
		log:       logging.OrDiscard(opts.Logger).With("component", "migration"),
		status:    models.MigrationStatus{Collections: map[models.Collection]models.CollectionProgress{}},
		listeners: make(map[int]Listener),
	}
}

func progressKey(owner string) string { return "migration:progress:" + owner }

// Start launches the worker for ownerID, resuming from persisted progress.
// It is a no-op while a worker runs. The worker outlives ctx; use Stop.
//
// Collections persisted as done are not scanned again. Plaintext written
// after that, for example while no key could be derived, is only picked up
// once the progress is cleared with Invalidate or ForceRestart.
func (o *Orchestrator) Start(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return common.ErrNoIdentity
	}
	if !o.cipher.IsReady() {
		return fmt.Errorf("migration: %w", common.ErrKeyNotReady)
	}
	if o.Status().Running {
		return nil
	}

	progress := map[models.Collection]models.CollectionProgress{}
	if _, err := storage.GetJSON(ctx, o.kv, progressKey(ownerID), &progress); err != nil {
		return fmt.Errorf("failed to load migration progress: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.Running {
		return nil
	}
	o.status = models.MigrationStatus{Running: true, Collections: progress}
	for _, c := range o.opts.Collections {
		if _, ok := progress[c]; !ok {
			progress[c] = models.CollectionProgress{}
		}
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.run(wctx, ownerID, o.done)

	o.log.Info(ctx, "migration started", "owner", ownerID)
	return nil
}

// Stop asks the worker to quit after the page it is writing and waits for
// it. Progress so far is kept.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Invalidate discards the persisted progress of ownerID so the next Start
// scans every collection again. A running worker is not touched.
func (o *Orchestrator) Invalidate(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return common.ErrNoIdentity
	}
	if err := o.kv.Remove(ctx, progressKey(ownerID)); err != nil {
		return fmt.Errorf("failed to clear migration progress: %w", err)
	}
	o.mu.Lock()
	if !o.status.Running {
		o.status = models.MigrationStatus{Collections: map[models.Collection]models.CollectionProgress{}}
	}
	o.mu.Unlock()
	o.log.Info(ctx, "migration progress cleared", "owner", ownerID)
	return nil
}

// ForceRestart discards all progress of ownerID and starts over.
func (o *Orchestrator) ForceRestart(ctx context.Context, ownerID string) error {
	o.Stop()
	if err := o.Invalidate(ctx, ownerID); err != nil {
		return err
	}
	return o.Start(ctx, ownerID)
}

// Wait blocks until the current worker exits or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot; it never waits on I/O.
func (o *Orchestrator) Status() models.MigrationStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.Clone()
}

// Subscribe registers l and returns a function that removes it.
func (o *Orchestrator) Subscribe(l Listener) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = l
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) snapshotListeners() []Listener {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		out = append(out, l)
	}
	return out
}

func (o *Orchestrator) emit(ctx context.Context, fn func(Listener)) {
	for _, l := range o.snapshotListeners() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					o.log.Error(ctx, "migration listener panicked", "panic", p)
				}
			}()
			fn(l)
		}()
	}
}

func (o *Orchestrator) run(ctx context.Context, owner string, done chan struct{}) {
	defer close(done)
	defer func() {
		if p := recover(); p != nil {
			o.log.Error(ctx, "migration worker panicked", "panic", p)
			o.mu.Lock()
			o.status.Running = false
			o.status.Error = fmt.Sprint(p)
			o.mu.Unlock()
		}
	}()

	for _, c := range o.opts.Collections {
		if !o.migrateCollection(ctx, owner, c) {
			o.mu.Lock()
			o.status.Running = false
			o.mu.Unlock()
			o.log.Info(ctx, "migration stopped", "owner", owner, "collection", c)
			return
		}
	}

	o.mu.Lock()
	o.status.Running = false
	o.status.AllDone = true
	final := o.status.Clone()
	o.mu.Unlock()

	o.log.Info(ctx, "migration completed", "owner", owner)
	o.emit(ctx, func(l Listener) {
		if l.OnCompleted != nil {
			l.OnCompleted(final)
		}
	})
}

// migrateCollection pages through c until it is done. It returns false if
// the worker was stopped.
func (o *Orchestrator) migrateCollection(ctx context.Context, owner string, c models.Collection) bool {
	attempt := 0
	for {
		p := o.progress(c)
		if p.Done {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		n, updated, cursor, err := o.migratePage(ctx, owner, c, p.Cursor)
		switch {
		case err == nil:
			attempt = 0
		case ctx.Err() != nil:
			return false
		case retry.Retryable(err):
			attempt++
			wait := o.opts.Retry.Backoff(attempt)
			o.log.Warn(ctx, "migration page failed, retrying", "collection", c, "attempt", attempt, "wait", wait, "error", err)
			if !sleep(ctx, wait) {
				return false
			}
			continue
		default:
			o.giveUp(ctx, owner, c, err)
			return true
		}

		p.Processed += n
		p.Updated += updated
		if cursor != "" {
			p.Cursor = cursor
		}
		p.Done = n < o.opts.PageSize
		o.setProgress(ctx, owner, c, p)
	}
}

// migratePage handles one page after cursor and returns the number of
// documents seen, the number rewritten and the new cursor.
func (o *Orchestrator) migratePage(ctx context.Context, owner string, c models.Collection, cursor string) (int, int, string, error) {
	page, err := o.src.ScanPage(ctx, remote.Query{Collection: c, OwnerID: owner, After: cursor, Limit: o.opts.PageSize})
	if err != nil {
		return 0, 0, "", err
	}
	if len(page) == 0 {
		return 0, 0, "", nil
	}

	var updates []remote.FieldUpdate
	for _, doc := range page {
		if !o.cipher.IsLegacyCandidate(c, doc) {
			continue
		}
		if fields := o.sealedFields(c, doc); len(fields) > 0 {
			updates = append(updates, remote.FieldUpdate{ID: doc.RecordID(), Fields: fields})
		}
	}
	// a started page write completes even when the worker is stopped
	if err := o.src.WriteFields(context.WithoutCancel(ctx), c, updates); err != nil {
		return 0, 0, "", err
	}
	return len(page), len(updates), page[len(page)-1].RecordID(), nil
}

// sealedFields returns the partial update that encrypts doc in place.
func (o *Orchestrator) sealedFields(c models.Collection, doc models.Record) models.Record {
	enc := o.cipher.EncryptFields(c, doc)
	fields := models.Record{}
	for _, f := range o.cipher.SensitiveFields(c) {
		if v, ok := enc[f]; ok && encryption.IsEnvelope(v) && !encryption.IsEnvelope(doc[f]) {
			fields[f] = v
		}
	}
	if len(fields) > 0 && enc.IsEncrypted() {
		fields[common.FieldEncrypted] = true
	}
	return fields
}

func (o *Orchestrator) giveUp(ctx context.Context, owner string, c models.Collection, err error) {
	p := o.progress(c)
	p.Done = true
	o.setProgress(ctx, owner, c, p)

	ev := IndexErrorEvent{Collection: c, Message: err.Error()}
	var ie *remote.IndexError
	if errors.As(err, &ie) {
		ev.Message = ie.Message
		ev.RemediationURL = ie.RemediationURL
	}
	o.mu.Lock()
	o.status.Error = ev.Message
	o.mu.Unlock()

	o.log.Error(ctx, "migration gave up on collection", "collection", c, "error", err, "remediation_url", ev.RemediationURL)
	o.emit(ctx, func(l Listener) {
		if l.OnIndexError != nil {
			l.OnIndexError(ev)
		}
	})
}

func (o *Orchestrator) progress(c models.Collection) models.CollectionProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.Collections[c]
}

func (o *Orchestrator) setProgress(ctx context.Context, owner string, c models.Collection, p models.CollectionProgress) {
	o.mu.Lock()
	o.status.Collections[c] = p
	snapshot := o.status.Clone().Collections
	o.mu.Unlock()

	if err := storage.SetJSON(context.WithoutCancel(ctx), o.kv, progressKey(owner), snapshot); err != nil {
		o.log.Warn(ctx, "failed to persist migration progress", "collection", c, "error", err)
	}
}
