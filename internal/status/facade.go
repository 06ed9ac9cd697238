// Package status folds the sync queue, the migration and remote
// reachability into one snapshot for the UI, and detects a stuck queue.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/logging"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/reachability"
	"github.com/dmitrijs2005/fishkeeper/internal/syncqueue"
)

type Queue interface {
	Stats(ctx context.Context) (syncqueue.Stats, error)
	Repair(ctx context.Context) error
}

type Migration interface {
	Status() models.MigrationStatus
	Start(ctx context.Context, ownerID string) error
	ForceRestart(ctx context.Context, ownerID string) error
}

type Reachability interface {
	State() reachability.State
}

// Snapshot is the unified status.
type Snapshot struct {
	QueueLength       int
	LastSyncAt        time.Time
	Online            bool
	Reachability      reachability.State
	Migration         models.MigrationStatus
	PermanentFailures int
	Stuck             bool
	TakenAt           time.Time
}

type Options struct {
	// StuckAfter is how long a non-empty queue may keep its length while
	// online before a repair is triggered.
	StuckAfter time.Duration
	// Online reports device connectivity. Nil means always online.
	Online func() bool
	// Owner returns the signed-in owner the control ops act for.
	Owner   func() string
	Now     func() time.Time
	Metrics *Metrics
	Logger  logging.Logger
}

type Facade struct {
	queue     Queue
	migration Migration
	reach     Reachability
	opts      Options
	log       logging.Logger

	mu           sync.Mutex
	last         Snapshot
	lastLen      int
	lastChangeAt time.Time
	inEpisode    bool
	subs         map[int]func(Snapshot)
	nextID       int

	repairWG sync.WaitGroup
}

func New(queue Queue, migration Migration, reach Reachability, opts Options) *Facade {
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = common.DefaultStuckAfter
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.Owner == nil {
		opts.Owner = func() string { return "" }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Facade{
		queue:     queue,
		migration: migration,
		reach:     reach,
		opts:      opts,
		log:       logging.OrDiscard(opts.Logger).With("component", "status"),
		subs:      make(map[int]func(Snapshot)),
	}
}

// Poll gathers a fresh snapshot, publishes it, and starts one repair at
// the beginning of each stuck episode.
func (f *Facade) Poll(ctx context.Context) (Snapshot, error) {
	qs, err := f.queue.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	now := f.opts.Now()
	snap := Snapshot{
		QueueLength:       qs.Length,
		LastSyncAt:        qs.LastSyncAt,
		Online:            f.opts.Online(),
		PermanentFailures: qs.PermanentFailures,
		TakenAt:           now,
	}
	if f.reach != nil {
		snap.Reachability = f.reach.State()
	}
	if f.migration != nil {
		snap.Migration = f.migration.Status()
	}

	f.mu.Lock()
	if f.lastChangeAt.IsZero() || qs.Length != f.lastLen {
		f.lastLen = qs.Length
		f.lastChangeAt = now
	}
	snap.Stuck = snap.Online && qs.Length > 0 && now.Sub(f.lastChangeAt) >= f.opts.StuckAfter
	trigger := snap.Stuck && !f.inEpisode
	since := f.lastChangeAt
	f.inEpisode = snap.Stuck
	f.last = snap
	subs := make([]func(Snapshot), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	if trigger {
		f.log.Warn(ctx, "sync queue looks stuck, repairing", "queue_length", qs.Length, "since", since)
		f.startRepair(context.WithoutCancel(ctx))
	}
	if f.opts.Metrics != nil {
		f.opts.Metrics.Observe(snap)
	}
	for _, fn := range subs {
		f.deliver(ctx, fn, snap)
	}
	return snap, nil
}

func (f *Facade) startRepair(ctx context.Context) {
	if f.opts.Metrics != nil {
		f.opts.Metrics.RepairsTotal.Inc()
	}
	f.repairWG.Add(1)
	go func() {
		defer f.repairWG.Done()
		defer func() {
			if p := recover(); p != nil {
				f.log.Error(ctx, "repair panicked", "panic", p)
			}
		}()
		if err := f.queue.Repair(ctx); err != nil {
			f.log.Warn(ctx, "repair failed", "error", err)
		}
	}()
}

func (f *Facade) deliver(ctx context.Context, fn func(Snapshot), s Snapshot) {
	defer func() {
		if p := recover(); p != nil {
			f.log.Error(ctx, "status subscriber panicked", "panic", p)
		}
	}()
	fn(s)
}

// Snapshot returns the last polled status.
func (f *Facade) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.last
	s.Migration = s.Migration.Clone()
	return s
}

// Subscribe calls fn with every polled snapshot until cancel is called.
func (f *Facade) Subscribe(fn func(Snapshot)) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// Run polls every interval until ctx is done.
func (f *Facade) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := f.Poll(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn(ctx, "status poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			f.repairWG.Wait()
			return
		case <-ticker.C:
		}
	}
}

// StartMigration starts the encryption migration for the signed-in owner.
func (f *Facade) StartMigration(ctx context.Context) error {
	owner := f.opts.Owner()
	if owner == "" {
		return common.ErrNoIdentity
	}
	return f.migration.Start(ctx, owner)
}

// ForceRestartMigration clears migration progress and starts over.
func (f *Facade) ForceRestartMigration(ctx context.Context) error {
	owner := f.opts.Owner()
	if owner == "" {
		return common.ErrNoIdentity
	}
	return f.migration.ForceRestart(ctx, owner)
}

// Repair runs an aggressive drain and waits for it.
func (f *Facade) Repair(ctx context.Context) error {
	return f.queue.Repair(ctx)
}
