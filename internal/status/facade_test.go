package status

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/reachability"
	"github.com/dmitrijs2005/fishkeeper/internal/syncqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu      sync.Mutex
	stats   syncqueue.Stats
	err     error
	repairs atomic.Int32
}

func (q *fakeQueue) set(length int) {
	q.mu.Lock()
	q.stats.Length = length
	q.mu.Unlock()
}

func (q *fakeQueue) Stats(context.Context) (syncqueue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats, q.err
}

func (q *fakeQueue) Repair(context.Context) error {
	q.repairs.Add(1)
	return nil
}

type fakeMigration struct {
	status  models.MigrationStatus
	started []string
	forced  []string
}

func (m *fakeMigration) Status() models.MigrationStatus { return m.status.Clone() }

func (m *fakeMigration) Start(_ context.Context, owner string) error {
	m.started = append(m.started, owner)
	return nil
}

func (m *fakeMigration) ForceRestart(_ context.Context, owner string) error {
	m.forced = append(m.forced, owner)
	return nil
}

type fixedReach reachability.State

func (r fixedReach) State() reachability.State { return reachability.State(r) }

type fixture struct {
	f      *Facade
	queue  *fakeQueue
	mig    *fakeMigration
	now    time.Time
	online bool
	reg    *prometheus.Registry
}

func newFixture() *fixture {
	fx := &fixture{
		queue:  &fakeQueue{},
		mig:    &fakeMigration{status: models.MigrationStatus{Collections: map[models.Collection]models.CollectionProgress{}}},
		now:    time.Date(2026, 6, 1, 4, 0, 0, 0, time.UTC),
		online: true,
		reg:    prometheus.NewRegistry(),
	}
	fx.f = New(fx.queue, fx.mig, fixedReach(reachability.Reachable), Options{
		Online:  func() bool { return fx.online },
		Owner:   func() string { return "u1" },
		Now:     func() time.Time { return fx.now },
		Metrics: NewMetrics(fx.reg),
	})
	return fx
}

func (fx *fixture) poll(t *testing.T) Snapshot {
	t.Helper()
	s, err := fx.f.Poll(context.Background())
	require.NoError(t, err)
	return s
}

func TestPoll_StuckTriggersOneRepairPerEpisode(t *testing.T) {
	fx := newFixture()
	fx.queue.set(3)

	assert.False(t, fx.poll(t).Stuck)
	fx.now = fx.now.Add(60 * time.Second)
	assert.False(t, fx.poll(t).Stuck)

	fx.now = fx.now.Add(31 * time.Second)
	assert.True(t, fx.poll(t).Stuck)
	assert.Eventually(t, func() bool { return fx.queue.repairs.Load() == 1 }, time.Second, 5*time.Millisecond)

	fx.now = fx.now.Add(30 * time.Second)
	assert.True(t, fx.poll(t).Stuck)
	fx.f.repairWG.Wait()
	assert.Equal(t, int32(1), fx.queue.repairs.Load(), "one repair per stuck episode")

	// progress ends the episode
	fx.queue.set(2)
	fx.now = fx.now.Add(time.Second)
	assert.False(t, fx.poll(t).Stuck)

	fx.now = fx.now.Add(91 * time.Second)
	assert.True(t, fx.poll(t).Stuck)
	fx.f.repairWG.Wait()
	assert.Equal(t, int32(2), fx.queue.repairs.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(fx.f.opts.Metrics.RepairsTotal))
}

func TestPoll_NotStuckWhenOfflineOrEmpty(t *testing.T) {
	fx := newFixture()
	fx.queue.set(5)
	fx.online = false
	fx.poll(t)
	fx.now = fx.now.Add(10 * time.Minute)
	assert.False(t, fx.poll(t).Stuck)

	fx2 := newFixture()
	fx2.poll(t)
	fx2.now = fx2.now.Add(10 * time.Minute)
	assert.False(t, fx2.poll(t).Stuck)
	assert.Zero(t, fx.queue.repairs.Load()+fx2.queue.repairs.Load())
}

func TestPoll_AggregatesAndPublishes(t *testing.T) {
	fx := newFixture()
	last := fx.now.Add(-time.Minute)
	fx.queue.stats = syncqueue.Stats{Length: 4, LastSyncAt: last, PermanentFailures: 1}
	fx.mig.status = models.MigrationStatus{Running: true, Collections: map[models.Collection]models.CollectionProgress{
		models.Trips: {Processed: 10, Updated: 7},
	}}

	var got []Snapshot
	fx.f.Subscribe(func(s Snapshot) { panic("bad subscriber") })
	cancel := fx.f.Subscribe(func(s Snapshot) { got = append(got, s) })

	s := fx.poll(t)
	assert.Equal(t, 4, s.QueueLength)
	assert.Equal(t, last, s.LastSyncAt)
	assert.Equal(t, 1, s.PermanentFailures)
	assert.Equal(t, reachability.Reachable, s.Reachability)
	assert.True(t, s.Migration.Running)
	require.Len(t, got, 1)
	assert.Equal(t, s, fx.f.Snapshot())

	m := fx.f.opts.Metrics
	assert.Equal(t, float64(4), testutil.ToFloat64(m.QueueLength))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PermanentFailures))
	assert.Equal(t, float64(last.Unix()), testutil.ToFloat64(m.LastSyncTimestamp))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Reachability.WithLabelValues("reachable")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Reachability.WithLabelValues("unknown")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.MigrationUpdated.WithLabelValues("trips")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MigrationRunning))

	cancel()
	fx.poll(t)
	assert.Len(t, got, 1)
}

func TestPoll_QueueError(t *testing.T) {
	fx := newFixture()
	fx.queue.err = errors.New("disk I/O error")
	_, err := fx.f.Poll(context.Background())
	assert.Error(t, err)
}

func TestControlOps(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	require.NoError(t, fx.f.StartMigration(ctx))
	require.NoError(t, fx.f.ForceRestartMigration(ctx))
	require.NoError(t, fx.f.Repair(ctx))
	assert.Equal(t, []string{"u1"}, fx.mig.started)
	assert.Equal(t, []string{"u1"}, fx.mig.forced)
	assert.Equal(t, int32(1), fx.queue.repairs.Load())

	signedOut := New(fx.queue, fx.mig, nil, Options{})
	assert.ErrorIs(t, signedOut.StartMigration(ctx), common.ErrNoIdentity)
}

func TestRun_PollsUntilCancelled(t *testing.T) {
	fx := newFixture()
	var polls atomic.Int32
	fx.f.Subscribe(func(Snapshot) { polls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fx.f.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	assert.Eventually(t, func() bool { return polls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
