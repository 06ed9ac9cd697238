package migration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/encryption"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/remote"
	"github.com/dmitrijs2005/fishkeeper/internal/remote/memstore"
	"github.com/dmitrijs2005/fishkeeper/internal/retry"
	"github.com/dmitrijs2005/fishkeeper/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *memstore.Store
	engine *encryption.Engine
	gw     *remote.Gateway
	kv     storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	engine := encryption.NewEngine(encryption.Options{AppSecret: []byte("pepper"), Salts: store})
	require.NoError(t, engine.SetDeterministicKey(context.Background(), "u1", "angler@example.com"))
	gw, err := remote.NewGateway(store, engine, remote.GatewayOptions{})
	require.NoError(t, err)
	return &fixture{store: store, engine: engine, gw: gw, kv: storage.NewMemory()}
}

func (f *fixture) orchestrator(src Source, opts Options) *Orchestrator {
	if src == nil {
		src = f.gw
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.Config{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}
	}
	return New(src, f.engine, f.kv, opts)
}

func (f *fixture) seedLegacyTrips(n int) {
	for i := 0; i < n; i++ {
		f.store.Seed(models.Trips, models.Record{
			"id":        fmt.Sprintf("t%03d", i),
			"userId":    "u1",
			"notes":     fmt.Sprintf("caught %d perch", i),
			"fishCount": float64(i),
		})
	}
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
}

func TestMigration_EncryptsLegacyDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedLegacyTrips(120)
	require.NoError(t, f.gw.Save(ctx, models.Trips, models.Record{"id": "z-new", "userId": "u1", "notes": "already sealed"}))
	f.store.Seed(models.Trips, models.Record{"id": "z-plain", "userId": "u1", "fishCount": float64(2)})
	f.store.Seed(models.Trips, models.Record{"id": "other", "userId": "u2", "notes": "not ours"})

	o := f.orchestrator(nil, Options{PageSize: 50})
	var completed []models.MigrationStatus
	var mu sync.Mutex
	o.Subscribe(Listener{OnCompleted: func(s models.MigrationStatus) {
		mu.Lock()
		completed = append(completed, s)
		mu.Unlock()
	}})

	require.NoError(t, o.Start(ctx, "u1"))
	waitDone(t, o)

	st := o.Status()
	assert.False(t, st.Running)
	assert.True(t, st.AllDone)
	assert.Equal(t, 122, st.Collections[models.Trips].Processed)
	assert.Equal(t, 120, st.Collections[models.Trips].Updated)
	assert.True(t, st.Collections[models.FishCaught].Done)

	docs := f.store.Snapshot(models.Trips)
	for i := 0; i < 120; i++ {
		doc := docs[fmt.Sprintf("t%03d", i)]
		assert.True(t, encryption.IsEnvelope(doc["notes"]))
		assert.Equal(t, true, doc[common.FieldEncrypted])
		assert.Equal(t, float64(i), doc["fishCount"])
	}
	assert.Equal(t, "not ours", docs["other"]["notes"])

	got, err := f.gw.Get(ctx, models.Trips, "t007")
	require.NoError(t, err)
	assert.Equal(t, "caught 7 perch", got["notes"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completed, 1)
	assert.True(t, completed[0].AllDone)
}

func TestMigration_RerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedLegacyTrips(30)

	o := f.orchestrator(nil, Options{PageSize: 7})
	require.NoError(t, o.Start(ctx, "u1"))
	waitDone(t, o)
	before := f.store.Snapshot(models.Trips)
	bulkBefore := f.store.Count(memstore.OpBulk)

	require.NoError(t, o.ForceRestart(ctx, "u1"))
	waitDone(t, o)

	st := o.Status()
	assert.Equal(t, 30, st.Collections[models.Trips].Processed)
	assert.Equal(t, 0, st.Collections[models.Trips].Updated)
	assert.Equal(t, bulkBefore, f.store.Count(memstore.OpBulk))
	assert.Equal(t, before, f.store.Snapshot(models.Trips))
}

func TestMigration_ResumesFromPersistedCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedLegacyTrips(10)

	progress := map[models.Collection]models.CollectionProgress{
		models.Trips: {Processed: 5, Updated: 5, Cursor: "t004"},
	}
	require.NoError(t, storage.SetJSON(ctx, f.kv, progressKey("u1"), progress))

	o := f.orchestrator(nil, Options{PageSize: 3})
	require.NoError(t, o.Start(ctx, "u1"))
	waitDone(t, o)

	docs := f.store.Snapshot(models.Trips)
	assert.Equal(t, "caught 4 perch", docs["t004"]["notes"], "pages before the cursor are not rescanned")
	assert.True(t, encryption.IsEnvelope(docs["t005"]["notes"]))

	st := o.Status()
	assert.Equal(t, 10, st.Collections[models.Trips].Processed)
	assert.Equal(t, 10, st.Collections[models.Trips].Updated)

	var saved map[models.Collection]models.CollectionProgress
	found, err := storage.GetJSON(ctx, f.kv, progressKey("u1"), &saved)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, saved[models.Trips].Done)
	assert.Equal(t, "t009", saved[models.Trips].Cursor)
}

func TestMigration_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedLegacyTrips(4)

	failures := 2
	f.store.SetHook(func(op memstore.Op, c models.Collection, id string) error {
		if op == memstore.OpQuery && c == models.Trips && failures > 0 {
			failures--
			return remote.Unavailable("query", fmt.Errorf("connection reset"))
		}
		return nil
	})

	o := f.orchestrator(nil, Options{})
	require.NoError(t, o.Start(ctx, "u1"))
	waitDone(t, o)

	st := o.Status()
	assert.True(t, st.AllDone)
	assert.Empty(t, st.Error)
	assert.Equal(t, 4, st.Collections[models.Trips].Updated)
}

func TestMigration_IndexErrorMarksCollectionDone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedLegacyTrips(3)
	f.store.Seed(models.FishCaught, models.Record{"id": "f1", "userId": "u1", "notes": "pike"})

	const url = "https://console.firebase.google.com/project/demo/firestore/indexes"
	f.store.SetHook(func(op memstore.Op, c models.Collection, id string) error {
		if op == memstore.OpQuery && c == models.FishCaught {
			return &remote.IndexError{Collection: c, Message: "query requires an index", RemediationURL: url}
		}
		return nil
	})

	o := f.orchestrator(nil, Options{})
	events := make(chan IndexErrorEvent, 1)
	o.Subscribe(Listener{OnIndexError: func(ev IndexErrorEvent) { events <- ev }})
	o.Subscribe(Listener{OnCompleted: func(models.MigrationStatus) { panic("listener bug") }})

	require.NoError(t, o.Start(ctx, "u1"))
	waitDone(t, o)

	ev := <-events
	assert.Equal(t, IndexErrorEvent{Collection: models.FishCaught, Message: "query requires an index", RemediationURL: url}, ev)

	st := o.Status()
	assert.True(t, st.AllDone)
	assert.True(t, st.Collections[models.FishCaught].Done)
	assert.Equal(t, "query requires an index", st.Error)
	assert.Equal(t, 3, st.Collections[models.Trips].Updated)
	assert.Equal(t, "pike", f.store.Snapshot(models.FishCaught)["f1"]["notes"])
}

type stallingSource struct {
	Source
	stallAt int
	calls   int
	reached chan struct{}
}

func (s *stallingSource) ScanPage(ctx context.Context, q remote.Query) ([]models.Record, error) {
	s.calls++
	if s.calls == s.stallAt {
		close(s.reached)
		<-ctx.Done()
		ctx = context.Background()
	}
	return s.Source.ScanPage(ctx, q)
}

func TestMigration_StopFinishesCurrentPage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedLegacyTrips(9)

	src := &stallingSource{Source: f.gw, stallAt: 2, reached: make(chan struct{})}
	o := f.orchestrator(src, Options{PageSize: 3})
	require.NoError(t, o.Start(ctx, "u1"))

	<-src.reached
	require.NoError(t, o.Start(ctx, "u1"), "second start is a no-op")
	o.Stop()

	st := o.Status()
	assert.False(t, st.Running)
	assert.False(t, st.AllDone)
	assert.Equal(t, 6, st.Collections[models.Trips].Processed)

	docs := f.store.Snapshot(models.Trips)
	assert.True(t, encryption.IsEnvelope(docs["t005"]["notes"]))
	assert.Equal(t, "caught 6 perch", docs["t006"]["notes"])

	// resumes where it stopped
	require.NoError(t, o.Start(ctx, "u1"))
	waitDone(t, o)
	assert.Equal(t, 9, o.Status().Collections[models.Trips].Processed)
}

func TestMigration_RequiresKey(t *testing.T) {
	f := newFixture(t)
	f.engine.ClearKey()
	o := f.orchestrator(nil, Options{})
	assert.ErrorIs(t, o.Start(context.Background(), "u1"), common.ErrKeyNotReady)
	assert.ErrorIs(t, o.Start(context.Background(), ""), common.ErrNoIdentity)
}

func TestStatus_IsACopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedLegacyTrips(1)
	o := f.orchestrator(nil, Options{})
	require.NoError(t, o.Start(ctx, "u1"))
	waitDone(t, o)

	st := o.Status()
	st.Collections[models.Trips] = models.CollectionProgress{}
	assert.Equal(t, 1, o.Status().Collections[models.Trips].Processed)
}

func TestSubscribe_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.orchestrator(nil, Options{})
	called := false
	cancel := o.Subscribe(Listener{OnCompleted: func(models.MigrationStatus) { called = true }})
	cancel()

	require.NoError(t, o.Start(ctx, "u1"))
	waitDone(t, o)
	assert.False(t, called)
}

// Запись без ключа поверх уже зашифрованного документа: маркер сбрасывается,
// а после Invalidate миграция находит и шифрует открытый текст.
func TestMigration_DegradedWriteIntoEncryptedDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.gw.Save(ctx, models.Trips, models.Record{"id": "t1", "userId": "u1", "notes": "old spot"}))

	o := f.orchestrator(nil, Options{})
	require.NoError(t, o.Start(ctx, "u1"))
	waitDone(t, o)
	require.True(t, o.Status().AllDone)

	f.engine.ClearKey()
	require.NoError(t, f.gw.Save(ctx, models.Trips, models.Record{"id": "t1", "userId": "u1", "notes": "secret spot"}))

	raw := f.store.Snapshot(models.Trips)["t1"]
	assert.Equal(t, "secret spot", raw["notes"])
	assert.Equal(t, false, raw[common.FieldEncrypted])

	require.NoError(t, f.engine.SetDeterministicKey(ctx, "u1", "angler@example.com"))
	assert.True(t, f.engine.IsLegacyCandidate(models.Trips, raw))

	// сохранённый прогресс "всё готово" прячет документ от обычного запуска
	require.NoError(t, o.Start(ctx, "u1"))
	waitDone(t, o)
	assert.Equal(t, "secret spot", f.store.Snapshot(models.Trips)["t1"]["notes"])

	require.NoError(t, o.Invalidate(ctx, "u1"))
	require.NoError(t, o.Start(ctx, "u1"))
	waitDone(t, o)

	raw = f.store.Snapshot(models.Trips)["t1"]
	assert.True(t, encryption.IsEnvelope(raw["notes"]))
	assert.Equal(t, true, raw[common.FieldEncrypted])
	got, err := f.gw.Get(ctx, models.Trips, "t1")
	require.NoError(t, err)
	assert.Equal(t, "secret spot", got["notes"])
}

func TestMigration_PlaintextUnderMarkerIsMigrated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.Seed(models.Trips, models.Record{"id": "t1", "userId": "u1", "notes": "left by an old client", "_encrypted": true})

	o := f.orchestrator(nil, Options{})
	require.NoError(t, o.Start(ctx, "u1"))
	waitDone(t, o)

	assert.Equal(t, 1, o.Status().Collections[models.Trips].Updated)
	raw := f.store.Snapshot(models.Trips)["t1"]
	assert.True(t, encryption.IsEnvelope(raw["notes"]))
}
