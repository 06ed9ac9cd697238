package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/db"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	conn, err := db.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewSQLiteRepository(conn)
}

var idSeq int

func entry(op models.Op, owner, recordID string, payload models.Record) *models.QueueEntry {
	idSeq++
	return &models.QueueEntry{
		ID:         fmt.Sprintf("e-%d", idSeq),
		Op:         op,
		Collection: models.Trips,
		RecordID:   recordID,
		OwnerID:    owner,
		Payload:    payload,
		EnqueuedAt: time.Unix(1700000000, 0),
	}
}

func TestAppendAndPending_OrderedBySeq(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "a"} {
		_, err := r.Append(ctx, entry(models.OpUpdate, "u1", id, models.Record{"n": float64(i)}))
		require.NoError(t, err)
	}
	_, err := r.Append(ctx, entry(models.OpCreate, "u2", "z", nil))
	require.NoError(t, err)

	got, err := r.Pending(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "a"}, []string{got[0].RecordID, got[1].RecordID, got[2].RecordID})
	assert.Less(t, got[0].Seq, got[1].Seq)
	assert.Equal(t, models.StatePending, got[0].State)
	assert.Equal(t, float64(2), got[2].Payload["n"])
	assert.True(t, got[0].EnqueuedAt.Equal(time.Unix(1700000000, 0)))

	limited, err := r.Pending(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAppendDelete_CollapsesUnsyncedCreate(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	_, err := r.Append(ctx, entry(models.OpCreate, "u1", "t1", models.Record{"id": "t1"}))
	require.NoError(t, err)
	_, err = r.Append(ctx, entry(models.OpUpdate, "u1", "t1", models.Record{"notes": "x"}))
	require.NoError(t, err)
	_, err = r.Append(ctx, entry(models.OpCreate, "u1", "t2", models.Record{"id": "t2"}))
	require.NoError(t, err)

	collapsed, err := r.AppendDelete(ctx, entry(models.OpDelete, "u1", "t1", nil), true)
	require.NoError(t, err)
	assert.True(t, collapsed)

	got, err := r.Pending(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t2", got[0].RecordID)
}

func TestAppendDelete_InFlightCreateIsNotCollapsed(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	seq, err := r.Append(ctx, entry(models.OpCreate, "u1", "t1", models.Record{"id": "t1"}))
	require.NoError(t, err)
	require.NoError(t, r.MarkInFlight(ctx, seq))

	collapsed, err := r.AppendDelete(ctx, entry(models.OpDelete, "u1", "t1", nil), true)
	require.NoError(t, err)
	assert.False(t, collapsed)

	n, err := r.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAppendDelete_SyncedRecordAppends(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	collapsed, err := r.AppendDelete(ctx, entry(models.OpDelete, "u1", "old", nil), true)
	require.NoError(t, err)
	assert.False(t, collapsed)

	got, err := r.Pending(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.OpDelete, got[0].Op)
	assert.Nil(t, got[0].Payload)
}

func TestAppendDelete_SentCreateIsNotCollapsed(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	// create sent once, outcome unknown, back to pending with a retry
	seq, err := r.Append(ctx, entry(models.OpCreate, "u1", "t1", models.Record{"id": "t1"}))
	require.NoError(t, err)
	require.NoError(t, r.MarkInFlight(ctx, seq))
	require.NoError(t, r.SetState(ctx, seq, models.StatePending, 0, time.Time{}, ""))

	e, err := r.Get(ctx, seq)
	require.NoError(t, err)
	assert.True(t, e.Sent)

	collapsed, err := r.AppendDelete(ctx, entry(models.OpDelete, "u1", "t1", nil), true)
	require.NoError(t, err)
	assert.False(t, collapsed)

	got, err := r.Pending(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.OpDelete, got[1].Op)
}

func TestAppendDelete_CollapseNotAllowed(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	_, err := r.Append(ctx, entry(models.OpCreate, "u1", "t1", models.Record{"id": "t1"}))
	require.NoError(t, err)

	collapsed, err := r.AppendDelete(ctx, entry(models.OpDelete, "u1", "t1", nil), false)
	require.NoError(t, err)
	assert.False(t, collapsed)

	n, err := r.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSetStateAndReset(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	seq, err := r.Append(ctx, entry(models.OpCreate, "u1", "t1", nil))
	require.NoError(t, err)

	next := time.Unix(1700000100, 0)
	require.NoError(t, r.SetState(ctx, seq, models.StateFailedRetryable, 2, next, "unavailable"))

	e, err := r.Get(ctx, seq)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailedRetryable, e.State)
	assert.Equal(t, 2, e.Attempts)
	assert.True(t, e.NextAttemptAt.Equal(next))
	assert.Equal(t, "unavailable", e.LastError)

	require.NoError(t, r.MarkInFlight(ctx, seq))
	n, err := r.ResetInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	e, err = r.Get(ctx, seq)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, e.State)

	c, err := r.CountState(ctx, "u1", models.StatePending)
	require.NoError(t, err)
	assert.Equal(t, 1, c)
}

func TestDeleteAndDeleteOwner(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	seq, err := r.Append(ctx, entry(models.OpCreate, "g1", "a", nil))
	require.NoError(t, err)
	_, err = r.Append(ctx, entry(models.OpCreate, "g1", "b", nil))
	require.NoError(t, err)

	queued, err := r.HasQueued(ctx, "g1", models.Trips, "a")
	require.NoError(t, err)
	assert.True(t, queued)

	require.NoError(t, r.Delete(ctx, seq))
	_, err = r.Get(ctx, seq)
	assert.ErrorIs(t, err, common.ErrNotFound)

	n, err := r.DeleteOwner(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	c, err := r.Count(ctx, "g1")
	require.NoError(t, err)
	assert.Zero(t, c)
}
