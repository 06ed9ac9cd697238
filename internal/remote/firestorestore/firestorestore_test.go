package firestorestore

import (
	"context"
	"errors"
	"os"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToData_StampsServerTime(t *testing.T) {
	data, paths := toData(models.Record{"id": "t1", "notes": "v1:a:b", "updatedAt": "stale"})

	assert.Equal(t, "v1:a:b", data["notes"])
	assert.NotContains(t, data, "id")
	assert.Equal(t, firestore.ServerTimestamp, data["updatedAt"])
	assert.ElementsMatch(t, []firestore.FieldPath{{"notes"}, {"updatedAt"}}, paths)
}

func TestToUpdates(t *testing.T) {
	ups := toUpdates(models.Record{"_encrypted": true, "id": "x"})
	require.Len(t, ups, 2)
	assert.Equal(t, firestore.FieldPath{"_encrypted"}, ups[0].FieldPath)
	assert.Equal(t, true, ups[0].Value)
	assert.Equal(t, firestore.ServerTimestamp, ups[1].Value)
}

func TestFromData_AddsID(t *testing.T) {
	rec := fromData("t1", map[string]any{"userId": "u1"})
	assert.Equal(t, "t1", rec.RecordID())
	assert.Equal(t, "u1", rec.OwnerID())
}

func TestToChange(t *testing.T) {
	ch := toChange(firestore.DocumentRemoved, "t1", nil)
	assert.Equal(t, remote.Change{Type: remote.ChangeRemoved, ID: "t1"}, ch)

	ch = toChange(firestore.DocumentModified, "t1", map[string]any{"notes": "x"})
	assert.Equal(t, remote.ChangeUpserted, ch.Type)
	assert.Equal(t, "x", ch.Doc["notes"])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unavailable", status.Error(codes.Unavailable, "try later"), common.ErrUnavailable},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), common.ErrUnavailable},
		{"ctx", context.DeadlineExceeded, common.ErrUnavailable},
		{"precondition", status.Error(codes.FailedPrecondition, "The query requires an index."), common.ErrIndexMissing},
		{"denied", status.Error(codes.PermissionDenied, "Missing or insufficient permissions."), common.ErrRejected},
		{"invalid", status.Error(codes.InvalidArgument, "bad value"), common.ErrRejected},
		{"plain", errors.New("weird"), common.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(models.Trips, "t1", "op", tt.err), tt.want)
		})
	}
}

func TestClassify_IndexLinkFromMessage(t *testing.T) {
	link := "https://console.firebase.google.com/v1/r/project/demo/firestore/indexes?create_composite=Cg1"
	err := classify(models.FishCaught, "", "query",
		status.Error(codes.FailedPrecondition, "The query requires an index. You can create it here: "+link))

	var ie *remote.IndexError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, models.FishCaught, ie.Collection)
	assert.Equal(t, link, ie.RemediationURL)

	err = classify(models.Trips, "", "query", status.Error(codes.FailedPrecondition, "no link"))
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, indexHelpURL, ie.RemediationURL)
}

// Требует запущенный эмулятор: FIRESTORE_EMULATOR_HOST=localhost:8080.
func TestStore_Emulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, "fishkeeper-test")
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Upsert(ctx, models.Trips, "t1", models.Record{"userId": "u1", "notes": "a"}))
	require.NoError(t, s.Upsert(ctx, models.Trips, "t1", models.Record{"water": "lake"}))

	got, err := s.Get(ctx, models.Trips, "t1")
	require.NoError(t, err)
	assert.Equal(t, "a", got["notes"])
	assert.Equal(t, "lake", got["water"])

	assert.ErrorIs(t, s.Update(ctx, models.Trips, "missing", models.Record{"x": 1}), common.ErrNotFound)

	salt1, err := s.UserSalt(ctx, "u1")
	require.NoError(t, err)
	salt2, err := s.UserSalt(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, salt1, salt2)

	require.NoError(t, s.Delete(ctx, models.Trips, "t1"))
}
