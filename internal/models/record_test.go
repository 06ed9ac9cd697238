package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_RecordID(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "trip-1", "trip-1"},
		{"float from json", float64(1700000000123), "1700000000123"},
		{"int", 42, "42"},
		{"missing", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Record{"id": tt.in}
			assert.Equal(t, tt.want, r.RecordID())
		})
	}
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	r := Record{"id": "a", "notes": "x"}
	c := r.Clone()
	c["notes"] = "y"
	assert.Equal(t, "x", r["notes"])
	assert.Nil(t, Record(nil).Clone())
}

func TestDecodeRecord(t *testing.T) {
	r, err := DecodeRecord([]byte(`{"id":"a","userId":"u1","_encrypted":true}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", r.OwnerID())
	assert.True(t, r.IsEncrypted())

	_, err = DecodeRecord([]byte(`not json`))
	assert.Error(t, err)
}

func TestIdentity_OwnerID(t *testing.T) {
	var id Identity = Guest{SessionID: "g1"}
	assert.Equal(t, "g1", id.OwnerID())

	id = Authenticated{UserID: "u1", Email: "a@b.c"}
	switch v := id.(type) {
	case Authenticated:
		assert.Equal(t, "u1", v.OwnerID())
	default:
		t.Fatalf("unexpected identity %T", v)
	}
}

func TestMigrationStatus_CloneIsDeep(t *testing.T) {
	s := MigrationStatus{Collections: map[Collection]CollectionProgress{Trips: {Processed: 1}}}
	c := s.Clone()
	c.Collections[Trips] = CollectionProgress{Processed: 9}
	assert.Equal(t, 1, s.Collections[Trips].Processed)
}
