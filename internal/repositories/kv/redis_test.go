package kv

import (
	"context"
	"os"
	"testing"

	"github.com/dmitrijs2005/fishkeeper/internal/testutil/testredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `guest:data:`, escapeGlob("guest:data:"))
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}

func TestRedisStore_Integration(t *testing.T) {
	if os.Getenv("FISHKEEPER_INTEGRATION") == "" {
		t.Skip("set FISHKEEPER_INTEGRATION=1 to run container tests")
	}
	ctx := context.Background()
	url := testredis.StartRedis(t)

	r, err := NewRedisStore(ctx, url, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	v, err := r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, r.Set(ctx, "guest:data:a", []byte("1")))
	require.NoError(t, r.Set(ctx, "guest:data:b", []byte("22")))
	require.NoError(t, r.Set(ctx, "guest:ledger", []byte("{}")))

	got, err := r.List(ctx, "guest:data:")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"guest:data:a": []byte("1"), "guest:data:b": []byte("22")}, got)

	u, err := r.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(13+14+14), u.UsedBytes)

	require.NoError(t, r.Remove(ctx, "guest:data:a"))
	v, err = r.Get(ctx, "guest:data:a")
	require.NoError(t, err)
	assert.Nil(t, v)
}
