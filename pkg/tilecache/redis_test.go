package tilecache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	store, err := NewRedisStore(ctx, mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	key := NewKey("public.parcels", "1")
	require.NoError(t, store.Set(ctx, key, Entry{Payload: []byte("abcd"), Truncated: true, CreatedAt: created, TTL: time.Minute}))
	require.NoError(t, store.Set(ctx, NewKey("public.parcels", "2"), Entry{Payload: []byte("ef"), CreatedAt: created, TTL: time.Minute}))
	require.NoError(t, store.Set(ctx, NewKey("public.roads", "1"), Entry{Payload: []byte("xyz"), CreatedAt: created, TTL: time.Minute}))

	e, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("abcd"), e.Payload)
	assert.True(t, e.Truncated)
	assert.True(t, created.Equal(e.CreatedAt))
	assert.Equal(t, time.Minute, e.TTL)

	size, err := store.Size(ctx, "public.parcels")
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)

	require.NoError(t, store.Invalidate(ctx, "public.parcels"))
	size, err = store.Size(ctx, "public.parcels")
	require.NoError(t, err)
	assert.Zero(t, size)

	size, err = store.Size(ctx, "public.roads")
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	mr.FastForward(2 * time.Minute)
	_, ok, err = store.Get(ctx, NewKey("public.roads", "1"))
	require.NoError(t, err)
	assert.False(t, ok, "redis expiry removes entries past their ttl")
}

func TestRedisStoreMalformedEntry(t *testing.T) {
	store, mr := newRedisStore(t)
	key := NewKey("public.parcels", "1")
	require.NoError(t, mr.Set(redisKey(key), "x"))

	_, _, err := store.Get(context.Background(), key)
	assert.Error(t, err)
}

func TestCollectionPattern(t *testing.T) {
	assert.Equal(t, `tilecache:7075626c69632e61:*`, collectionPattern("public.a"))
	assert.Equal(t, `tilecache:732e612a623f:*`, collectionPattern("s.a*b?"))
	assert.Equal(t, `tilecache:7075626c69632e61:00000000000000ff`, redisKey(Key{Collection: "public.a", Hash: 0xff}))
}

func TestRedisStoreColonInTableName(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Set(ctx, NewKey("public.a", "1"), Entry{Payload: []byte("ab"), CreatedAt: created, TTL: time.Minute}))
	require.NoError(t, store.Set(ctx, NewKey(CollectionID("public", "a:b"), "1"), Entry{Payload: []byte("cdefgh"), CreatedAt: created, TTL: time.Minute}))

	size, err := store.Size(ctx, "public.a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	require.NoError(t, store.Invalidate(ctx, "public.a"))
	size, err = store.Size(ctx, "public.a:b")
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)
}

func TestRedisCacheFailsOpen(t *testing.T) {
	store, mr := newRedisStore(t)
	c := New(store, Options{OpTimeout: 100 * time.Millisecond})
	ctx := context.Background()
	key := NewKey("public.parcels", "1")
	var calls atomic.Int32

	_, outcome, err := c.GetOrCompute(ctx, key, time.Minute, counting("abc", &calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)

	_, outcome, err = c.GetOrCompute(ctx, key, time.Minute, counting("abc", &calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)

	mr.Close()

	e, outcome, err := c.GetOrCompute(ctx, key, time.Minute, counting("abc", &calls))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, []byte("abc"), e.Payload)
	assert.Equal(t, int32(2), calls.Load())
}
