package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/edgeflare/pgcollections/pkg/config"
	"github.com/edgeflare/pgcollections/pkg/tilecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTileStore(t *testing.T) {
	ctx := context.Background()

	store, err := newTileStore(ctx, config.CacheConfig{Driver: config.CacheDriverNone})
	require.NoError(t, err)
	assert.Nil(t, store)
	assert.False(t, tilecache.New(store, tilecache.Options{}).Enabled())

	store, err = newTileStore(ctx, config.CacheConfig{Driver: config.CacheDriverMemory, MaxEntries: 10})
	require.NoError(t, err)
	assert.IsType(t, &tilecache.MemoryStore{}, store)

	mr := miniredis.RunT(t)
	store, err = newTileStore(ctx, config.CacheConfig{Driver: config.CacheDriverRedis, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &tilecache.RedisStore{}, store)
	require.NoError(t, store.Close())
}

func TestServeFlagsMatchConfigKeys(t *testing.T) {
	for _, name := range []string{"pg.connString", "server.listenAddr", "server.baseURL", "cache.driver", "log.level"} {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), name)
	}
}
