package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pgcollections.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"), nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "/api/v1", cfg.Server.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Server.QueryTimeout)
	assert.EqualValues(t, 10, cfg.PG.MaxConns)
	assert.Equal(t, time.Hour, cfg.Tiles.CacheTTL())
	assert.Equal(t, 100000, cfg.Tiles.MaxFeaturesPerTile)
	assert.EqualValues(t, 4096, cfg.Tiles.Extent)
	assert.EqualValues(t, 64, cfg.Tiles.Buffer)
	assert.Equal(t, CacheDriverMemory, cfg.Cache.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Cache.OpTimeout)
	assert.Equal(t, "pgcollections_tiles", cfg.Cache.NotifyChannel)
	assert.True(t, cfg.Query.SQLGuard)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listenAddr: ":9090"
  queryTimeout: 5s
pg:
  connString: postgres://localhost/gis
tiles:
  cacheAgeInSeconds: 0
cache:
  driver: redis
  redisAddr: localhost:6379
  opTimeout: 1s
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.QueryTimeout)
	assert.Equal(t, "postgres://localhost/gis", cfg.PG.ConnectionString())
	assert.Zero(t, cfg.Tiles.CacheTTL())
	assert.Equal(t, CacheDriverRedis, cfg.Cache.Driver)
	assert.Equal(t, time.Second, cfg.Cache.OpTimeout)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("PGC_SERVER_BASEURL", "/gis")
	t.Setenv("CACHE_AGE_IN_SECONDS", "120")
	t.Setenv("MAX_FEATURES_PER_TILE", "500")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("DB_DATABASE", "gis")
	t.Setenv("DB_USERNAME", "reader")
	t.Setenv("DB_PASSWORD", "s3cret")

	cfg, err := Load(writeConfig(t, "{}\n"), nil)
	require.NoError(t, err)

	assert.Equal(t, "/gis", cfg.Server.BaseURL)
	assert.Equal(t, 2*time.Minute, cfg.Tiles.CacheTTL())
	assert.Equal(t, 500, cfg.Tiles.MaxFeaturesPerTile)
	assert.Equal(t, "db.internal", cfg.PG.Host)
	assert.Equal(t, 5433, cfg.PG.Port)
	assert.Contains(t, cfg.PG.ConnectionString(), "host=db.internal")
	assert.Contains(t, cfg.PG.ConnectionString(), "dbname=gis")
	assert.Equal(t, cfg.PG.ConnectionString(), cfg.PG.PoolConfig().ConnString)
}

func TestLoadPrefixedEnvWinsOverPlain(t *testing.T) {
	t.Setenv("PGC_TILES_CACHEAGEINSECONDS", "10")
	t.Setenv("CACHE_AGE_IN_SECONDS", "20")

	cfg, err := Load(writeConfig(t, "{}\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Tiles.CacheTTL())
}

func TestLoadFlags(t *testing.T) {
	t.Setenv("PGC_SERVER_LISTENADDR", ":7000")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("server.listenAddr", "", "")
	flags.String("cache.driver", "", "")
	require.NoError(t, flags.Parse([]string{"--server.listenAddr=:7001", "--cache.driver=none"}))

	cfg, err := Load(writeConfig(t, "{}\n"), flags)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Server.ListenAddr)
	assert.Equal(t, CacheDriverNone, cfg.Cache.Driver)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "cache:\n  driver: disk\n"), nil)
	assert.ErrorIs(t, err, ErrInvalidCacheDriver)

	_, err = Load(writeConfig(t, "cache:\n  driver: redis\n"), nil)
	assert.ErrorContains(t, err, "redisAddr")

	_, err = Load(writeConfig(t, "tiles:\n  maxFeaturesPerTile: 0\n"), nil)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"", "info", "debug", "warn", "none"} {
		l, err := LogConfig{Level: level}.NewLogger()
		require.NoError(t, err, level)
		assert.NotNil(t, l)
	}
	_, err := LogConfig{Level: "loud"}.NewLogger()
	assert.Error(t, err)
}
