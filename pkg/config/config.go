// Package config loads server settings from a YAML file, PGC_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	pg "github.com/edgeflare/pgcollections/pkg/pgx"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags "-X ...config.Version=v1.2.3".
var Version = "dev"

const EnvPrefix = "PGC"

// Config holds application-wide configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	PG      PGConfig      `mapstructure:"pg"`
	Tiles   TilesConfig   `mapstructure:"tiles"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Query   QueryConfig   `mapstructure:"query"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listenAddr"`
	BaseURL      string        `mapstructure:"baseURL"`
	QueryTimeout time.Duration `mapstructure:"queryTimeout"`
}

// PGConfig takes either a full connection string or discrete parts.
type PGConfig struct {
	ConnString      string        `mapstructure:"connString"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	MaxConns        int32         `mapstructure:"maxConns"`
	MinConns        int32         `mapstructure:"minConns"`
	MaxConnIdleTime time.Duration `mapstructure:"maxConnIdleTime"`
}

// ConnectionString prefers ConnString and falls back to the parts.
func (c PGConfig) ConnectionString() string {
	if c.ConnString != "" {
		return c.ConnString
	}
	return pg.ConnStringFromParts(c.Host, c.Port, c.Database, c.Username, c.Password)
}

func (c PGConfig) PoolConfig() pg.PoolConfig {
	return pg.PoolConfig{
		ConnString:      c.ConnectionString(),
		MaxConns:        c.MaxConns,
		MinConns:        c.MinConns,
		MaxConnIdleTime: c.MaxConnIdleTime,
	}
}

type TilesConfig struct {
	// CacheAgeInSeconds is the tile TTL; 0 disables caching.
	CacheAgeInSeconds  int    `mapstructure:"cacheAgeInSeconds"`
	MaxFeaturesPerTile int    `mapstructure:"maxFeaturesPerTile"`
	Extent             uint32 `mapstructure:"extent"`
	Buffer             uint32 `mapstructure:"buffer"`
	ClipZoom           int    `mapstructure:"clipZoom"`
	MaxZoom            int    `mapstructure:"maxZoom"`
}

func (c TilesConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheAgeInSeconds) * time.Second
}

const (
	CacheDriverMemory = "memory"
	CacheDriverRedis  = "redis"
	CacheDriverNone   = "none"
)

type CacheConfig struct {
	Driver        string        `mapstructure:"driver"`
	MaxEntries    int           `mapstructure:"maxEntries"`
	RedisAddr     string        `mapstructure:"redisAddr"`
	OpTimeout     time.Duration `mapstructure:"opTimeout"`
	NotifyChannel string        `mapstructure:"notifyChannel"`
}

type QueryConfig struct {
	DefaultLimit int  `mapstructure:"defaultLimit"`
	MaxLimit     int  `mapstructure:"maxLimit"`
	MaxBins      int  `mapstructure:"maxBins"`
	MaxBreaks    int  `mapstructure:"maxBreaks"`
	SQLGuard     bool `mapstructure:"sqlGuard"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

var ErrInvalidCacheDriver = errors.New("config: cache.driver must be memory, redis or none")

var defaults = map[string]any{
	"server.listenAddr":        ":8080",
	"server.baseURL":           "/api/v1",
	"server.queryTimeout":      "30s",
	"pg.connString":            "",
	"pg.host":                  "",
	"pg.port":                  0,
	"pg.database":              "",
	"pg.username":              "",
	"pg.password":              "",
	"pg.maxConns":              10,
	"pg.minConns":              0,
	"pg.maxConnIdleTime":       "30m",
	"tiles.cacheAgeInSeconds":  3600,
	"tiles.maxFeaturesPerTile": 100000,
	"tiles.extent":             4096,
	"tiles.buffer":             64,
	"tiles.clipZoom":           10,
	"tiles.maxZoom":            22,
	"cache.driver":             CacheDriverMemory,
	"cache.maxEntries":         10000,
	"cache.redisAddr":          "",
	"cache.opTimeout":          "250ms",
	"cache.notifyChannel":      "pgcollections_tiles",
	"query.defaultLimit":       10,
	"query.maxLimit":           10000,
	"query.maxBins":            1000,
	"query.maxBreaks":          100,
	"query.sqlGuard":           true,
	"metrics.addr":             ":9100",
	"metrics.path":             "/metrics",
	"log.level":                "info",
}

// plainEnv maps keys to unprefixed variable names that are also accepted.
// The PGC_ form wins when both are set.
var plainEnv = map[string]string{
	"tiles.cacheAgeInSeconds":  "CACHE_AGE_IN_SECONDS",
	"tiles.maxFeaturesPerTile": "MAX_FEATURES_PER_TILE",
	"pg.host":                  "DB_HOST",
	"pg.port":                  "DB_PORT",
	"pg.database":              "DB_DATABASE",
	"pg.username":              "DB_USERNAME",
	"pg.password":              "DB_PASSWORD",
}

// Load reads config from file, environment and flags. Flags must be named
// after their keys, e.g. "server.listenAddr"; flags is optional.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pgcollections")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, plain := range plainEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, plain); err != nil {
			return nil, fmt.Errorf("binding %s: %w", plain, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Cache.Driver {
	case CacheDriverMemory, CacheDriverNone:
	case CacheDriverRedis:
		if c.Cache.RedisAddr == "" {
			return errors.New("config: cache.redisAddr required for the redis driver")
		}
	default:
		return fmt.Errorf("%w, got %q", ErrInvalidCacheDriver, c.Cache.Driver)
	}
	if c.Tiles.CacheAgeInSeconds < 0 {
		return errors.New("config: tiles.cacheAgeInSeconds must not be negative")
	}
	if c.Tiles.MaxFeaturesPerTile <= 0 {
		return errors.New("config: tiles.maxFeaturesPerTile must be positive")
	}
	return nil
}

// NewLogger builds the process logger for level: "debug" gives a development
// logger, "none" discards everything.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	switch strings.ToLower(c.Level) {
	case "none":
		return zap.NewNop(), nil
	case "debug":
		return zap.NewDevelopment()
	}
	lvl, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}
