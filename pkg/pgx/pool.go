package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig bounds the process-wide connection pool.
type PoolConfig struct {
	ConnString string
	MaxConns   int32
	MinConns   int32
	// MaxConnIdleTime closes idle connections after this duration. Zero keeps the pgx default.
	MaxConnIdleTime time.Duration
}

var ErrMissingConnString = errors.New("pgx: connection string required")

// NewPool creates a bounded pool and verifies it with a ping. Requests that
// find the pool exhausted wait for a free connection until their context expires.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.ConnString == "" {
		return nil, ErrMissingConnString
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("pgx: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgx: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx: ping: %w", err)
	}
	return pool, nil
}

// ConnStringFromParts assembles a key/value connection string from discrete
// DB_* style settings. Empty parts are omitted.
func ConnStringFromParts(host string, port int, database, user, password string) string {
	var s string
	add := func(k, v string) {
		if v == "" {
			return
		}
		if s != "" {
			s += " "
		}
		s += k + "=" + quoteConnValue(v)
	}
	add("host", host)
	if port > 0 {
		add("port", fmt.Sprint(port))
	}
	add("dbname", database)
	add("user", user)
	add("password", password)
	return s
}

func quoteConnValue(v string) string {
	needsQuote := false
	out := make([]byte, 0, len(v)+2)
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch c {
		case ' ', '\t', '\n':
			needsQuote = true
		case '\'', '\\':
			needsQuote = true
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	if needsQuote || len(v) == 0 {
		return "'" + string(out) + "'"
	}
	return string(out)
}
