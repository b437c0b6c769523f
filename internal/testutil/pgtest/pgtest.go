// Package pgtest connects tests to the PostGIS database named by TEST_DATABASE.
// Tests are skipped when the variable is unset.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

const envVar = "TEST_DATABASE"

// ParseConfig returns a test connection config with notice logging, skipping
// the test when no database is configured.
func ParseConfig(t testing.TB) *pgx.ConnConfig {
	t.Helper()
	connString := os.Getenv(envVar)
	if connString == "" {
		t.Skipf("%s not set", envVar)
	}
	config, err := pgx.ParseConfig(connString)
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}
	return config
}

// Connect creates a connection that is closed on test cleanup.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	t.Helper()
	conn, err := pgx.ConnectConfig(ctx, ParseConfig(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, conn.Close(ctx))
	})
	return conn
}

// Pool creates a pool that is closed on test cleanup.
func Pool(ctx context.Context, t testing.TB) *pgxpool.Pool {
	t.Helper()
	cfg := ParseConfig(t)
	pool, err := pgxpool.New(ctx, cfg.ConnString())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// Exec runs each statement in order and fails the test on the first error.
func Exec(ctx context.Context, t testing.TB, conn interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		_, err := conn.Exec(ctx, stmt)
		require.NoError(t, err, stmt)
	}
}

// PointsFixture creates schema pgc_test with table points(gid, name, category,
// value, geom geometry(Point,4326)) holding three points due north of (0,0),
// at 10, 20 and 30 km. The schema is dropped on cleanup.
func PointsFixture(ctx context.Context, t testing.TB, conn interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}) {
	t.Helper()
	Exec(ctx, t, conn,
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		`DROP SCHEMA IF EXISTS pgc_test CASCADE`,
		`CREATE SCHEMA pgc_test`,
		`CREATE TABLE pgc_test.points (
			gid serial PRIMARY KEY,
			name text,
			category text,
			value double precision,
			observed timestamptz DEFAULT now(),
			geom geometry(Point, 4326)
		)`,
		`CREATE INDEX ON pgc_test.points USING gist (geom)`,
		// 1 degree of latitude on the WGS84 ellipsoid near the equator is ~110.574 km.
		`INSERT INTO pgc_test.points (name, category, value, geom) VALUES
			('far', 'b', 30, ST_SetSRID(ST_MakePoint(0, 30 / 110.574), 4326)),
			('near', 'a', 10, ST_SetSRID(ST_MakePoint(0, 10 / 110.574), 4326)),
			('mid', 'a', 20, ST_SetSRID(ST_MakePoint(0, 20 / 110.574), 4326))`,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctx, `DROP SCHEMA IF EXISTS pgc_test CASCADE`)
	})
}
