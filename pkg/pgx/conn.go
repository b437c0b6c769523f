package pgx

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the read surface shared by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
// Every component that executes SQL accepts a Conn so tests can hand it a
// single connection while the server hands it the process-wide pool.
type Conn interface {
	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query executes a query and returns the rows. Callers must close them.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
