// Package sqlguard parses rendered statements with the PostgreSQL parser and
// refuses anything other than exactly one plain SELECT.
package sqlguard

import (
	"errors"
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

var (
	ErrMultipleStatements = errors.New("sqlguard: expected exactly one statement")
	ErrNotSelect          = errors.New("sqlguard: statement is not a read-only SELECT")
)

// Check returns nil when sql is a single SELECT without INTO or row locking.
func Check(sql string) error {
	res, err := pg_query.Parse(sql)
	if err != nil {
		return fmt.Errorf("sqlguard: %w", err)
	}
	if len(res.Stmts) != 1 {
		return ErrMultipleStatements
	}
	sel := res.Stmts[0].GetStmt().GetSelectStmt()
	if sel == nil || sel.GetIntoClause() != nil || len(sel.GetLockingClause()) > 0 {
		return ErrNotSelect
	}
	return nil
}
