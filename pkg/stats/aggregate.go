package stats

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/collection"
	"github.com/edgeflare/pgcollections/pkg/filter"
	"github.com/edgeflare/pgcollections/pkg/query"
	"github.com/jackc/pgx/v5"
)

// Aggregate is one entry of an aggregate_columns request. Type is one of
// avg, count, sum, max, min or distinct. Distinct groups rows by Column and
// applies GroupMethod to GroupColumn within each group.
type Aggregate struct {
	Type        string `json:"type"`
	Column      string `json:"column"`
	GroupColumn string `json:"group_column,omitempty"`
	GroupMethod string `json:"group_method,omitempty"`
}

// Key is the name the aggregate's result is reported under.
func (a Aggregate) Key() string {
	if a.Type == "distinct" {
		return fmt.Sprintf("distinct_%s_%s_%s", a.Column, a.GroupMethod, a.GroupColumn)
	}
	return a.Type + "_" + a.Column
}

// aggregateExpr validates fn against the column type and renders fn("col").
func aggregateExpr(md *collection.Metadata, fn, column string) (string, error) {
	col, err := md.Queryable(column)
	if err != nil {
		return "", err
	}
	if col.Type == collection.TypeGeometry {
		return "", apperr.New(apperr.KindInvalidFilter, "cannot aggregate geometry column %q", column)
	}
	ident := pgx.Identifier{col.Name}.Sanitize()
	switch strings.ToLower(fn) {
	case "count":
		return "count(" + ident + ")", nil
	case "avg", "sum":
		if !col.Type.Numeric() {
			return "", apperr.New(apperr.KindNonNumericColumn, "column %q is not numeric", column)
		}
		return strings.ToLower(fn) + "(" + ident + ")::float8", nil
	case "min", "max":
		if col.Type == collection.TypeBoolean {
			return "", apperr.New(apperr.KindInvalidFilter, "cannot apply %s to boolean column %q", fn, column)
		}
		return strings.ToLower(fn) + "(" + ident + ")", nil
	}
	return "", apperr.New(apperr.KindInvalidFilter, "unsupported aggregate %q", fn)
}

// Aggregates evaluates every scalar aggregate in one statement and each
// distinct aggregate in its own, all restricted by the plan's conditions.
func (e *Engine) Aggregates(ctx context.Context, p *query.Plan, specs []Aggregate) (map[string]any, error) {
	if len(specs) == 0 {
		return nil, apperr.New(apperr.KindInvalidFilter, "aggregate_columns must not be empty")
	}

	specs = normalizeAggregates(specs)
	results := make(map[string]any, len(specs))
	var scalars []Aggregate
	var exprs []string
	for _, a := range specs {
		if a.Type == "distinct" {
			continue
		}
		expr, err := aggregateExpr(p.Collection, a.Type, a.Column)
		if err != nil {
			return nil, err
		}
		scalars = append(scalars, a)
		exprs = append(exprs, expr)
	}

	if len(scalars) > 0 {
		args := &filter.Args{}
		where, err := p.WhereClause(args)
		if err != nil {
			return nil, err
		}
		st := query.Statement{
			SQL:  "SELECT " + strings.Join(exprs, ", ") + " FROM " + p.Table() + where,
			Args: args.Values(),
		}
		values, err := e.row(ctx, st)
		if err != nil {
			return nil, err
		}
		for i, a := range scalars {
			results[a.Key()] = query.NormalizeValue(values[i])
		}
	}

	for _, a := range specs {
		if a.Type != "distinct" {
			continue
		}
		groups, err := e.distinct(ctx, p, a)
		if err != nil {
			return nil, err
		}
		results[a.Key()] = groups
	}
	return results, nil
}

// normalizeAggregates lowercases function names so keys and dispatch agree.
func normalizeAggregates(specs []Aggregate) []Aggregate {
	out := make([]Aggregate, len(specs))
	for i, a := range specs {
		a.Type = strings.ToLower(a.Type)
		a.GroupMethod = strings.ToLower(a.GroupMethod)
		out[i] = a
	}
	return out
}

func (e *Engine) row(ctx context.Context, st query.Statement) ([]any, error) {
	rows, err := e.exec.Query(ctx, st)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, apperr.FromDB(err, "aggregate")
		}
		return nil, apperr.New(apperr.KindInternal, "aggregate returned no row")
	}
	values, err := rows.Values()
	if err != nil {
		return nil, apperr.FromDB(err, "aggregate")
	}
	return values, nil
}

// distinct lists each value of the column with the group method applied to
// the group column, largest first.
func (e *Engine) distinct(ctx context.Context, p *query.Plan, a Aggregate) ([]map[string]any, error) {
	col, err := p.Collection.Queryable(a.Column)
	if err != nil {
		return nil, err
	}
	if a.GroupColumn == "" || a.GroupMethod == "" {
		return nil, apperr.New(apperr.KindInvalidFilter, "distinct aggregate on %q needs group_column and group_method", a.Column)
	}
	method := strings.ToLower(a.GroupMethod)
	expr, err := aggregateExpr(p.Collection, method, a.GroupColumn)
	if err != nil {
		return nil, err
	}

	args := &filter.Args{}
	where, err := p.WhereClause(args)
	if err != nil {
		return nil, err
	}
	ident := pgx.Identifier{col.Name}.Sanitize()
	st := query.Statement{
		SQL: "SELECT " + ident + ", " + expr + " FROM " + p.Table() + where +
			" GROUP BY " + ident + " ORDER BY 2 DESC NULLS LAST, 1 ASC",
		Args: args.Values(),
	}

	rows, err := e.exec.Query(ctx, st)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (map[string]any, error) {
		values, err := row.Values()
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"value": query.NormalizeValue(values[0]),
			method:  query.NormalizeValue(values[1]),
		}, nil
	})
	if err != nil {
		return nil, apperr.FromDB(err, "distinct aggregate")
	}
	return out, nil
}
