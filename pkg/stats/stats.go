// Package stats computes summaries, histograms and class breaks over a
// numeric column of a collection, restricted by the same plan filters the
// item and tile endpoints use.
package stats

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/filter"
	"github.com/edgeflare/pgcollections/pkg/query"
	"github.com/jackc/pgx/v5"
)

// Method names a break scheme.
type Method string

const (
	MethodEqualInterval Method = "equal_interval"
	MethodQuantile      Method = "quantile"
	MethodNatural       Method = "natural"
	MethodHeadTail      Method = "head_tail"
	MethodBins          Method = "bins"
	MethodCustom        Method = "custom"
)

// ParseMethod accepts the scheme names used by the HTTP API, including the
// historical "jenk" and "jenks" spellings for natural breaks.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "equal_interval", "equal", "":
		return MethodEqualInterval, nil
	case "quantile":
		return MethodQuantile, nil
	case "jenk", "jenks", "natural", "natural_breaks":
		return MethodNatural, nil
	case "head_tail", "headtail":
		return MethodHeadTail, nil
	}
	return "", apperr.New(apperr.KindInvalidFilter, "unknown break_type %q", s)
}

// Limits caps request sizes.
type Limits struct {
	MaxBins   int
	MaxBreaks int
	// MaxGroups caps the distinct values loaded for data-driven schemes.
	MaxGroups     int
	MaxIterations int
}

func (l Limits) withDefaults() Limits {
	if l.MaxBins <= 0 {
		l.MaxBins = 1000
	}
	if l.MaxBreaks <= 0 {
		l.MaxBreaks = 100
	}
	if l.MaxGroups <= 0 {
		l.MaxGroups = 1_000_000
	}
	if l.MaxIterations <= 0 {
		l.MaxIterations = DefaultMaxIterations
	}
	return l
}

// Summary describes the non-null values of a column.
type Summary struct {
	Count  int64   `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Classification is a break scheme applied to a column. The counts of all
// classes add up to Count, the number of values considered.
type Classification struct {
	Column  string    `json:"column"`
	Method  Method    `json:"method"`
	Breaks  []float64 `json:"breaks"`
	Classes []Class   `json:"results"`
	Count   int64     `json:"count"`
}

type Engine struct {
	exec   *query.Executor
	limits Limits
}

func NewEngine(exec *query.Executor, limits Limits) *Engine {
	return &Engine{exec: exec, limits: limits.withDefaults()}
}

// source renders "FROM t WHERE col IS NOT NULL [AND plan conditions]" and
// the column expression cast to float8.
func source(p *query.Plan, column string, args *filter.Args) (from, expr string, err error) {
	c, err := p.Collection.NumericColumn(column)
	if err != nil {
		return "", "", err
	}
	col := pgx.Identifier{c.Name}.Sanitize()
	where, err := p.Where(args)
	if err != nil {
		return "", "", err
	}
	from = " FROM " + p.Table() + " WHERE " + col + " IS NOT NULL"
	if where != "" {
		from += " AND " + where
	}
	return from, col + "::float8", nil
}

// Summary returns count, min, max, mean and population standard deviation.
func (e *Engine) Summary(ctx context.Context, p *query.Plan, column string) (Summary, error) {
	args := &filter.Args{}
	from, expr, err := source(p, column, args)
	if err != nil {
		return Summary{}, err
	}
	st := query.Statement{
		SQL:  fmt.Sprintf("SELECT count(%[1]s), min(%[1]s), max(%[1]s), avg(%[1]s), stddev_pop(%[1]s)%[2]s", expr, from),
		Args: args.Values(),
	}

	var s Summary
	var lo, hi, mean, sd *float64
	if err := e.exec.QueryRow(ctx, st, &s.Count, &lo, &hi, &mean, &sd); err != nil {
		return Summary{}, err
	}
	s.Min, s.Max, s.Mean, s.StdDev = deref(lo), deref(hi), deref(mean), deref(sd)
	return s, nil
}

// Bins returns a histogram of k equal-width bins over [min, max].
func (e *Engine) Bins(ctx context.Context, p *query.Plan, column string, k int) (*Classification, error) {
	if err := e.checkCount("bin_count", k, e.limits.MaxBins); err != nil {
		return nil, err
	}
	c, err := e.equalInterval(ctx, p, column, k)
	if err != nil {
		return nil, err
	}
	c.Method = MethodBins
	return c, nil
}

// NumericBreaks classifies the column into k classes with the given scheme.
func (e *Engine) NumericBreaks(ctx context.Context, p *query.Plan, column string, method Method, k int) (*Classification, error) {
	if err := e.checkCount("breaks", k, e.limits.MaxBreaks); err != nil {
		return nil, err
	}
	if method == MethodEqualInterval {
		return e.equalInterval(ctx, p, column, k)
	}

	groups, err := e.groups(ctx, p, column)
	if err != nil {
		return nil, err
	}

	var breaks []float64
	switch method {
	case MethodQuantile:
		breaks = Quantile(groups, k)
	case MethodNatural:
		breaks = NaturalBreaks(groups, k, e.limits.MaxIterations)
	case MethodHeadTail:
		breaks = HeadTail(groups, k)
	default:
		return nil, apperr.New(apperr.KindInvalidFilter, "unsupported break_type %q", method)
	}
	return classification(column, method, breaks, CountInBreaks(groups, breaks)), nil
}

// CustomBreaks counts rows per class for caller-supplied breaks, which must be
// strictly increasing. Only values within [breaks[0], breaks[last]] are considered.
func (e *Engine) CustomBreaks(ctx context.Context, p *query.Plan, column string, breaks []float64) (*Classification, error) {
	if len(breaks) < 2 {
		return nil, apperr.New(apperr.KindInvalidFilter, "at least two break values are required")
	}
	if err := e.checkCount("breaks", len(breaks)-1, e.limits.MaxBreaks); err != nil {
		return nil, err
	}
	for i := 1; i < len(breaks); i++ {
		if !(breaks[i] > breaks[i-1]) {
			return nil, apperr.New(apperr.KindInvalidFilter, "break values must be strictly increasing")
		}
	}

	counts, err := e.bucketCounts(ctx, p, column, breaks)
	if err != nil {
		return nil, err
	}
	return classification(column, MethodCustom, breaks, counts), nil
}

func (e *Engine) checkCount(name string, k, max int) error {
	if k < 1 || k > max {
		return apperr.New(apperr.KindLimitExceeded, "%s must be between 1 and %d, got %d", name, max, k)
	}
	return nil
}

func (e *Engine) equalInterval(ctx context.Context, p *query.Plan, column string, k int) (*Classification, error) {
	s, err := e.Summary(ctx, p, column)
	if err != nil {
		return nil, err
	}
	if s.Count == 0 {
		return classification(column, MethodEqualInterval, nil, nil), nil
	}
	breaks := EqualInterval(s.Min, s.Max, k)
	if len(breaks) == 1 {
		return classification(column, MethodEqualInterval, breaks, []int64{s.Count}), nil
	}
	counts, err := e.bucketCounts(ctx, p, column, breaks)
	if err != nil {
		return nil, err
	}
	return classification(column, MethodEqualInterval, breaks, counts), nil
}

// groups loads distinct values with their row counts, ascending.
func (e *Engine) groups(ctx context.Context, p *query.Plan, column string) ([]Group, error) {
	args := &filter.Args{}
	from, expr, err := source(p, column, args)
	if err != nil {
		return nil, err
	}
	limit := args.Add(e.limits.MaxGroups + 1)
	st := query.Statement{
		SQL:  "SELECT " + expr + " AS v, count(*)" + from + " GROUP BY 1 ORDER BY 1 LIMIT " + limit,
		Args: args.Values(),
	}

	rows, err := e.exec.Query(ctx, st)
	if err != nil {
		return nil, err
	}
	groups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Group, error) {
		var g Group
		err := row.Scan(&g.Value, &g.Count)
		return g, err
	})
	if err != nil {
		return nil, apperr.FromDB(err, "load values")
	}
	if len(groups) > e.limits.MaxGroups {
		return nil, apperr.New(apperr.KindLimitExceeded, "column %q has more than %d distinct values", column, e.limits.MaxGroups)
	}
	return groups, nil
}

// bucketCounts counts rows per class in the database with width_bucket, which
// places v in the class of the last interior break <= v.
func (e *Engine) bucketCounts(ctx context.Context, p *query.Plan, column string, breaks []float64) ([]int64, error) {
	args := &filter.Args{}
	from, expr, err := source(p, column, args)
	if err != nil {
		return nil, err
	}
	lo, hi := args.Add(breaks[0]), args.Add(breaks[len(breaks)-1])
	from += " AND " + expr + " BETWEEN " + lo + " AND " + hi

	bucketExpr := "0"
	if interior := breaks[1 : len(breaks)-1]; len(interior) > 0 {
		bucketExpr = "width_bucket(" + expr + ", " + args.Add(interior) + "::float8[])"
	}
	st := query.Statement{
		SQL:  "SELECT " + bucketExpr + " AS bucket, count(*)" + from + " GROUP BY 1 ORDER BY 1",
		Args: args.Values(),
	}

	rows, err := e.exec.Query(ctx, st)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make([]int64, len(breaks)-1)
	for rows.Next() {
		var b int32
		var n int64
		if err := rows.Scan(&b, &n); err != nil {
			return nil, apperr.FromDB(err, "scan bucket")
		}
		idx := min(max(int(b), 0), len(counts)-1)
		counts[idx] += n
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.FromDB(err, "count buckets")
	}
	return counts, nil
}

func classification(column string, method Method, breaks []float64, counts []int64) *Classification {
	c := &Classification{Column: column, Method: method, Breaks: breaks, Classes: []Class{}}
	if len(breaks) == 0 {
		c.Breaks = []float64{}
		return c
	}
	c.Classes = Classes(breaks, counts)
	for _, n := range counts {
		c.Count += n
	}
	return c
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
