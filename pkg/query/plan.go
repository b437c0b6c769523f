// Package query turns request parameters into a Plan, a plain data structure
// describing one read against a collection, and renders plans into
// parameterized SQL. Building and rendering are separate steps so the same
// plan serves item listing, tile fetches, statistics and nearest search.
package query

import (
	"strings"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/collection"
	"github.com/edgeflare/pgcollections/pkg/filter"
	"github.com/paulmach/orb"
)

// BBox is a bounding box in an explicit SRID.
type BBox struct {
	Bound orb.Bound
	SRID  int
}

// Point is a reference point in an explicit SRID.
type Point struct {
	X, Y float64
	SRID int
}

type SortKey struct {
	Column string
	Desc   bool
}

// Plan is a validated, render-ready description of a read.
type Plan struct {
	Collection *collection.Metadata
	Filter     filter.Expr
	BBox       *BBox
	Sort       []SortKey
	Limit      int
	Offset     int
	// Properties lists projected columns in output order. Empty means all
	// non-geometry columns.
	Properties []string
	// Nearest switches ordering to distance from the point.
	Nearest *Point
	// OutputSRID is the SRID of returned geometries. Zero keeps the table SRID.
	OutputSRID int
	// Geometry controls whether geometries are selected at all.
	Geometry bool
}

// Limits bounds pagination.
type Limits struct {
	DefaultLimit int
	MaxLimit     int
}

func (l Limits) withDefaults() Limits {
	if l.DefaultLimit <= 0 {
		l.DefaultLimit = 10
	}
	if l.MaxLimit <= 0 {
		l.MaxLimit = 10000
	}
	if l.DefaultLimit > l.MaxLimit {
		l.DefaultLimit = l.MaxLimit
	}
	return l
}

// Builder accumulates plan components. The first error sticks and is
// returned from Build, so call sites can chain without checking each step.
type Builder struct {
	md     *collection.Metadata
	limits Limits
	plan   Plan
	where  []filter.Expr
	err    error
}

func NewBuilder(md *collection.Metadata, limits Limits) *Builder {
	limits = limits.withDefaults()
	return &Builder{
		md:     md,
		limits: limits,
		plan:   Plan{Collection: md, Limit: limits.DefaultLimit, Geometry: true},
	}
}

// Fail records err for Build to return, unless an earlier error is set.
func (b *Builder) Fail(err error) *Builder {
	return b.fail(err)
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Filter parses text with the filter grammar and ANDs it into the plan.
func (b *Builder) Filter(text string) *Builder {
	e, err := filter.Parse(text)
	if err != nil {
		return b.fail(err)
	}
	return b.Where(e)
}

// Where ANDs a parsed expression into the plan. nil is ignored.
func (b *Builder) Where(e filter.Expr) *Builder {
	if e != nil {
		b.where = append(b.where, e)
	}
	return b
}

// BBox restricts the plan to rows intersecting bound, given in srid.
func (b *Builder) BBox(bound orb.Bound, srid int) *Builder {
	if bound.Min[0] > bound.Max[0] || bound.Min[1] > bound.Max[1] {
		return b.fail(apperr.New(apperr.KindInvalidFilter, "invalid bbox: min exceeds max"))
	}
	if srid <= 0 {
		srid = b.md.SRID
	}
	b.plan.BBox = &BBox{Bound: bound, SRID: srid}
	return b
}

// Sort parses a comma separated list of "col", "col.asc", "col.desc", "-col" or "+col".
func (b *Builder) Sort(spec string) *Builder {
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		desc := false
		switch {
		case strings.HasPrefix(part, "-"):
			part, desc = part[1:], true
		case strings.HasPrefix(part, "+"):
			part = part[1:]
		case strings.HasSuffix(part, ".desc"):
			part, desc = strings.TrimSuffix(part, ".desc"), true
		case strings.HasSuffix(part, ".asc"):
			part = strings.TrimSuffix(part, ".asc")
		}
		b.SortBy(part, desc)
	}
	return b
}

// SortBy appends one sort key.
func (b *Builder) SortBy(column string, desc bool) *Builder {
	col, err := b.md.Queryable(column)
	if err != nil {
		return b.fail(err)
	}
	if col.Type == collection.TypeGeometry {
		return b.fail(apperr.New(apperr.KindInvalidFilter, "cannot sort by geometry column %q", column))
	}
	b.plan.Sort = append(b.plan.Sort, SortKey{Column: col.Name, Desc: desc})
	return b
}

// Page sets limit and offset. A non-positive limit selects the default;
// limits above the maximum are capped.
func (b *Builder) Page(limit, offset int) *Builder {
	if offset < 0 {
		return b.fail(apperr.New(apperr.KindInvalidFilter, "offset must not be negative"))
	}
	switch {
	case limit <= 0:
		limit = b.limits.DefaultLimit
	case limit > b.limits.MaxLimit:
		limit = b.limits.MaxLimit
	}
	b.plan.Limit, b.plan.Offset = limit, offset
	return b
}

// Properties restricts projected columns. "*" or an empty list selects all.
func (b *Builder) Properties(names []string) *Builder {
	var props []string
	seen := map[string]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "*" {
			b.plan.Properties = nil
			return b
		}
		if n == "" {
			continue
		}
		col, ok := b.md.Column(n)
		if !ok {
			return b.fail(apperr.New(apperr.KindInvalidFilter, "invalid property %q for %s", n, b.md.ID()))
		}
		if col.Type == collection.TypeGeometry || seen[col.Name] {
			continue
		}
		seen[col.Name] = true
		props = append(props, col.Name)
	}
	b.plan.Properties = props
	return b
}

// Nearest orders results by distance from (x, y) in srid.
func (b *Builder) Nearest(x, y float64, srid int) *Builder {
	if srid <= 0 {
		srid = b.md.SRID
	}
	b.plan.Nearest = &Point{X: x, Y: y, SRID: srid}
	return b
}

// Output sets the SRID of returned geometries and whether they are returned.
func (b *Builder) Output(srid int, geometry bool) *Builder {
	if srid < 0 {
		return b.fail(apperr.New(apperr.KindInvalidFilter, "invalid srid %d", srid))
	}
	b.plan.OutputSRID = srid
	b.plan.Geometry = geometry
	return b
}

// Build validates the accumulated components and returns the plan.
func (b *Builder) Build() (*Plan, error) {
	if b.err != nil {
		return nil, b.err
	}
	e := filter.AllOf(b.where...)
	if err := filter.Validate(e, b.md); err != nil {
		return nil, err
	}
	p := b.plan
	p.Filter = e
	p.Sort = append([]SortKey(nil), b.plan.Sort...)
	p.Properties = append([]string(nil), b.plan.Properties...)
	return &p, nil
}

// PropertyColumns returns the projected columns in output order.
func (p *Plan) PropertyColumns() []string {
	if len(p.Properties) > 0 {
		return p.Properties
	}
	cols := p.Collection.PropertyColumns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
