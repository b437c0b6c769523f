package filter

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/collection"
	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// Args allocates positional placeholders. Every literal reaches the database
// through Args; compiled SQL text only ever contains sanitized identifiers,
// placeholders, operators and integers taken from catalog metadata.
type Args struct {
	values []any
}

// Add appends v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	return "$" + strconv.Itoa(len(a.values))
}

func (a *Args) Values() []any { return a.values }

func (a *Args) Len() int { return len(a.values) }

// Compile renders e as a boolean SQL expression over md. Every column is
// checked against md before it is quoted into the text; literals are coerced
// to the column type and bound through args.
func Compile(e Expr, md *collection.Metadata, args *Args) (string, error) {
	c := compiler{md: md, args: args}
	return c.compile(e)
}

// Validate reports the first column or literal error in e without keeping the SQL.
func Validate(e Expr, md *collection.Metadata) error {
	if e == nil {
		return nil
	}
	_, err := Compile(e, md, &Args{})
	return err
}

type compiler struct {
	md   *collection.Metadata
	args *Args
}

func (c *compiler) compile(e Expr) (string, error) {
	switch n := e.(type) {
	case *And:
		return c.compileTerms(n.Terms, " AND ")
	case *Or:
		return c.compileTerms(n.Terms, " OR ")
	case *Not:
		inner, err := c.compile(n.Expr)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case *Compare:
		col, ident, err := c.column(n.Column)
		if err != nil {
			return "", err
		}
		v, err := coerce(col, n.Value)
		if err != nil {
			return "", err
		}
		return ident + " " + string(n.Op) + " " + c.args.Add(v), nil
	case *In:
		col, ident, err := c.column(n.Column)
		if err != nil {
			return "", err
		}
		ph := make([]string, len(n.Values))
		for i, lit := range n.Values {
			v, err := coerce(col, lit)
			if err != nil {
				return "", err
			}
			ph[i] = c.args.Add(v)
		}
		return ident + " " + notPrefix(n.Negate) + "IN (" + strings.Join(ph, ", ") + ")", nil
	case *Like:
		col, ident, err := c.column(n.Column)
		if err != nil {
			return "", err
		}
		if col.Type != collection.TypeText {
			return "", apperr.New(apperr.KindInvalidFilter, "LIKE requires a text column, %q is %s", col.Name, col.Type)
		}
		op := "LIKE"
		if n.CaseInsensitive {
			op = "ILIKE"
		}
		return ident + "::text " + notPrefix(n.Negate) + op + " " + c.args.Add(n.Pattern), nil
	case *IsNull:
		_, ident, err := c.column(n.Column)
		if err != nil {
			return "", err
		}
		return ident + " IS " + notPrefix(n.Negate) + "NULL", nil
	case *Between:
		col, ident, err := c.column(n.Column)
		if err != nil {
			return "", err
		}
		lo, err := coerce(col, n.Low)
		if err != nil {
			return "", err
		}
		hi, err := coerce(col, n.High)
		if err != nil {
			return "", err
		}
		return ident + " " + notPrefix(n.Negate) + "BETWEEN " + c.args.Add(lo) + " AND " + c.args.Add(hi), nil
	case *BBox:
		geom, srid, err := c.geometry(n.Column)
		if err != nil {
			return "", err
		}
		return "ST_Intersects(" + geom + ", " + Envelope(c.args, n.Bound, n.SRID, srid) + ")", nil
	case *Spatial:
		geom, srid, err := c.geometry(n.Column)
		if err != nil {
			return "", err
		}
		data, err := wkb.Marshal(n.Geometry)
		if err != nil {
			return "", apperr.Wrap(err, apperr.KindInvalidFilter, "invalid geometry")
		}
		lit := "ST_GeomFromWKB(" + c.args.Add(data)
		if n.SRID != 0 && srid != strconv.Itoa(n.SRID) {
			lit = "ST_Transform(" + lit + ", " + c.args.Add(n.SRID) + "), " + srid + ")"
		} else {
			lit += ", " + srid + ")"
		}
		fn := map[SpatialOp]string{
			SpatialIntersects: "ST_Intersects",
			SpatialWithin:     "ST_Within",
			SpatialContains:   "ST_Contains",
		}[n.Op]
		return fn + "(" + geom + ", " + lit + ")", nil
	case nil:
		return "", apperr.New(apperr.KindInvalidFilter, "empty expression")
	}
	return "", fmt.Errorf("filter: unhandled node %T", e)
}

func (c *compiler) compileTerms(terms []Expr, sep string) (string, error) {
	parts := make([]string, len(terms))
	for i, t := range terms {
		s, err := c.compile(t)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

// column resolves name against the allow-list. Unquoted names that do not
// match exactly fall back to their lower-case form, mirroring PostgreSQL folding.
func (c *compiler) column(name string) (collection.Column, string, error) {
	col, err := c.md.Queryable(name)
	if err != nil {
		if lower := strings.ToLower(name); lower != name {
			if col, err2 := c.md.Queryable(lower); err2 == nil {
				return col, pgx.Identifier{col.Name}.Sanitize(), nil
			}
		}
		return collection.Column{}, "", err
	}
	return col, pgx.Identifier{col.Name}.Sanitize(), nil
}

// geometry resolves a geometry column and the SQL expression for its SRID.
func (c *compiler) geometry(name string) (string, string, error) {
	col, ident, err := c.column(name)
	if err != nil {
		return "", "", err
	}
	if col.Type != collection.TypeGeometry {
		return "", "", apperr.New(apperr.KindInvalidFilter, "column %q is not a geometry", col.Name)
	}
	if col.Name == c.md.GeometryColumn {
		return ident, strconv.Itoa(c.md.SRID), nil
	}
	return ident, "ST_SRID(" + ident + ")", nil
}

// Envelope renders an envelope in targetSRID for b given in srid. srid 0
// means b is already in targetSRID. targetSRID is a trusted SQL expression.
func Envelope(args *Args, b orb.Bound, srid int, targetSRID string) string {
	env := "ST_MakeEnvelope(" + args.Add(b.Left()) + ", " + args.Add(b.Bottom()) + ", " +
		args.Add(b.Right()) + ", " + args.Add(b.Top())
	if srid == 0 || strconv.Itoa(srid) == targetSRID {
		return env + ", " + targetSRID + ")"
	}
	return "ST_Transform(" + env + ", " + args.Add(srid) + "), " + targetSRID + ")"
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func coerce(col collection.Column, lit Literal) (any, error) {
	bad := func() (any, error) {
		return nil, apperr.New(apperr.KindInvalidFilter, "value %s is not valid for %s column %q", lit.String(), col.Type, col.Name)
	}

	switch col.Type {
	case collection.TypeInteger:
		if lit.Kind == LitBool {
			return bad()
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(lit.Raw), 10, 64); err == nil {
			return n, nil
		}
		if lit.Kind == LitNumber && lit.Num == math.Trunc(lit.Num) && math.Abs(lit.Num) < 1<<53 {
			return int64(lit.Num), nil
		}
		return bad()
	case collection.TypeFloat:
		switch lit.Kind {
		case LitNumber:
			return lit.Num, nil
		case LitString:
			if f, err := strconv.ParseFloat(strings.TrimSpace(lit.Raw), 64); err == nil && !math.IsNaN(f) {
				return f, nil
			}
		}
		return bad()
	case collection.TypeText:
		return lit.Raw, nil
	case collection.TypeBoolean:
		switch lit.Kind {
		case LitBool:
			return lit.Bool, nil
		case LitString:
			if b, err := strconv.ParseBool(lit.Raw); err == nil {
				return b, nil
			}
		}
		return bad()
	case collection.TypeDatetime:
		if lit.Kind == LitString {
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, lit.Raw); err == nil {
					return t, nil
				}
			}
		}
		return bad()
	}
	return nil, apperr.New(apperr.KindInvalidFilter, "column %q cannot be compared", col.Name)
}

// Equal builds `column = 'raw'`; the literal is coerced at compile time.
func Equal(column, raw string) Expr {
	return &Compare{Column: column, Op: OpEq, Value: Literal{Kind: LitString, Raw: raw}}
}

// AllOf conjoins the non-nil expressions. It returns nil when none remain.
func AllOf(exprs ...Expr) Expr {
	var terms []Expr
	for _, e := range exprs {
		if e != nil {
			terms = append(terms, e)
		}
	}
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	}
	return &And{Terms: terms}
}
