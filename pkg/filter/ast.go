package filter

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// Expr is a node of a parsed filter. The concrete node types form a closed set;
// every consumer switches over them exhaustively.
type Expr interface {
	// String renders the canonical form: identical trees render identically,
	// which makes it usable inside cache keys.
	String() string
	expr()
}

type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "<>"
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

type LiteralKind int

const (
	LitString LiteralKind = iota
	LitNumber
	LitBool
)

// Literal is an uncoerced value as written in the filter text. It is converted
// to the referenced column's type during compilation.
type Literal struct {
	Kind LiteralKind
	Raw  string
	Num  float64
	Bool bool
}

func (l Literal) String() string {
	switch l.Kind {
	case LitNumber:
		return strconv.FormatFloat(l.Num, 'g', -1, 64)
	case LitBool:
		return strconv.FormatBool(l.Bool)
	default:
		return "'" + strings.ReplaceAll(l.Raw, "'", "''") + "'"
	}
}

type (
	// And holds two or more conjuncts.
	And struct{ Terms []Expr }
	// Or holds two or more disjuncts.
	Or  struct{ Terms []Expr }
	Not struct{ Expr Expr }

	Compare struct {
		Column string
		Op     CompareOp
		Value  Literal
	}

	In struct {
		Column string
		Values []Literal
		Negate bool
	}

	Like struct {
		Column          string
		Pattern         string
		CaseInsensitive bool
		Negate          bool
	}

	IsNull struct {
		Column string
		Negate bool
	}

	Between struct {
		Column    string
		Low, High Literal
		Negate    bool
	}

	// BBox matches rows whose geometry intersects the box. SRID 0 means the
	// box is in the collection's own SRID.
	BBox struct {
		Column string
		Bound  orb.Bound
		SRID   int
	}

	// Spatial relates a geometry column to a literal geometry.
	Spatial struct {
		Op       SpatialOp
		Column   string
		Geometry orb.Geometry
		SRID     int
	}
)

type SpatialOp string

const (
	SpatialIntersects SpatialOp = "INTERSECTS"
	SpatialWithin     SpatialOp = "WITHIN"
	SpatialContains   SpatialOp = "CONTAINS"
)

func (*And) expr()     {}
func (*Or) expr()      {}
func (*Not) expr()     {}
func (*Compare) expr() {}
func (*In) expr()      {}
func (*Like) expr()    {}
func (*IsNull) expr()  {}
func (*Between) expr() {}
func (*BBox) expr()    {}
func (*Spatial) expr() {}

func joinTerms(terms []Expr, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.String()
	}
	return "(" + strings.Join(parts, " "+sep+" ") + ")"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func notPrefix(neg bool) string {
	if neg {
		return "NOT "
	}
	return ""
}

func (e *And) String() string { return joinTerms(e.Terms, "AND") }
func (e *Or) String() string  { return joinTerms(e.Terms, "OR") }
func (e *Not) String() string { return "NOT " + e.Expr.String() }

func (e *Compare) String() string {
	return quoteIdent(e.Column) + " " + string(e.Op) + " " + e.Value.String()
}

func (e *In) String() string {
	vals := make([]string, len(e.Values))
	for i, v := range e.Values {
		vals[i] = v.String()
	}
	return quoteIdent(e.Column) + " " + notPrefix(e.Negate) + "IN (" + strings.Join(vals, ", ") + ")"
}

func (e *Like) String() string {
	op := "LIKE"
	if e.CaseInsensitive {
		op = "ILIKE"
	}
	return quoteIdent(e.Column) + " " + notPrefix(e.Negate) + op + " " + Literal{Raw: e.Pattern}.String()
}

func (e *IsNull) String() string {
	return quoteIdent(e.Column) + " IS " + notPrefix(e.Negate) + "NULL"
}

func (e *Between) String() string {
	return quoteIdent(e.Column) + " " + notPrefix(e.Negate) + "BETWEEN " + e.Low.String() + " AND " + e.High.String()
}

func (e *BBox) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	s := "BBOX(" + quoteIdent(e.Column) + ", " + f(e.Bound.Min[0]) + ", " + f(e.Bound.Min[1]) + ", " +
		f(e.Bound.Max[0]) + ", " + f(e.Bound.Max[1])
	if e.SRID != 0 {
		s += ", 'EPSG:" + strconv.Itoa(e.SRID) + "'"
	}
	return s + ")"
}

func (e *Spatial) String() string {
	s := string(e.Op) + "(" + quoteIdent(e.Column) + ", '" + wkt.MarshalString(e.Geometry) + "'"
	if e.SRID != 0 {
		s += ", " + strconv.Itoa(e.SRID)
	}
	return s + ")"
}
