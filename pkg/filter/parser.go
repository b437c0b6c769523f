package filter

import (
	"strconv"
	"strings"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// maxDepth bounds parenthesis/NOT nesting.
const maxDepth = 64

// Parse parses a CQL-like filter into a tree. Blank input yields a nil Expr.
//
//	expr      := and { OR and }
//	and       := unary { AND unary }
//	unary     := NOT unary | '(' expr ')' | function | predicate
//	function  := BBOX '(' col ',' n ',' n ',' n ',' n [ ',' srid ] ')'
//	           | (INTERSECTS|WITHIN|CONTAINS) '(' col ',' 'WKT' [ ',' srid ] ')'
//	predicate := col op literal | col [NOT] IN '(' literal {',' literal} ')'
//	           | col [NOT] (LIKE|ILIKE) 'pattern' | col IS [NOT] NULL
//	           | col [NOT] BETWEEN literal AND literal
func Parse(text string) (Expr, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr(0)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, syntaxErr(t.pos, "unexpected %q", t.text)
	}
	return e, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.peek().keyword(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, syntaxErr(t.pos, "expected %s, found %q", what, t.text)
	}
	return t, nil
}

func (p *parser) parseOr(depth int) (Expr, error) {
	first, err := p.parseAnd(depth)
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.acceptKeyword("OR") {
		e, err := p.parseAnd(depth)
		if err != nil {
			return nil, err
		}
		terms = append(terms, e)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &Or{Terms: terms}, nil
}

func (p *parser) parseAnd(depth int) (Expr, error) {
	first, err := p.parseUnary(depth)
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.acceptKeyword("AND") {
		e, err := p.parseUnary(depth)
		if err != nil {
			return nil, err
		}
		terms = append(terms, e)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &And{Terms: terms}, nil
}

func (p *parser) parseUnary(depth int) (Expr, error) {
	if depth > maxDepth {
		return nil, syntaxErr(p.peek().pos, "expression nested too deeply")
	}
	if p.acceptKeyword("NOT") {
		e, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		return &Not{Expr: e}, nil
	}

	t := p.peek()
	if t.kind == tokLParen {
		p.next()
		e, err := p.parseOr(depth + 1)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return e, nil
	}

	if t.kind == tokIdent && p.toks[p.pos+1].kind == tokLParen {
		switch strings.ToUpper(t.text) {
		case "BBOX":
			p.pos += 2
			return p.parseBBox()
		case "INTERSECTS", "S_INTERSECTS":
			p.pos += 2
			return p.parseSpatial(SpatialIntersects)
		case "WITHIN", "S_WITHIN":
			p.pos += 2
			return p.parseSpatial(SpatialWithin)
		case "CONTAINS", "S_CONTAINS":
			p.pos += 2
			return p.parseSpatial(SpatialContains)
		}
		return nil, syntaxErr(t.pos, "unknown function %q", t.text)
	}

	return p.parsePredicate()
}

func (p *parser) parseColumn() (string, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		if isReserved(t.text) {
			return "", syntaxErr(t.pos, "expected column, found keyword %q", t.text)
		}
		return t.text, nil
	case tokQuotedIdent:
		if t.text == "" {
			return "", syntaxErr(t.pos, "empty column name")
		}
		return t.text, nil
	}
	return "", syntaxErr(t.pos, "expected column, found %q", t.text)
}

func (p *parser) parsePredicate() (Expr, error) {
	col, err := p.parseColumn()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	if t.kind == tokOp {
		p.next()
		op, err := compareOp(t)
		if err != nil {
			return nil, err
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &Compare{Column: col, Op: op, Value: lit}, nil
	}

	if p.acceptKeyword("IS") {
		neg := p.acceptKeyword("NOT")
		if !p.acceptKeyword("NULL") {
			return nil, syntaxErr(p.peek().pos, "expected NULL")
		}
		return &IsNull{Column: col, Negate: neg}, nil
	}

	neg := p.acceptKeyword("NOT")
	switch {
	case p.acceptKeyword("IN"):
		if _, err := p.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		var vals []Literal
		for {
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			vals = append(vals, lit)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return &In{Column: col, Values: vals, Negate: neg}, nil

	case p.peek().keyword("LIKE"), p.peek().keyword("ILIKE"):
		ci := p.next().keyword("ILIKE")
		s, err := p.expect(tokString, "pattern string")
		if err != nil {
			return nil, err
		}
		return &Like{Column: col, Pattern: s.text, CaseInsensitive: ci, Negate: neg}, nil

	case p.acceptKeyword("BETWEEN"):
		lo, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		if !p.acceptKeyword("AND") {
			return nil, syntaxErr(p.peek().pos, "expected AND in BETWEEN")
		}
		hi, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &Between{Column: col, Low: lo, High: hi, Negate: neg}, nil
	}

	t = p.peek()
	return nil, syntaxErr(t.pos, "expected operator after %q, found %q", col, t.text)
}

func compareOp(t token) (CompareOp, error) {
	switch t.text {
	case "=":
		return OpEq, nil
	case "!=", "<>":
		return OpNe, nil
	case "<":
		return OpLt, nil
	case "<=":
		return OpLe, nil
	case ">":
		return OpGt, nil
	case ">=":
		return OpGe, nil
	}
	return "", apperr.New(apperr.KindInvalidFilter, "invalid operator used in filter: %q", t.text)
}

func (p *parser) parseLiteral() (Literal, error) {
	t := p.next()
	switch {
	case t.kind == tokString:
		return Literal{Kind: LitString, Raw: t.text}, nil
	case t.kind == tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return Literal{}, syntaxErr(t.pos, "invalid number %q", t.text)
		}
		return Literal{Kind: LitNumber, Raw: t.text, Num: f}, nil
	case t.keyword("TRUE"):
		return Literal{Kind: LitBool, Raw: "true", Bool: true}, nil
	case t.keyword("FALSE"):
		return Literal{Kind: LitBool, Raw: "false"}, nil
	}
	return Literal{}, syntaxErr(t.pos, "expected literal, found %q", t.text)
}

func (p *parser) parseNumber() (float64, error) {
	t, err := p.expect(tokNumber, "number")
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return 0, syntaxErr(t.pos, "invalid number %q", t.text)
	}
	return f, nil
}

// parseSRIDArg reads an optional trailing ", srid" where srid is 3857 or 'EPSG:3857'.
func (p *parser) parseSRIDArg() (int, error) {
	if p.peek().kind != tokComma {
		return 0, nil
	}
	p.next()
	t := p.next()
	switch t.kind {
	case tokNumber:
		n, err := strconv.Atoi(t.text)
		if err != nil || n <= 0 {
			return 0, syntaxErr(t.pos, "invalid srid %q", t.text)
		}
		return n, nil
	case tokString:
		n, err := ParseSRID(t.text)
		if err != nil {
			return 0, syntaxErr(t.pos, "invalid srid %q", t.text)
		}
		return n, nil
	}
	return 0, syntaxErr(t.pos, "expected srid, found %q", t.text)
}

func (p *parser) parseBBox() (Expr, error) {
	col, err := p.parseColumn()
	if err != nil {
		return nil, err
	}
	var v [4]float64
	for i := range v {
		if _, err := p.expect(tokComma, "','"); err != nil {
			return nil, err
		}
		if v[i], err = p.parseNumber(); err != nil {
			return nil, err
		}
	}
	srid, err := p.parseSRIDArg()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	b, err := NewBound(v[0], v[1], v[2], v[3])
	if err != nil {
		return nil, err
	}
	return &BBox{Column: col, Bound: b, SRID: srid}, nil
}

func (p *parser) parseSpatial(op SpatialOp) (Expr, error) {
	col, err := p.parseColumn()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokComma, "','"); err != nil {
		return nil, err
	}
	s, err := p.expect(tokString, "WKT geometry string")
	if err != nil {
		return nil, err
	}
	g, err := wkt.Unmarshal(s.text)
	if err != nil {
		return nil, syntaxErr(s.pos, "invalid WKT: %v", err)
	}
	srid, err := p.parseSRIDArg()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return &Spatial{Op: op, Column: col, Geometry: g, SRID: srid}, nil
}

// NewBound validates and builds a bounding box from min/max corners.
func NewBound(minX, minY, maxX, maxY float64) (orb.Bound, error) {
	if minX > maxX || minY > maxY {
		return orb.Bound{}, apperr.New(apperr.KindInvalidFilter, "invalid bbox: min exceeds max")
	}
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}, nil
}

// ParseSRID accepts "4326", "EPSG:4326" and the OGC CRS URIs
// ".../EPSG/0/4326" and ".../OGC/1.3/CRS84".
func ParseSRID(s string) (int, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "/CRS84") || strings.EqualFold(s, "CRS84") {
		return 4326, nil
	}
	if i := strings.LastIndexAny(s, ":/"); i >= 0 {
		s = s[i+1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, apperr.New(apperr.KindInvalidFilter, "invalid srid %q", s)
	}
	return n, nil
}

var reserved = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IN": true, "LIKE": true, "ILIKE": true,
	"IS": true, "NULL": true, "BETWEEN": true, "TRUE": true, "FALSE": true,
}

func isReserved(s string) bool { return reserved[strings.ToUpper(s)] }
