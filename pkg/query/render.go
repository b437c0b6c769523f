package query

import (
	"strconv"
	"strings"

	"github.com/edgeflare/pgcollections/pkg/filter"
	"github.com/jackc/pgx/v5"
)

// Reserved output column names.
const (
	IDColumn       = "__pgc_id"
	GeometryColumn = "__pgc_geom"
	DistanceColumn = "distance_in_kilometers"
)

// Statement is rendered SQL plus its bound arguments.
type Statement struct {
	SQL  string
	Args []any
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Table returns the sanitized schema-qualified table name.
func (p *Plan) Table() string {
	return pgx.Identifier{p.Collection.Schema, p.Collection.Table}.Sanitize()
}

// GeometryIdent returns the sanitized geometry column name.
func (p *Plan) GeometryIdent() string {
	return ident(p.Collection.GeometryColumn)
}

func (p *Plan) tableSRID() string {
	return strconv.Itoa(p.Collection.SRID)
}

// Where renders the combined filter and bbox condition without the WHERE
// keyword, allocating placeholders from args. It returns "" when the plan is
// unrestricted.
func (p *Plan) Where(args *filter.Args) (string, error) {
	var conds []string
	if p.Filter != nil {
		s, err := filter.Compile(p.Filter, p.Collection, args)
		if err != nil {
			return "", err
		}
		conds = append(conds, s)
	}
	if p.BBox != nil {
		env := filter.Envelope(args, p.BBox.Bound, p.BBox.SRID, p.tableSRID())
		conds = append(conds, "ST_Intersects("+p.GeometryIdent()+", "+env+")")
	}
	return strings.Join(conds, " AND "), nil
}

// WhereClause is Where prefixed with " WHERE " when non-empty.
func (p *Plan) WhereClause(args *filter.Args) (string, error) {
	w, err := p.Where(args)
	if err != nil || w == "" {
		return "", err
	}
	return " WHERE " + w, nil
}

// referencePoint renders the nearest-search point in the table SRID.
func (p *Plan) referencePoint(args *filter.Args) string {
	pt := "ST_MakePoint(" + args.Add(p.Nearest.X) + ", " + args.Add(p.Nearest.Y) + ")"
	if p.Nearest.SRID == p.Collection.SRID {
		return "ST_SetSRID(" + pt + ", " + p.tableSRID() + ")"
	}
	return "ST_Transform(ST_SetSRID(" + pt + ", " + args.Add(p.Nearest.SRID) + "), " + p.tableSRID() + ")"
}

// geography casts a table-SRID geometry expression for geodesic distance.
func (p *Plan) geography(expr string) string {
	if p.Collection.SRID == 4326 {
		return expr + "::geography"
	}
	return "ST_Transform(" + expr + ", 4326)::geography"
}

func (p *Plan) outputGeometry(args *filter.Args) string {
	if p.OutputSRID == 0 || p.OutputSRID == p.Collection.SRID {
		return p.GeometryIdent()
	}
	return "ST_Transform(" + p.GeometryIdent() + ", " + args.Add(p.OutputSRID) + ")"
}

// orderBy renders the ORDER BY list. A nearest search orders by the same
// geodesic distance it reports. The primary key always terminates the list so
// pages are stable.
func (p *Plan) orderBy(distance string) string {
	pk := p.Collection.PrimaryKey
	var keys []string
	if distance != "" {
		keys = append(keys, distance)
	} else {
		for _, k := range p.Sort {
			dir := " ASC"
			if k.Desc {
				dir = " DESC"
			}
			keys = append(keys, ident(k.Column)+dir)
			if k.Column == pk {
				return strings.Join(keys, ", ")
			}
		}
	}
	return strings.Join(append(keys, ident(pk)+" ASC"), ", ")
}

// Select renders the row query for item listing and nearest search.
func (p *Plan) Select() (Statement, error) {
	args := &filter.Args{}
	var b strings.Builder

	b.WriteString("SELECT ")
	b.WriteString(ident(p.Collection.PrimaryKey))
	b.WriteString(" AS " + IDColumn)
	for _, c := range p.PropertyColumns() {
		b.WriteString(", ")
		b.WriteString(ident(c))
	}
	if p.Geometry {
		b.WriteString(", ST_AsBinary(" + p.outputGeometry(args) + ") AS " + GeometryColumn)
	}

	var distance string
	if p.Nearest != nil {
		ref := p.referencePoint(args)
		distance = "ST_Distance(" + p.geography(p.GeometryIdent()) + ", " + p.geography(ref) + ")"
		b.WriteString(", " + distance + " / 1000.0 AS " + DistanceColumn)
	}

	b.WriteString(" FROM ")
	b.WriteString(p.Table())

	where, err := p.WhereClause(args)
	if err != nil {
		return Statement{}, err
	}
	b.WriteString(where)

	b.WriteString(" ORDER BY ")
	b.WriteString(p.orderBy(distance))

	b.WriteString(" LIMIT " + args.Add(p.Limit))
	if p.Offset > 0 {
		b.WriteString(" OFFSET " + args.Add(p.Offset))
	}

	return Statement{SQL: b.String(), Args: args.Values()}, nil
}

// Count renders a count of the rows matching the plan's restrictions.
func (p *Plan) Count() (Statement, error) {
	args := &filter.Args{}
	where, err := p.WhereClause(args)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: "SELECT count(*) FROM " + p.Table() + where, Args: args.Values()}, nil
}
