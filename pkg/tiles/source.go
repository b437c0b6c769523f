package tiles

import (
	"context"
	"strconv"
	"strings"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/collection"
	"github.com/edgeflare/pgcollections/pkg/filter"
	"github.com/edgeflare/pgcollections/pkg/query"
	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"
)

// SourceQuery asks for the features of one tile.
type SourceQuery struct {
	// Plan carries the collection, filter and requested properties.
	Plan      *query.Plan
	MatrixSet *TileMatrixSet
	// Envelope is the tile extent in the matrix set's CRS; Buffer widens it
	// in the same units.
	Envelope orb.Bound
	Buffer   float64
	// Clip cuts geometries to the buffered envelope. Otherwise they are
	// simplified with Tolerance.
	Clip      bool
	Tolerance float64
	// Limit is the feature cap. More matching rows mark the tile truncated.
	Limit int
}

// FeatureSource loads tile features, with geometries in the matrix set's CRS.
type FeatureSource interface {
	Features(ctx context.Context, q SourceQuery) (features []query.Feature, truncated bool, err error)
	// Extent returns the collection's bounds in lon/lat and in srid. ok is
	// false for an empty collection.
	Extent(ctx context.Context, md *collection.Metadata, srid int) (lonLat, native orb.Bound, ok bool, err error)
}

// PostGIS reads features with one query per tile.
type PostGIS struct {
	exec *query.Executor
}

func NewPostGIS(exec *query.Executor) *PostGIS {
	return &PostGIS{exec: exec}
}

// webMercatorMaxLat is the latitude where EPSG:3857 y reaches mercatorMax.
const webMercatorMaxLat = 85.0511287798066

// searchBound returns the envelope used for the index search, clamped to
// what the table's CRS can represent.
func searchBound(q SourceQuery) orb.Bound {
	b := q.Envelope.Pad(q.Buffer)
	if q.MatrixSet.SRID == 4326 && q.Plan.Collection.SRID == 3857 {
		b.Min[1] = max(b.Min[1], -webMercatorMaxLat)
		b.Max[1] = min(b.Max[1], webMercatorMaxLat)
	}
	return b
}

// tileStatement renders the feature query: properties, the transformed and
// clipped or simplified geometry, rows intersecting the buffered envelope,
// primary key order and a limit one past the cap.
func tileStatement(q SourceQuery) (query.Statement, error) {
	p := q.Plan
	args := &filter.Args{}
	tmsSRID := strconv.Itoa(q.MatrixSet.SRID)

	geom := p.GeometryIdent()
	if p.Collection.SRID != q.MatrixSet.SRID {
		geom = "ST_Transform(" + geom + ", " + tmsSRID + ")"
	}
	buffered := q.Envelope.Pad(q.Buffer)
	if q.Clip {
		geom = "ST_ClipByBox2D(" + geom + ", " + filter.Envelope(args, buffered, q.MatrixSet.SRID, tmsSRID) + ")"
	} else if q.Tolerance > 0 {
		geom = "ST_SimplifyPreserveTopology(" + geom + ", " + args.Add(q.Tolerance) + ")"
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(pgx.Identifier{p.Collection.PrimaryKey}.Sanitize() + " AS " + query.IDColumn)
	for _, c := range p.PropertyColumns() {
		b.WriteString(", " + pgx.Identifier{c}.Sanitize())
	}
	b.WriteString(", ST_AsBinary(" + geom + ") AS " + query.GeometryColumn)
	b.WriteString(" FROM " + p.Table())

	env := filter.Envelope(args, searchBound(q), q.MatrixSet.SRID, strconv.Itoa(p.Collection.SRID))
	b.WriteString(" WHERE ST_Intersects(" + p.GeometryIdent() + ", " + env + ")")
	where, err := p.Where(args)
	if err != nil {
		return query.Statement{}, err
	}
	if where != "" {
		b.WriteString(" AND " + where)
	}

	b.WriteString(" ORDER BY " + pgx.Identifier{p.Collection.PrimaryKey}.Sanitize())
	b.WriteString(" LIMIT " + args.Add(q.Limit+1))
	return query.Statement{SQL: b.String(), Args: args.Values()}, nil
}

func (s *PostGIS) Features(ctx context.Context, q SourceQuery) ([]query.Feature, bool, error) {
	if q.Limit < 1 {
		return nil, false, apperr.New(apperr.KindInternal, "tile feature limit must be positive")
	}
	st, err := tileStatement(q)
	if err != nil {
		return nil, false, err
	}
	rows, err := s.exec.Query(ctx, st)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	features, err := query.ScanFeatures(rows)
	if err != nil {
		return nil, false, err
	}
	if len(features) > q.Limit {
		return features[:q.Limit], true, nil
	}
	return features, false, nil
}

func (s *PostGIS) Extent(ctx context.Context, md *collection.Metadata, srid int) (orb.Bound, orb.Bound, bool, error) {
	args := &filter.Args{}
	ext := "ST_SetSRID(ST_Extent(" + pgx.Identifier{md.GeometryColumn}.Sanitize() + ")::geometry, " + strconv.Itoa(md.SRID) + ")"
	st := query.Statement{
		SQL: "SELECT ST_XMin(ll), ST_YMin(ll), ST_XMax(ll), ST_YMax(ll), ST_XMin(n), ST_YMin(n), ST_XMax(n), ST_YMax(n)" +
			" FROM (SELECT ST_Transform(e, 4326) AS ll, ST_Transform(e, " + args.Add(srid) + "::integer) AS n" +
			" FROM (SELECT " + ext + " AS e FROM " + pgx.Identifier{md.Schema, md.Table}.Sanitize() + ") AS x) AS y",
		Args: args.Values(),
	}

	var v [8]*float64
	if err := s.exec.QueryRow(ctx, st, &v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &v[7]); err != nil {
		return orb.Bound{}, orb.Bound{}, false, err
	}
	for _, f := range v {
		if f == nil {
			return orb.Bound{}, orb.Bound{}, false, nil
		}
	}
	lonLat := orb.Bound{Min: orb.Point{*v[0], *v[1]}, Max: orb.Point{*v[2], *v[3]}}
	native := orb.Bound{Min: orb.Point{*v[4], *v[5]}, Max: orb.Point{*v[6], *v[7]}}
	return lonLat, native, true, nil
}
