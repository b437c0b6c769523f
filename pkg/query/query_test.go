package query

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflare/pgcollections/internal/testutil/pgtest"
	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/collection"
	"github.com/edgeflare/pgcollections/pkg/sqlguard"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata() *collection.Metadata {
	return &collection.Metadata{
		Schema:         "public",
		Table:          "parcels",
		GeometryColumn: "geom",
		SRID:           4326,
		GeometryType:   "POINT",
		PrimaryKey:     "gid",
		Columns: []collection.Column{
			{Name: "gid", Type: collection.TypeInteger},
			{Name: "name", Type: collection.TypeText},
			{Name: "value", Type: collection.TypeFloat},
			{Name: "geom", Type: collection.TypeGeometry},
		},
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name     string
		build    func(*Builder) *Builder
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "defaults",
			build:    func(b *Builder) *Builder { return b },
			wantSQL:  `SELECT "gid" AS __pgc_id, "gid", "name", "value", ST_AsBinary("geom") AS __pgc_geom FROM "public"."parcels" ORDER BY "gid" ASC LIMIT $1`,
			wantArgs: []any{10},
		},
		{
			name: "filter bbox sort page projection",
			build: func(b *Builder) *Builder {
				return b.Filter(`value > 5`).
					BBox(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}, 3857).
					Sort("-value,name").
					Page(20, 40).
					Properties([]string{"name"}).
					Output(3857, true)
			},
			wantSQL: `SELECT "gid" AS __pgc_id, "name", ST_AsBinary(ST_Transform("geom", $1)) AS __pgc_geom FROM "public"."parcels"` +
				` WHERE "value" > $2 AND ST_Intersects("geom", ST_Transform(ST_MakeEnvelope($3, $4, $5, $6, $7), 4326))` +
				` ORDER BY "value" DESC, "name" ASC, "gid" ASC LIMIT $8 OFFSET $9`,
			wantArgs: []any{3857, 5.0, 0.0, 0.0, 1.0, 1.0, 3857, 20, 40},
		},
		{
			name: "bbox in table srid",
			build: func(b *Builder) *Builder {
				return b.BBox(orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}, 0).Output(0, false)
			},
			wantSQL:  `SELECT "gid" AS __pgc_id, "gid", "name", "value" FROM "public"."parcels" WHERE ST_Intersects("geom", ST_MakeEnvelope($1, $2, $3, $4, 4326)) ORDER BY "gid" ASC LIMIT $5`,
			wantArgs: []any{-1.0, -1.0, 1.0, 1.0, 10},
		},
		{
			name:     "primary key sort ends order",
			build:    func(b *Builder) *Builder { return b.Sort("gid.desc").Output(0, false) },
			wantSQL:  `SELECT "gid" AS __pgc_id, "gid", "name", "value" FROM "public"."parcels" ORDER BY "gid" DESC LIMIT $1`,
			wantArgs: []any{10},
		},
		{
			name:  "nearest same srid",
			build: func(b *Builder) *Builder { return b.Nearest(0, 0, 4326).Page(3, 0).Output(0, false) },
			wantSQL: `SELECT "gid" AS __pgc_id, "gid", "name", "value",` +
				` ST_Distance("geom"::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography) / 1000.0 AS distance_in_kilometers` +
				` FROM "public"."parcels" ORDER BY ST_Distance("geom"::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography), "gid" ASC LIMIT $3`,
			wantArgs: []any{0.0, 0.0, 3},
		},
		{
			name: "nearest reprojected ignores sort",
			build: func(b *Builder) *Builder {
				return b.Nearest(100, 200, 3857).Sort("name").Filter(`name LIKE 'a%'`).Output(0, false)
			},
			wantSQL: `SELECT "gid" AS __pgc_id, "gid", "name", "value",` +
				` ST_Distance("geom"::geography, ST_Transform(ST_SetSRID(ST_MakePoint($1, $2), $3), 4326)::geography) / 1000.0 AS distance_in_kilometers` +
				` FROM "public"."parcels" WHERE "name"::text LIKE $4` +
				` ORDER BY ST_Distance("geom"::geography, ST_Transform(ST_SetSRID(ST_MakePoint($1, $2), $3), 4326)::geography), "gid" ASC LIMIT $5`,
			wantArgs: []any{100.0, 200.0, 3857, "a%", 10},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.build(NewBuilder(testMetadata(), Limits{})).Build()
			require.NoError(t, err)
			st, err := p.Select()
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, st.SQL)
			assert.Equal(t, tt.wantArgs, st.Args)
			assert.NoError(t, sqlguard.Check(st.SQL))
		})
	}
}

func TestCount(t *testing.T) {
	p, err := NewBuilder(testMetadata(), Limits{}).Filter(`name = 'a'`).Page(5, 10).Build()
	require.NoError(t, err)
	st, err := p.Count()
	require.NoError(t, err)
	assert.Equal(t, `SELECT count(*) FROM "public"."parcels" WHERE "name" = $1`, st.SQL)
	assert.Equal(t, []any{"a"}, st.Args)
}

func TestLimits(t *testing.T) {
	limits := Limits{DefaultLimit: 25, MaxLimit: 100}

	p, err := NewBuilder(testMetadata(), limits).Page(1_000_000, 0).Build()
	require.NoError(t, err)
	assert.Equal(t, 100, p.Limit)

	p, err = NewBuilder(testMetadata(), limits).Page(0, 3).Build()
	require.NoError(t, err)
	assert.Equal(t, 25, p.Limit)
	assert.Equal(t, 3, p.Offset)
}

func TestBuilderErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(*Builder) *Builder
	}{
		{"unknown sort column", func(b *Builder) *Builder { return b.Sort("nope") }},
		{"geometry sort", func(b *Builder) *Builder { return b.Sort("geom") }},
		{"unknown property", func(b *Builder) *Builder { return b.Properties([]string{"name", "nope"}) }},
		{"negative offset", func(b *Builder) *Builder { return b.Page(10, -1) }},
		{"bad filter", func(b *Builder) *Builder { return b.Filter(`name =`) }},
		{"unknown filter column", func(b *Builder) *Builder { return b.Filter(`nope = 1`) }},
		{"inverted bbox", func(b *Builder) *Builder {
			return b.BBox(orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{0, 0}}, 4326)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build(NewBuilder(testMetadata(), Limits{})).Build()
			require.Error(t, err)
			assert.Equal(t, apperr.KindInvalidFilter, apperr.KindOf(err))
		})
	}
}

func TestPropertiesStar(t *testing.T) {
	p, err := NewBuilder(testMetadata(), Limits{}).Properties([]string{"name", "*"}).Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"gid", "name", "value"}, p.PropertyColumns())

	p, err = NewBuilder(testMetadata(), Limits{}).Properties([]string{"value", "geom", "value"}).Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"value"}, p.PropertyColumns())
}

func TestFeatureJSON(t *testing.T) {
	f := Feature{ID: int64(1), Geometry: orb.Point{1, 2}, Properties: map[string]any{"name": "a"}}
	b, err := f.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Feature","id":1,"geometry":{"type":"Point","coordinates":[1,2]},"properties":{"name":"a"}}`, string(b))

	b, err = Feature{ID: int64(2)}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Feature","id":2,"geometry":null,"properties":{}}`, string(b))
}

func TestNormalizeValue(t *testing.T) {
	id := [16]byte{0x12, 0x3e, 0x45, 0x67, 0xe8, 0x9b, 0x12, 0xd3, 0xa4, 0x56, 0x42, 0x66, 0x14, 0x17, 0x40, 0x00}
	assert.Equal(t, "123e4567-e89b-12d3-a456-426614174000", NormalizeValue(id))
	assert.Equal(t, "2024-01-02T03:04:05Z", NormalizeValue(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, int32(7), NormalizeValue(int32(7)))
}

func TestNearestFeatures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := pgtest.Connect(ctx, t)
	pgtest.PointsFixture(ctx, t, conn)
	md, err := collection.NewResolver(conn).Resolve(ctx, "pgc_test", "points")
	require.NoError(t, err)
	exec := NewExecutor(conn, true)

	t.Run("limit 3 ascending", func(t *testing.T) {
		p, err := NewBuilder(md, Limits{}).Nearest(0, 0, 4326).Page(3, 0).Build()
		require.NoError(t, err)
		features, err := exec.Features(ctx, p)
		require.NoError(t, err)
		require.Len(t, features, 3)

		for i, want := range []struct {
			name string
			km   float64
		}{{"near", 10}, {"mid", 20}, {"far", 30}} {
			assert.Equal(t, want.name, features[i].Properties["name"])
			assert.InDelta(t, want.km, features[i].Properties[DistanceColumn], 0.1)
			assert.IsType(t, orb.Point{}, features[i].Geometry)
		}
	})

	t.Run("limit 1 nearest only", func(t *testing.T) {
		p, err := NewBuilder(md, Limits{}).Nearest(0, 0, 4326).Page(1, 0).Build()
		require.NoError(t, err)
		features, err := exec.Features(ctx, p)
		require.NoError(t, err)
		require.Len(t, features, 1)
		assert.Equal(t, "near", features[0].Properties["name"])
	})

	t.Run("count with filter", func(t *testing.T) {
		p, err := NewBuilder(md, Limits{}).Filter(`category = 'a'`).Build()
		require.NoError(t, err)
		n, err := exec.Count(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
}

func TestNearestFeaturesGeodesicOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := pgtest.Connect(ctx, t)
	pgtest.PointsFixture(ctx, t, conn)
	// From (0, 60) north is nearer in degrees but east is nearer on the ground.
	pgtest.Exec(ctx, t, conn,
		`INSERT INTO pgc_test.points (name, category, value, geom) VALUES
			('north', 'c', 1, ST_SetSRID(ST_MakePoint(0, 75), 4326)),
			('east', 'c', 2, ST_SetSRID(ST_MakePoint(20, 60), 4326))`,
	)
	md, err := collection.NewResolver(conn).Resolve(ctx, "pgc_test", "points")
	require.NoError(t, err)

	p, err := NewBuilder(md, Limits{}).Nearest(0, 60, 4326).Page(2, 0).Build()
	require.NoError(t, err)
	features, err := NewExecutor(conn, true).Features(ctx, p)
	require.NoError(t, err)
	require.Len(t, features, 2)

	assert.Equal(t, "east", features[0].Properties["name"])
	assert.Equal(t, "north", features[1].Properties["name"])
	first := features[0].Properties[DistanceColumn].(float64)
	second := features[1].Properties[DistanceColumn].(float64)
	assert.InDelta(t, 1113, first, 20)
	assert.InDelta(t, 1668, second, 20)
	assert.Less(t, first, second)
}

func TestBBoxSRIDRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := pgtest.Connect(ctx, t)
	pgtest.PointsFixture(ctx, t, conn)
	md, err := collection.NewResolver(conn).Resolve(ctx, "pgc_test", "points")
	require.NoError(t, err)
	exec := NewExecutor(conn, true)

	names := func(bound orb.Bound, srid int) []string {
		p, err := NewBuilder(md, Limits{}).BBox(bound, srid).Sort("name").Build()
		require.NoError(t, err)
		features, err := exec.Features(ctx, p)
		require.NoError(t, err)
		var out []string
		for _, f := range features {
			out = append(out, f.Properties["name"].(string))
		}
		return out
	}

	native := orb.Bound{Min: orb.Point{-0.01, 0.05}, Max: orb.Point{0.01, 0.2}}
	mercator := orb.Bound{
		Min: project.WGS84.ToMercator(native.Min),
		Max: project.WGS84.ToMercator(native.Max),
	}
	back := orb.Bound{
		Min: project.Mercator.ToWGS84(mercator.Min),
		Max: project.Mercator.ToWGS84(mercator.Max),
	}

	want := []string{"mid", "near"}
	assert.Equal(t, want, names(native, 4326))
	assert.Equal(t, want, names(mercator, 3857))
	assert.Equal(t, want, names(back, 4326))
}
