package filter

import (
	"strings"
	"testing"
	"time"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/collection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata() *collection.Metadata {
	return &collection.Metadata{
		Schema:         "public",
		Table:          "parcels",
		GeometryColumn: "geom",
		SRID:           4326,
		GeometryType:   "MULTIPOLYGON",
		PrimaryKey:     "gid",
		Columns: []collection.Column{
			{Name: "gid", Type: collection.TypeInteger},
			{Name: "name", Type: collection.TypeText},
			{Name: "value", Type: collection.TypeFloat},
			{Name: "active", Type: collection.TypeBoolean},
			{Name: "created", Type: collection.TypeDatetime},
			{Name: "attrs", Type: collection.TypeOther},
			{Name: "geom", Type: collection.TypeGeometry},
		},
	}
}

func compileString(t *testing.T, text string) (string, []any) {
	t.Helper()
	e, err := Parse(text)
	require.NoError(t, err)
	args := &Args{}
	sql, err := Compile(e, testMetadata(), args)
	require.NoError(t, err)
	return sql, args.Values()
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		wantSQL  string
		wantArgs []any
	}{
		{"equality", `name = 'a'`, `"name" = $1`, []any{"a"}},
		{"and", `value > 3 AND name <> 'x'`, `("value" > $1 AND "name" <> $2)`, []any{3.0, "x"}},
		{"bang equals", `gid != 7`, `"gid" <> $1`, []any{int64(7)}},
		{"in", `gid IN (1, 2, 3)`, `"gid" IN ($1, $2, $3)`, []any{int64(1), int64(2), int64(3)}},
		{"not ilike", `name NOT ILIKE 'ab%'`, `"name"::text NOT ILIKE $1`, []any{"ab%"}},
		{"is not null", `value IS NOT NULL`, `"value" IS NOT NULL`, nil},
		{"not group", `NOT (gid = 1 OR gid = 2)`, `NOT (("gid" = $1 OR "gid" = $2))`, []any{int64(1), int64(2)}},
		{"between", `value BETWEEN 1 AND 10.5`, `"value" BETWEEN $1 AND $2`, []any{1.0, 10.5}},
		{"precedence", `gid = 1 OR gid = 2 AND name = 'x'`, `("gid" = $1 OR ("gid" = $2 AND "name" = $3))`, []any{int64(1), int64(2), "x"}},
		{"bbox native", `BBOX(geom, 0, 0, 10, 10)`, `ST_Intersects("geom", ST_MakeEnvelope($1, $2, $3, $4, 4326))`, []any{0.0, 0.0, 10.0, 10.0}},
		{
			"bbox reprojected", `BBOX(geom, 0, 0, 1000, 1000, 'EPSG:3857')`,
			`ST_Intersects("geom", ST_Transform(ST_MakeEnvelope($1, $2, $3, $4, $5), 4326))`,
			[]any{0.0, 0.0, 1000.0, 1000.0, 3857},
		},
		{"bool", `active = true`, `"active" = $1`, []any{true}},
		{"string number on integer", `gid = '42'`, `"gid" = $1`, []any{int64(42)}},
		{"number on text", `name = 5`, `"name" = $1`, []any{"5"}},
		{"case folding", `NAME = 'a'`, `"name" = $1`, []any{"a"}},
		{"quoted ident", `"value" <= -2.5e1`, `"value" <= $1`, []any{-25.0}},
		{"inert quote literal", `name = 'a''; DROP TABLE x;--'`, `"name" = $1`, []any{"a'; DROP TABLE x;--"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := compileString(t, tt.filter)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestCompileSpatial(t *testing.T) {
	sql, args := compileString(t, `INTERSECTS(geom, 'POINT(1 2)')`)
	assert.Equal(t, `ST_Intersects("geom", ST_GeomFromWKB($1, 4326))`, sql)
	require.Len(t, args, 1)
	assert.IsType(t, []byte{}, args[0])

	sql, args = compileString(t, `S_WITHIN(geom, 'POLYGON((0 0, 1 0, 1 1, 0 1, 0 0))', 3857)`)
	assert.Equal(t, `ST_Within("geom", ST_Transform(ST_GeomFromWKB($1, $2), 4326))`, sql)
	assert.Equal(t, 3857, args[1])
}

func TestCompileDatetime(t *testing.T) {
	_, args := compileString(t, `created >= '2024-01-02'`)
	require.Len(t, args, 1)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), args[0])
}

func TestInvalidFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter string
	}{
		{"statement injection", `name = 'a'; DROP TABLE x;--'`},
		{"comment injection", `name = 'a' -- comment`},
		{"unknown column", `foo = 1`},
		{"not queryable", `attrs = 'x'`},
		{"bad integer", `gid = 'abc'`},
		{"fractional integer", `gid = 1.5`},
		{"bad bool", `active = 'maybe'`},
		{"bad date", `created > 'yesterday'`},
		{"like non text", `value LIKE 'x'`},
		{"like needs string", `name LIKE 5`},
		{"unknown operator", `value ~ 3`},
		{"unbalanced", `(name = 'a'`},
		{"dangling", `name = `},
		{"trailing", `name = 'a' name`},
		{"unterminated string", `name = 'abc`},
		{"keyword as column", `AND = 1`},
		{"bbox inverted", `BBOX(geom, 10, 0, 0, 10)`},
		{"bbox non geometry", `BBOX(name, 0, 0, 1, 1)`},
		{"compare geometry", `geom = 'x'`},
		{"bad wkt", `INTERSECTS(geom, 'NOTAGEOMETRY(1 2)')`},
		{"unknown function", `pg_sleep(10)`},
		{"subquery", `gid IN (SELECT 1)`},
		{"deep nesting", strings.Repeat("(", 100) + "gid = 1" + strings.Repeat(")", 100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse(tt.filter)
			if err == nil {
				err = Validate(e, testMetadata())
			}
			require.Error(t, err)
			assert.Equal(t, apperr.KindInvalidFilter, apperr.KindOf(err), err.Error())
		})
	}
}

func TestCanonicalString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`name='a' and value>=3.50`, `("name" = 'a' AND "value" >= 3.5)`},
		{`gid in (1,2)`, `"gid" IN (1, 2)`},
		{`not name like 'it''s%'`, `NOT "name" LIKE 'it''s%'`},
		{`bbox(geom,0,0,1,1,'EPSG:3857')`, `BBOX("geom", 0, 0, 1, 1, 'EPSG:3857')`},
		{`value is null or active = FALSE`, `("value" IS NULL OR "active" = false)`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			e, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.String())

			again, err := Parse(e.String())
			require.NoError(t, err)
			assert.Equal(t, e.String(), again.String())
		})
	}
}

func TestParseBlank(t *testing.T) {
	e, err := Parse("   ")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, Validate(nil, testMetadata()))
}

func TestParseSRID(t *testing.T) {
	for in, want := range map[string]int{
		"4326":      4326,
		"EPSG:3857": 3857,
		"http://www.opengis.net/def/crs/EPSG/0/25832": 25832,
		"http://www.opengis.net/def/crs/OGC/1.3/CRS84": 4326,
	} {
		got, err := ParseSRID(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSRID("EPSG:abc")
	assert.Error(t, err)
}

func TestAllOf(t *testing.T) {
	assert.Nil(t, AllOf(nil, nil))

	single := Equal("name", "a")
	assert.Same(t, single, AllOf(nil, single))

	both := AllOf(Equal("name", "a"), Equal("gid", "3"))
	sql, args := func() (string, []any) {
		a := &Args{}
		s, err := Compile(both, testMetadata(), a)
		require.NoError(t, err)
		return s, a.Values()
	}()
	assert.Equal(t, `("name" = $1 AND "gid" = $2)`, sql)
	assert.Equal(t, []any{"a", int64(3)}, args)
}
