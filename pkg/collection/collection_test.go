package collection

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflare/pgcollections/internal/testutil/pgtest"
	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata() *Metadata {
	return &Metadata{
		Schema:         "public",
		Table:          "parcels",
		GeometryColumn: "geom",
		SRID:           4326,
		GeometryType:   "MULTIPOLYGON",
		PrimaryKey:     "gid",
		Columns: []Column{
			{Name: "gid", Type: TypeInteger},
			{Name: "name", Type: TypeText},
			{Name: "area", Type: TypeFloat},
			{Name: "attrs", Type: TypeOther},
			{Name: "geom", Type: TypeGeometry},
		},
	}
}

func TestSemanticTypeOf(t *testing.T) {
	tests := []struct {
		dataType, udt string
		want          SemanticType
	}{
		{"integer", "int4", TypeInteger},
		{"bigint", "int8", TypeInteger},
		{"double precision", "float8", TypeFloat},
		{"numeric", "numeric", TypeFloat},
		{"character varying", "varchar", TypeText},
		{"uuid", "uuid", TypeText},
		{"boolean", "bool", TypeBoolean},
		{"timestamp with time zone", "timestamptz", TypeDatetime},
		{"date", "date", TypeDatetime},
		{"USER-DEFINED", "geometry", TypeGeometry},
		{"USER-DEFINED", "citext", TypeText},
		{"jsonb", "jsonb", TypeOther},
		{"ARRAY", "_int4", TypeOther},
	}
	for _, tt := range tests {
		t.Run(tt.dataType+"/"+tt.udt, func(t *testing.T) {
			assert.Equal(t, tt.want, SemanticTypeOf(tt.dataType, tt.udt))
		})
	}
}

func TestParseID(t *testing.T) {
	s, tb, err := ParseID("gis.parcels")
	require.NoError(t, err)
	assert.Equal(t, "gis", s)
	assert.Equal(t, "parcels", tb)

	s, tb, err = ParseID("parcels")
	require.NoError(t, err)
	assert.Equal(t, "public", s)
	assert.Equal(t, "parcels", tb)

	for _, bad := range []string{"", ".t", "s.", "a.b.c"} {
		_, _, err := ParseID(bad)
		assert.True(t, apperr.Is(err, apperr.KindNotFound), bad)
	}
}

func TestMetadata(t *testing.T) {
	md := testMetadata()

	q := md.Queryables()
	assert.Equal(t, map[string]SemanticType{
		"gid": TypeInteger, "name": TypeText, "area": TypeFloat, "geom": TypeGeometry,
	}, q)

	_, err := md.Queryable("attrs")
	assert.True(t, apperr.Is(err, apperr.KindInvalidFilter))
	_, err = md.Queryable("nope")
	assert.True(t, apperr.Is(err, apperr.KindInvalidFilter))

	c, err := md.NumericColumn("area")
	require.NoError(t, err)
	assert.Equal(t, TypeFloat, c.Type)

	_, err = md.NumericColumn("name")
	assert.True(t, apperr.Is(err, apperr.KindNonNumericColumn))

	props := md.PropertyColumns()
	require.Len(t, props, 4)
	assert.Equal(t, "gid", props[0].Name)
	assert.Equal(t, "public.parcels", md.ID())
}

func TestResolver(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := pgtest.Connect(ctx, t)
	pgtest.PointsFixture(ctx, t, conn)
	pgtest.Exec(ctx, t, conn,
		`CREATE TABLE pgc_test.plain (id int PRIMARY KEY, name text)`,
		`CREATE TABLE pgc_test.nosrid (gid int PRIMARY KEY, geom geometry)`,
	)

	r := NewResolver(conn)

	t.Run("points", func(t *testing.T) {
		md, err := r.Resolve(ctx, "pgc_test", "points")
		require.NoError(t, err)
		assert.Equal(t, "geom", md.GeometryColumn)
		assert.Equal(t, 4326, md.SRID)
		assert.Equal(t, "POINT", md.GeometryType)
		assert.Equal(t, "gid", md.PrimaryKey)
		assert.Equal(t, TypeFloat, md.Queryables()["value"])
		assert.Equal(t, TypeDatetime, md.Queryables()["observed"])
	})

	t.Run("missing table", func(t *testing.T) {
		_, err := r.Resolve(ctx, "pgc_test", "nope")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("no geometry column", func(t *testing.T) {
		_, err := r.Resolve(ctx, "pgc_test", "plain")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("empty unconstrained geometry", func(t *testing.T) {
		_, err := r.Resolve(ctx, "pgc_test", "nosrid")
		assert.True(t, apperr.Is(err, apperr.KindUnsupported))
	})
}
