package collection

import (
	"context"
	"fmt"
	"slices"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	pg "github.com/edgeflare/pgcollections/pkg/pgx"
	"github.com/jackc/pgx/v5"
)

// fallbackKeys are tried in order when a table or view has no primary key constraint.
var fallbackKeys = []string{"gid", "id", "fid", "ogc_fid"}

// Resolver loads Metadata from the catalog. It holds no cache: schema changes
// must be visible to the very next request.
type Resolver struct {
	conn pg.Conn
}

func NewResolver(conn pg.Conn) *Resolver {
	return &Resolver{conn: conn}
}

// Resolve returns metadata for schema.table. It fails with NotFound when the
// relation or its geometry column is missing, and with Unsupported when the
// SRID, geometry type or a usable key cannot be determined.
func (r *Resolver) Resolve(ctx context.Context, schema, table string) (*Metadata, error) {
	cols, pkeys, err := queryColumns(ctx, r.conn, schema, table)
	if err != nil {
		return nil, apperr.FromDB(err, "query columns")
	}
	if len(cols) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "collection %s.%s not found", schema, table)
	}

	md := &Metadata{Schema: schema, Table: table, Columns: cols}

	geomCol, srid, geomType, err := queryGeometryColumn(ctx, r.conn, schema, table)
	if err != nil {
		return nil, err
	}
	md.GeometryColumn, md.SRID, md.GeometryType = geomCol, srid, geomType

	if md.SRID == 0 {
		if md.SRID, err = probeSRID(ctx, r.conn, md); err != nil {
			return nil, err
		}
	}
	if md.GeometryType == "" {
		return nil, apperr.New(apperr.KindUnsupported, "geometry type of %s.%s cannot be determined", schema, table)
	}

	switch {
	case len(pkeys) == 1:
		md.PrimaryKey = pkeys[0]
	case len(pkeys) > 1:
		return nil, apperr.New(apperr.KindUnsupported, "composite primary key on %s.%s", schema, table)
	default:
		for _, k := range fallbackKeys {
			if c, ok := md.Column(k); ok && c.Type == TypeInteger {
				md.PrimaryKey = k
				break
			}
		}
		if md.PrimaryKey == "" {
			return nil, apperr.New(apperr.KindUnsupported, "%s.%s has no primary key", schema, table)
		}
	}

	return md, nil
}

func queryColumns(ctx context.Context, conn pg.Conn, schema, table string) ([]Column, []string, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			c.column_name,
			c.data_type,
			c.udt_name,
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage kcu
					ON tc.constraint_name = kcu.constraint_name
					AND tc.table_schema = kcu.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = $1
					AND tc.table_name = $2
					AND kcu.column_name = c.column_name
			) AS is_primary_key
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, schema, table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var cols []Column
	var pkeys []string
	for rows.Next() {
		var col Column
		var udt string
		var isPK bool
		if err := rows.Scan(&col.Name, &col.DataType, &udt, &isPK); err != nil {
			return nil, nil, err
		}
		col.Type = SemanticTypeOf(col.DataType, udt)
		cols = append(cols, col)
		if isPK {
			pkeys = append(pkeys, col.Name)
		}
	}
	return cols, pkeys, rows.Err()
}

// queryGeometryColumn picks the first registered geometry column by name.
func queryGeometryColumn(ctx context.Context, conn pg.Conn, schema, table string) (string, int, string, error) {
	var name, geomType string
	var srid int
	err := conn.QueryRow(ctx, `
		SELECT f_geometry_column, srid, type
		FROM geometry_columns
		WHERE f_table_schema = $1 AND f_table_name = $2
		ORDER BY f_geometry_column
		LIMIT 1`, schema, table).Scan(&name, &srid, &geomType)
	if err == pgx.ErrNoRows {
		return "", 0, "", apperr.New(apperr.KindNotFound, "collection %s.%s has no geometry column", schema, table)
	}
	if err != nil {
		return "", 0, "", apperr.FromDB(err, "query geometry_columns")
	}
	return name, srid, geomType, nil
}

// probeSRID handles unconstrained geometry columns by reading the SRIDs
// actually stored. Exactly one non-zero SRID must be present.
func probeSRID(ctx context.Context, conn pg.Conn, md *Metadata) (int, error) {
	geom := pgx.Identifier{md.GeometryColumn}.Sanitize()
	sql := fmt.Sprintf(`SELECT DISTINCT ST_SRID(%s) FROM %s WHERE %s IS NOT NULL LIMIT 2`,
		geom, pgx.Identifier{md.Schema, md.Table}.Sanitize(), geom)

	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return 0, apperr.FromDB(err, "probe srid")
	}
	srids, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return 0, apperr.FromDB(err, "probe srid")
	}
	srids = slices.DeleteFunc(srids, func(s int32) bool { return s == 0 })
	if len(srids) != 1 {
		return 0, apperr.New(apperr.KindUnsupported, "SRID of %s cannot be determined", md.ID())
	}
	return int(srids[0]), nil
}
