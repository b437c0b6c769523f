package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	pg "github.com/edgeflare/pgcollections/pkg/pgx"
	"github.com/edgeflare/pgcollections/pkg/sqlguard"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
)

// Executor runs rendered statements. With the guard enabled every statement
// is parsed first and anything but a single SELECT is refused.
type Executor struct {
	conn  pg.Conn
	guard bool
}

func NewExecutor(conn pg.Conn, guard bool) *Executor {
	return &Executor{conn: conn, guard: guard}
}

func (e *Executor) check(st Statement) error {
	if !e.guard {
		return nil
	}
	if err := sqlguard.Check(st.SQL); err != nil {
		return fmt.Errorf("query: refusing statement: %w", err)
	}
	return nil
}

// Query executes st. Callers must close the rows and pass rows.Err through apperr.FromDB.
func (e *Executor) Query(ctx context.Context, st Statement) (pgx.Rows, error) {
	if err := e.check(st); err != nil {
		return nil, err
	}
	rows, err := e.conn.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, apperr.FromDB(err, "query")
	}
	return rows, nil
}

// QueryRow executes st and scans its single row into dest.
func (e *Executor) QueryRow(ctx context.Context, st Statement, dest ...any) error {
	if err := e.check(st); err != nil {
		return err
	}
	if err := e.conn.QueryRow(ctx, st.SQL, st.Args...).Scan(dest...); err != nil {
		return apperr.FromDB(err, "query row")
	}
	return nil
}

// Feature is one row of a plan's result.
type Feature struct {
	ID         any
	Geometry   orb.Geometry
	Properties map[string]any
}

type featureDoc struct {
	Type       string            `json:"type"`
	ID         any               `json:"id,omitempty"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties map[string]any    `json:"properties"`
}

// MarshalJSON encodes f as a GeoJSON Feature. A missing geometry encodes as null.
func (f Feature) MarshalJSON() ([]byte, error) {
	doc := featureDoc{Type: "Feature", ID: f.ID, Properties: f.Properties}
	if f.Geometry != nil {
		doc.Geometry = geojson.NewGeometry(f.Geometry)
	}
	if doc.Properties == nil {
		doc.Properties = map[string]any{}
	}
	return json.Marshal(doc)
}

// Features runs the plan's select and decodes every row.
func (e *Executor) Features(ctx context.Context, p *Plan) ([]Feature, error) {
	st, err := p.Select()
	if err != nil {
		return nil, err
	}
	rows, err := e.Query(ctx, st)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	features, err := ScanFeatures(rows)
	if err != nil {
		return nil, err
	}
	return features, nil
}

// Count returns the number of rows matching the plan.
func (e *Executor) Count(ctx context.Context, p *Plan) (int64, error) {
	st, err := p.Count()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := e.QueryRow(ctx, st, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// ScanFeatures decodes rows produced by Plan.Select.
func ScanFeatures(rows pgx.Rows) ([]Feature, error) {
	fields := rows.FieldDescriptions()
	features := []Feature{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, apperr.FromDB(err, "scan feature")
		}
		f := Feature{Properties: make(map[string]any, len(vals))}
		for i, fd := range fields {
			switch fd.Name {
			case IDColumn:
				f.ID = NormalizeValue(vals[i])
			case GeometryColumn:
				b, ok := vals[i].([]byte)
				if !ok || b == nil {
					continue
				}
				g, err := wkb.Unmarshal(b)
				if err != nil {
					return nil, fmt.Errorf("decode geometry of %v: %w", f.ID, err)
				}
				f.Geometry = g
			default:
				f.Properties[fd.Name] = NormalizeValue(vals[i])
			}
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.FromDB(err, "scan features")
	}
	return features, nil
}

// NormalizeValue converts driver values into JSON-friendly scalars.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case [16]byte:
		return uuid.UUID(t).String()
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case pgtype.Time:
		if !t.Valid {
			return nil
		}
		return time.UnixMicro(t.Microseconds).UTC().Format("15:04:05.999999")
	case []byte:
		return string(t)
	}
	return v
}
