// Package collection resolves a schema.table pair into the metadata every
// other component validates against: geometry column, SRID, primary key and
// the semantic type of each column.
package collection

import (
	"fmt"
	"strings"

	"github.com/edgeflare/pgcollections/pkg/apperr"
)

// SemanticType is the coarse type used to validate filters, sorts and projections.
type SemanticType string

const (
	TypeInteger  SemanticType = "integer"
	TypeFloat    SemanticType = "float"
	TypeText     SemanticType = "text"
	TypeBoolean  SemanticType = "boolean"
	TypeDatetime SemanticType = "datetime"
	TypeGeometry SemanticType = "geometry"
	// TypeOther columns (json, arrays, bytea, ...) are projected but never filtered or sorted on.
	TypeOther SemanticType = "other"
)

// Numeric reports whether values of the type can be classified.
func (t SemanticType) Numeric() bool {
	return t == TypeInteger || t == TypeFloat
}

type Column struct {
	Name     string       `json:"name"`
	Type     SemanticType `json:"type"`
	DataType string       `json:"data_type"`
}

// Metadata describes one geometry table. It is loaded per request and never mutated.
type Metadata struct {
	Schema         string   `json:"schema"`
	Table          string   `json:"table"`
	GeometryColumn string   `json:"geometry_column"`
	SRID           int      `json:"srid"`
	GeometryType   string   `json:"geometry_type"`
	PrimaryKey     string   `json:"primary_key"`
	Columns        []Column `json:"columns"`
}

// ID returns "schema.table".
func (m *Metadata) ID() string {
	return m.Schema + "." + m.Table
}

// Column looks up a column by exact name.
func (m *Metadata) Column(name string) (Column, bool) {
	for _, c := range m.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Queryables maps every filterable column to its semantic type.
func (m *Metadata) Queryables() map[string]SemanticType {
	q := make(map[string]SemanticType, len(m.Columns))
	for _, c := range m.Columns {
		if c.Type != TypeOther {
			q[c.Name] = c.Type
		}
	}
	return q
}

// Queryable returns the column if it may appear in a filter or sort.
func (m *Metadata) Queryable(name string) (Column, error) {
	c, ok := m.Column(name)
	if !ok || c.Type == TypeOther {
		return Column{}, apperr.New(apperr.KindInvalidFilter, "invalid column %q for %s", name, m.ID())
	}
	return c, nil
}

// NumericColumn returns the column if it exists and is numeric.
func (m *Metadata) NumericColumn(name string) (Column, error) {
	c, ok := m.Column(name)
	if !ok {
		return Column{}, apperr.New(apperr.KindInvalidFilter, "invalid column %q for %s", name, m.ID())
	}
	if !c.Type.Numeric() {
		return Column{}, apperr.New(apperr.KindNonNumericColumn, "column %q is %s, not numeric", name, c.Type)
	}
	return c, nil
}

// PropertyColumns returns the non-geometry columns in table order.
func (m *Metadata) PropertyColumns() []Column {
	cols := make([]Column, 0, len(m.Columns))
	for _, c := range m.Columns {
		if c.Type != TypeGeometry {
			cols = append(cols, c)
		}
	}
	return cols
}

// SemanticTypeOf maps information_schema data_type/udt_name onto a SemanticType.
func SemanticTypeOf(dataType, udtName string) SemanticType {
	switch strings.ToLower(dataType) {
	case "smallint", "integer", "bigint":
		return TypeInteger
	case "real", "double precision", "numeric":
		return TypeFloat
	case "text", "character varying", "character", "uuid", "citext", "name":
		return TypeText
	case "boolean":
		return TypeBoolean
	case "date", "timestamp without time zone", "timestamp with time zone",
		"time without time zone", "time with time zone":
		return TypeDatetime
	case "user-defined":
		switch strings.ToLower(udtName) {
		case "geometry", "geography":
			return TypeGeometry
		case "citext":
			return TypeText
		}
	}
	return TypeOther
}

// ParseID splits "schema.table". A bare table name resolves into public.
func ParseID(id string) (schema, table string, err error) {
	schema, table, ok := strings.Cut(id, ".")
	if !ok {
		schema, table = "public", id
	}
	if schema == "" || table == "" || strings.Contains(table, ".") {
		return "", "", apperr.New(apperr.KindNotFound, "invalid collection %q", id)
	}
	return schema, table, nil
}

func (m *Metadata) String() string {
	return fmt.Sprintf("%s(%s %s/%d pk=%s)", m.ID(), m.GeometryColumn, m.GeometryType, m.SRID, m.PrimaryKey)
}
