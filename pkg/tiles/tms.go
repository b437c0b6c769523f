// Package tiles serves Mapbox vector tiles of a collection addressed by
// OGC tile matrix sets.
package tiles

import (
	"math"
	"strings"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/paulmach/orb"
)

// mercatorMax is half the circumference of the EPSG:3857 sphere.
const mercatorMax = 20037508.342789244

// A TileMatrixSet subdivides Bounds into a grid that doubles in both
// directions at every zoom level. Rows count down from the top edge.
type TileMatrixSet struct {
	ID     string
	Title  string
	SRID   int
	CRS    string
	Bounds orb.Bound
	// MatrixWidth and MatrixHeight are the tile counts at zoom 0.
	MatrixWidth  int
	MatrixHeight int
}

var (
	WebMercatorQuad = &TileMatrixSet{
		ID:           "WebMercatorQuad",
		Title:        "Google Maps Compatible for the World",
		SRID:         3857,
		CRS:          "http://www.opengis.net/def/crs/EPSG/0/3857",
		Bounds:       orb.Bound{Min: orb.Point{-mercatorMax, -mercatorMax}, Max: orb.Point{mercatorMax, mercatorMax}},
		MatrixWidth:  1,
		MatrixHeight: 1,
	}
	WorldCRS84Quad = &TileMatrixSet{
		ID:           "WorldCRS84Quad",
		Title:        "CRS84 for the World",
		SRID:         4326,
		CRS:          "http://www.opengis.net/def/crs/OGC/1.3/CRS84",
		Bounds:       orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}},
		MatrixWidth:  2,
		MatrixHeight: 1,
	}
)

var matrixSets = []*TileMatrixSet{WebMercatorQuad, WorldCRS84Quad}

// MatrixSets lists the supported tile matrix sets.
func MatrixSets() []*TileMatrixSet {
	return matrixSets
}

// Lookup finds a tile matrix set by identifier, ignoring case.
func Lookup(id string) (*TileMatrixSet, error) {
	for _, t := range matrixSets {
		if strings.EqualFold(t.ID, id) {
			return t, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "unknown tile matrix set %q", id)
}

// Address locates one tile: zoom, row counted from the top and column
// counted from the left.
type Address struct {
	Z   int
	Row int
	Col int
}

// MatrixSize returns the number of columns and rows at zoom z.
func (t *TileMatrixSet) MatrixSize(z int) (cols, rows int) {
	return t.MatrixWidth << z, t.MatrixHeight << z
}

// Valid reports whether a lies inside the matrix at its zoom, with zoom in [0, maxZoom].
func (t *TileMatrixSet) Valid(a Address, maxZoom int) bool {
	if a.Z < 0 || a.Z > maxZoom || a.Z > 30 {
		return false
	}
	cols, rows := t.MatrixSize(a.Z)
	return a.Col >= 0 && a.Col < cols && a.Row >= 0 && a.Row < rows
}

// tileSize returns the width and height of one tile at zoom z. The zoom-0
// size is halved z times, which is exact in floating point, so child
// envelopes share their edges with the parent's bit for bit.
func (t *TileMatrixSet) tileSize(z int) (w, h float64) {
	w = (t.Bounds.Max[0] - t.Bounds.Min[0]) / float64(t.MatrixWidth)
	h = (t.Bounds.Max[1] - t.Bounds.Min[1]) / float64(t.MatrixHeight)
	return math.Ldexp(w, -z), math.Ldexp(h, -z)
}

// Envelope returns the tile's extent in the matrix set's CRS.
func (t *TileMatrixSet) Envelope(a Address) orb.Bound {
	w, h := t.tileSize(a.Z)
	minX := t.Bounds.Min[0] + float64(a.Col)*w
	maxY := t.Bounds.Max[1] - float64(a.Row)*h
	return orb.Bound{
		Min: orb.Point{minX, t.Bounds.Max[1] - float64(a.Row+1)*h},
		Max: orb.Point{t.Bounds.Min[0] + float64(a.Col+1)*w, maxY},
	}
}

// TileAt returns the address of the tile containing p at zoom z. Points on
// the outer edges map to the last row or column.
func (t *TileMatrixSet) TileAt(p orb.Point, z int) Address {
	w, h := t.tileSize(z)
	cols, rows := t.MatrixSize(z)
	col := int(math.Floor((p[0] - t.Bounds.Min[0]) / w))
	row := int(math.Floor((t.Bounds.Max[1] - p[1]) / h))
	return Address{Z: z, Row: min(max(row, 0), rows-1), Col: min(max(col, 0), cols-1)}
}

// Children returns the four tiles at the next zoom covering a.
func (a Address) Children() [4]Address {
	z, r, c := a.Z+1, a.Row*2, a.Col*2
	return [4]Address{{z, r, c}, {z, r, c + 1}, {z, r + 1, c}, {z, r + 1, c + 1}}
}
