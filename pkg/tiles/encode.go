package tiles

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/edgeflare/pgcollections/pkg/query"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

// EncodeOptions controls the tile grid.
type EncodeOptions struct {
	// Extent is the number of grid units along each tile edge.
	Extent uint32
	// Buffer is how many grid units geometries may extend past the edges.
	Buffer uint32
}

// Encode writes features, whose geometries are in the envelope's CRS, as a
// single-layer vector tile. It returns nil when no feature survives clipping.
func Encode(layer string, features []query.Feature, env orb.Bound, opts EncodeOptions) ([]byte, error) {
	if opts.Extent == 0 {
		opts.Extent = mvt.DefaultExtent
	}
	extent := float64(opts.Extent)
	sx := extent / (env.Max[0] - env.Min[0])
	sy := extent / (env.Max[1] - env.Min[1])
	toGrid := func(p orb.Point) orb.Point {
		return orb.Point{(p[0] - env.Min[0]) * sx, (env.Max[1] - p[1]) * sy}
	}

	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		props := geojson.Properties{}
		for k, v := range f.Properties {
			if v := attribute(v); v != nil {
				props[k] = v
			}
		}
		for _, g := range flatten(f.Geometry) {
			gf := geojson.NewFeature(project.Geometry(orb.Clone(g), toGrid))
			gf.ID = featureID(f.ID)
			gf.Properties = props.Clone()
			fc.Append(gf)
		}
	}

	l := mvt.NewLayer(layer, fc)
	l.Version = 2
	l.Extent = opts.Extent
	buf := float64(opts.Buffer)
	l.Clip(orb.Bound{Min: orb.Point{-buf, -buf}, Max: orb.Point{extent + buf, extent + buf}})

	kept := l.Features[:0]
	for _, f := range l.Features {
		if f.Geometry == nil {
			continue
		}
		if g := quantize(f.Geometry); g != nil {
			f.Geometry = g
			kept = append(kept, f)
		}
	}
	l.Features = kept
	if len(kept) == 0 {
		return nil, nil
	}

	data, err := mvt.Marshal(mvt.Layers{l})
	if err != nil {
		return nil, fmt.Errorf("encode tile layer %s: %w", layer, err)
	}
	return data, nil
}

// featureID keeps non-negative integer keys; the tile format has no other id type.
func featureID(id any) any {
	switch v := id.(type) {
	case int64:
		if v >= 0 {
			return uint64(v)
		}
	case int32:
		if v >= 0 {
			return uint64(v)
		}
	case int16:
		if v >= 0 {
			return uint64(v)
		}
	}
	return nil
}

// attribute converts a property into a tile value type. nil means the
// attribute is omitted.
func attribute(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string, bool, float64, int64:
		return t
	case float32:
		return float64(t)
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case int8:
		return int64(t)
	case uint32:
		return int64(t)
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// quantize rounds coordinates onto the integer grid, dropping repeated
// points and parts that collapse. It returns nil when nothing remains.
func quantize(g orb.Geometry) orb.Geometry {
	round := func(p orb.Point) orb.Point { return orb.Point{math.Round(p[0]), math.Round(p[1])} }

	line := func(ls []orb.Point) []orb.Point {
		out := make([]orb.Point, 0, len(ls))
		for _, p := range ls {
			p = round(p)
			if n := len(out); n > 0 && out[n-1] == p {
				continue
			}
			out = append(out, p)
		}
		return out
	}
	// Exterior rings get a positive shoelace area on the y-down grid and
	// holes a negative one.
	ring := func(r orb.Ring, exterior bool) orb.Ring {
		out := orb.Ring(line(r))
		a := signedArea(out)
		if len(out) < 4 || a == 0 {
			return nil
		}
		if (a > 0) != exterior {
			out.Reverse()
		}
		return out
	}
	polygon := func(p orb.Polygon) orb.Polygon {
		if len(p) == 0 {
			return nil
		}
		outer := ring(p[0], true)
		if outer == nil {
			return nil
		}
		out := orb.Polygon{outer}
		for _, h := range p[1:] {
			if r := ring(h, false); r != nil {
				out = append(out, r)
			}
		}
		return out
	}

	switch t := g.(type) {
	case orb.Point:
		return round(t)
	case orb.MultiPoint:
		var out orb.MultiPoint
		for _, p := range t {
			out = append(out, round(p))
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case orb.LineString:
		if out := orb.LineString(line(t)); len(out) >= 2 {
			return out
		}
	case orb.MultiLineString:
		var out orb.MultiLineString
		for _, ls := range t {
			if l := orb.LineString(line(ls)); len(l) >= 2 {
				out = append(out, l)
			}
		}
		if len(out) > 0 {
			return out
		}
	case orb.Polygon:
		if out := polygon(t); out != nil {
			return out
		}
	case orb.MultiPolygon:
		var out orb.MultiPolygon
		for _, p := range t {
			if q := polygon(p); q != nil {
				out = append(out, q)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func signedArea(r orb.Ring) float64 {
	var sum float64
	for i := 0; i+1 < len(r); i++ {
		sum += r[i][0]*r[i+1][1] - r[i+1][0]*r[i][1]
	}
	return sum / 2
}

// flatten splits geometry collections, which the tile format cannot hold,
// into their members.
func flatten(g orb.Geometry) []orb.Geometry {
	c, ok := g.(orb.Collection)
	if !ok {
		return []orb.Geometry{g}
	}
	var out []orb.Geometry
	for _, m := range c {
		out = append(out, flatten(m)...)
	}
	return out
}
