package tiles

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/edgeflare/pgcollections/pkg/collection"
	"github.com/edgeflare/pgcollections/pkg/metrics"
	"github.com/edgeflare/pgcollections/pkg/query"
	"github.com/edgeflare/pgcollections/pkg/tilecache"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

type Config struct {
	// CacheTTL is how long a computed tile is served. Zero disables caching.
	CacheTTL time.Duration
	// MaxFeatures caps the features of one tile.
	MaxFeatures int
	Extent      uint32
	Buffer      uint32
	// ClipZoom is the first zoom at which geometries are clipped to the tile
	// in the database; below it they are simplified instead.
	ClipZoom int
	MaxZoom  int
}

func (c Config) withDefaults() Config {
	if c.MaxFeatures <= 0 {
		c.MaxFeatures = 100000
	}
	if c.Extent == 0 {
		c.Extent = 4096
	}
	if c.MaxZoom <= 0 {
		c.MaxZoom = 22
	}
	return c
}

// fingerprint covers the settings that change tile bytes.
func (c Config) fingerprint() string {
	return fmt.Sprintf("e%d.b%d.c%d.m%d", c.Extent, c.Buffer, c.ClipZoom, c.MaxFeatures)
}

// Request addresses one tile of a collection.
type Request struct {
	Collection *collection.Metadata
	MatrixSet  string
	Address    Address
	// Fields limits the tile attributes; empty means all property columns.
	Fields []string
	Filter string
}

// Tile is an encoded tile. Empty tiles have no Data.
type Tile struct {
	Data      []byte
	Truncated bool
	Cache     tilecache.Outcome
	MatrixSet *TileMatrixSet
}

func (t *Tile) Empty() bool { return len(t.Data) == 0 }

type Engine struct {
	source FeatureSource
	cache  *tilecache.Cache
	cfg    Config
	logger *zap.Logger
}

func NewEngine(source FeatureSource, cache *tilecache.Cache, cfg Config, logger *zap.Logger) *Engine {
	if cache == nil {
		cache = tilecache.New(nil, tilecache.Options{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{source: source, cache: cache, cfg: cfg.withDefaults(), logger: logger}
}

func (e *Engine) Config() Config { return e.cfg }

// Tile validates the address, computes the envelope and serves the tile from
// the cache, computing it on a miss. Addresses outside the matrix yield an
// empty tile.
func (e *Engine) Tile(ctx context.Context, req Request) (*Tile, error) {
	tms, err := Lookup(req.MatrixSet)
	if err != nil {
		return nil, err
	}
	b := query.NewBuilder(req.Collection, query.Limits{}).Filter(req.Filter)
	if len(req.Fields) > 0 {
		b = b.Properties(req.Fields)
	}
	plan, err := b.Build()
	if err != nil {
		return nil, err
	}
	if !tms.Valid(req.Address, e.cfg.MaxZoom) {
		return &Tile{Cache: tilecache.OutcomeBypass, MatrixSet: tms}, nil
	}

	env := tms.Envelope(req.Address)
	key := e.key(plan, tms, req.Address)

	entry, outcome, err := e.cache.GetOrCompute(ctx, key, e.cfg.CacheTTL, func(ctx context.Context) ([]byte, bool, error) {
		return e.compute(ctx, plan, tms, req.Address, env)
	})
	if err != nil {
		return nil, err
	}
	return &Tile{Data: entry.Payload, Truncated: entry.Truncated, Cache: outcome, MatrixSet: tms}, nil
}

func (e *Engine) key(p *query.Plan, tms *TileMatrixSet, a Address) tilecache.Key {
	fields := slices.Clone(p.PropertyColumns())
	slices.Sort(fields)
	var filter string
	if p.Filter != nil {
		filter = p.Filter.String()
	}
	return tilecache.NewKey(
		tilecache.CollectionID(p.Collection.Schema, p.Collection.Table),
		tms.ID,
		strconv.Itoa(a.Z), strconv.Itoa(a.Row), strconv.Itoa(a.Col),
		strings.Join(fields, ","),
		filter,
		e.cfg.fingerprint(),
	)
}

func (e *Engine) compute(ctx context.Context, p *query.Plan, tms *TileMatrixSet, a Address, env orb.Bound) ([]byte, bool, error) {
	start := time.Now()
	pixel := (env.Max[0] - env.Min[0]) / float64(e.cfg.Extent)

	features, truncated, err := e.source.Features(ctx, SourceQuery{
		Plan:      p,
		MatrixSet: tms,
		Envelope:  env,
		Buffer:    pixel * float64(e.cfg.Buffer),
		Clip:      a.Z >= e.cfg.ClipZoom,
		Tolerance: pixel,
		Limit:     e.cfg.MaxFeatures,
	})
	if err != nil {
		return nil, false, err
	}

	data, err := Encode(p.Collection.ID(), features, env, EncodeOptions{Extent: e.cfg.Extent, Buffer: e.cfg.Buffer})
	if err != nil {
		return nil, false, err
	}

	metrics.TileComputeDuration.Observe(time.Since(start).Seconds())
	if truncated {
		metrics.TilesTruncated.Inc()
		e.logger.Info("tile truncated at feature cap",
			zap.String("collection", p.Collection.ID()),
			zap.String("tms", tms.ID),
			zap.Int("z", a.Z), zap.Int("row", a.Row), zap.Int("col", a.Col),
			zap.Int("max_features", e.cfg.MaxFeatures))
	}
	return data, truncated, nil
}

// TileJSON describes a collection's tileset, following TileJSON 3.0.0 with
// the matrix set identifier and native extent added.
type TileJSON struct {
	TileJSON      string        `json:"tilejson"`
	Name          string        `json:"name"`
	Scheme        string        `json:"scheme"`
	Tiles         []string      `json:"tiles"`
	TileMatrixSet string        `json:"tileMatrixSetId"`
	CRS           string        `json:"crs"`
	Bounds        []float64     `json:"bounds"`
	Extent        []float64     `json:"extent"`
	Center        []float64     `json:"center"`
	MinZoom       int           `json:"minzoom"`
	MaxZoom       int           `json:"maxzoom"`
	VectorLayers  []VectorLayer `json:"vector_layers"`
}

type VectorLayer struct {
	ID           string            `json:"id"`
	GeometryType string            `json:"geometry_type"`
	Fields       map[string]string `json:"fields"`
	MinZoom      int               `json:"minzoom"`
	MaxZoom      int               `json:"maxzoom"`
}

// Metadata describes the tiles of md in the named matrix set. tilesURL is
// the tile URL template with {z}, {y} and {x} placeholders.
func (e *Engine) Metadata(ctx context.Context, md *collection.Metadata, matrixSet, tilesURL string) (*TileJSON, error) {
	tms, err := Lookup(matrixSet)
	if err != nil {
		return nil, err
	}

	lonLat, native, ok, err := e.source.Extent(ctx, md, tms.SRID)
	if err != nil {
		return nil, err
	}
	if !ok {
		native = tms.Bounds
		lonLat = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}
		if tms.SRID == 3857 {
			lonLat.Min[1], lonLat.Max[1] = -webMercatorMaxLat, webMercatorMaxLat
		}
	}

	fields := make(map[string]string)
	for _, c := range md.PropertyColumns() {
		fields[c.Name] = string(c.Type)
	}

	center := lonLat.Center()
	cover := e.coverZoom(tms, native)
	minZoom := min(cover, e.cfg.ClipZoom)
	return &TileJSON{
		TileJSON:      "3.0.0",
		Name:          md.ID(),
		Scheme:        "xyz",
		Tiles:         []string{tilesURL},
		TileMatrixSet: tms.ID,
		CRS:           tms.CRS,
		Bounds:        []float64{lonLat.Min[0], lonLat.Min[1], lonLat.Max[0], lonLat.Max[1]},
		Extent:        []float64{native.Min[0], native.Min[1], native.Max[0], native.Max[1]},
		Center:        []float64{center[0], center[1], float64(cover)},
		MinZoom:       minZoom,
		MaxZoom:       e.cfg.MaxZoom,
		VectorLayers: []VectorLayer{{
			ID:           md.ID(),
			GeometryType: md.GeometryType,
			Fields:       fields,
			MinZoom:      minZoom,
			MaxZoom:      e.cfg.MaxZoom,
		}},
	}, nil
}

// coverZoom returns the deepest zoom at which one tile contains b. Below it the
// whole collection shrinks inside a single tile, so Metadata advertises it as
// minzoom, capped at ClipZoom for extents that stay inside one tile up to
// MaxZoom, such as a single point.
func (e *Engine) coverZoom(tms *TileMatrixSet, b orb.Bound) int {
	z := 0
	for next := 1; next <= e.cfg.MaxZoom; next++ {
		if tms.TileAt(b.Min, next) != tms.TileAt(b.Max, next) {
			break
		}
		z = next
	}
	return z
}
