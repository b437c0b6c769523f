package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/collection"
	"github.com/edgeflare/pgcollections/pkg/httputil"
	"github.com/edgeflare/pgcollections/pkg/tilecache"
	"github.com/edgeflare/pgcollections/pkg/tiles"
)

const (
	headerTileCache     = "X-Tile-Cache"
	headerTileTruncated = "X-Tile-Truncated"
)

type tileMatrixSetLink struct {
	TileMatrixSet    string `json:"tileMatrixSet"`
	TileMatrixSetURI string `json:"tileMatrixSetURI"`
}

type tilesetDoc struct {
	ID                 string              `json:"id"`
	Title              string              `json:"title"`
	Links              []Link              `json:"links"`
	TileMatrixSetLinks []tileMatrixSetLink `json:"tileMatrixSetLinks"`
}

func (s *Server) tileset(_ context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error {
	doc := tilesetDoc{
		ID:    md.ID(),
		Title: md.ID(),
		Links: []Link{
			{Href: s.collectionURL(r, md, "/tiles"), Rel: "self", Type: mediaJSON, Title: "This document as JSON"},
			{
				Href:      s.collectionURL(r, md, "/tiles/{tileMatrixSetId}/{tileMatrix}/{tileRow}/{tileCol}"),
				Rel:       "item",
				Type:      mediaMVT,
				Title:     "This collection as Mapbox vector tiles",
				Templated: true,
			},
			{
				Href:      s.collectionURL(r, md, "/tiles/{tileMatrixSetId}/metadata"),
				Rel:       "describedby",
				Type:      mediaJSON,
				Title:     "Metadata for this collection in the TileJSON format",
				Templated: true,
			},
		},
	}
	for _, tms := range tiles.MatrixSets() {
		doc.TileMatrixSetLinks = append(doc.TileMatrixSetLinks, tileMatrixSetLink{
			TileMatrixSet:    tms.ID,
			TileMatrixSetURI: "http://schemas.opengis.net/tms/1.0/json/examples/" + tms.ID + ".json",
		})
	}
	httputil.JSON(w, http.StatusOK, doc)
	return nil
}

// tileAddress parses the {z}/{row}/{col} path values. Non-integers address
// no tile at all.
func tileAddress(r *http.Request) (tiles.Address, error) {
	var a tiles.Address
	for name, dst := range map[string]*int{"z": &a.Z, "row": &a.Row, "col": &a.Col} {
		v := r.PathValue(name)
		n, err := strconv.Atoi(v)
		if err != nil {
			return a, apperr.New(apperr.KindNotFound, "invalid tile %s %q", name, v)
		}
		*dst = n
	}
	return a, nil
}

func (s *Server) tile(ctx context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error {
	addr, err := tileAddress(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	f := q.Get("cql_filter")
	if f == "" {
		f = q.Get("filter")
	}

	t, err := s.tiles.Tile(ctx, tiles.Request{
		Collection: md,
		MatrixSet:  r.PathValue("tms"),
		Address:    addr,
		Fields:     splitList(q.Get("fields")),
		Filter:     f,
	})
	if err != nil {
		return err
	}

	h := w.Header()
	h.Set("Cache-Control", "max-age="+strconv.Itoa(int(s.tiles.Config().CacheTTL.Seconds())))
	h.Set(headerTileCache, string(t.Cache))
	h.Set(headerTileTruncated, strconv.FormatBool(t.Truncated))
	if t.Empty() {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	httputil.Blob(w, http.StatusOK, t.Data, mediaMVT)
	return nil
}

func (s *Server) tileMetadata(ctx context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error {
	tms := r.PathValue("tms")
	url := s.collectionURL(r, md, "/tiles/"+tms+"/{z}/{y}/{x}")
	tj, err := s.tiles.Metadata(ctx, md, tms, url)
	if err != nil {
		return err
	}
	httputil.JSON(w, http.StatusOK, tj)
	return nil
}

type cacheSizeDoc struct {
	SizeInBytes     int64   `json:"size_in_bytes"`
	SizeInGigabytes float64 `json:"size_in_gigabytes"`
}

// cacheSize and deleteCache work from the path alone so that a dropped
// table's tiles can still be inspected and cleared.
func (s *Server) cacheSize(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	schema, table, err := collection.ParseID(r.PathValue("collection"))
	if err != nil {
		return err
	}
	n, err := s.cache.Size(ctx, tilecache.CollectionID(schema, table))
	if err != nil {
		return err
	}
	httputil.JSON(w, http.StatusOK, cacheSizeDoc{SizeInBytes: n, SizeInGigabytes: float64(n) * 1e-9})
	return nil
}

func (s *Server) deleteCache(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	schema, table, err := collection.ParseID(r.PathValue("collection"))
	if err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, schema, table); err != nil {
		return err
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	return nil
}
