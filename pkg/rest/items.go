package rest

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/collection"
	"github.com/edgeflare/pgcollections/pkg/filter"
	"github.com/edgeflare/pgcollections/pkg/httputil"
	"github.com/edgeflare/pgcollections/pkg/query"
)

const (
	mediaJSON    = "application/json"
	mediaGeoJSON = "application/geo+json"
	mediaMVT     = "application/vnd.mapbox-vector-tile"
)

type Link struct {
	Href      string `json:"href"`
	Rel       string `json:"rel"`
	Type      string `json:"type,omitempty"`
	Title     string `json:"title,omitempty"`
	Templated bool   `json:"templated,omitempty"`
}

// FeatureCollection is a GeoJSON FeatureCollection with the OGC API paging members.
type FeatureCollection struct {
	Type           string          `json:"type"`
	ID             string          `json:"id,omitempty"`
	Title          string          `json:"title,omitempty"`
	Features       []query.Feature `json:"features"`
	NumberMatched  *int64          `json:"numberMatched,omitempty"`
	NumberReturned int             `json:"numberReturned"`
	TimeStamp      string          `json:"timeStamp,omitempty"`
	Links          []Link          `json:"links,omitempty"`
}

func newFeatureCollection(features []query.Feature) *FeatureCollection {
	return &FeatureCollection{
		Type:           "FeatureCollection",
		Features:       features,
		NumberReturned: len(features),
		TimeStamp:      time.Now().UTC().Format(time.RFC3339Nano),
	}
}

type queryableProperty struct {
	Title  string `json:"title"`
	Type   string `json:"type,omitempty"`
	Format string `json:"format,omitempty"`
	Ref    string `json:"$ref,omitempty"`
}

type queryablesDoc struct {
	ID         string                       `json:"$id"`
	Schema     string                       `json:"$schema"`
	Title      string                       `json:"title"`
	Type       string                       `json:"type"`
	Properties map[string]queryableProperty `json:"properties"`
}

func (s *Server) queryables(_ context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error {
	doc := queryablesDoc{
		ID:         s.collectionURL(r, md, "/queryables"),
		Schema:     "https://json-schema.org/draft/2019-09/schema",
		Title:      md.ID(),
		Type:       "object",
		Properties: make(map[string]queryableProperty),
	}
	for name, t := range md.Queryables() {
		p := queryableProperty{Title: name}
		switch t {
		case collection.TypeInteger:
			p.Type = "integer"
		case collection.TypeFloat:
			p.Type = "number"
		case collection.TypeBoolean:
			p.Type = "boolean"
		case collection.TypeDatetime:
			p.Type, p.Format = "string", "date-time"
		case collection.TypeGeometry:
			p.Ref = "https://geojson.org/schema/Geometry.json"
		default:
			p.Type = "string"
		}
		doc.Properties[name] = p
	}
	httputil.JSON(w, http.StatusOK, doc)
	return nil
}

func (s *Server) items(ctx context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error {
	p, eq, err := parseItemsQuery(r.URL.Query(), md)
	if err != nil {
		return err
	}
	return s.writeItems(ctx, w, r, md, p, eq, true)
}

func (s *Server) postItems(ctx context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error {
	var p itemsParams
	if err := httputil.BindOrError(r, w, &p); err != nil {
		return nil
	}
	return s.writeItems(ctx, w, r, md, p, nil, false)
}

// writeItems runs the listing and its count. Paging links are only built for
// GET, whose parameters live in the URL.
func (s *Server) writeItems(ctx context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata, p itemsParams, eq []filter.Expr, paging bool) error {
	plan, err := p.builder(md, s.opts.Limits, eq).Build()
	if err != nil {
		return err
	}
	features, err := s.exec.Features(ctx, plan)
	if err != nil {
		return err
	}
	matched, err := s.exec.Count(ctx, plan)
	if err != nil {
		return err
	}

	fc := newFeatureCollection(features)
	fc.ID, fc.Title = md.ID(), md.ID()
	fc.NumberMatched = &matched
	fc.Links = []Link{
		{Href: absoluteURL(r, r.URL.RequestURI()), Rel: "self", Type: mediaGeoJSON, Title: "This document as GeoJSON"},
		{Href: s.collectionURL(r, md, ""), Rel: "collection", Type: mediaJSON, Title: md.ID()},
	}
	if paging {
		if int64(plan.Offset+len(features)) < matched {
			fc.Links = append(fc.Links, Link{Href: pageURL(r, plan.Offset+plan.Limit), Rel: "next", Type: mediaGeoJSON, Title: "items (next)"})
		}
		if plan.Offset > 0 {
			fc.Links = append(fc.Links, Link{Href: pageURL(r, max(plan.Offset-plan.Limit, 0)), Rel: "prev", Type: mediaGeoJSON, Title: "items (prev)"})
		}
	}

	w.Header().Set("Content-Type", mediaGeoJSON)
	httputil.JSON(w, http.StatusOK, fc)
	return nil
}

// pageURL is the request URL with offset replaced.
func pageURL(r *http.Request, offset int) string {
	u := *r.URL
	q := u.Query()
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()
	return absoluteURL(r, u.RequestURI())
}

func (s *Server) item(ctx context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error {
	q := r.URL.Query()
	p := itemsParams{Properties: q.Get("properties"), Limit: 1}
	if err := intParam(q, "srid", &p.SRID); err != nil {
		return err
	}
	var err error
	if p.ReturnGeometry, err = boolParam(q, "return_geometry"); err != nil {
		return err
	}

	id := r.PathValue("id")
	plan, err := p.builder(md, s.opts.Limits, []filter.Expr{filter.Equal(md.PrimaryKey, id)}).Build()
	if err != nil {
		return err
	}
	features, err := s.exec.Features(ctx, plan)
	if err != nil {
		return err
	}
	if len(features) == 0 {
		return apperr.New(apperr.KindNotFound, "item %s not found in %s", id, md.ID())
	}

	w.Header().Set("Content-Type", mediaGeoJSON)
	httputil.JSON(w, http.StatusOK, features[0])
	return nil
}

// closestFeatures orders features by geodesic distance from a lon/lat point
// and reports it as distance_in_kilometers.
func (s *Server) closestFeatures(ctx context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error {
	q := r.URL.Query()
	lat, err := floatParam(q, "latitude")
	if err != nil {
		return err
	}
	lon, err := floatParam(q, "longitude")
	if err != nil {
		return err
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return apperr.New(apperr.KindInvalidFilter, "latitude/longitude out of range")
	}

	p, eq, err := parseItemsQuery(q, md)
	if err != nil {
		return err
	}
	p.BBox, p.SortBy = "", ""
	plan, err := p.builder(md, s.opts.Limits, eq).Nearest(lon, lat, 4326).Build()
	if err != nil {
		return err
	}
	features, err := s.exec.Features(ctx, plan)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", mediaGeoJSON)
	httputil.JSON(w, http.StatusOK, newFeatureCollection(features))
	return nil
}
