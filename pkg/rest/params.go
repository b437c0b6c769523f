package rest

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/collection"
	"github.com/edgeflare/pgcollections/pkg/filter"
	"github.com/edgeflare/pgcollections/pkg/query"
	"github.com/paulmach/orb"
)

// itemsParams are the item query parameters, shared by the GET query string
// and the POST body.
type itemsParams struct {
	BBox           string `json:"bbox"`
	BBoxCRS        string `json:"bbox-crs"`
	Limit          int    `json:"limit"`
	Offset         int    `json:"offset"`
	Properties     string `json:"properties"`
	SortBy         string `json:"sortby"`
	SortDesc       *int   `json:"sortdesc"`
	Filter         string `json:"cql_filter"`
	SRID           int    `json:"srid"`
	ReturnGeometry *bool  `json:"return_geometry"`
}

// reservedParams are never treated as column equality filters.
var reservedParams = map[string]bool{
	"bbox": true, "bbox-crs": true, "limit": true, "offset": true,
	"properties": true, "sortby": true, "sortdesc": true, "cql_filter": true,
	"filter": true, "filter-lang": true, "srid": true, "return_geometry": true,
	"f": true, "latitude": true, "longitude": true,
}

func invalidParam(name, value string) error {
	return apperr.New(apperr.KindInvalidFilter, "invalid value %q for parameter %s", value, name)
}

func intParam(q url.Values, name string, dst *int) error {
	v := q.Get(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return invalidParam(name, v)
	}
	*dst = n
	return nil
}

func floatParam(q url.Values, name string) (float64, error) {
	v := q.Get(name)
	if v == "" {
		return 0, apperr.New(apperr.KindInvalidFilter, "parameter %s is required", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, invalidParam(name, v)
	}
	return f, nil
}

func boolParam(q url.Values, name string) (*bool, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, invalidParam(name, v)
	}
	return &b, nil
}

// parseItemsQuery reads item parameters from a query string. Parameters
// naming a column of md become equality filters.
func parseItemsQuery(q url.Values, md *collection.Metadata) (itemsParams, []filter.Expr, error) {
	p := itemsParams{
		BBox:       q.Get("bbox"),
		BBoxCRS:    q.Get("bbox-crs"),
		Properties: q.Get("properties"),
		SortBy:     q.Get("sortby"),
		Filter:     q.Get("cql_filter"),
	}
	if p.Filter == "" {
		p.Filter = q.Get("filter")
	}
	for name, dst := range map[string]*int{"limit": &p.Limit, "offset": &p.Offset, "srid": &p.SRID} {
		if err := intParam(q, name, dst); err != nil {
			return p, nil, err
		}
	}
	if q.Has("sortdesc") {
		var d int
		if err := intParam(q, "sortdesc", &d); err != nil {
			return p, nil, err
		}
		p.SortDesc = &d
	}
	var err error
	if p.ReturnGeometry, err = boolParam(q, "return_geometry"); err != nil {
		return p, nil, err
	}

	var eq []filter.Expr
	for name, values := range q {
		if reservedParams[name] || len(values) == 0 {
			continue
		}
		if _, ok := md.Column(name); ok {
			eq = append(eq, filter.Equal(name, values[0]))
		}
	}
	return p, eq, nil
}

// parseBBox reads "minx,miny,maxx,maxy".
func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, apperr.New(apperr.KindInvalidFilter, "bbox must have four comma separated numbers")
	}
	var v [4]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return orb.Bound{}, invalidParam("bbox", s)
		}
		v[i] = f
	}
	return filter.NewBound(v[0], v[1], v[2], v[3])
}

// splitList splits a comma separated parameter, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p itemsParams) outputSRID() int {
	if p.SRID > 0 {
		return p.SRID
	}
	return 4326
}

func (p itemsParams) geometry() bool {
	return p.ReturnGeometry == nil || *p.ReturnGeometry
}

// builder translates the parameters into a plan builder over md. Extra
// expressions are ANDed with the filter.
func (p itemsParams) builder(md *collection.Metadata, limits query.Limits, extra []filter.Expr) *query.Builder {
	b := query.NewBuilder(md, limits).
		Filter(p.Filter).
		Page(p.Limit, p.Offset).
		Output(p.outputSRID(), p.geometry())
	for _, e := range extra {
		b = b.Where(e)
	}
	if props := splitList(p.Properties); len(props) > 0 {
		b = b.Properties(props)
	}

	if p.BBox != "" {
		bound, err := parseBBox(p.BBox)
		if err != nil {
			return b.Fail(err)
		}
		srid := 4326
		if p.BBoxCRS != "" {
			if srid, err = filter.ParseSRID(p.BBoxCRS); err != nil {
				return b.Fail(err)
			}
		}
		b = b.BBox(bound, srid)
	}

	switch {
	case p.SortBy == "":
	case p.SortDesc != nil && !strings.ContainsAny(p.SortBy, ",-+."):
		b = b.SortBy(p.SortBy, *p.SortDesc != 1)
	default:
		b = b.Sort(p.SortBy)
	}
	return b
}
