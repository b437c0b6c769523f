package rest

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/edgeflare/pgcollections/pkg/apperr"
	"github.com/edgeflare/pgcollections/pkg/collection"
	"github.com/edgeflare/pgcollections/pkg/httputil"
	"github.com/edgeflare/pgcollections/pkg/query"
	"github.com/edgeflare/pgcollections/pkg/stats"
)

type statisticsRequest struct {
	// Column, when set, adds a numeric summary of that column.
	Column     string            `json:"column"`
	Aggregates []stats.Aggregate `json:"aggregate_columns"`
	Filter     string            `json:"cql_filter"`
}

type statisticsResponse struct {
	Results map[string]any `json:"results"`
	Summary *stats.Summary `json:"summary,omitempty"`
}

type binsRequest struct {
	Column       string `json:"column"`
	NumberOfBins *int   `json:"number_of_bins"`
	Filter       string `json:"cql_filter"`
}

type numericBreaksRequest struct {
	Column         string `json:"column"`
	NumberOfBreaks int    `json:"number_of_breaks"`
	BreakType      string `json:"break_type"`
	Filter         string `json:"cql_filter"`
}

type customBreaksRequest struct {
	Column string          `json:"column"`
	Breaks json.RawMessage `json:"breaks"`
	Filter string          `json:"cql_filter"`
}

const defaultBins = 10

// filterPlan compiles the request filter; statistics ignore paging.
func filterPlan(md *collection.Metadata, text string) (*query.Plan, error) {
	return query.NewBuilder(md, query.Limits{}).Filter(text).Build()
}

func requireColumn(column string) error {
	if column == "" {
		return apperr.New(apperr.KindInvalidFilter, "column is required")
	}
	return nil
}

func (s *Server) statistics(ctx context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error {
	var req statisticsRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return nil
	}
	if req.Column == "" && len(req.Aggregates) == 0 {
		return apperr.New(apperr.KindInvalidFilter, "column or aggregate_columns is required")
	}
	plan, err := filterPlan(md, req.Filter)
	if err != nil {
		return err
	}

	resp := statisticsResponse{Results: map[string]any{}}
	if len(req.Aggregates) > 0 {
		if resp.Results, err = s.stats.Aggregates(ctx, plan, req.Aggregates); err != nil {
			return err
		}
	}
	if req.Column != "" {
		sum, err := s.stats.Summary(ctx, plan, req.Column)
		if err != nil {
			return err
		}
		resp.Summary = &sum
	}
	httputil.JSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) bins(ctx context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error {
	var req binsRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return nil
	}
	if err := requireColumn(req.Column); err != nil {
		return err
	}
	k := defaultBins
	if req.NumberOfBins != nil {
		k = *req.NumberOfBins
	}
	plan, err := filterPlan(md, req.Filter)
	if err != nil {
		return err
	}
	c, err := s.stats.Bins(ctx, plan, req.Column, k)
	if err != nil {
		return err
	}
	httputil.JSON(w, http.StatusOK, c)
	return nil
}

func (s *Server) numericBreaks(ctx context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error {
	var req numericBreaksRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return nil
	}
	if err := requireColumn(req.Column); err != nil {
		return err
	}
	method, err := stats.ParseMethod(req.BreakType)
	if err != nil {
		return err
	}
	plan, err := filterPlan(md, req.Filter)
	if err != nil {
		return err
	}
	c, err := s.stats.NumericBreaks(ctx, plan, req.Column, method, req.NumberOfBreaks)
	if err != nil {
		return err
	}
	httputil.JSON(w, http.StatusOK, c)
	return nil
}

// parseBreaks accepts break values as numbers, [0, 10, 20], or as contiguous
// ranges, [{"min": 0, "max": 10}, {"min": 10, "max": 20}].
func parseBreaks(raw json.RawMessage) ([]float64, error) {
	if len(raw) == 0 {
		return nil, apperr.New(apperr.KindInvalidFilter, "breaks is required")
	}
	var values []float64
	if err := json.Unmarshal(raw, &values); err == nil {
		return values, nil
	}

	var ranges []struct {
		Min *float64 `json:"min"`
		Max *float64 `json:"max"`
	}
	if err := json.Unmarshal(raw, &ranges); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInvalidFilter, "breaks must be numbers or min/max ranges")
	}
	for i, rg := range ranges {
		if rg.Min == nil || rg.Max == nil {
			return nil, apperr.New(apperr.KindInvalidFilter, "break %d needs min and max", i)
		}
		if i == 0 {
			values = append(values, *rg.Min)
		} else if *rg.Min != values[len(values)-1] {
			return nil, apperr.New(apperr.KindInvalidFilter, "break %d does not start where break %d ends", i, i-1)
		}
		values = append(values, *rg.Max)
	}
	return values, nil
}

func (s *Server) customBreaks(ctx context.Context, w http.ResponseWriter, r *http.Request, md *collection.Metadata) error {
	var req customBreaksRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return nil
	}
	if err := requireColumn(req.Column); err != nil {
		return err
	}
	breaks, err := parseBreaks(req.Breaks)
	if err != nil {
		return err
	}
	plan, err := filterPlan(md, req.Filter)
	if err != nil {
		return err
	}
	c, err := s.stats.CustomBreaks(ctx, plan, req.Column, breaks)
	if err != nil {
		return err
	}
	httputil.JSON(w, http.StatusOK, c)
	return nil
}
