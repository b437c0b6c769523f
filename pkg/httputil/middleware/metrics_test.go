package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgeflare/pgcollections/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /collections/{collection}/tiles", Metrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	before := testutil.CollectAndCount(metrics.HTTPRequestDuration)
	for _, c := range []string{"a.b", "c.d"} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/collections/"+c+"/tiles", nil))
		assert.Equal(t, http.StatusNoContent, rr.Code)
	}

	// both paths share one route label
	assert.Equal(t, before+1, testutil.CollectAndCount(metrics.HTTPRequestDuration))
	h, err := metrics.HTTPRequestDuration.GetMetricWithLabelValues("GET", "GET /collections/{collection}/tiles", "204")
	assert.NoError(t, err)
	assert.NotNil(t, h)
}
