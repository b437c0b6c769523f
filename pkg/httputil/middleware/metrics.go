package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/edgeflare/pgcollections/pkg/metrics"
)

// Metrics observes request durations labelled by the matched route pattern,
// keeping path parameters out of the label values.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec, _ := recorderFor(w)
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(rec.StatusCode)).
			Observe(time.Since(start).Seconds())
	})
}
