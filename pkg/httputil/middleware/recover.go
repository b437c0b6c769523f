package middleware

import (
	"fmt"
	"net/http"

	"github.com/edgeflare/pgcollections/pkg/httputil"
	"go.uber.org/zap"
)

// Recover turns a handler panic into a 500 response and an error log line.
// http.ErrAbortHandler is re-raised so the server aborts the connection.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			LoggerFrom(r.Context()).Error("handler panic",
				zap.String("method", r.Method),
				zap.String("url", r.URL.String()),
				zap.Any("panic", v),
				zap.Stack("stack"))
			httputil.Error(w, fmt.Errorf("panic: %v", v))
		}()
		next.ServeHTTP(w, r)
	})
}
