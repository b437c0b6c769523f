// Package middleware holds the http.Handler wrappers installed on every route:
// request ids, access logging, panic recovery, CORS and request metrics.
// Install them with httputil.Router.Use before registering routes.
package middleware
