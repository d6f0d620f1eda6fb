// Package shield holds the HTTP middleware of the gscload service API.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack() {
//	    r.Use(mw)
//	}
//	r.With(shield.RequireToken(token), shield.NewRateLimiter(6, time.Minute).Middleware).Post("/runs", h)
package shield

import "net/http"

// DefaultStack returns the middleware applied to every route:
// SecurityHeaders then MaxBody.
func DefaultStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(64 * 1024),
	}
}
