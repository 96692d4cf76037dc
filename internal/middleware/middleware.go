// Package middleware provides the HTTP middleware chain shared by the
// JSON and WebSocket frontends: panic recovery, request logging, per-IP
// rate limiting, API key authentication, and CORS.
package middleware

import "net/http"

// Chain composes middleware in order: Chain(A, B, C) runs as A(B(C(handler))).
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
