package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/types"
)

type principalKey struct{}

// WithPrincipal attaches the resolved principal to the request context.
func WithPrincipal(ctx context.Context, p types.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal the auth middleware resolved for
// this request. The second return is false on unauthenticated paths.
func PrincipalFrom(ctx context.Context) (types.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(types.Principal)
	return p, ok
}

// AnonymousPrincipal is used when no API key table is configured.
var AnonymousPrincipal = types.Principal{UserID: "anonymous", Name: "anonymous"}

// ResolveAPIKey looks the key up in the configured table using
// constant-time comparison. ok is false for an unknown key.
func ResolveAPIKey(cfg *config.Config, key string) (types.Principal, bool) {
	if !cfg.AuthEnabled() {
		return AnonymousPrincipal, true
	}
	// Compare against every entry so lookup time does not depend on
	// whether the key exists.
	var (
		found bool
		match config.APIPrincipal
	)
	for candidate, p := range cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			found = true
			match = p
		}
	}
	if !found {
		return types.Principal{}, false
	}
	return types.Principal{UserID: match.UserID, Name: match.Name, Roles: match.Roles}, true
}

// Auth resolves the caller's API key to a principal and stores it on the
// request context. Health, metrics, and the capability catalog stay open
// for load balancers and discovery.
func Auth(cfg *config.Config) func(http.Handler) http.Handler {
	open := map[string]bool{
		"/health":     true,
		"/metrics":    true,
		"/v1/catalog": true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}

			principal, ok := ResolveAPIKey(cfg, key)
			if !ok {
				WriteError(w, http.StatusUnauthorized, types.KindUnauthorized, "invalid or missing API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
