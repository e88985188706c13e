package httpapi

import (
	"net/http"
	"strings"

	"stormcrm.dev/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// extractBearerToken requires the exact, case-sensitive "Bearer " prefix.
func extractBearerToken(header string) (string, error) {
	if !strings.HasPrefix(header, bearer) {
		return "", auth.ErrNoToken
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", auth.ErrNoToken
	}
	return token, nil
}

// identify verifies the bearer token of r without touching storage.
func (a *API) identify(r *http.Request) (auth.Summary, string, error) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return auth.Summary{}, "", err
	}
	claims, err := a.tokens.Verify(token, auth.AccessToken)
	if err != nil {
		return auth.Summary{}, "", err
	}
	return claims.Summary(), token, nil
}

// authenticate rejects requests without a valid access token. Expired and
// malformed tokens share one outward reason.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, token, err := a.identify(r)
		if err != nil {
			handleError(w, r, err)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), caller)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// optionalAuth attaches the identity when a valid token is present and
// otherwise continues anonymously.
func (a *API) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, token, err := a.identify(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), caller)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a handler on the caller's role.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := auth.RequireRole(r.Context(), roles...); err != nil {
				handleError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OwnerOrAdmin gates a handler on ownership of the resource resolved from the request.
func OwnerOrAdmin(resolve func(*http.Request) auth.OwnerResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := auth.RequireOwnerOrAdmin(r.Context(), resolve(r)); err != nil {
				handleError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
