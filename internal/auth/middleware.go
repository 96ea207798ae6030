package auth

import (
	"context"
	"net/http"
	"strings"

	"tenant-auth/internal/apperr"
	"tenant-auth/internal/token"
)

// Authenticator resolves a raw bearer token to verified access claims.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*token.Claims, error)
}

// Middleware rejects requests without a valid, unrevoked access token and
// stores the claims in the request context.
func Middleware(authn Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := BearerToken(r)
		if !ok {
			apperr.WriteError(w, apperr.Authentication("missing authorization token"))
			return
		}

		claims, err := authn.Authenticate(r.Context(), raw)
		if err != nil {
			apperr.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(token.WithClaims(r.Context(), claims)))
	})
}

// RequireScope must run behind Middleware.
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := token.ClaimsFromContext(r.Context())
		if !ok {
			apperr.WriteError(w, apperr.Authentication("missing authorization token"))
			return
		}
		if !claims.HasScope(scope) {
			apperr.WriteError(w, apperr.Forbidden("missing required scope"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	raw := strings.TrimSpace(parts[1])
	return raw, raw != ""
}
