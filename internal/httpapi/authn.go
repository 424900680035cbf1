package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"wasteops.org/internal/auth"
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	tenantHeader = "X-Tenant-ID"
)

var publicPaths = []string{
	"/v1/auth/token",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
}

// withAuth resolves the bearer token into a principal. A request naming a
// tenant in X-Tenant-ID must name the token's tenant.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeErrorCode(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		principal, err := a.tokens.Authenticate(token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidToken):
				writeErrorCode(w, r, http.StatusUnauthorized, "unauthorized", "invalid token")
			default:
				writeErrorCode(w, r, http.StatusInternalServerError, "internal", "authentication error")
			}
			return
		}
		if tenant := strings.TrimSpace(r.Header.Get(tenantHeader)); tenant != "" && tenant != principal.TenantID {
			writeErrorCode(w, r, http.StatusForbidden, "tenant_mismatch", auth.ErrTenantMismatch.Error())
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope writes the rejection itself and returns the caller's tenant on
// success.
func (a *API) requireScope(w http.ResponseWriter, r *http.Request, scope string) (string, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || principal.TenantID == "" {
		writeErrorCode(w, r, http.StatusUnauthorized, "unauthorized", auth.ErrUnauthorized.Error())
		return "", false
	}
	if !principal.HasScope(scope) {
		writeErrorCode(w, r, http.StatusForbidden, "forbidden", auth.ErrForbidden.Error()+": "+scope)
		return "", false
	}
	return principal.TenantID, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
