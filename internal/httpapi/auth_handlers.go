package httpapi

import (
	"net/http"
	"strings"
	"time"

	"wasteops.org/internal/audit"
	"wasteops.org/internal/auth"
)

type tokenRequest struct {
	Subject  string   `json:"subject"`
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

const tokenTTL = 15 * time.Minute

// handleAuthToken mints development tokens. It does not exist unless enabled.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !a.devTokens || a.tokens == nil {
		writeErrorCode(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if _, err := readBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	subject := strings.TrimSpace(req.Subject)
	tenant := strings.TrimSpace(req.TenantID)
	if subject == "" || tenant == "" {
		writeError(w, r, http.StatusBadRequest, "subject and tenant_id are required")
		return
	}
	scopes := auth.NormalizeScopes(req.Scopes)
	if len(scopes) == 0 {
		scopes = auth.AllScopes
	}
	for _, s := range scopes {
		if !knownScope(s) {
			writeError(w, r, http.StatusBadRequest, "unknown scope "+s)
			return
		}
	}

	token, expiresAt, err := a.tokens.Generate(subject, tenant, scopes, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"token_subject": subject,
		"token_tenant":  tenant,
		"scopes":        scopes,
		"expires_at":    expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

func knownScope(s string) bool {
	for _, known := range auth.AllScopes {
		if s == known {
			return true
		}
	}
	return false
}
