package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "wasteops"

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims represents JWT claims used across the service. The tenant is the only
// ownership boundary the mutation core recognises.
type Claims struct {
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 tenant tokens.
type Tokens struct {
	secret []byte
	issuer string
}

// NewTokens builds a token service. An empty secret is a configuration error.
func NewTokens(secret string) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth secret is not configured")
	}
	return &Tokens{secret: []byte(secret), issuer: defaultIssuer}, nil
}

// Generate signs a token for subject acting inside tenant with the given scopes.
func (t *Tokens) Generate(subject, tenantID string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	tenantID = strings.TrimSpace(tenantID)
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	if tenantID == "" {
		return "", time.Time{}, errors.New("tenant is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("ttl must be greater than zero")
	}

	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		TenantID: tenantID,
		Scopes:   NormalizeScopes(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ParseAndValidate verifies the token signature and required claims.
func (t *Tokens) ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithExpirationRequired(), jwt.WithIssuedAt(), jwt.WithLeeway(5*time.Second))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.TenantID) == "" {
		return nil, ErrInvalidToken
	}
	claims.Scopes = NormalizeScopes(claims.Scopes)
	return claims, nil
}

// Authenticate converts a bearer token into a principal.
func (t *Tokens) Authenticate(token string) (Principal, error) {
	claims, err := t.ParseAndValidate(token)
	if err != nil {
		return Principal{}, err
	}
	return NewPrincipal(claims.Subject, claims.TenantID, claims.Scopes), nil
}

// NormalizeScopes lower-cases, trims and deduplicates scopes preserving order.
func NormalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	var normalized []string
	for _, s := range scopes {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		normalized = append(normalized, s)
	}
	return normalized
}
