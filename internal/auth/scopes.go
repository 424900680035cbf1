package auth

// Scopes granted to tenant tokens.
const (
	ScopeBinsRead    = "bins:read"
	ScopeBinsWrite   = "bins:write"
	ScopeBinsIngest  = "bins:ingest"
	ScopeOrdersRead  = "orders:read"
	ScopeOrdersWrite = "orders:write"
	ScopeOutboxAdmin = "outbox:admin"
)

// AllScopes lists every scope known to the API, used by the dev token endpoint.
var AllScopes = []string{
	ScopeBinsRead,
	ScopeBinsWrite,
	ScopeBinsIngest,
	ScopeOrdersRead,
	ScopeOrdersWrite,
	ScopeOutboxAdmin,
}

// Principal is the validated caller identity: who, for which tenant, allowed to do what.
type Principal struct {
	Subject  string
	TenantID string
	Scopes   map[string]struct{}
}

// NewPrincipal constructs a principal with a preloaded scope set.
func NewPrincipal(subject, tenantID string, scopes []string) Principal {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range NormalizeScopes(scopes) {
		set[s] = struct{}{}
	}
	return Principal{Subject: subject, TenantID: tenantID, Scopes: set}
}

// HasScope reports whether the principal was granted scope.
func (p Principal) HasScope(scope string) bool {
	_, ok := p.Scopes[scope]
	return ok
}
