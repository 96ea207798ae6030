package token

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// ParseKind maps the token_type values accepted by the revoke endpoint.
func ParseKind(v string) (Kind, bool) {
	switch Kind(v) {
	case KindAccess, "access_token":
		return KindAccess, true
	case KindRefresh, "refresh_token":
		return KindRefresh, true
	}
	return "", false
}

// Claims is the payload of both token kinds. Refresh tokens carry only the
// registered claims, tenant_id and token_type.
type Claims struct {
	jwt.RegisteredClaims
	TenantID         string   `json:"tenant_id"`
	TenantCode       string   `json:"tenant_code,omitempty"`
	Email            string   `json:"email,omitempty"`
	IsServiceAccount bool     `json:"is_service_account"`
	Scopes           []string `json:"scopes,omitempty"`
	SessionID        string   `json:"session_id,omitempty"`
	Kind             Kind     `json:"token_type"`
}

func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}
