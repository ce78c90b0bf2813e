package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// Claims are the identity fields derived from a bearer token.
type Claims struct {
	UserID   string
	TenantID string
}

var (
	userIDClaims   = []string{"sub", "userId", "user_id"}
	tenantIDClaims = []string{"tenantId", "tenant_id", "tid"}
)

// ClaimsFromToken decodes a JWT without verifying it and extracts the user
// and tenant ids. Verification is the collector's job.
func ClaimsFromToken(token string) (Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("auth: decode token: %w", err)
	}
	return Claims{
		UserID:   firstClaim(mc, userIDClaims),
		TenantID: firstClaim(mc, tenantIDClaims),
	}, nil
}

// ClaimsFromProvider resolves a token and extracts its claims.
func ClaimsFromProvider(ctx context.Context, provider TokenProvider) (Claims, error) {
	if provider == nil {
		return Claims{}, nil
	}
	token, err := provider(ctx)
	if err != nil {
		return Claims{}, fmt.Errorf("auth: resolve token: %w", err)
	}
	if token == "" {
		return Claims{}, ErrEmptyToken
	}
	return ClaimsFromToken(token)
}

func firstClaim(mc jwt.MapClaims, keys []string) string {
	for _, k := range keys {
		switch v := mc[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
