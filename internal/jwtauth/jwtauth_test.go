package jwtauth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims, kid string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateAcceptsTokenSignedWithPrimarySecret(t *testing.T) {
	cfg := Config{HS256Secret: "top-secret"}
	tok := signToken(t, "top-secret", jwt.MapClaims{"sub": "svc-1", "tenant_id": "tenant-a"}, "")

	claims, err := cfg.Validate(tok)
	require.NoError(t, err)
	require.Equal(t, "svc-1", claims.Subject)
	require.True(t, claims.HasTenant("tenant-a"))
	require.False(t, claims.HasTenant("tenant-b"))
}

func TestValidateFallsBackToFallbackSecrets(t *testing.T) {
	cfg := Config{HS256Secret: "primary", HS256FallbackSecrets: []string{"old-secret"}}
	tok := signToken(t, "old-secret", jwt.MapClaims{"tenants": "tenant-a,tenant-b"}, "")

	claims, err := cfg.Validate(tok)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"tenant-a", "tenant-b"}, claims.Tenants)
}

func TestValidatePrefersKidMatchedSecret(t *testing.T) {
	cfg := Config{HS256Secret: "wrong", HS256SecretsByKid: map[string]string{"k1": "kid-secret"}}
	tok := signToken(t, "kid-secret", jwt.MapClaims{"tenant_ids": []interface{}{"tenant-a"}}, "k1")

	claims, err := cfg.Validate(tok)
	require.NoError(t, err)
	require.Equal(t, []string{"tenant-a"}, claims.Tenants)
}

func TestValidateRejectsBadSignature(t *testing.T) {
	cfg := Config{HS256Secret: "expected"}
	tok := signToken(t, "wrong-secret", jwt.MapClaims{"tenant_id": "tenant-a"}, "")

	_, err := cfg.Validate(tok)
	require.Error(t, err)
}

func TestValidateRejectsExpiredTokenWhenRequireExp(t *testing.T) {
	cfg := Config{HS256Secret: "expected", RequireExp: true}
	tok := signToken(t, "expected", jwt.MapClaims{
		"tenant_id": "tenant-a",
		"exp":       time.Now().Add(-time.Hour).Unix(),
	}, "")

	_, err := cfg.Validate(tok)
	require.Error(t, err)
}

func TestHasTenantWildcardGrantsAnyTenant(t *testing.T) {
	claims := &Claims{Tenants: []string{"*"}}
	require.True(t, claims.HasTenant("any-tenant"))
}
