// Package jwtauth validates HS256 bearer tokens: tenant membership is
// read from any of three conventional claim shapes (tenant_id string,
// tenants CSV or array, tenant_ids array) and checked against either an
// exact tenant id or a wildcard "*". Secrets are tried kid-matched
// first, then primary, then each fallback in order.
package jwtauth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dashkv/dash/internal/dasherr"
)

// Config names the secrets and validation knobs for token checking.
type Config struct {
	Issuer             string
	Audience           string
	LeewaySecs         int
	RequireExp         bool
	HS256Secret        string
	HS256FallbackSecrets []string
	HS256SecretsByKid  map[string]string
}

// Claims is the subset of a validated token's payload the rest of the
// system needs: which tenants the caller may act on behalf of.
type Claims struct {
	Subject string
	Tenants []string
	raw     jwt.MapClaims
}

// HasTenant reports whether claims grants access to tenantID, either by
// exact match or via a "*" wildcard entry.
func (c *Claims) HasTenant(tenantID string) bool {
	for _, t := range c.Tenants {
		if t == "*" || t == tenantID {
			return true
		}
	}
	return false
}

func extractTenants(claims jwt.MapClaims) []string {
	if v, ok := claims["tenant_id"].(string); ok && v != "" {
		return []string{v}
	}
	if v, ok := claims["tenants"]; ok {
		switch t := v.(type) {
		case string:
			return splitCSV(t)
		case []interface{}:
			return toStrings(t)
		}
	}
	if v, ok := claims["tenant_ids"].([]interface{}); ok {
		return toStrings(v)
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func toStrings(in []interface{}) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (cfg Config) secretForKid(kid string) (string, bool) {
	if kid == "" {
		return "", false
	}
	s, ok := cfg.HS256SecretsByKid[kid]
	return s, ok
}

// Validate parses and verifies tokenString against cfg, trying the
// kid-matched secret (if the token carries one and it's configured),
// then the primary secret, then each fallback secret in order.
func (cfg Config) Validate(tokenString string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{jwt.WithLeeway(time.Duration(cfg.LeewaySecs) * time.Second)}
	if cfg.RequireExp {
		parserOpts = append(parserOpts, jwt.WithExpirationRequired())
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	candidates := cfg.secretCandidates(tokenString)
	if len(candidates) == 0 {
		return nil, dasherr.Unauthorized("no hs256 secret configured")
	}

	var lastErr error
	for _, secret := range candidates {
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, dasherr.Unauthorized("unexpected signing method")
			}
			return []byte(secret), nil
		}, parserOpts...)
		if err == nil {
			sub, _ := claims["sub"].(string)
			return &Claims{Subject: sub, Tenants: extractTenants(claims), raw: claims}, nil
		}
		lastErr = err
	}
	return nil, dasherr.Unauthorized("token validation failed: %v", lastErr)
}

// secretCandidates orders the secrets Validate should try: the
// kid-specific secret first (parsed from the token header without
// verifying), then the primary secret, then every fallback.
func (cfg Config) secretCandidates(tokenString string) []string {
	var out []string
	if unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{}); err == nil {
		if kid, _ := unverified.Header["kid"].(string); kid != "" {
			if secret, ok := cfg.secretForKid(kid); ok {
				out = append(out, secret)
			}
		}
	}
	if cfg.HS256Secret != "" {
		out = append(out, cfg.HS256Secret)
	}
	out = append(out, cfg.HS256FallbackSecrets...)
	return out
}
