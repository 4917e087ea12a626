package auth

import (
	"errors"
	"strings"
)

const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

var ErrMissingBearer = errors.New("missing or invalid Authorization header")

// Verifier checks bearer tokens. RS256 tokens carrying a kid are verified
// against the JWKS endpoint when one is configured; everything else is HS256.
type Verifier struct {
	Secret string
	JWKS   *JWKSClient
}

func (v *Verifier) Enabled() bool {
	return v != nil && (v.Secret != "" || v.JWKS != nil)
}

// VerifyHeader parses an Authorization header value.
func (v *Verifier) VerifyHeader(authHeader string) (*Claims, error) {
	if !strings.HasPrefix(authHeader, "Bearer ") || len(strings.TrimSpace(authHeader)) <= len("Bearer ") {
		return nil, ErrMissingBearer
	}
	return v.Verify(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")))
}

func (v *Verifier) Verify(token string) (*Claims, error) {
	if v.JWKS != nil {
		header, err := ParseHeader(token)
		if err != nil {
			return nil, err
		}
		if header.Alg == "RS256" && header.Kid != "" {
			pub, err := v.JWKS.Get(header.Kid)
			if err != nil {
				return nil, ErrInvalidToken
			}
			return VerifyRS256(token, pub)
		}
	}
	if v.Secret == "" {
		return nil, ErrInvalidToken
	}
	return ParseAndVerifyHS256(token, v.Secret)
}

// HasRole reports whether claims carry one of roles.
func HasRole(claims *Claims, roles ...string) bool {
	if claims == nil {
		return false
	}
	for _, r := range roles {
		if claims.Role == r {
			return true
		}
	}
	return false
}
