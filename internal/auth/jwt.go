// Package auth validates bearer tokens for customer and staff routes.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
)

// Staff roles.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Claims are the JWT claims the API expects.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Principal is the authenticated caller.
type Principal struct {
	ID    string
	Roles []string
}

func (p *Principal) HasRole(roles ...string) bool {
	if p == nil {
		return false
	}
	for _, r := range roles {
		if slices.Contains(p.Roles, r) {
			return true
		}
	}
	return false
}

// Validator checks HS256 tokens signed with a shared secret.
type Validator struct {
	secret []byte
	issuer string
}

// NewValidator returns nil when secret is empty; a nil Validator rejects
// every token.
func NewValidator(secret, issuer string) *Validator {
	if secret == "" {
		return nil
	}
	return &Validator{secret: []byte(secret), issuer: issuer}
}

func (v *Validator) Validate(tokenStr string) (*Principal, error) {
	if v == nil {
		return nil, fmt.Errorf("authentication not configured: %w", apperr.ErrAuth)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w: %w", apperr.ErrAuth, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", apperr.ErrAuth)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token subject is required: %w", apperr.ErrAuth)
	}
	return &Principal{ID: claims.Subject, Roles: claims.Roles}, nil
}

// Issue signs a token for subject. Used by tests and local tooling.
func (v *Validator) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	if v == nil {
		return "", errors.New("validator not configured")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
