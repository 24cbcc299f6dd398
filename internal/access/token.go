package access

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of issued tokens
const DefaultTokenTTL = 24 * time.Hour

// Claims are the JWT claims carrying a principal's grants
type Claims struct {
	Admin  bool              `json:"admin,omitempty"`
	Grants map[string]string `json:"grants,omitempty"`
	jwt.RegisteredClaims
}

// TokenAuthority issues and verifies HS256 tokens that encode a Principal.
type TokenAuthority struct {
	secretKey []byte
	issuer    string
	now       func() time.Time
}

// NewTokenAuthority creates an authority signing with secretKey.
func NewTokenAuthority(secretKey, issuer string) (*TokenAuthority, error) {
	if secretKey == "" {
		return nil, errors.New("secret key cannot be empty")
	}
	return &TokenAuthority{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		now:       time.Now,
	}, nil
}

// Issue creates a signed token for p valid for ttl (DefaultTokenTTL if zero).
func (a *TokenAuthority) Issue(p *Principal, ttl time.Duration) (string, time.Time, error) {
	if p == nil || p.ID == "" {
		return "", time.Time{}, errors.New("principal ID cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := a.now()
	expiresAt := now.Add(ttl)

	grants := make(map[string]string, len(p.Grants))
	for scope, perm := range p.Grants {
		grants[scope] = perm.String()
	}

	claims := Claims{
		Admin:  p.Admin,
		Grants: grants,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify validates a token (optionally prefixed with "Bearer ") and returns its principal.
func (a *TokenAuthority) Verify(tokenString string) (*Principal, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secretKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	grants := make(map[string]Permission, len(claims.Grants))
	for scope, s := range claims.Grants {
		perm, err := ParsePermission(s)
		if err != nil {
			return nil, fmt.Errorf("invalid grant for %q: %w", scope, err)
		}
		grants[scope] = perm
	}

	return &Principal{ID: claims.Subject, Admin: claims.Admin, Grants: grants}, nil
}
