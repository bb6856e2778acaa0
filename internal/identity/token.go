// Package identity issues and verifies the portal's bearer tokens and
// hashes account passwords.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pitabwire/civicportal/model"
)

// TokenType is the scheme reported alongside issued tokens.
const TokenType = "Bearer"

// Claims are the JWT claims carried by a portal token.
type Claims struct {
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies HS256 bearer tokens.
type TokenService struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenService creates a TokenService. key must be kept secret; it both
// signs and verifies.
func NewTokenService(key []byte, issuer, audience string, ttl time.Duration) *TokenService {
	return &TokenService{
		key:      key,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock returns a copy of the service using now as its time source.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	cp := *s
	cp.now = now
	return &cp
}

// Issue signs a token for acct.
func (s *TokenService) Issue(acct model.Account) (model.Token, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := Claims{
		Email: acct.Email,
		Roles: acct.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   acct.SubjectID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return model.Token{}, fmt.Errorf("identity: signing token: %w", err)
	}
	return model.Token{AccessToken: signed, TokenType: TokenType, ExpiresAt: expires.UTC()}, nil
}

// Verify parses and validates a token string and returns the caller it
// identifies. Failures are UNAUTHORIZED envelopes.
func (s *TokenService) Verify(token string) (*model.RequestContext, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, model.NewUnauthorizedError(classifyJWTError(err))
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, model.NewUnauthorizedError("Invalid token")
	}

	return &model.RequestContext{
		SubjectID: claims.Subject,
		Email:     claims.Email,
		Roles:     claims.Roles,
		Token:     token,
		Claims: map[string]any{
			"jti": claims.ID,
			"iss": claims.Issuer,
		},
	}, nil
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
