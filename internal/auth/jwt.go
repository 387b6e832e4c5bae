package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL matches the lifetime of tokens issued at login.
const DefaultTokenTTL = 30 * 24 * time.Hour

// maxTokenLen bounds the work done on attacker-supplied input.
const maxTokenLen = 16 * 1024

// Claims is the token payload. Identity comes from userId, falling back to
// the registered sub claim.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	Phone  string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMissingCredentials
	}
	if len(token) > maxTokenLen || len(v.secret) == 0 {
		return Claims{}, ErrInvalidCredentials
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	var claims Claims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if claims.Identity() == "" {
		return Claims{}, fmt.Errorf("%w: token has no identity", ErrInvalidCredentials)
	}
	return claims, nil
}

// Minter issues tokens accepted by JWTVerifier. It backs the development
// token CLI and tests; production tokens come from the account service.
type Minter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewMinter(secret string, ttl time.Duration) (*Minter, error) {
	if secret == "" {
		return nil, errors.New("auth: minter secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Minter{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (m *Minter) Mint(identity, phone string) (string, error) {
	if identity == "" {
		return "", errors.New("auth: identity is required")
	}
	now := m.now()
	claims := Claims{
		UserID: identity,
		Phone:  phone,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}
