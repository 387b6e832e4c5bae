package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func fixedVerifier(secret string, now time.Time) *JWTVerifier {
	v := NewJWTVerifier(secret)
	v.now = func() time.Time { return now }
	return v
}

func TestJWTVerifier_AcceptsMintedToken(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	m, err := NewMinter("secret", 0)
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	m.now = func() time.Time { return now }

	token, err := m.Mint("user-1", "+15550100")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	claims, err := fixedVerifier("secret", now.Add(29*24*time.Hour)).Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Identity() != "user-1" {
		t.Fatalf("identity=%q, want %q", claims.Identity(), "user-1")
	}
	if claims.Phone != "+15550100" {
		t.Fatalf("phone=%q, want %q", claims.Phone, "+15550100")
	}

	if _, err := fixedVerifier("secret", now.Add(31*24*time.Hour)).Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expired err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestJWTVerifier_FallsBackToSubject(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	token := signHS256(t, "secret", jwt.RegisteredClaims{
		Subject:   "user-sub",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	})
	claims, err := fixedVerifier("secret", now).Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Identity() != "user-sub" {
		t.Fatalf("identity=%q, want %q", claims.Identity(), "user-sub")
	}
}

func TestJWTVerifier_Rejects(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	exp := jwt.NewNumericDate(now.Add(time.Minute))

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID:           "u",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "  ", want: ErrMissingCredentials},
		{name: "garbage", token: "not-a-jwt", want: ErrInvalidCredentials},
		{name: "wrong secret", token: signHS256(t, "other", Claims{UserID: "u", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}), want: ErrInvalidCredentials},
		{name: "missing exp", token: signHS256(t, "secret", Claims{UserID: "u"}), want: ErrInvalidCredentials},
		{name: "not yet valid", token: signHS256(t, "secret", Claims{UserID: "u", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp, NotBefore: jwt.NewNumericDate(now.Add(time.Second))}}), want: ErrInvalidCredentials},
		{name: "no identity", token: signHS256(t, "secret", Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}), want: ErrInvalidCredentials},
		{name: "alg none", token: noneToken, want: ErrInvalidCredentials},
		{name: "oversized", token: strings.Repeat("a", maxTokenLen+1), want: ErrInvalidCredentials},
	}
	v := fixedVerifier("secret", now)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(tc.token); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
}

func TestJWTVerifier_EmptySecretRejectsEverything(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	token := signHS256(t, "secret", Claims{UserID: "u", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))}})
	if _, err := fixedVerifier("", now).Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}

func TestNewMinter_RequiresSecret(t *testing.T) {
	if _, err := NewMinter("", time.Hour); err == nil {
		t.Fatalf("expected error")
	}
}
