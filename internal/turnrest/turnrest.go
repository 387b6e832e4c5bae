// Package turnrest mints short-lived, coturn compatible TURN credentials for
// call participants.
//
//	username   = <unix_expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The expiry uses the server clock in UTC. The subject is derived from the
// caller's identity so credentials can be attributed in TURN server logs
// without embedding the raw identity.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type GeneratorConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// Credentials are handed to clients alongside the TURN server URLs.
type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errors.New("turnrest: shared secret is required")
	case cfg.TTL < time.Second:
		return nil, errors.New("turnrest: ttl must be at least 1s")
	case cfg.UsernamePrefix == "":
		return nil, errors.New("turnrest: username prefix is required")
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    now,
	}, nil
}

// ForIdentity mints credentials for an authenticated identity.
func (g *Generator) ForIdentity(identity string) (Credentials, error) {
	if identity == "" {
		return Credentials{}, errors.New("turnrest: identity is required")
	}
	return g.generate(subject(identity))
}

func (g *Generator) generate(subject string) (Credentials, error) {
	if subject == "" || strings.Contains(subject, ":") {
		return Credentials{}, fmt.Errorf("turnrest: invalid subject %q", subject)
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, subject)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// subject is a stable, colon free digest of identity.
func subject(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:12])
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
