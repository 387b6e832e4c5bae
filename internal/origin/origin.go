// Package origin implements the browser Origin policy shared by the chat
// WebSocket upgrade and the HTTP API.
package origin

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Policy decides whether a browser origin may talk to the relay. An empty
// allow list means same-host only.
type Policy struct {
	allowed  map[string]struct{}
	wildcard bool
}

// NewPolicy validates and normalizes the configured allow list. Entries are
// either "*" or an origin such as "https://chat.example.com".
func NewPolicy(allowed []string) (Policy, error) {
	p := Policy{}
	for _, raw := range allowed {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if raw == "*" {
			p.wildcard = true
			continue
		}
		normalized, _, ok := Normalize(raw)
		if !ok || normalized == "null" {
			return Policy{}, fmt.Errorf("invalid allowed origin %q", raw)
		}
		if p.allowed == nil {
			p.allowed = make(map[string]struct{})
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, nil
}

// Check reports whether r may proceed and returns the normalized Origin to
// echo back in CORS headers. Requests without an Origin header (native
// clients, curl) are allowed with an empty origin.
func (p Policy) Check(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	normalized, host, ok := Normalize(header)
	if !ok {
		return "", false
	}
	if p.wildcard {
		return normalized, true
	}
	if p.allowed != nil {
		_, ok := p.allowed[normalized]
		return normalized, ok
	}

	// Same host:port. The scheme is not compared because TLS is usually
	// terminated by a reverse proxy in front of the relay.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return "", false
	}
	requestHost, ok := normalizeAuthority(strings.ToLower(strings.TrimSpace(r.Host)), scheme)
	if !ok || requestHost != host {
		return normalized, false
	}
	return normalized, true
}

// Normalize validates a browser Origin header and returns scheme://host[:port]
// plus the host[:port] part. Default ports are dropped. The literal "null"
// origin is returned as-is with an empty host.
func Normalize(header string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	scheme, rest, found := strings.Cut(trimmed, "://")
	if !found {
		return "", "", false
	}
	scheme = strings.ToLower(scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" || strings.ContainsAny(rest, "/?#@ \t") {
		return "", "", false
	}

	host, ok = normalizeAuthority(strings.ToLower(rest), scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func normalizeAuthority(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(authority)
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed and are
// returned without brackets.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := authority[1:end], authority[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, found := strings.CutPrefix(rest, ":")
		if !found || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		hostname, port, _ := strings.Cut(authority, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
