package origin

import (
	"net/http"
	"strings"
)

// Policy decides which browser origins may open signaling sessions or call
// the HTTP API.
type Policy struct {
	// AllowedOrigins holds normalized origins or "*". Empty means same host.
	AllowedOrigins []string
}

// NewPolicy normalizes the configured origins. Entries that fail to
// normalize are returned in rejected so callers can warn at startup.
func NewPolicy(allowed []string) (p Policy, rejected []string) {
	for _, raw := range allowed {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if raw == "*" {
			p.AllowedOrigins = append(p.AllowedOrigins, raw)
			continue
		}
		normalized, _, ok := NormalizeHeader(raw)
		if !ok {
			rejected = append(rejected, raw)
			continue
		}
		p.AllowedOrigins = append(p.AllowedOrigins, normalized)
	}
	return p, rejected
}

// Check evaluates r's Origin header. A request without one is not a browser
// cross-origin request and is allowed with an empty normalized origin.
func (p Policy) Check(r *http.Request) (normalized string, allowed bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	normalized, host, ok := NormalizeHeader(header)
	if !ok {
		return "", false
	}
	return normalized, IsAllowed(normalized, host, r.Host, p.AllowedOrigins)
}

// AllowsAny reports whether the policy is a wildcard.
func (p Policy) AllowsAny() bool {
	for _, o := range p.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}
