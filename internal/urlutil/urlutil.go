// Package urlutil resolves the public origin of a request behind proxies.
package urlutil

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginFromRequest returns scheme://host for r, honouring X-Forwarded-Proto.
// fallback is used when r is nil or carries no host.
func OriginFromRequest(r *http.Request, fallback string) string {
	if r == nil || strings.TrimSpace(r.Host) == "" {
		return trimBase(fallback)
	}
	return trimBase(scheme(r) + "://" + strings.TrimSpace(r.Host))
}

// BuildAbsolute joins base and path. Absolute paths are returned unchanged.
func BuildAbsolute(base, path string) string {
	base = trimBase(base)
	switch {
	case path == "":
		return base
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		return path
	case strings.HasPrefix(path, "/"):
		return base + path
	}
	return base + "/" + path
}

// SameOrigin reports whether the request's Origin header names the host the
// request was sent to. Requests without an Origin header (non-browser
// clients) are allowed.
func SameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func scheme(r *http.Request) string {
	proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))
	if first, _, _ := strings.Cut(proto, ","); first != "" {
		if p := strings.TrimSpace(first); p == "http" || p == "https" {
			return p
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func trimBase(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}
