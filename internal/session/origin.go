package session

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

var schemePrefix = regexp.MustCompile(`^[a-z]+://`)

// NormalizeOrigin canonicalizes an origin to "scheme://host[:port]" with the
// host lowercased and default ports (80/443) dropped. Values that do not
// parse as a URL, even with an https:// prefix, fall back to the lowercased
// trimmed input. Empty input yields "".
func NormalizeOrigin(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if canonical := canonicalizeOrigin(trimmed); canonical != "" {
		return canonical
	}
	return strings.ToLower(trimmed)
}

func canonicalizeOrigin(value string) string {
	for _, candidate := range []string{value, "https://" + value} {
		u, err := url.Parse(candidate)
		if err != nil || u.Hostname() == "" {
			continue
		}

		scheme := strings.ToLower(u.Scheme)
		if scheme == "" {
			scheme = "https"
		}
		hostname := strings.ToLower(u.Hostname())
		port := u.Port()

		defaultPort := port == "" ||
			(scheme == "http" && port == "80") ||
			(scheme == "https" && port == "443")

		origin := scheme + "://" + hostname
		if !defaultPort {
			origin += ":" + port
		}
		return origin
	}
	return ""
}

// ComputeFingerprint derives a weak continuity signal from request headers.
// It is informational unless fingerprint enforcement is enabled and is never
// treated as a secret.
func ComputeFingerprint(r *http.Request) string {
	parts := []string{
		r.Header.Get("User-Agent"),
		r.Header.Get("CF-Connecting-IP"),
		r.Header.Get("X-Forwarded-For"),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
		r.Header.Get("Sec-CH-UA"),
	}
	return strings.Join(parts, "|")
}

// ParseAllowedOrigins splits a comma-separated hostname allow-list. A list
// containing "*" or "all" disables the check and is returned as nil.
func ParseAllowedOrigins(raw string) []string {
	var entries []string
	for _, part := range strings.Split(raw, ",") {
		entry := strings.ToLower(strings.TrimSpace(part))
		if entry == "" {
			continue
		}
		if entry == "*" || entry == "all" {
			return nil
		}
		entries = append(entries, entry)
	}
	return entries
}

// OriginAllowed reports whether origin's host equals or is a subdomain of an
// allow-listed host. An empty allow-list allows everything.
func OriginAllowed(allowlist []string, origin string) bool {
	if len(allowlist) == 0 {
		return true
	}
	normalized := NormalizeOrigin(origin)
	if normalized == "" {
		return false
	}

	originHost := extractHost(normalized)
	for _, allowed := range allowlist {
		allowedHost := extractHost(allowed)
		if allowedHost != "" && originHost != "" {
			if hostsMatch(originHost, allowedHost) {
				return true
			}
			continue
		}
		if allowedHost != "" {
			if hostsMatch(normalized, allowedHost) {
				return true
			}
			continue
		}
		if normalized == allowed {
			return true
		}
	}
	return false
}

func extractHost(value string) string {
	if u, err := url.Parse(value); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	withoutScheme := schemePrefix.ReplaceAllString(value, "")
	host := strings.SplitN(withoutScheme, "/", 2)[0]
	host = strings.SplitN(host, ":", 2)[0]
	return strings.ToLower(host)
}

func hostsMatch(host, allowed string) bool {
	return host == allowed || strings.HasSuffix(host, "."+allowed)
}
