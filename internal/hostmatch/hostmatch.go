// Package hostmatch decides whether a page URL belongs to one of the
// configured marketplace hosts.
package hostmatch

import (
	"log/slog"
	"net/url"
	"strings"
)

// NormalizeHost turns a user-entered host ("https://Power.DAT.com/search")
// into the bare lower-case hostname used for matching.
func NormalizeHost(host string) string {
	h := strings.TrimSpace(host)
	lower := strings.ToLower(h)
	switch {
	case strings.HasPrefix(lower, "https://"):
		h = h[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		h = h[len("http://"):]
	}
	if i := strings.IndexByte(h, '/'); i >= 0 {
		h = h[:i]
	}
	return strings.ToLower(h)
}

// IsAllowed reports whether rawURL's hostname matches one of hosts. An
// entry of the form "*.example.com" matches example.com and every
// subdomain of it. Unparseable URLs are never allowed.
func IsAllowed(rawURL string, hosts []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		slog.Warn("hostmatch: invalid url", "url", rawURL, "err", err)
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range hosts {
		n := NormalizeHost(allowed)
		if domain, ok := strings.CutPrefix(n, "*."); ok {
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return true
			}
			continue
		}
		if host == n {
			return true
		}
	}
	return false
}
