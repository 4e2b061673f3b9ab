// Package simple implements the fetch stage's host policy: a static
// blocklist matched against the request host and its parent domains.
package simple

import (
	"strings"

	"github.com/JakeFAU/crawlsched/internal/metrics"
)

// Policy decides whether a URL may be fetched.
type Policy struct {
	blocked map[string]struct{}
}

// New creates a Policy blocking the given hosts. Entries are matched
// case-insensitively and also block their subdomains.
func New(blockedHosts ...string) *Policy {
	blocked := make(map[string]struct{}, len(blockedHosts))
	for _, h := range blockedHosts {
		h = strings.Trim(strings.ToLower(strings.TrimSpace(h)), ".")
		if h != "" {
			blocked[h] = struct{}{}
		}
	}
	return &Policy{blocked: blocked}
}

// AllowFetch reports whether rawURL's host is outside the blocklist.
func (p *Policy) AllowFetch(rawURL string) bool {
	if p == nil || len(p.blocked) == 0 {
		return true
	}
	host := metrics.SanitizeSite(rawURL)
	for {
		if _, ok := p.blocked[host]; ok {
			return false
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return true
		}
		host = host[i+1:]
	}
}
