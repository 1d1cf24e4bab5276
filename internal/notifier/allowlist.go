package notifier

import (
	"fmt"
	"net"
	"net/url"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// HostAllowlist rejects webhook targets whose host doesn't match one of a
// configured set of glob patterns, and always rejects a host written as a
// literal link-local, loopback, or unspecified IP address (which covers the
// cloud-metadata address) regardless of the allowlist. Hostnames are not
// resolved here, so a name that resolves to such an address is not rejected.
type HostAllowlist struct {
	patterns []string
}

func NewHostAllowlist(patterns []string) *HostAllowlist {
	return &HostAllowlist{patterns: patterns}
}

func (a *HostAllowlist) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("notifier: invalid webhook url: %w", err)
	}
	host := u.Hostname()

	if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
		return fmt.Errorf("notifier: webhook host %q resolves to a blocked address range", host)
	}

	if len(a.patterns) == 0 {
		return nil
	}
	for _, pattern := range a.patterns {
		if wildcard.Match(pattern, host) {
			return nil
		}
	}
	return fmt.Errorf("notifier: webhook host %q is not in the configured allowlist", host)
}

// isBlockedIP rejects loopback, link-local, and unspecified addresses
// unconditionally — this is where 169.254.169.254-style cloud metadata
// endpoints land. Private RFC1918 ranges are left to the operator's
// allowlist since many deployments legitimately point webhooks at
// internal services.
func isBlockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
