package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPConfig controls which forwarding headers are believed when
// resolving the caller's address for rate limiting and audit events.
type ClientIPConfig struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP. Enable it only behind
	// a reverse proxy that overwrites these headers.
	TrustProxy bool

	// TrustedProxyCount is how many X-Forwarded-For entries, counted from the
	// right, were appended by proxies under our control (default 1)
	TrustedProxyCount int
}

// ClientIP returns the caller's address. Forwarding headers are read only
// when TrustProxy is set; the connection's remote address is the fallback.
func (c ClientIPConfig) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if addr, ok := c.fromForwardedFor(r.Header.Values("X-Forwarded-For")); ok {
			return addr.String()
		}
		if addr, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
			return addr.String()
		}
	}
	return remoteHost(r.RemoteAddr)
}

// fromForwardedFor picks the entry just left of the trusted proxies in
// "client, proxy1, proxy2". With fewer entries than proxies the leftmost
// entry is used.
func (c ClientIPConfig) fromForwardedFor(headers []string) (netip.Addr, bool) {
	var hops []string
	for _, h := range headers {
		for _, hop := range strings.Split(h, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	if len(hops) == 0 {
		return netip.Addr{}, false
	}

	trusted := c.TrustedProxyCount
	if trusted <= 0 {
		trusted = 1
	}
	return parseAddr(hops[max(len(hops)-trusted-1, 0)])
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	if addr, ok := parseAddr(host); ok {
		return addr.String()
	}
	return host
}
