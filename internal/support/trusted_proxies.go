package support

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"
)

// Peers allowed to set X-Forwarded-For and X-Real-IP. Loopback and private
// networks by default, which covers a reverse proxy on the same host or LAN.
var trustedProxies atomic.Pointer[[]netip.Prefix]

func init() {
	defaults := DefaultTrustedProxies()
	trustedProxies.Store(&defaults)
}

func DefaultTrustedProxies() []netip.Prefix {
	return []netip.Prefix{
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("fc00::/7"),
	}
}

// ParseTrustedProxies reads a comma separated list of CIDRs or addresses.
// "none" trusts no peer.
func ParseTrustedProxies(raw string) ([]netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "none") {
		return []netip.Prefix{}, nil
	}

	var prefixes []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			prefix, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", part, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, ok := parseAddr(part)
		if !ok {
			return nil, fmt.Errorf("trusted proxy %q: not an address", part)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func SetTrustedProxies(prefixes []netip.Prefix) {
	copied := append([]netip.Prefix(nil), prefixes...)
	trustedProxies.Store(&copied)
}

// ConfigureTrustedProxiesFromEnv applies TRUSTED_PROXIES when it is set.
func ConfigureTrustedProxiesFromEnv() error {
	raw := GetEnv("TRUSTED_PROXIES", "")
	if raw == "" {
		return nil
	}
	prefixes, err := ParseTrustedProxies(raw)
	if err != nil {
		return err
	}
	SetTrustedProxies(prefixes)
	return nil
}

func isTrustedProxy(remoteAddr string) bool {
	addr, ok := parseAddr(remoteAddr)
	if !ok {
		return false
	}
	for _, prefix := range *trustedProxies.Load() {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// SourceAddress is the canonical address a request is charged to. Forwarding
// headers count only when the socket peer is a trusted proxy; otherwise it is
// the peer itself.
func SourceAddress(r *http.Request) string {
	if r == nil {
		return ""
	}
	if isTrustedProxy(r.RemoteAddr) {
		if ip, public := PublicIPFromRequest(r, ""); public {
			return ip
		}
	}
	canonical, _ := CanonicalIP(r.RemoteAddr)
	return canonical
}
