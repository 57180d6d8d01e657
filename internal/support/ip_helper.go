package support

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// CanonicalIP is the single normalization routine for every trust read and write.
// It strips ports, brackets and zones and unmaps IPv4-mapped IPv6 addresses, so
// "::ffff:1.2.3.4", "[::ffff:1.2.3.4]:443" and "1.2.3.4" all yield "1.2.3.4".
func CanonicalIP(raw string) (string, bool) {
	addr, ok := parseAddr(raw)
	if !ok {
		return "", false
	}
	return addr.String(), true
}

// IsPrivateIP reports whether the address must be excluded from trust decisions:
// RFC1918 and ULA ranges, loopback, link-local and the unspecified address.
// Unparseable input is treated as private so it never becomes a trust key.
func IsPrivateIP(raw string) bool {
	addr, ok := parseAddr(raw)
	if !ok {
		return true
	}
	return isPrivateAddr(addr)
}

// ClassifyIP canonicalizes raw and reports whether it is private.
func ClassifyIP(raw string) (canonical string, private bool, ok bool) {
	addr, ok := parseAddr(raw)
	if !ok {
		return "", true, false
	}
	return addr.String(), isPrivateAddr(addr), true
}

// PublicIPFromRequest picks the origin used for trust decisions. A claimed address
// wins when it is public; otherwise the first public entry of X-Forwarded-For, then
// X-Real-IP, then RemoteAddr. The headers are read only when the socket peer is a
// trusted proxy. When nothing public is found the canonical RemoteAddr is returned
// for display with public=false.
func PublicIPFromRequest(r *http.Request, claimed string) (ip string, public bool) {
	candidates := make([]string, 0, 4)
	if claimed != "" {
		candidates = append(candidates, claimed)
	}
	if r != nil {
		if isTrustedProxy(r.RemoteAddr) {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				candidates = append(candidates, strings.Split(xff, ",")...)
			}
			if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
				candidates = append(candidates, realIP)
			}
		}
		candidates = append(candidates, r.RemoteAddr)
	}

	for _, candidate := range candidates {
		canonical, private, ok := ClassifyIP(candidate)
		if ok && !private {
			return canonical, true
		}
	}

	if r != nil {
		if canonical, ok := CanonicalIP(r.RemoteAddr); ok {
			return canonical, false
		}
	}
	return "", false
}

func parseAddr(raw string) (netip.Addr, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return netip.Addr{}, false
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

func isPrivateAddr(addr netip.Addr) bool {
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}

// ErrInvalidAddress is returned by stores when an address cannot be canonicalized.
var ErrInvalidAddress = errors.New("invalid ip address")
