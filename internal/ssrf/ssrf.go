// Package ssrf implements the URL-and-DNS-level private-network rejection
// filter shared by the media downloader and the router-LLM caller (spec
// §4.10). It rejects disallowed schemes, well-known local/loopback/link-local
// hostnames, private IPv4/IPv6 ranges (including IPv4-mapped IPv6 and
// octal/hex-encoded IPv4 octets), and performs a DNS lookup for hostnames so
// rebinding to a private address after the check cannot slip through.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrRejected is wrapped by every rejection reason so callers can use
// errors.Is(err, ssrf.ErrRejected) without inspecting the message.
var ErrRejected = errors.New("ssrf: url rejected")

func reject(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

// Resolver abstracts DNS lookups so tests can supply a fake without hitting
// the network. *net.Resolver satisfies this trivially via LookupIPAddr.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Filter checks outbound URLs against the SSRF policy.
type Filter struct {
	resolver Resolver
}

// New creates a Filter using net.DefaultResolver for DNS lookups.
func New() *Filter {
	return &Filter{resolver: net.DefaultResolver}
}

// NewWithResolver creates a Filter using a caller-supplied Resolver — used
// in tests to simulate rebinding and lookup-timeout scenarios.
func NewWithResolver(r Resolver) *Filter {
	return &Filter{resolver: r}
}

// Check validates rawURL against the SSRF policy, including a DNS lookup for
// hostnames (not raw IPs). It returns a wrapped ErrRejected on any violation
// and nil if the URL is safe to fetch.
//
// Lookup timeouts are treated as non-private per spec §4.10 — an ephemeral
// resolver failure should not itself cause a false-positive rejection.
func (f *Filter) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return reject("unparseable URL: " + err.Error())
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return reject("scheme must be http or https")
	}

	host := u.Hostname()
	if host == "" {
		return reject("missing host")
	}

	lowerHost := strings.ToLower(host)
	if lowerHost == "localhost" || strings.HasSuffix(lowerHost, ".local") || strings.HasSuffix(lowerHost, ".internal") {
		return reject("host is a local/internal name")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return reject("host is a private IP address")
		}
		return nil
	}

	if ip, ok := parseObscuredIPv4(host); ok {
		if isPrivateIP(ip) {
			return reject("host is an obscured private IPv4 address")
		}
		return nil
	}

	// Hostname: resolve and check every returned address (DNS-rebinding
	// defence). A lookup timeout is not treated as a rejection.
	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil
		}
		if isTimeout(err) {
			return nil
		}
		return reject("DNS lookup failed: " + err.Error())
	}

	for _, addr := range addrs {
		if isPrivateIP(addr.IP) {
			return reject("host resolves to a private IP address")
		}
	}

	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// metadataServiceIP is blocked explicitly, beyond the CIDR matches (the
// cloud metadata service address).
var metadataServiceIP = net.ParseIP("169.254.169.254")

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}

	if ip.Equal(metadataServiceIP) {
		return true
	}

	if ip4 := ip.To4(); ip4 != nil {
		return isPrivateIPv4(ip4)
	}

	return isPrivateIPv6(ip)
}

var privateIPv4Blocks = mustParseCIDRs(
	"10.0.0.0/8",
	"127.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"224.0.0.0/4",
	"240.0.0.0/4",
)

func isPrivateIPv4(ip net.IP) bool {
	for _, block := range privateIPv4Blocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func isPrivateIPv6(ip net.IP) bool {
	if ip.Equal(net.IPv6unspecified) || ip.Equal(net.IPv6loopback) {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// IPv4-mapped (::ffff:a.b.c.d, both dotted and hex-decimal forms
		// decode to the same net.IP via net.ParseIP/To4) decodes to an
		// IPv4 address — apply the IPv4 policy to it.
		return isPrivateIPv4(ip4)
	}
	for _, block := range privateIPv6Blocks {
		if block.Contains(ip) {
			return true
		}
	}
	// Any other raw IPv6 literal is default-reject per spec §4.10.
	return true
}

var privateIPv6Blocks = mustParseCIDRs(
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("ssrf: invalid CIDR literal " + c + ": " + err.Error())
		}
		nets = append(nets, n)
	}
	return nets
}

// parseObscuredIPv4 recognises decimal-looking hostnames whose octets use
// octal (leading 0) or hexadecimal (leading 0x) notation — a classic SSRF
// bypass for filters that only call net.ParseIP, which does not accept
// these forms. Returns the decoded net.IP and true if host parses as a
// 4-octet address in any mix of decimal/octal/hex notation.
func parseObscuredIPv4(host string) (net.IP, bool) {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return nil, false
	}

	octets := make([]byte, 4)
	for i, p := range parts {
		if p == "" {
			return nil, false
		}
		var v int64
		var err error
		switch {
		case strings.HasPrefix(p, "0x") || strings.HasPrefix(p, "0X"):
			v, err = strconv.ParseInt(p[2:], 16, 64)
		case len(p) > 1 && p[0] == '0':
			v, err = strconv.ParseInt(p, 8, 64)
		default:
			v, err = strconv.ParseInt(p, 10, 64)
		}
		if err != nil || v < 0 || v > 255 {
			return nil, false
		}
		octets[i] = byte(v)
	}
	return net.IPv4(octets[0], octets[1], octets[2], octets[3]), true
}
