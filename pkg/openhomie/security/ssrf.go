package security

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// alwaysBlockedHosts are denied regardless of configuration.
var alwaysBlockedHosts = []string{
	"localhost.localdomain",
	"metadata.google.internal",
}

// URLGuardConfig configures outbound URL validation for network tools.
type URLGuardConfig struct {
	// AllowPrivate permits requests to private ranges (default false).
	AllowPrivate bool `yaml:"allow_private"`

	// AllowedHosts, if non-empty, is an exact-match whitelist.
	AllowedHosts []string `yaml:"allowed_hosts"`

	// BlockedHosts is an exact-match blacklist, enforced even when
	// AllowPrivate is set.
	BlockedHosts []string `yaml:"blocked_hosts"`

	// ResolveTimeoutMs bounds DNS resolution. Fail closed on expiry.
	ResolveTimeoutMs int `yaml:"resolve_timeout_ms"`

	// MaxRedirects bounds redirect chains; each hop is re-validated.
	MaxRedirects int `yaml:"max_redirects"`
}

// URLGuard validates URLs before outgoing requests. Hostnames are resolved
// before the request so DNS rebinding cannot swap a public name for an
// internal address between check and fetch.
type URLGuard struct {
	cfg     URLGuardConfig
	logger  *slog.Logger
	resolve func(ctx context.Context, host string) ([]string, error)
}

// NewURLGuard creates a guard from config.
func NewURLGuard(cfg URLGuardConfig, logger *slog.Logger) *URLGuard {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResolveTimeoutMs <= 0 {
		cfg.ResolveTimeoutMs = 5000
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	return &URLGuard{
		cfg:    cfg,
		logger: logger.With("component", "url_guard"),
		resolve: func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		},
	}
}

// Check validates a URL for fetching. Returns nil only when the scheme is
// http(s), the host passes literal and list checks, and every resolved IP is
// publicly routable (or private and explicitly allowed).
func (g *URLGuard) Check(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		g.logger.Warn("url blocked: scheme", "url", rawURL, "scheme", scheme)
		return fmt.Errorf("scheme %q not allowed (use http or https)", scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("no host in URL")
	}

	// Reject legacy IPv4 literal forms (octal, hex, short, packed integer)
	// before resolution; systems disagree on how to parse them.
	if err := validateIPv4Literal(host); err != nil {
		g.logger.Warn("url blocked: ipv4 literal form", "url", rawURL, "host", host)
		return err
	}

	hostLower := strings.ToLower(host)
	if hostLower == "localhost" || hostLower == "0.0.0.0" {
		g.logger.Warn("url blocked: localhost", "url", rawURL)
		return fmt.Errorf("host %s is not allowed", host)
	}
	for _, blocked := range alwaysBlockedHosts {
		if hostLower == blocked {
			g.logger.Warn("url blocked: builtin blocklist", "url", rawURL, "host", host)
			return fmt.Errorf("host %s is not allowed", host)
		}
	}
	for _, blocked := range g.cfg.BlockedHosts {
		if strings.EqualFold(host, blocked) {
			g.logger.Warn("url blocked: blocklist", "url", rawURL, "host", host)
			return fmt.Errorf("host %s is blocked", host)
		}
	}
	if len(g.cfg.AllowedHosts) > 0 {
		allowed := false
		for _, h := range g.cfg.AllowedHosts {
			if strings.EqualFold(host, h) {
				allowed = true
				break
			}
		}
		if !allowed {
			g.logger.Warn("url blocked: not in allowlist", "url", rawURL, "host", host)
			return fmt.Errorf("host %s is not in the allowed list", host)
		}
	}

	resolveCtx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.ResolveTimeoutMs)*time.Millisecond)
	defer cancel()
	ips, err := g.resolve(resolveCtx, host)
	if err != nil {
		// Fail closed: unresolvable means unfetchable.
		return fmt.Errorf("cannot resolve host %s: %w", host, err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			g.logger.Warn("url blocked: unparseable resolved IP", "url", rawURL, "ip", ipStr)
			return fmt.Errorf("unrecognised IP %q for host %s", ipStr, host)
		}
		if err := g.checkIP(ip, rawURL); err != nil {
			return err
		}
	}
	return nil
}

// Client returns an http.Client whose redirect hops are re-validated through
// the guard, bounded by MaxRedirects.
func (g *URLGuard) Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= g.cfg.MaxRedirects {
				return fmt.Errorf("too many redirects (max %d)", g.cfg.MaxRedirects)
			}
			return g.Check(req.Context(), req.URL.String())
		},
	}
}

// checkIP rejects loopback, private (unless allowed), link-local, multicast,
// and unspecified addresses, plus IPv6 transition addresses that embed one.
func (g *URLGuard) checkIP(ip net.IP, rawURL string) error {
	if embedded := extractEmbeddedIPv4(ip); embedded != nil {
		if err := g.checkIP(embedded, rawURL); err != nil {
			return fmt.Errorf("transition address %s embeds blocked IPv4: %w", ip.String(), err)
		}
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}

	switch {
	case ip.IsLoopback():
		g.logger.Warn("url blocked: loopback", "url", rawURL, "ip", ip.String())
		return fmt.Errorf("loopback IP %s is not allowed", ip.String())
	case ip.IsUnspecified():
		g.logger.Warn("url blocked: unspecified", "url", rawURL)
		return fmt.Errorf("unspecified IP %s is not allowed", ip.String())
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		// Includes the 169.254.169.254 cloud metadata endpoint.
		g.logger.Warn("url blocked: link-local", "url", rawURL, "ip", ip.String())
		return fmt.Errorf("link-local IP %s is not allowed", ip.String())
	case ip.IsMulticast():
		g.logger.Warn("url blocked: multicast", "url", rawURL, "ip", ip.String())
		return fmt.Errorf("multicast IP %s is not allowed", ip.String())
	case ip.IsPrivate():
		if !g.cfg.AllowPrivate {
			g.logger.Warn("url blocked: private", "url", rawURL, "ip", ip.String())
			return fmt.Errorf("private IP %s is not allowed", ip.String())
		}
	}
	return nil
}

// validateIPv4Literal enforces strict dotted-decimal form for hosts that look
// like IPv4 literals. 127.0.0.1 passes; 0177.0.0.1 (octal), 0x7f000001 (hex),
// 127.1 (short), and 2130706433 (packed) do not.
func validateIPv4Literal(host string) error {
	if strings.Contains(strings.ToLower(host), "0x") {
		return fmt.Errorf("hex IPv4 notation not allowed")
	}
	if !looksLikeIPv4(host) {
		return nil
	}

	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return fmt.Errorf("non-standard IPv4 notation not allowed (use dotted-decimal, e.g. 127.0.0.1)")
	}
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("empty octet in IPv4 address")
		}
		if len(part) > 1 && part[0] == '0' {
			return fmt.Errorf("octal IPv4 notation not allowed")
		}
		val := 0
		for _, c := range part {
			if c < '0' || c > '9' {
				return fmt.Errorf("invalid character in IPv4 address")
			}
			val = val*10 + int(c-'0')
		}
		if val > 255 {
			return fmt.Errorf("IPv4 octet out of range")
		}
	}
	return nil
}

// looksLikeIPv4 reports whether a hostname consists only of digits and dots
// (so it must be treated as an IPv4 literal, not a DNS name).
func looksLikeIPv4(host string) bool {
	if host == "" {
		return false
	}
	digits := 0
	for _, c := range host {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
		default:
			return false
		}
	}
	return digits > 0
}

// extractEmbeddedIPv4 pulls the IPv4 address out of NAT64 (64:ff9b::/96),
// 6to4 (2002::/16), Teredo (2001:0::/32), and ISATAP (::5efe:x.x.x.x)
// addresses. Returns nil for plain IPv6.
func extractEmbeddedIPv4(ip net.IP) net.IP {
	ip6 := ip.To16()
	if ip6 == nil || ip.To4() != nil {
		return nil
	}

	// NAT64: last 4 bytes are the IPv4 address.
	if ip6[0] == 0x00 && ip6[1] == 0x64 && ip6[2] == 0xff && ip6[3] == 0x9b &&
		isZero(ip6[4:12]) {
		return net.IP(ip6[12:16])
	}
	// 6to4: bytes 2-5.
	if ip6[0] == 0x20 && ip6[1] == 0x02 {
		return net.IP(ip6[2:6])
	}
	// Teredo: last 4 bytes XOR 0xFFFFFFFF.
	if ip6[0] == 0x20 && ip6[1] == 0x01 && ip6[2] == 0x00 && ip6[3] == 0x00 {
		out := make(net.IP, 4)
		binary.BigEndian.PutUint32(out, binary.BigEndian.Uint32(ip6[12:16])^0xFFFFFFFF)
		return out
	}
	// ISATAP: bytes 10-11 are 0x5e,0xfe.
	if ip6[10] == 0x5e && ip6[11] == 0xfe {
		return net.IP(ip6[12:16])
	}
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
