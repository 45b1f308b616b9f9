// Package security guards the service boundary: outbound image URLs are
// checked before any fetch, and inbound requests are authenticated.
package security

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnsafeURL is returned for image URLs that fail outbound validation.
var ErrUnsafeURL = eris.New("security: unsafe image url")

// DefaultTrustedDomains are the storage domains images are served from.
var DefaultTrustedDomains = []string{"supabase.co", "supabase.in"}

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata":                 true,
	"metadata.google.internal": true,
	"instance-data":            true,
	"metadata.azure.com":       true,
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fd00:ec2::254/128"),
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ImageURLValidator applies the outbound image URL policy.
type ImageURLValidator struct {
	trusted  []string
	resolver Resolver
}

// ValidatorOption configures an ImageURLValidator.
type ValidatorOption func(*ImageURLValidator)

// WithResolver enables a DNS check: every address the host resolves to must
// be public.
func WithResolver(r Resolver) ValidatorOption {
	return func(v *ImageURLValidator) {
		v.resolver = r
	}
}

// NewImageURLValidator builds a validator trusting hosts equal to, or
// subdomains of, the given domains. An empty list falls back to DefaultTrustedDomains.
func NewImageURLValidator(trustedDomains []string, opts ...ValidatorOption) *ImageURLValidator {
	v := &ImageURLValidator{}
	for _, d := range trustedDomains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			v.trusted = append(v.trusted, d)
		}
	}
	if len(v.trusted) == 0 {
		v.trusted = append(v.trusted, DefaultTrustedDomains...)
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// IsValidImageURL checks raw against the default policy without DNS.
func IsValidImageURL(raw string) bool {
	return NewImageURLValidator(nil).Validate(context.Background(), raw) == nil
}

// Validate returns nil when raw may be fetched, or an error wrapping ErrUnsafeURL.
func (v *ImageURLValidator) Validate(ctx context.Context, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return eris.Wrap(ErrUnsafeURL, "security: unparseable url")
	}
	if u.Scheme != "https" {
		return eris.Wrapf(ErrUnsafeURL, "security: scheme %q is not https", u.Scheme)
	}
	if u.User != nil {
		return eris.Wrap(ErrUnsafeURL, "security: credentials in url")
	}
	if p := u.Port(); p != "" && p != "443" {
		return eris.Wrapf(ErrUnsafeURL, "security: port %s not allowed", p)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return eris.Wrap(ErrUnsafeURL, "security: missing host")
	}
	if blockedHostnames[host] || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return eris.Wrapf(ErrUnsafeURL, "security: host %s is blocked", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr) {
			return eris.Wrapf(ErrUnsafeURL, "security: address %s is blocked", host)
		}
		return eris.Wrapf(ErrUnsafeURL, "security: ip literal %s is not a trusted domain", host)
	}
	if !v.isTrusted(host) {
		return eris.Wrapf(ErrUnsafeURL, "security: host %s is not a trusted domain", host)
	}

	if v.resolver != nil {
		addrs, err := v.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return eris.Wrapf(ErrUnsafeURL, "security: resolve %s: %v", host, err)
		}
		for _, a := range addrs {
			ip, ok := netip.AddrFromSlice(a.IP)
			if !ok || isBlockedAddr(ip) {
				return eris.Wrapf(ErrUnsafeURL, "security: %s resolves to blocked address %s", host, a.IP)
			}
		}
	}
	return nil
}

func (v *ImageURLValidator) isTrusted(host string) bool {
	for _, d := range v.trusted {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
