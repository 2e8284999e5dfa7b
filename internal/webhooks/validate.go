package webhooks

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// ValidationResult reports whether a webhook target URL is deliverable and,
// when it is not, a reason suitable for showing to the tenant at save time.
type ValidationResult struct {
	Valid  bool
	Reason string
}

func invalid(reason string) ValidationResult { return ValidationResult{Valid: false, Reason: reason} }

// Validator rejects webhook targets that could be used for SSRF: non-HTTPS
// schemes, localhost aliases, and hosts resolving into loopback/private/link-local
// ranges. Applied both when a subscription is saved and again before every
// delivery attempt, since a hostname can re-resolve between the two.
type Validator struct {
	// LookupIP overrides DNS resolution; defaults to net.DefaultResolver.
	LookupIP func(ctx context.Context, network, host string) ([]net.IP, error)
	// AllowPrivate skips the loopback/private checks. Dev and test wiring only.
	AllowPrivate bool
}

func (v *Validator) lookup(ctx context.Context, network, host string) ([]net.IP, error) {
	if v.LookupIP != nil {
		return v.LookupIP(ctx, network, host)
	}
	return net.DefaultResolver.LookupIP(ctx, network, host)
}

// Validate checks a candidate URL against the delivery policy.
func (v *Validator) Validate(ctx context.Context, raw string) ValidationResult {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return invalid("malformed URL")
	}
	if u.Scheme != "https" {
		return invalid("only HTTPS is permitted")
	}
	host := strings.ToLower(u.Hostname())
	if v.AllowPrivate {
		return ValidationResult{Valid: true}
	}
	// Textual localhost aliases are rejected before any resolution happens.
	if host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".localhost") {
		return invalid("localhost targets are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateAddr(ip) {
			return invalid("target resolves to a private or loopback address")
		}
		return ValidationResult{Valid: true}
	}
	addrs, res := v.resolve(ctx, host)
	if !res.Valid {
		return res
	}
	for _, ip := range addrs {
		if isPrivateAddr(ip) {
			return invalid("target resolves to a private or loopback address")
		}
	}
	// Zero records is treated as valid: absence of records does not prove the
	// host is internal, and the dispatcher will surface the DNS failure anyway.
	return ValidationResult{Valid: true}
}

// resolve collects A and AAAA records. A missing record type is tolerated;
// a hard resolver error (no nameserver reachable) fails validation.
func (v *Validator) resolve(ctx context.Context, host string) ([]net.IP, ValidationResult) {
	var addrs []net.IP
	for _, network := range []string{"ip4", "ip6"} {
		ips, err := v.lookup(ctx, network, host)
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				continue
			}
			return nil, invalid("failed to resolve host DNS")
		}
		addrs = append(addrs, ips...)
	}
	return addrs, ValidationResult{Valid: true}
}

func isPrivateAddr(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		}
		return false
	}
	return strings.HasPrefix(ip.String(), "fe80:")
}
