package webhooks

import (
	"context"
	"net"
	"testing"
)

// staticResolver returns fixed IPs for every lookup.
func staticResolver(ips ...string) func(ctx context.Context, network, host string) ([]net.IP, error) {
	return func(ctx context.Context, network, host string) ([]net.IP, error) {
		var out []net.IP
		for _, s := range ips {
			ip := net.ParseIP(s)
			if network == "ip4" && ip.To4() == nil {
				continue
			}
			if network == "ip6" && ip.To4() != nil {
				continue
			}
			out = append(out, ip)
		}
		if len(out) == 0 {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		return out, nil
	}
}

func TestValidateRejectsNonHTTPS(t *testing.T) {
	v := &Validator{LookupIP: func(ctx context.Context, network, host string) ([]net.IP, error) {
		t.Fatal("lookup should not be called for scheme rejection")
		return nil, nil
	}}
	for _, raw := range []string{"http://example.com/hook", "ftp://example.com/x", "example.com/hook", "://bad"} {
		if res := v.Validate(context.Background(), raw); res.Valid {
			t.Fatalf("%s: expected invalid", raw)
		}
	}
}

func TestValidateRejectsLocalhostWithoutDNS(t *testing.T) {
	v := &Validator{LookupIP: func(ctx context.Context, network, host string) ([]net.IP, error) {
		t.Fatalf("lookup should not be called for %s", host)
		return nil, nil
	}}
	cases := []string{
		"https://localhost/hook",
		"https://LOCALHOST:8443/hook",
		"https://127.0.0.1/hook",
		"https://[::1]/hook",
		"https://app.localhost/hook",
	}
	for _, raw := range cases {
		res := v.Validate(context.Background(), raw)
		if res.Valid {
			t.Fatalf("%s: expected invalid", raw)
		}
		if res.Reason == "" {
			t.Fatalf("%s: expected a reason", raw)
		}
	}
}

func TestValidateRejectsPrivateRanges(t *testing.T) {
	for _, ip := range []string{"10.0.0.5", "172.16.0.1", "172.31.255.9", "192.168.1.10", "127.0.0.53", "fe80::1"} {
		v := &Validator{LookupIP: staticResolver(ip)}
		res := v.Validate(context.Background(), "https://hooks.internal.example/endpoint")
		if res.Valid {
			t.Fatalf("resolving to %s: expected invalid", ip)
		}
	}
}

func TestValidateAcceptsPublicHosts(t *testing.T) {
	for _, ip := range []string{"93.184.216.34", "172.15.0.1", "172.32.0.1", "8.8.8.8", "2606:2800:220:1::1"} {
		v := &Validator{LookupIP: staticResolver(ip)}
		res := v.Validate(context.Background(), "https://hooks.example.com/endpoint")
		if !res.Valid {
			t.Fatalf("resolving to %s: expected valid, got %q", ip, res.Reason)
		}
	}
}

func TestValidateMixedRecordsOnePrivate(t *testing.T) {
	v := &Validator{LookupIP: staticResolver("93.184.216.34", "10.0.0.5")}
	if res := v.Validate(context.Background(), "https://hooks.example.com/x"); res.Valid {
		t.Fatal("one private record should fail the whole host")
	}
}

func TestValidateEmptyDNSIsPermissive(t *testing.T) {
	v := &Validator{LookupIP: func(ctx context.Context, network, host string) ([]net.IP, error) {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}}
	if res := v.Validate(context.Background(), "https://not-yet-registered.example.com/x"); !res.Valid {
		t.Fatalf("no records should validate permissively, got %q", res.Reason)
	}
}

func TestValidateHardResolverErrorFails(t *testing.T) {
	v := &Validator{LookupIP: func(ctx context.Context, network, host string) ([]net.IP, error) {
		return nil, &net.DNSError{Err: "server misbehaving", Name: host, IsTemporary: true}
	}}
	if res := v.Validate(context.Background(), "https://hooks.example.com/x"); res.Valid {
		t.Fatal("hard resolver error should fail validation")
	}
}

func TestValidateLiteralIPSkipsDNS(t *testing.T) {
	v := &Validator{LookupIP: func(ctx context.Context, network, host string) ([]net.IP, error) {
		t.Fatal("lookup should not be called for IP literals")
		return nil, nil
	}}
	if res := v.Validate(context.Background(), "https://10.1.2.3/hook"); res.Valid {
		t.Fatal("private literal should be invalid")
	}
	if res := v.Validate(context.Background(), "https://93.184.216.34/hook"); !res.Valid {
		t.Fatalf("public literal should be valid, got %q", res.Reason)
	}
}

func TestValidateAllowPrivateBypass(t *testing.T) {
	v := &Validator{AllowPrivate: true}
	if res := v.Validate(context.Background(), "https://127.0.0.1:9443/hook"); !res.Valid {
		t.Fatalf("AllowPrivate should bypass the gate, got %q", res.Reason)
	}
	// Scheme check still applies.
	if res := v.Validate(context.Background(), "http://127.0.0.1/hook"); res.Valid {
		t.Fatal("AllowPrivate must not bypass the HTTPS requirement")
	}
}
