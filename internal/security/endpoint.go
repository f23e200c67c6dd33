package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// Resolver looks up the addresses of a webhook host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// EndpointPolicy decides which operator-supplied webhook URLs the landlord
// may call. The zero value refuses every non-public destination and allows
// plain http.
type EndpointPolicy struct {
	// RequireHTTPS refuses http:// endpoints.
	RequireHTTPS bool

	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver

	// LookupTimeout bounds the DNS lookup. Defaults to 3s.
	LookupTimeout time.Duration
}

var blockedHosts = []string{
	"localhost",
	"metadata.google.internal",
	"metadata.google",
	"metadata.azure.com",
}

// Shared address space (RFC 6598) is not covered by netip.Addr.IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// ErrBlockedEndpoint wraps every refusal caused by the destination address.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

// Validate checks rawURL and, for host names, every address it resolves to.
func (p EndpointPolicy) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if p.RequireHTTPS {
			return fmt.Errorf("URL scheme must be https")
		}
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not embed credentials")
	}

	host := strings.TrimSuffix(u.Hostname(), ".")
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) || strings.HasSuffix(strings.ToLower(host), ".localhost") {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	timeout := p.LookupTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resolver Resolver = net.DefaultResolver
	if p.Resolver != nil {
		resolver = p.Resolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, addr, err)
		}
	}
	return nil
}

// ValidateEndpointURL applies the zero EndpointPolicy.
func ValidateEndpointURL(rawURL string) error {
	return EndpointPolicy{}.Validate(context.Background(), rawURL)
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedEndpoint)
	case addr.IsPrivate(), sharedAddressSpace.Contains(addr):
		return fmt.Errorf("%w: private address", ErrBlockedEndpoint)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedEndpoint)
	case addr.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedEndpoint)
	case addr.IsMulticast():
		return fmt.Errorf("%w: multicast address", ErrBlockedEndpoint)
	}
	return nil
}
