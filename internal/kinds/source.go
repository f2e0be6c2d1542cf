package kinds

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/manthysbr/browserq/internal/core/ports"
)

// Source is the page a job works on: a URL to load or inline HTML.
type Source struct {
	URL  string `json:"url,omitempty"`
	HTML string `json:"html,omitempty"`
}

func sourceProperties(s *openapi3.Schema) *openapi3.Schema {
	return s.
		WithProperty("url", openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(8192)).
		WithProperty("html", openapi3.NewStringSchema().WithMinLength(1))
}

var blockedNames = []string{
	"localhost",
	"metadata.google.internal",
	"metadata.google",
}

// Carrier-grade NAT space; cloud metadata services also live here.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// Resolver looks up the addresses behind a URL host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// check requires exactly one of URL and HTML and vets the URL target.
func (s Source) check(ctx context.Context, opts Options) error {
	switch {
	case s.URL == "" && s.HTML == "":
		return errors.New("one of url or html is required")
	case s.URL != "" && s.HTML != "":
		return errors.New("url and html are mutually exclusive")
	case s.HTML != "":
		return nil
	}

	parsed, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme %q is not allowed", parsed.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if host == "" {
		return errors.New("url has no host")
	}
	if opts.AllowPrivateURLs {
		return nil
	}
	if isBlockedName(host) {
		return fmt.Errorf("url host %q is not allowed", host)
	}

	addrs, err := hostAddrs(ctx, opts.resolver(), host)
	if err != nil {
		return fmt.Errorf("failed to resolve url host %q: %w", host, err)
	}
	for _, addr := range addrs {
		if isBlockedAddr(addr) {
			return fmt.Errorf("url host %q resolves to disallowed address %s", host, addr)
		}
	}
	return nil
}

func isBlockedName(host string) bool {
	for _, b := range blockedNames {
		if host == b {
			return true
		}
	}
	return strings.HasSuffix(host, ".localhost")
}

// hostAddrs returns the addresses a browser would connect to for host.
// Numeric hosts are parsed the way URL parsers do, including the
// shorthand IPv4 forms ("127.1", "0x7f000001", "2130706433").
func hostAddrs(ctx context.Context, r Resolver, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	if addr, ok := parseShorthandIPv4(host); ok {
		return []netip.Addr{addr}, nil
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("no addresses")
	}
	return addrs, nil
}

func parseShorthandIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		v, ok := parseIPv4Part(p)
		if !ok {
			return netip.Addr{}, false
		}
		vals[i] = v
	}

	last := len(vals) - 1
	if vals[last] >= 1<<(8*(4-last)) {
		return netip.Addr{}, false
	}
	n := vals[last]
	for i, v := range vals[:last] {
		if v > 255 {
			return netip.Addr{}, false
		}
		n |= v << (8 * (3 - i))
	}
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), true
}

// parseIPv4Part reads one decimal, 0x-hex or 0-octal component.
func parseIPv4Part(p string) (uint64, bool) {
	if p == "" {
		return 0, false
	}
	base := 10
	switch {
	case strings.HasPrefix(p, "0x"):
		p, base = p[2:], 16
		if p == "" {
			return 0, true
		}
	case len(p) > 1 && p[0] == '0':
		p, base = p[1:], 8
	}
	v, err := strconv.ParseUint(p, base, 32)
	return v, err == nil
}

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || sharedAddressSpace.Contains(addr.WithZone(""))
}

// load opens the source in page.
func (s Source) load(ctx context.Context, page ports.Page) error {
	if s.HTML != "" {
		if err := page.SetContent(ctx, s.HTML); err != nil {
			return fmt.Errorf("set content: %w", err)
		}
		return nil
	}
	if err := page.Navigate(ctx, s.URL); err != nil {
		return fmt.Errorf("navigate to %s: %w", s.URL, err)
	}
	return nil
}
