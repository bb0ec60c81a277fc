// Package guard holds the input checks applied where regprobe takes a URL
// or a secret from outside: scheme and host validation, private-address
// (SSRF) rejection, secret length, and bounded reads.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// MinSecretLen is the shortest secret accepted for sealing data at rest.
const MinSecretLen = 16

var (
	ErrSecretTooShort = fmt.Errorf("guard: secret must be at least %d bytes", MinSecretLen)
	ErrUnsafeScheme   = errors.New("guard: only http and https urls are allowed")
	ErrNoHost         = errors.New("guard: url has no host")
	ErrPrivateTarget  = errors.New("guard: url targets a private or loopback address")
	ErrTooLarge       = errors.New("guard: body exceeds limit")
)

// ValidateSecret rejects secrets shorter than MinSecretLen.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// CheckURL parses raw and requires an absolute http(s) url with a host.
func CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("guard: invalid url: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return nil, ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return nil, ErrNoHost
	}
	return u, nil
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// PublicURL is CheckURL plus a check that the host is not, and does not
// resolve to, a private, loopback, link-local or unspecified address. A
// lookup failure is let through; the connection fails later anyway.
func PublicURL(ctx context.Context, raw string, r Resolver) error {
	u, err := CheckURL(raw)
	if err != nil {
		return err
	}
	host := u.Hostname()
	if ip, err := netip.ParseAddr(host); err == nil {
		if Private(ip) {
			return ErrPrivateTarget
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return ErrPrivateTarget
	}
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip, err := netip.ParseAddr(a); err == nil && Private(ip) {
			return ErrPrivateTarget
		}
	}
	return nil
}

// Private reports whether ip is not publicly routable.
func Private(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// LimitedReadAll reads r fully, failing with ErrTooLarge past max bytes.
func LimitedReadAll(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, max)
	}
	return data, nil
}
