package orchestrator

import (
	"net/url"
	"strings"
)

// AllowList names the hosts a registration may be submitted to. Entries
// are host names, optionally with a leading "*." to match subdomains.
type AllowList struct {
	hosts    map[string]bool
	suffixes []string
}

// NewAllowList builds a list from entries. Ports and case are ignored.
func NewAllowList(entries ...string) *AllowList {
	a := &AllowList{hosts: make(map[string]bool)}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		switch {
		case e == "":
		case strings.HasPrefix(e, "*."):
			a.suffixes = append(a.suffixes, e[1:])
		default:
			a.hosts[e] = true
		}
	}
	return a
}

// DefaultAllowList allows the loopback host only.
func DefaultAllowList() *AllowList {
	return NewAllowList("localhost", "127.0.0.1", "::1")
}

// Allowed reports whether rawURL's host is on the list.
func (a *AllowList) Allowed(rawURL string) bool {
	if a == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if a.hosts[host] {
		return true
	}
	for _, s := range a.suffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

// Entries lists the configured hosts and patterns.
func (a *AllowList) Entries() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.hosts)+len(a.suffixes))
	for h := range a.hosts {
		out = append(out, h)
	}
	for _, s := range a.suffixes {
		out = append(out, "*"+s)
	}
	return out
}
