package seccomp

import (
	"fmt"
	"net"
)

// NetworkPolicy is the allowlist pkg/netproxy validates connect() requests
// against (spec.md §4.6). AllowAll bypasses the allowlist entirely.
type NetworkPolicy struct {
	AllowAll bool
	CIDRs    []*net.IPNet
}

// NewNetworkPolicy parses the given CIDR strings into a NetworkPolicy.
func NewNetworkPolicy(cidrs []string) (NetworkPolicy, error) {
	var np NetworkPolicy
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return NetworkPolicy{}, fmt.Errorf("seccomp: invalid CIDR %q: %w", c, err)
		}
		np.CIDRs = append(np.CIDRs, ipnet)
	}
	return np, nil
}

// Allowed reports whether addr is permitted to be the target of a
// sandboxee connect().
func (np NetworkPolicy) Allowed(addr net.IP) bool {
	if np.AllowAll {
		return true
	}
	for _, n := range np.CIDRs {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
