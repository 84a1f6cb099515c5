package webhook

import (
	"fmt"
	"net"
	"strings"
)

// Allowlist matches source IPs against exact entries or CIDR ranges. An
// empty allowlist admits everyone; the signature check still applies.
type Allowlist struct {
	exact map[string]struct{}
	nets  []*net.IPNet
}

func NewAllowlist(entries []string) (*Allowlist, error) {
	a := &Allowlist{exact: make(map[string]struct{})}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist cidr %q: %w", entry, err)
			}
			a.nets = append(a.nets, network)
			continue
		}
		if net.ParseIP(entry) == nil {
			return nil, fmt.Errorf("invalid allowlist address %q", entry)
		}
		a.exact[entry] = struct{}{}
	}
	return a, nil
}

func (a *Allowlist) Empty() bool {
	return a == nil || (len(a.exact) == 0 && len(a.nets) == 0)
}

func (a *Allowlist) Allows(ip string) bool {
	if a.Empty() {
		return true
	}
	ip = strings.TrimSpace(ip)
	if _, ok := a.exact[ip]; ok {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range a.nets {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}
