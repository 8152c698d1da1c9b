package p2pchat

import (
	"fmt"
	"net"
	"slices"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// InterfaceSummary lists the globally routable addresses found on the
// machine's up interfaces.
type InterfaceSummary struct {
	GlobalIPv4Addrs []string `json:"global_ipv4_addrs,omitempty"`
	GlobalIPv6Addrs []string `json:"global_ipv6_addrs,omitempty"`
}

// HasGlobalIPv6 reports whether any interface carries a global IPv6 address.
func (s *InterfaceSummary) HasGlobalIPv6() bool { return len(s.GlobalIPv6Addrs) > 0 }

// DiscoverInterfaces enumerates up interfaces and collects their global
// unicast addresses.
func DiscoverInterfaces() (*InterfaceSummary, error) {
	return discoverInterfacesFrom(net.Interfaces, func(iface net.Interface) ([]net.Addr, error) {
		return iface.Addrs()
	})
}

func discoverInterfacesFrom(listFn func() ([]net.Interface, error), addrsFn func(net.Interface) ([]net.Addr, error)) (*InterfaceSummary, error) {
	ifaces, err := listFn()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	summary := &InterfaceSummary{}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := addrsFn(iface)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			switch ip := ipNet.IP; {
			case ip.To4() != nil:
				if isGlobalIPv4(ip) {
					summary.GlobalIPv4Addrs = append(summary.GlobalIPv4Addrs, ip.String())
				}
			case isGlobalIPv6(ip):
				summary.GlobalIPv6Addrs = append(summary.GlobalIPv6Addrs, ip.String())
			}
		}
	}

	slices.Sort(summary.GlobalIPv4Addrs)
	slices.Sort(summary.GlobalIPv6Addrs)
	return summary, nil
}

// isGlobalIPv4 returns true if the IPv4 address is globally routable
// (not private, loopback, link-local or CGNAT).
func isGlobalIPv4(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	if ip4.IsPrivate() || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
		return false
	}
	// CGNAT (100.64.0.0/10)
	if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
		return false
	}
	return ip4.IsGlobalUnicast()
}

// isGlobalIPv6 returns true if the IPv6 address is globally routable
// (not ULA, not link-local).
func isGlobalIPv6(ip net.IP) bool {
	if len(ip) != net.IPv6len || ip.To4() != nil {
		return false
	}
	// ULA: fc00::/7
	if (ip[0] & 0xfe) == 0xfc {
		return false
	}
	return ip.IsGlobalUnicast()
}

// filterPublicIPv6 keeps only multiaddrs whose IP component is a global
// IPv6 address. Used when the node sits behind a NAT that only lets IPv6
// through.
func filterPublicIPv6(addrs []ma.Multiaddr) []ma.Multiaddr {
	out := addrs[:0:0]
	for _, a := range addrs {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if isGlobalIPv6(ip) {
			out = append(out, a)
		}
	}
	return out
}
