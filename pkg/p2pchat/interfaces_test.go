package p2pchat

import (
	"errors"
	"net"
	"slices"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
)

func TestIsGlobalIPv4(t *testing.T) {
	tests := []struct {
		ip     string
		global bool
	}{
		{"8.8.8.8", true},
		{"203.0.113.50", true},
		{"10.0.0.1", false},
		{"172.16.0.1", false},
		{"192.168.1.1", false},
		{"100.64.0.1", false}, // CGNAT
		{"169.254.1.1", false},
		{"127.0.0.1", false},
		{"2001:db8::1", false},
	}
	for _, tt := range tests {
		if got := isGlobalIPv4(net.ParseIP(tt.ip)); got != tt.global {
			t.Errorf("isGlobalIPv4(%s) = %v, want %v", tt.ip, got, tt.global)
		}
	}
}

func TestIsGlobalIPv6(t *testing.T) {
	tests := []struct {
		ip     string
		global bool
	}{
		{"2001:db8::1", true},
		{"2600:1700::1", true},
		{"fd00::1", false}, // ULA
		{"fe80::1", false}, // link-local
		{"::1", false},
		{"8.8.8.8", false},
	}
	for _, tt := range tests {
		if got := isGlobalIPv6(net.ParseIP(tt.ip)); got != tt.global {
			t.Errorf("isGlobalIPv6(%s) = %v, want %v", tt.ip, got, tt.global)
		}
	}
}

func TestDiscoverInterfacesFrom(t *testing.T) {
	ifaces := []net.Interface{
		{Index: 1, Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
		{Index: 2, Name: "eth0", Flags: net.FlagUp},
		{Index: 3, Name: "down0"},
	}
	addrs := map[string][]string{
		"lo":    {"127.0.0.1/8", "::1/128"},
		"eth0":  {"192.168.1.5/24", "8.8.4.4/24", "2001:db8::5/64", "fe80::1/64", "fd12::1/64"},
		"down0": {"1.1.1.1/32"},
	}

	summary, err := discoverInterfacesFrom(
		func() ([]net.Interface, error) { return ifaces, nil },
		func(iface net.Interface) ([]net.Addr, error) {
			var out []net.Addr
			for _, cidr := range addrs[iface.Name] {
				ip, ipNet, err := net.ParseCIDR(cidr)
				if err != nil {
					t.Fatalf("bad CIDR %s", cidr)
				}
				ipNet.IP = ip
				out = append(out, ipNet)
			}
			return out, nil
		},
	)
	if err != nil {
		t.Fatalf("discoverInterfacesFrom: %v", err)
	}
	if !slices.Equal(summary.GlobalIPv4Addrs, []string{"8.8.4.4"}) {
		t.Errorf("GlobalIPv4Addrs = %v", summary.GlobalIPv4Addrs)
	}
	if !slices.Equal(summary.GlobalIPv6Addrs, []string{"2001:db8::5"}) {
		t.Errorf("GlobalIPv6Addrs = %v", summary.GlobalIPv6Addrs)
	}
	if !summary.HasGlobalIPv6() {
		t.Error("HasGlobalIPv6 = false")
	}
}

func TestDiscoverInterfacesFromError(t *testing.T) {
	_, err := discoverInterfacesFrom(
		func() ([]net.Interface, error) { return nil, errors.New("boom") },
		nil,
	)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestFilterPublicIPv6(t *testing.T) {
	in := []ma.Multiaddr{
		ma.StringCast("/ip4/8.8.8.8/tcp/4001"),
		ma.StringCast("/ip6/2001:db8::1/tcp/4001"),
		ma.StringCast("/ip6/fe80::1/tcp/4001"),
		ma.StringCast("/ip6/::1/udp/4001/quic-v1"),
		ma.StringCast("/ip6/2001:db8::2/udp/4001/quic-v1"),
	}
	got := filterPublicIPv6(in)
	if len(got) != 2 {
		t.Fatalf("filterPublicIPv6 kept %d addrs, want 2: %v", len(got), got)
	}
	if len(in) != 5 {
		t.Error("filterPublicIPv6 modified its input")
	}
}
