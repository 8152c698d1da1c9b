package p2pchat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	rcmgr "github.com/libp2p/go-libp2p/p2p/host/resource-manager"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/sync/errgroup"
)

// DHTProtocolPrefix is the protocol prefix of the parley Kademlia DHT,
// which keeps room records off the public IPFS DHT.
const DHTProtocolPrefix = "/parley"

// DHTProtocolPrefixForNamespace returns the DHT protocol prefix for a
// network namespace. An empty namespace returns DHTProtocolPrefix.
func DHTProtocolPrefixForNamespace(namespace string) string {
	if namespace == "" {
		return DHTProtocolPrefix
	}
	return DHTProtocolPrefix + "/" + namespace
}

// DefaultListenAddresses are used when no listen addresses are configured.
var DefaultListenAddresses = []string{
	"/ip4/0.0.0.0/tcp/0",
	"/ip6/::/tcp/0",
	"/ip4/0.0.0.0/udp/0/quic-v1",
	"/ip6/::/udp/0/quic-v1",
}

// truncateError returns the first line of an error string, capped at 200 chars.
// libp2p dial errors list every address attempt.
func truncateError(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// Network owns the libp2p host and its identity.
type Network struct {
	host host.Host
}

// NetworkConfig configures New.
type NetworkConfig struct {
	KeyFile         string         // empty = ephemeral identity
	PrivateKey      crypto.PrivKey // overrides KeyFile, e.g. an unsealed key
	ListenAddresses []string       // empty = DefaultListenAddresses
	UserAgent       string         // identify user agent, e.g. "parley/0.1.0"

	// PublicIPv6Only restricts advertised addresses to global IPv6.
	PublicIPv6Only bool

	ResourceLimitsEnabled bool

	// ConnectionGater, when set, vets every dial and inbound connection.
	ConnectionGater connmgr.ConnectionGater

	// Metrics enables libp2p's Prometheus collectors on Metrics.Registry.
	// nil disables libp2p metrics.
	Metrics *Metrics
}

// New creates the libp2p host and binds its listen addresses. A bind
// failure is reported as ErrTransportBind.
func New(cfg *NetworkConfig) (*Network, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, err = LoadOrCreateIdentity(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity: %w", err)
		}
	}

	listen := cfg.ListenAddresses
	if len(listen) == 0 {
		listen = DefaultListenAddresses
	}

	// TCP and QUIC first, WebSocket last for restrictive networks.
	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(ws.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ListenAddrStrings(listen...),
	}

	if cfg.Metrics != nil {
		hostOpts = append(hostOpts, libp2p.PrometheusRegisterer(cfg.Metrics.Registry))
	} else {
		hostOpts = append(hostOpts, libp2p.DisableMetrics())
	}

	if cfg.ConnectionGater != nil {
		hostOpts = append(hostOpts, libp2p.ConnectionGater(cfg.ConnectionGater))
	}

	if cfg.UserAgent != "" {
		hostOpts = append(hostOpts, libp2p.UserAgent(cfg.UserAgent))
	}

	if cfg.PublicIPv6Only {
		hostOpts = append(hostOpts, libp2p.AddrsFactory(func(addrs []ma.Multiaddr) []ma.Multiaddr {
			return filterPublicIPv6(globalIPv6AddrsFactory(addrs))
		}))
	} else {
		hostOpts = append(hostOpts, libp2p.AddrsFactory(globalIPv6AddrsFactory))
	}

	if cfg.ResourceLimitsEnabled {
		limits := rcmgr.DefaultLimits
		libp2p.SetDefaultServiceLimits(&limits)
		scaled := limits.AutoScale()

		var rmOpts []rcmgr.Option
		if cfg.Metrics != nil {
			rcmgr.MustRegisterWith(cfg.Metrics.Registry)
			str, err := rcmgr.NewStatsTraceReporter()
			if err != nil {
				slog.Warn("network: failed to create rcmgr stats reporter", "error", err)
			} else {
				rmOpts = append(rmOpts, rcmgr.WithTraceReporter(str))
			}
		}

		rm, err := rcmgr.NewResourceManager(rcmgr.NewFixedLimiter(scaled), rmOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource manager: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.ResourceManager(rm))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTransportBind, truncateError(err.Error()))
	}

	slog.Info("network: host started", "peer", shortID(h.ID()), "listen", len(h.Network().ListenAddresses()))

	return &Network{host: h}, nil
}

// globalIPv6AddrsFactory adds global IPv6 addresses from every interface
// to the advertised address set. libp2p only reports addresses from the
// default-route interface, so a secondary interface with global IPv6 would
// otherwise never be advertised.
func globalIPv6AddrsFactory(addrs []ma.Multiaddr) []ma.Multiaddr {
	for _, a := range addrs {
		ip, err := manet.ToIP(a)
		if err == nil && isGlobalIPv6(ip) {
			return addrs
		}
	}

	// The wildcard listener binds [::]:PORT, so the loopback entry carries
	// the port every IPv6 interface shares.
	var tcpPort, quicPort string
	for _, a := range addrs {
		first, _ := ma.SplitFirst(a)
		if first == nil || first.Protocol().Code != ma.P_IP6 || first.Value() != "::1" {
			continue
		}
		ma.ForEach(a, func(c ma.Component) bool {
			switch c.Protocol().Code {
			case ma.P_TCP:
				if tcpPort == "" {
					tcpPort = c.Value()
				}
			case ma.P_UDP:
				if quicPort == "" {
					quicPort = c.Value()
				}
			}
			return true
		})
	}
	if tcpPort == "" && quicPort == "" {
		return addrs
	}

	summary, err := DiscoverInterfaces()
	if err != nil || !summary.HasGlobalIPv6() {
		return addrs
	}

	for _, ip6 := range summary.GlobalIPv6Addrs {
		if tcpPort != "" {
			if addr, err := ma.NewMultiaddr("/ip6/" + ip6 + "/tcp/" + tcpPort); err == nil {
				addrs = append(addrs, addr)
			}
		}
		if quicPort != "" {
			if addr, err := ma.NewMultiaddr("/ip6/" + ip6 + "/udp/" + quicPort + "/quic-v1"); err == nil {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs
}

// Host returns the underlying libp2p host.
func (n *Network) Host() host.Host {
	return n.host
}

// PeerID returns the peer ID of this node.
func (n *Network) PeerID() peer.ID {
	return n.host.ID()
}

// ListenAddrs yields the node's current addresses, each suffixed with
// /p2p/<peer id>. The sequence is computed from the host on every range,
// so it always reflects the latest bound set.
func (n *Network) ListenAddrs() iter.Seq[ma.Multiaddr] {
	return func(yield func(ma.Multiaddr) bool) {
		if n == nil || n.host == nil {
			return
		}
		full, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{
			ID:    n.host.ID(),
			Addrs: n.host.Addrs(),
		})
		if err != nil {
			return
		}
		for _, a := range full {
			if !yield(a) {
				return
			}
		}
	}
}

// AddrStrings returns ListenAddrs as strings.
func (n *Network) AddrStrings() []string {
	out := []string{}
	for a := range n.ListenAddrs() {
		out = append(out, a.String())
	}
	return out
}

// Close shuts down the host.
func (n *Network) Close() error {
	return n.host.Close()
}

// ParsePeerAddrs parses full /p2p/ multiaddrs into AddrInfos, merging
// addresses that belong to the same peer.
func ParsePeerAddrs(addrs []string) ([]peer.AddrInfo, error) {
	var infos []peer.AddrInfo
	index := make(map[peer.ID]int)

	for _, s := range addrs {
		maddr, err := ma.NewMultiaddr(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid peer addr %s: %w", s, err)
		}
		ai, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("cannot parse peer addr %s: %w", s, err)
		}
		if i, ok := index[ai.ID]; ok {
			infos[i].Addrs = append(infos[i].Addrs, ai.Addrs...)
			continue
		}
		index[ai.ID] = len(infos)
		infos = append(infos, *ai)
	}
	return infos, nil
}

// connectAll dials every peer in infos concurrently and returns how many
// succeeded. Failures are logged at debug level.
func connectAll(ctx context.Context, h host.Host, infos []peer.AddrInfo) int {
	var g errgroup.Group
	var connected atomic.Int32
	for _, pi := range infos {
		g.Go(func() error {
			if err := h.Connect(ctx, pi); err != nil {
				slog.Debug("network: bootstrap dial failed", "peer", shortID(pi.ID), "error", truncateError(err.Error()))
				return nil
			}
			connected.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(connected.Load())
}
