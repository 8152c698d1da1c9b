package p2pchat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// MDNSServiceName is the DNS-SD service type used for LAN discovery.
const MDNSServiceName = "_parley._udp"

const (
	mdnsConnectTimeout = 5 * time.Second

	// A peer answering several browse rounds is reported and dialed once
	// per interval.
	mdnsDedupeInterval = 30 * time.Second

	mdnsMaxConcurrentConnects = 5

	// Each browse round opens a fresh multicast socket; a single long-lived
	// browse can stall silently on some platforms.
	mdnsBrowseInterval = 30 * time.Second
	mdnsBrowseTimeout  = 10 * time.Second

	// LAN addresses are ephemeral; the next browse refreshes them.
	mdnsAddrTTL = 10 * time.Minute

	// dnsaddrPrefix matches libp2p's TXT record format for multiaddrs.
	dnsaddrPrefix = "dnsaddr="

	mdnsFallbackPort = 4001
)

// MDNSOptions configures LAN discovery. Every field is optional.
type MDNSOptions struct {
	Bus     *EventBus
	Metrics *Metrics

	// PublicIPv6Only applies the host's address policy to LAN results:
	// only global IPv6 addresses are advertised, stored and dialed.
	PublicIPv6Only bool
}

// MDNSDiscovery advertises this node on the LAN and connects to other
// parley nodes it finds there. Each sighting is reported as a
// peer-discovered event.
type MDNSDiscovery struct {
	host   host.Host
	opts   MDNSOptions
	server *zeroconf.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	lastSeen map[peer.ID]time.Time

	dials chan struct{}
}

// NewMDNSDiscovery creates an mDNS discovery service for h.
func NewMDNSDiscovery(h host.Host, opts MDNSOptions) *MDNSDiscovery {
	return &MDNSDiscovery{
		host:     h,
		opts:     opts,
		lastSeen: make(map[peer.ID]time.Time),
		dials:    make(chan struct{}, mdnsMaxConcurrentConnects),
	}
}

// Start registers the service and begins periodic browsing.
func (md *MDNSDiscovery) Start(ctx context.Context) error {
	md.ctx, md.cancel = context.WithCancel(ctx)
	if err := md.advertise(); err != nil {
		md.cancel()
		return err
	}
	md.wg.Add(1)
	go md.browseLoop()
	return nil
}

// Close stops advertising and waits for in-flight connection attempts.
func (md *MDNSDiscovery) Close() error {
	if md.cancel != nil {
		md.cancel()
	}
	if md.server != nil {
		md.server.Shutdown()
	}
	md.wg.Wait()
	return nil
}

func (md *MDNSDiscovery) advertise() error {
	listen, err := md.host.Network().InterfaceListenAddresses()
	if err != nil {
		return fmt.Errorf("mdns: listen addresses: %w", err)
	}
	lan := md.lanAddrs(listen)
	full, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: md.host.ID(), Addrs: lan})
	if err != nil {
		return fmt.Errorf("mdns: build TXT records: %w", err)
	}
	txts := make([]string, 0, len(full))
	for _, a := range full {
		txts = append(txts, dnsaddrPrefix+a.String())
	}

	// DNS-SD requires A/AAAA records and a port even though peers only
	// read the TXT records.
	name := "parley-" + md.host.ID().String()
	server, err := zeroconf.RegisterProxy(name, MDNSServiceName, "local",
		recordPort(lan), name, recordIPs(lan), txts, nil)
	if err != nil {
		return fmt.Errorf("mdns: register: %w", err)
	}
	md.server = server
	slog.Info("mdns: advertising", "addrs", len(txts), "public_ipv6_only", md.opts.PublicIPv6Only)
	return nil
}

func (md *MDNSDiscovery) browseLoop() {
	defer md.wg.Done()

	select {
	case <-time.After(2 * time.Second):
	case <-md.ctx.Done():
		return
	}

	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()

	for {
		md.browseOnce()
		select {
		case <-md.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (md *MDNSDiscovery) browseOnce() {
	ctx, cancel := context.WithTimeout(md.ctx, mdnsBrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 100)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			for _, pi := range peersFromTXT(entry.Text) {
				md.found(pi)
			}
		}
	}()

	// Browse closes entries when it returns.
	if err := zeroconf.Browse(ctx, MDNSServiceName, "local", entries); err != nil && md.ctx.Err() == nil {
		slog.Debug("mdns: browse round error", "error", err)
	}
	<-done
}

// peersFromTXT groups the dnsaddr records of one service entry by peer.
func peersFromTXT(txts []string) []peer.AddrInfo {
	var addrs []ma.Multiaddr
	for _, txt := range txts {
		raw, ok := strings.CutPrefix(txt, dnsaddrPrefix)
		if !ok {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			slog.Debug("mdns: bad multiaddr in TXT", "error", err)
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil
	}
	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		slog.Debug("mdns: TXT records without peer ID", "error", err)
		return nil
	}
	return infos
}

// found handles one LAN sighting of pi.
func (md *MDNSDiscovery) found(pi peer.AddrInfo) {
	if pi.ID == md.host.ID() {
		return
	}
	addrs := md.lanAddrs(pi.Addrs)
	if len(addrs) == 0 {
		md.count("filtered")
		return
	}

	md.mu.Lock()
	if last, ok := md.lastSeen[pi.ID]; ok && time.Since(last) < mdnsDedupeInterval {
		md.mu.Unlock()
		return
	}
	md.lastSeen[pi.ID] = time.Now()
	md.mu.Unlock()

	short := shortID(pi.ID)
	slog.Info("mdns: peer discovered on LAN", "peer", short, "addrs", len(addrs))
	md.count("discovered")
	md.report(pi.ID, addrs)

	md.host.Peerstore().AddAddrs(pi.ID, addrs, mdnsAddrTTL)
	if md.host.Network().Connectedness(pi.ID) == network.Connected {
		return
	}

	select {
	case md.dials <- struct{}{}:
	default:
		slog.Debug("mdns: concurrent connect limit reached, skipping", "peer", short)
		return
	}

	md.wg.Add(1)
	go func() {
		defer md.wg.Done()
		defer func() { <-md.dials }()

		ctx, cancel := context.WithTimeout(md.ctx, mdnsConnectTimeout)
		defer cancel()

		if err := md.host.Connect(ctx, peer.AddrInfo{ID: pi.ID, Addrs: addrs}); err != nil {
			slog.Debug("mdns: connect failed", "peer", short, "error", truncateError(err.Error()))
			return
		}
		slog.Info("mdns: connected to LAN peer", "peer", short)
		md.count("connected")
	}()
}

func (md *MDNSDiscovery) report(id peer.ID, addrs []ma.Multiaddr) {
	if md.opts.Bus == nil {
		return
	}
	strs := make([]string, len(addrs))
	for i, a := range addrs {
		strs[i] = a.String()
	}
	md.opts.Bus.Emit(Event{Type: EventPeerDiscovered, Payload: PeerDiscovered{
		Peer:   id.String(),
		Addrs:  strs,
		Source: DiscoverySourceMDNS,
	}})
}

func (md *MDNSDiscovery) count(result string) {
	if md.opts.Metrics != nil {
		md.opts.Metrics.MDNSDiscoveredTotal.WithLabelValues(result).Inc()
	}
}

// lanAddrs keeps the addresses another LAN node can dial directly, narrowed
// to global IPv6 when PublicIPv6Only is set.
func (md *MDNSDiscovery) lanAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if lanDialable(a) {
			out = append(out, a)
		}
	}
	if md.opts.PublicIPv6Only {
		out = filterPublicIPv6(out)
	}
	return out
}

// lanDialable reports whether addr starts with an IP or a .local name and
// uses no relay or browser transport.
func lanDialable(addr ma.Multiaddr) bool {
	if len(addr) == 0 {
		return false
	}
	for i, p := range addr.Protocols() {
		switch p.Code {
		case ma.P_IP4, ma.P_IP6:
		case ma.P_DNS, ma.P_DNS4, ma.P_DNS6, ma.P_DNSADDR:
			name, _ := addr.ValueForProtocol(p.Code)
			if i != 0 || !strings.HasSuffix(strings.ToLower(name), ".local") {
				return false
			}
		case ma.P_CIRCUIT, ma.P_WEBTRANSPORT, ma.P_WEBRTC, ma.P_WEBRTC_DIRECT, ma.P_WS, ma.P_WSS:
			return false
		default:
			if i == 0 {
				return false
			}
		}
	}
	return true
}

// recordIPs returns at most one IPv4 and one IPv6 address for the A/AAAA
// records, or loopback when addrs carries no IP.
func recordIPs(addrs []ma.Multiaddr) []string {
	var v4, v6 string
	for _, a := range addrs {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.To4() != nil {
			if v4 == "" {
				v4 = ip.String()
			}
		} else if v6 == "" {
			v6 = ip.String()
		}
	}
	var ips []string
	for _, ip := range []string{v4, v6} {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return []string{"127.0.0.1"}
	}
	return ips
}

// recordPort returns the first TCP or UDP port in addrs.
func recordPort(addrs []ma.Multiaddr) int {
	for _, a := range addrs {
		for _, code := range []int{ma.P_TCP, ma.P_UDP} {
			if v, err := a.ValueForProtocol(code); err == nil {
				if port, err := strconv.Atoi(v); err == nil {
					return port
				}
			}
		}
	}
	return mdnsFallbackPort
}
