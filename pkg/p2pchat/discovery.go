package p2pchat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multihash"
)

const (
	// DefaultRoomLookupInterval is how often the current room is re-provided
	// and its providers looked up again.
	DefaultRoomLookupInterval = 30 * time.Second

	// providerConnectTimeout bounds each dial to a discovered provider.
	providerConnectTimeout = 10 * time.Second

	// maxProvidersPerLookup caps FindProvidersAsync results.
	maxProvidersPerLookup = 20

	// maxConcurrentProviderDials limits simultaneous provider dials.
	maxConcurrentProviderDials = 4
)

// RoomKey returns the DHT key under which members of room announce
// themselves: a CIDv1 (raw codec) of the SHA2-256 multihash of the topic.
func RoomKey(room string) (cid.Cid, error) {
	mh, err := multihash.Sum([]byte(TopicForRoom(room)), multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("room key: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// RoomDiscovery finds other members of the current room through the
// Kademlia DHT. The node provides the room key and dials every provider it
// finds, periodically, until the room changes.
type RoomDiscovery struct {
	host     host.Host
	dht      *dht.IpfsDHT
	metrics  *Metrics
	interval time.Duration

	mu         sync.Mutex
	room       string
	roomCancel context.CancelFunc

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRoomDiscovery starts a DHT in auto-server mode under the namespace's
// protocol prefix and bootstraps its routing table.
func NewRoomDiscovery(ctx context.Context, h host.Host, namespace string, bootstrap []peer.AddrInfo, interval time.Duration, m *Metrics) (*RoomDiscovery, error) {
	if interval <= 0 {
		interval = DefaultRoomLookupInterval
	}
	prefix := DHTProtocolPrefixForNamespace(namespace)

	opts := []dht.Option{
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(prefix)),
	}
	if len(bootstrap) > 0 {
		opts = append(opts, dht.BootstrapPeers(bootstrap...))
	}

	kdht, err := dht.New(ctx, h, opts...)
	if err != nil {
		return nil, fmt.Errorf("DHT error: %w", err)
	}
	if err := kdht.Bootstrap(ctx); err != nil {
		kdht.Close()
		return nil, fmt.Errorf("DHT bootstrap error: %w", err)
	}

	d := &RoomDiscovery{
		host:     h,
		dht:      kdht,
		metrics:  m,
		interval: interval,
		sem:      make(chan struct{}, maxConcurrentProviderDials),
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	slog.Info("dht: started", "protocol", prefix+"/kad/1.0.0", "bootstrap", len(bootstrap))
	return d, nil
}

// SetRoom switches the lookup loop to room. An empty room stops it.
func (d *RoomDiscovery) SetRoom(room string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.roomCancel != nil {
		d.roomCancel()
		d.roomCancel = nil
	}
	d.room = room
	if room == "" || d.ctx.Err() != nil {
		return
	}

	key, err := RoomKey(room)
	if err != nil {
		slog.Warn("dht: cannot derive room key", "room", room, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(d.ctx)
	d.roomCancel = cancel
	d.wg.Add(1)
	go d.lookupLoop(ctx, room, key)
}

// Close stops lookups and the DHT.
func (d *RoomDiscovery) Close() error {
	d.cancel()
	d.wg.Wait()
	return d.dht.Close()
}

func (d *RoomDiscovery) lookupLoop(ctx context.Context, room string, key cid.Cid) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.lookupOnce(ctx, room, key)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *RoomDiscovery) lookupOnce(ctx context.Context, room string, key cid.Cid) {
	// Provide fails while the routing table is empty; the next round retries.
	if err := d.dht.Provide(ctx, key, true); err != nil {
		if ctx.Err() == nil {
			slog.Debug("dht: provide failed", "room", room, "error", truncateError(err.Error()))
		}
	}

	found := 0
	for pi := range d.dht.FindProvidersAsync(ctx, key, maxProvidersPerLookup) {
		if pi.ID == d.host.ID() {
			continue
		}
		found++
		if d.metrics != nil {
			d.metrics.DHTProvidersFoundTotal.Inc()
		}
		if d.host.Network().Connectedness(pi.ID) == network.Connected {
			continue
		}
		d.dialProvider(ctx, pi)
	}
	if found > 0 {
		slog.Debug("dht: room providers found", "room", room, "count", found)
	}
}

func (d *RoomDiscovery) dialProvider(ctx context.Context, pi peer.AddrInfo) {
	select {
	case d.sem <- struct{}{}:
	default:
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()

		cctx, cancel := context.WithTimeout(ctx, providerConnectTimeout)
		defer cancel()
		if err := d.host.Connect(cctx, pi); err != nil {
			slog.Debug("dht: provider dial failed", "peer", shortID(pi.ID), "error", truncateError(err.Error()))
			return
		}
		slog.Info("dht: connected to room member", "peer", shortID(pi.ID))
	}()
}
