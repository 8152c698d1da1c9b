package p2pchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"

	"github.com/shurlinet/parley/internal/validate"
)

// NodeConfig configures a Node.
type NodeConfig struct {
	Network NetworkConfig
	Room    RoomConfig

	DialTimeout time.Duration

	MDNSEnabled        bool
	DHTEnabled         bool
	DHTNamespace       string
	BootstrapPeers     []string
	RoomLookupInterval time.Duration

	Metrics *Metrics
	Audit   *AuditLogger
}

// NodeInfo is the get_node_info snapshot.
type NodeInfo struct {
	PeerID         string   `json:"peer_id"`
	Addresses      []string `json:"addresses"`
	ConnectedPeers []string `json:"connected_peers"`
	Room           string   `json:"room,omitempty"`
	RoomMembers    []string `json:"room_members"`
}

// Node is the chat node: one owned object holding the host, the
// connection manager, the room engine and discovery. Every command goes
// through its methods. The event bus exists from construction, so
// subscribers may attach before Init.
type Node struct {
	cfg NodeConfig
	bus *EventBus

	initMu sync.Mutex // serializes Init and Close

	mu     sync.RWMutex // guards the fields below
	net    *Network
	ps     *pubsub.PubSub
	conns  *ConnManager
	rooms  *RoomEngine
	dht    *RoomDiscovery
	mdns   *MDNSDiscovery
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates an uninitialized node.
func NewNode(cfg NodeConfig) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:    cfg,
		bus:    NewEventBus(cfg.Metrics),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Init starts the host and background services and returns the node's
// peer ID. Calling it again returns the same ID without side effects.
func (n *Node) Init(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.initMu.Lock()
	defer n.initMu.Unlock()

	n.mu.RLock()
	closed, existing := n.closed, n.net
	n.mu.RUnlock()
	if closed {
		return "", errors.New("node closed")
	}
	if existing != nil {
		return existing.PeerID().String(), nil
	}

	nw, err := New(&n.cfg.Network)
	if err != nil {
		return "", err
	}
	h := nw.Host()

	fail := func(err error) (string, error) {
		nw.Close()
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	conns := NewConnManager(h, n.bus, n.cfg.Metrics, n.cfg.Audit, n.cfg.DialTimeout)
	if err := conns.Start(n.ctx); err != nil {
		return fail(err)
	}

	ps, err := NewGossipSub(n.ctx, h)
	if err != nil {
		conns.Close()
		return fail(err)
	}
	rooms := NewRoomEngine(n.ctx, h, ps, n.bus, n.cfg.Room, n.cfg.Metrics, n.cfg.Audit)

	bootstrap, err := ParsePeerAddrs(n.cfg.BootstrapPeers)
	if err != nil {
		slog.Warn("node: ignoring invalid bootstrap peers", "error", err)
		bootstrap = nil
	}

	var rd *RoomDiscovery
	if n.cfg.DHTEnabled {
		rd, err = NewRoomDiscovery(n.ctx, h, n.cfg.DHTNamespace, bootstrap, n.cfg.RoomLookupInterval, n.cfg.Metrics)
		if err != nil {
			slog.Warn("node: DHT room discovery disabled", "error", err)
			rd = nil
		} else {
			rooms.OnJoin(rd.SetRoom)
		}
	}

	var md *MDNSDiscovery
	if n.cfg.MDNSEnabled {
		md = NewMDNSDiscovery(h, MDNSOptions{
			Bus:            n.bus,
			Metrics:        n.cfg.Metrics,
			PublicIPv6Only: n.cfg.Network.PublicIPv6Only,
		})
		if err := md.Start(n.ctx); err != nil {
			slog.Warn("node: mDNS discovery disabled", "error", err)
			md = nil
		}
	}

	addrSub, err := h.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		slog.Warn("node: address watcher disabled", "error", err)
	}

	n.mu.Lock()
	n.net, n.ps, n.conns, n.rooms, n.dht, n.mdns = nw, ps, conns, rooms, rd, md
	n.mu.Unlock()

	if addrSub != nil {
		n.wg.Add(1)
		go n.watchAddresses(addrSub)
	}

	if len(bootstrap) > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			bctx, cancel := context.WithTimeout(n.ctx, n.dialTimeout())
			defer cancel()
			connected := connectAll(bctx, h, bootstrap)
			slog.Info("node: bootstrap complete", "connected", connected, "total", len(bootstrap))
		}()
	}

	id := h.ID().String()
	slog.Info("node: initialized", "peer", id, "addrs", len(nw.AddrStrings()))
	n.bus.Emit(Event{Type: EventAddressesChanged, Payload: AddressesChanged{Addresses: nw.AddrStrings()}})
	return id, nil
}

func (n *Node) dialTimeout() time.Duration {
	if n.cfg.DialTimeout > 0 {
		return n.cfg.DialTimeout
	}
	return DefaultDialTimeout
}

// Initialized reports whether Init has succeeded.
func (n *Node) Initialized() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.net != nil
}

// PeerID returns the node's peer ID, or "" before Init.
func (n *Node) PeerID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.net == nil {
		return ""
	}
	return n.net.PeerID().String()
}

// Info returns a best-effort snapshot. Before Init all fields are empty.
func (n *Node) Info() NodeInfo {
	n.mu.RLock()
	nw, conns, rooms := n.net, n.conns, n.rooms
	n.mu.RUnlock()

	info := NodeInfo{
		Addresses:      []string{},
		ConnectedPeers: []string{},
		RoomMembers:    []string{},
	}
	if nw == nil {
		return info
	}
	info.PeerID = nw.PeerID().String()
	info.Addresses = nw.AddrStrings()
	info.ConnectedPeers = conns.ConnectedPeers()
	info.Room = rooms.Room()
	info.RoomMembers = rooms.Members()
	return info
}

// Connections returns the connection manager's snapshot, or nil before Init.
func (n *Node) Connections() []PeerConnectionInfo {
	n.mu.RLock()
	conns := n.conns
	n.mu.RUnlock()
	if conns == nil {
		return nil
	}
	return conns.Connections()
}

// JoinRoom switches the node to room name.
func (n *Node) JoinRoom(ctx context.Context, name string) error {
	if _, err := validate.RoomName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoomName, err)
	}
	n.mu.RLock()
	rooms := n.rooms
	n.mu.RUnlock()
	if rooms == nil {
		return ErrNotInitialized
	}
	return rooms.Join(ctx, name)
}

// SendMessage publishes msg to the joined room. Before Init no room can
// have been joined, so it fails with ErrNotJoined.
func (n *Node) SendMessage(ctx context.Context, msg string) error {
	n.mu.RLock()
	rooms := n.rooms
	n.mu.RUnlock()
	if rooms == nil {
		return ErrNotJoined
	}
	return rooms.Publish(ctx, msg)
}

// ConnectToPeer dials a full /p2p/ multiaddr once.
func (n *Node) ConnectToPeer(ctx context.Context, addr string) error {
	n.mu.RLock()
	nw, conns := n.net, n.conns
	n.mu.RUnlock()

	if nw == nil {
		if _, _, err := ParseDialAddress(addr, ""); err != nil {
			return err
		}
		return ErrNotInitialized
	}
	return conns.Connect(ctx, addr)
}

// Disconnect closes the connection to the peer with the given ID string.
func (n *Node) Disconnect(id string) error {
	pid, err := peer.Decode(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	n.mu.RLock()
	conns := n.conns
	n.mu.RUnlock()
	if conns == nil {
		return ErrNotInitialized
	}
	return conns.Disconnect(pid)
}

// Events subscribes to node events. See EventBus.Subscribe.
func (n *Node) Events(buffer int, types ...string) *Subscription {
	return n.bus.Subscribe(buffer, types...)
}

// Close shuts down every service and the host. It is safe to call more
// than once.
func (n *Node) Close() error {
	n.initMu.Lock()
	defer n.initMu.Unlock()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	nw, conns, rooms, rd, md := n.net, n.conns, n.rooms, n.dht, n.mdns
	n.mu.Unlock()

	var g errgroup.Group
	if rooms != nil {
		g.Go(func() error { rooms.Close(); return nil })
	}
	if rd != nil {
		g.Go(rd.Close)
	}
	if md != nil {
		g.Go(md.Close)
	}
	err := g.Wait()

	n.cancel()
	if conns != nil {
		conns.Close()
	}
	n.wg.Wait()
	if nw != nil {
		if cerr := nw.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	n.bus.Close()
	slog.Info("node: closed")
	return err
}

func (n *Node) watchAddresses(sub event.Subscription) {
	defer n.wg.Done()
	defer sub.Close()
	for {
		select {
		case <-n.ctx.Done():
			return
		case _, ok := <-sub.Out():
			if !ok {
				return
			}
			n.mu.RLock()
			nw := n.net
			n.mu.RUnlock()
			addrs := nw.AddrStrings()
			slog.Debug("node: listen addresses changed", "count", len(addrs))
			n.bus.Emit(Event{Type: EventAddressesChanged, Payload: AddressesChanged{Addresses: addrs}})
		}
	}
}
