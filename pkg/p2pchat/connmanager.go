package p2pchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// DefaultDialTimeout bounds a single connect_to_peer dial.
const DefaultDialTimeout = 10 * time.Second

// ConnState is the lifecycle state of a PeerConnection.
type ConnState int

const (
	StateDialing ConnState = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// PeerConnection tracks one remote peer known to the connection manager.
type PeerConnection struct {
	RemoteID   peer.ID
	RemoteAddr ma.Multiaddr
	State      ConnState
	Direction  network.Direction
	Since      time.Time
}

// PeerConnectionInfo is a read-only snapshot for the daemon API.
type PeerConnectionInfo struct {
	PeerID    string `json:"peer_id"`
	Addr      string `json:"addr,omitempty"`
	State     string `json:"state"`
	Direction string `json:"direction,omitempty"`
	Since     string `json:"since,omitempty"`
}

// ConnManager dials peers on request and tracks the connected peer set.
// Inbound connections and remote disconnects arrive through the libp2p
// event bus. Every connected/disconnected transition emits exactly one
// peers-changed event.
type ConnManager struct {
	host        host.Host
	bus         *EventBus
	metrics     *Metrics
	audit       *AuditLogger
	dialTimeout time.Duration

	mu      sync.RWMutex
	peers   map[peer.ID]*PeerConnection
	dialing map[string]struct{} // canonical multiaddr strings with a dial in flight

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnManager creates a ConnManager. Metrics and audit are optional
// (nil-safe). dialTimeout <= 0 uses DefaultDialTimeout.
func NewConnManager(h host.Host, bus *EventBus, m *Metrics, audit *AuditLogger, dialTimeout time.Duration) *ConnManager {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &ConnManager{
		host:        h,
		bus:         bus,
		metrics:     m,
		audit:       audit,
		dialTimeout: dialTimeout,
		peers:       make(map[peer.ID]*PeerConnection),
		dialing:     make(map[string]struct{}),
	}
}

// Start subscribes to connectedness events and records peers that are
// already connected.
func (cm *ConnManager) Start(ctx context.Context) error {
	sub, err := cm.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return fmt.Errorf("connmgr: event bus subscribe: %w", err)
	}
	cm.ctx, cm.cancel = context.WithCancel(ctx)

	for _, pid := range cm.host.Network().Peers() {
		cm.markConnected(pid, nil)
	}

	cm.wg.Add(1)
	go cm.eventLoop(sub)
	return nil
}

// Close stops the event loop and waits for it to exit.
func (cm *ConnManager) Close() {
	if cm.cancel != nil {
		cm.cancel()
	}
	cm.wg.Wait()
}

// ParseDialAddress validates a connect_to_peer address: a multiaddr with a
// transport part and a /p2p/<peer id> suffix that is not this node.
func ParseDialAddress(addr string, self peer.ID) (ma.Multiaddr, *peer.AddrInfo, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	ai, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: missing /p2p/<peer id> suffix", ErrInvalidAddress)
	}
	if len(ai.Addrs) == 0 {
		return nil, nil, fmt.Errorf("%w: no transport address before /p2p/", ErrInvalidAddress)
	}
	if self != "" && ai.ID == self {
		return nil, nil, fmt.Errorf("%w: address points at this node", ErrInvalidAddress)
	}
	return maddr, ai, nil
}

// Connect performs a single bounded dial to addr. It never retries.
func (cm *ConnManager) Connect(ctx context.Context, addr string) error {
	maddr, ai, err := ParseDialAddress(addr, cm.host.ID())
	if err != nil {
		return err
	}
	key := maddr.String()
	short := shortID(ai.ID)

	cm.mu.Lock()
	if _, busy := cm.dialing[key]; busy {
		cm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDialing, key)
	}
	cm.dialing[key] = struct{}{}
	if _, known := cm.peers[ai.ID]; !known {
		cm.peers[ai.ID] = &PeerConnection{
			RemoteID:   ai.ID,
			RemoteAddr: ai.Addrs[0],
			State:      StateDialing,
			Direction:  network.DirOutbound,
			Since:      time.Now(),
		}
	}
	cm.mu.Unlock()

	defer func() {
		cm.mu.Lock()
		delete(cm.dialing, key)
		cm.mu.Unlock()
	}()

	dctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	slog.Info("connmgr: dialing", "peer", short, "addr", key)
	start := time.Now()
	err = cm.host.Connect(dctx, *ai)
	elapsed := time.Since(start)

	if err != nil {
		cm.mu.Lock()
		if pc, ok := cm.peers[ai.ID]; ok && pc.State == StateDialing {
			delete(cm.peers, ai.ID)
		}
		cm.mu.Unlock()

		result := "unreachable"
		wrapped := fmt.Errorf("%w: %s", ErrUnreachablePeer, truncateError(err.Error()))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(dctx.Err(), context.DeadlineExceeded) {
			result = "timeout"
			wrapped = fmt.Errorf("%w after %s", ErrDialTimeout, cm.dialTimeout)
		}
		slog.Warn("connmgr: dial failed", "peer", short, "result", result, "elapsed", elapsed.Round(time.Millisecond), "error", truncateError(err.Error()))
		cm.recordDial(result, elapsed)
		cm.audit.PeerDial(ai.ID.String(), key, result)
		return wrapped
	}

	if !cm.completeDial(ai.ID, ai.Addrs[0]) {
		slog.Warn("connmgr: connection closed right after dial", "peer", short, "elapsed", elapsed.Round(time.Millisecond))
		cm.recordDial("unreachable", elapsed)
		cm.audit.PeerDial(ai.ID.String(), key, "unreachable")
		return fmt.Errorf("%w: connection closed right after dial", ErrUnreachablePeer)
	}
	slog.Info("connmgr: connected", "peer", short, "elapsed", elapsed.Round(time.Millisecond))
	cm.recordDial("success", elapsed)
	cm.audit.PeerDial(ai.ID.String(), key, "success")
	return nil
}

// Disconnect closes every connection to id. The peer is removed once the
// host reports it as disconnected.
func (cm *ConnManager) Disconnect(id peer.ID) error {
	cm.mu.Lock()
	pc, ok := cm.peers[id]
	if !ok || pc.State != StateConnected {
		cm.mu.Unlock()
		return fmt.Errorf("peer %s is not connected", shortID(id))
	}
	pc.State = StateClosing
	cm.mu.Unlock()

	if err := cm.host.Network().ClosePeer(id); err != nil {
		return fmt.Errorf("close peer %s: %w", shortID(id), err)
	}
	// The event loop normally observes the disconnect; make sure the state
	// settles even when the host already considered the peer gone.
	if cm.host.Network().Connectedness(id) != network.Connected {
		cm.markDisconnected(id)
	}
	return nil
}

// ConnectedPeers returns the sorted IDs of connected peers.
func (cm *ConnManager) ConnectedPeers() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connectedLocked()
}

// IsConnected reports whether id is in the connected set.
func (cm *ConnManager) IsConnected(id peer.ID) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	pc, ok := cm.peers[id]
	return ok && pc.State == StateConnected
}

// Connections returns a snapshot of all tracked peers, including dials in
// flight, sorted by peer ID.
func (cm *ConnManager) Connections() []PeerConnectionInfo {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]PeerConnectionInfo, 0, len(cm.peers))
	for _, pc := range cm.peers {
		info := PeerConnectionInfo{
			PeerID: pc.RemoteID.String(),
			State:  pc.State.String(),
			Since:  pc.Since.UTC().Format(time.RFC3339),
		}
		if pc.RemoteAddr != nil {
			info.Addr = pc.RemoteAddr.String()
		}
		if pc.Direction != network.DirUnknown {
			info.Direction = pc.Direction.String()
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b PeerConnectionInfo) int { return strings.Compare(a.PeerID, b.PeerID) })
	return out
}

func (cm *ConnManager) eventLoop(sub event.Subscription) {
	defer cm.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case evt, ok := <-sub.Out():
			if !ok {
				return
			}
			e := evt.(event.EvtPeerConnectednessChanged)
			switch e.Connectedness {
			case network.Connected:
				cm.markConnected(e.Peer, nil)
			case network.NotConnected:
				cm.markDisconnected(e.Peer)
			}
		}
	}
}

// completeDial records a successful dial to id. A disconnect that arrives
// while the entry is still dialing is dropped by markDisconnected, so the
// host is asked again before and after the entry moves to connected.
func (cm *ConnManager) completeDial(id peer.ID, addr ma.Multiaddr) bool {
	if cm.host.Network().Connectedness(id) != network.Connected {
		cm.mu.Lock()
		if pc, ok := cm.peers[id]; ok && pc.State == StateDialing {
			delete(cm.peers, id)
		}
		cm.mu.Unlock()
		return false
	}
	cm.markConnected(id, addr)
	if cm.host.Network().Connectedness(id) != network.Connected {
		cm.markDisconnected(id)
		return false
	}
	return true
}

// markConnected moves id into the connected state. addr may be nil, in
// which case the remote address of an open connection is recorded.
func (cm *ConnManager) markConnected(id peer.ID, addr ma.Multiaddr) {
	if id == cm.host.ID() {
		return
	}
	dir := network.DirUnknown
	if conns := cm.host.Network().ConnsToPeer(id); len(conns) > 0 {
		if addr == nil {
			addr = conns[0].RemoteMultiaddr()
		}
		dir = conns[0].Stat().Direction
	}

	cm.mu.Lock()
	pc, ok := cm.peers[id]
	if ok && pc.State == StateConnected {
		cm.mu.Unlock()
		return
	}
	if !ok {
		pc = &PeerConnection{RemoteID: id}
		cm.peers[id] = pc
	}
	pc.State = StateConnected
	pc.Since = time.Now()
	if addr != nil {
		pc.RemoteAddr = addr
	}
	if dir != network.DirUnknown {
		pc.Direction = dir
	}
	peers := cm.connectedLocked()
	cm.mu.Unlock()

	slog.Debug("connmgr: peer connected", "peer", shortID(id), "direction", dir)
	cm.publishPeers(peers)
}

func (cm *ConnManager) markDisconnected(id peer.ID) {
	cm.mu.Lock()
	pc, ok := cm.peers[id]
	if !ok || pc.State == StateDialing {
		cm.mu.Unlock()
		return
	}
	delete(cm.peers, id)
	peers := cm.connectedLocked()
	cm.mu.Unlock()

	slog.Debug("connmgr: peer disconnected", "peer", shortID(id))
	cm.publishPeers(peers)
}

func (cm *ConnManager) connectedLocked() []string {
	out := make([]string, 0, len(cm.peers))
	for id, pc := range cm.peers {
		if pc.State == StateConnected {
			out = append(out, id.String())
		}
	}
	slices.Sort(out)
	return out
}

func (cm *ConnManager) publishPeers(peers []string) {
	if cm.metrics != nil {
		cm.metrics.ConnectedPeers.Set(float64(len(peers)))
	}
	if cm.bus != nil {
		cm.bus.Emit(Event{Type: EventPeersChanged, Payload: PeersChanged{Peers: peers}})
	}
}

func (cm *ConnManager) recordDial(result string, elapsed time.Duration) {
	if cm.metrics == nil {
		return
	}
	cm.metrics.DialTotal.WithLabelValues(result).Inc()
	cm.metrics.DialDurationSeconds.WithLabelValues(result).Observe(elapsed.Seconds())
}
