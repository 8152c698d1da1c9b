package blocklist

import (
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// DecisionFunc observes every denied connection with the peer ID and the
// direction ("inbound" or "outbound").
type DecisionFunc func(peerID, direction string)

// Gater is a libp2p ConnectionGater that refuses blocked peers in both
// directions. Unknown peers are always allowed.
type Gater struct {
	mu       sync.RWMutex
	blocked  map[peer.ID]struct{}
	onDenied DecisionFunc
}

// NewGater creates a gater for the given set. A nil set blocks nobody.
func NewGater(blocked map[peer.ID]struct{}) *Gater {
	if blocked == nil {
		blocked = make(map[peer.ID]struct{})
	}
	return &Gater{blocked: blocked}
}

// Blocked reports whether id is on the list.
func (g *Gater) Blocked(id peer.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.blocked[id]
	return ok
}

// Update swaps in a new blocked set, e.g. after the file changed.
func (g *Gater) Update(blocked map[peer.ID]struct{}) {
	if blocked == nil {
		blocked = make(map[peer.ID]struct{})
	}
	g.mu.Lock()
	g.blocked = blocked
	g.mu.Unlock()
	slog.Info("blocklist: updated", "count", len(blocked))
}

// Len returns the number of blocked peers.
func (g *Gater) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.blocked)
}

// OnDenied registers a callback for refused connections.
func (g *Gater) OnDenied(fn DecisionFunc) {
	g.mu.Lock()
	g.onDenied = fn
	g.mu.Unlock()
}

func (g *Gater) deny(id peer.ID, dir string) bool {
	g.mu.RLock()
	_, blocked := g.blocked[id]
	fn := g.onDenied
	g.mu.RUnlock()
	if !blocked {
		return false
	}
	slog.Debug("blocklist: connection refused", "peer", id.String(), "direction", dir)
	if fn != nil {
		fn(id.String(), dir)
	}
	return true
}

func (g *Gater) InterceptPeerDial(p peer.ID) bool {
	return !g.deny(p, "outbound")
}

func (g *Gater) InterceptAddrDial(p peer.ID, _ ma.Multiaddr) bool {
	return !g.deny(p, "outbound")
}

// InterceptAccept runs before the handshake, when the peer ID is not yet
// known.
func (g *Gater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

func (g *Gater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if dir != network.DirInbound {
		return true
	}
	return !g.deny(p, "inbound")
}

func (g *Gater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
